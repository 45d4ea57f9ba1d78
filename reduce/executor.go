package reduce

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueryParams bundles every input the reduce query executor needs.
// Cancellation rides the standard context.Context rather than a bespoke
// token type.
type QueryParams struct {
	SchemaName string
	Split      SplitQuery
	KeepBinary bool
	TimeoutMillis int64
	Parameters []any

	ExplicitPartitions map[int][]int32
	Lazy               bool
	MVCC               MVCCTracker
	DataPageScan       *bool // optional override

	Transaction Transaction // non-nil only for for-update queries

	Conn     SQLConnection
	Mapper   PartitionMapper
	Topology TopologyIndexer

	// ParallelismPerCache maps a cache id to its configured query
	// parallelism; segmentsPerIndex is read from the first partitioned map
	// query's first cache id.
	ParallelismPerCache map[int32]int
}

// Query is the public entry point: it runs a two-step query to completion,
// retrying on topology churn until it either succeeds or the retry timeout
// is exceeded.
func (red *Reducer) Query(ctx context.Context, p QueryParams) (ResultIterator, error) {
	if p.Split.SkipMergeTable && p.Split.Explain {
		return nil, ErrSkipMergeTableWithExplain
	}
	if p.Split.ReplicatedOnly && len(p.ExplicitPartitions) > 0 {
		return nil, ErrReplicatedPartitionsUnsupported
	}

	retryTimeout := red.cfg.retryTimeout
	if p.TimeoutMillis > 0 {
		retryTimeout = time.Duration(p.TimeoutMillis) * time.Millisecond
	}

	start := time.Now()
	var lastCause error
	var lastNode string
	attempt := 0

	for {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ErrCancelled
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		if time.Since(start) > retryTimeout {
			return nil, &MappingExhaustedError{LastNode: lastNode, LastCause: lastCause, Attempts: attempt}
		}
		red.metrics().retryAttempted()

		iter, retry, cause, node, err := red.attemptQuery(ctx, p)
		if err != nil {
			return nil, err
		}
		if retry {
			lastCause, lastNode = cause, node
			attempt++
			continue
		}
		return iter, nil
	}
}

// attemptQuery runs one iteration of the retry loop: topology snapshot,
// partition mapping, merge index/table assembly, fan-out, and await.
// retry=true means the caller should loop again.
func (red *Reducer) attemptQuery(ctx context.Context, p QueryParams) (iter ResultIterator, retry bool, cause error, node string, err error) {
	// Step 2: topology snapshot.
	var topologyVersion int64
	var clientFirst bool
	if p.Split.ForUpdate && p.Transaction != nil {
		v, cf, terr := p.Transaction.TopologyFuture(ctx)
		if terr != nil {
			return nil, false, nil, "", terr
		}
		topologyVersion, clientFirst = v, cf
		if locked, ok := p.Transaction.LockedTopologyVersion(); ok && locked != v {
			return nil, false, nil, "", ErrTransactionalTopologyChanged
		}
	} else {
		v, terr := p.Topology.ReadyTopologyVersion(ctx)
		if terr != nil {
			return nil, false, nil, "", terr
		}
		topologyVersion = v
	}

	// Step 3: partition mapping.
	var nodes []string
	var plan PartitionPlan
	if p.Split.Local {
		nodes = []string{red.localNodeID}
		plan = PartitionPlan{OK: true, Nodes: nodes}
	} else {
		plan = p.Mapper.Map(ctx, p.Split.CacheIDs, topologyVersion, p.ExplicitPartitions, p.Split.ReplicatedOnly)
		if !plan.OK {
			return nil, true, errMapperUnstable, "", nil
		}
		nodes = plan.Nodes
	}
	if p.Split.ReplicatedOnly || p.Split.Explain {
		nodes = collapseToSingleNode(nodes, red.localNodeID)
	}
	if len(nodes) == 0 {
		return nil, true, errMapperUnstable, "", nil
	}

	// Step 5: merge table / index assembly.
	segmentsPerIndex := 1
	if !p.Split.ReplicatedOnly && !p.Split.Explain {
		segmentsPerIndex = parallelismForFirstPartitionedCache(p)
	}

	id := red.nextRequestID()
	mergeIndexes := make([]MergeIndex, len(p.Split.MapQueries))
	mergeTables := make([]*MergeTable, len(p.Split.MapQueries))
	nodeSet := make(map[string]struct{})
	var partitionedCount, replicatedCount int

	for i, mq := range p.Split.MapQueries {
		i, mq := i, mq
		var sources []SourceKey
		if mq.Partitioned {
			for _, n := range nodes {
				for seg := int32(0); seg < int32(segmentsPerIndex); seg++ {
					sources = append(sources, SourceKey{NodeID: n, SegmentID: seg})
					nodeSet[n] = struct{}{}
				}
			}
			partitionedCount++
		} else {
			n := nodes[rand.Intn(len(nodes))]
			sources = []SourceKey{{NodeID: n, SegmentID: 0}}
			nodeSet[n] = struct{}{}
			replicatedCount++
		}

		fetch := red.pageFetcher(id, i, red.cfg.pageSize, p.dataPageScanFor(i))

		var idx MergeIndex
		switch {
		case p.Split.SkipMergeTable:
			idx = NewUnsortedMergeIndex(sources, fetch)
		case len(mq.SortColumns) > 0:
			idx = NewSortedMergeIndex(sources, fetch, lessFromSortColumns(mq.SortColumns, mq.Columns))
		default:
			idx = NewUnsortedMergeIndex(sources, fetch)
		}
		mergeIndexes[i] = idx

		if !p.Split.SkipMergeTable {
			mergeTables[i] = NewMergeTable(i, mq.Columns, idx, p.Split.Explain, mq.SortColumns)
		}
	}

	if !p.Split.SkipMergeTable {
		for i, t := range mergeTables {
			slot := BindMergeTable(red.fakeTables, i, t)
			if err := red.sqlEngine.BindTable(p.Conn, canonicalName(i), slot); err != nil {
				return nil, false, nil, "", err
			}
		}
	}

	// Step 6: latch sizing.
	latchCount := partitionedCount*len(nodes)*segmentsPerIndex + replicatedCount
	if p.Split.ReplicatedOnly {
		latchCount = 1
	}

	run := newQueryRun(id, p.Conn, red.cfg.pageSize, mergeIndexes, nodeSet, latchCount, topologyVersion)
	if p.Split.ForUpdate {
		run.forUpdateFuture = newForUpdateFuture(latchCount)
	}
	red.runs.insert(run)
	red.metrics().runStarted()

	// Step 7: request construction.
	mapQueriesSQL := make([]string, len(p.Split.MapQueries))
	for i, mq := range p.Split.MapQueries {
		if p.Split.Explain {
			mapQueriesSQL[i] = "EXPLAIN " + mq.SQL
		} else {
			mapQueriesSQL[i] = mq.SQL
		}
	}

	var mvccSnapshot any
	switch {
	case p.Split.ForUpdate && p.Transaction != nil:
		snap, snapErr := p.Transaction.Snapshot(ctx)
		if snapErr != nil {
			return nil, false, nil, "", snapErr
		}
		mvccSnapshot = snap
	case p.MVCC != nil:
		mvccSnapshot = p.MVCC.Snapshot()
	}

	var tables []string
	if p.Split.DistributedJoins {
		tables = p.Split.Tables
	}

	req := QueryRequest{
		QueryRequestID:   id,
		TopologyVersion:  topologyVersion,
		PageSize:         red.cfg.pageSize,
		CacheIDs:         p.Split.CacheIDs,
		Tables:           tables,
		Plan:             plan,
		MapQueries:       mapQueriesSQL,
		Parameters:       p.Parameters,
		EnforceJoinOrder: true, // always set on the map side
		DistributedJoins: p.Split.DistributedJoins,
		Local:            p.Split.Local,
		Explain:          p.Split.Explain,
		Replicated:       p.Split.ReplicatedOnly,
		Lazy:             p.Lazy && len(p.Split.MapQueries) == 1,
		TimeoutMillis:    p.TimeoutMillis,
		SchemaName:       p.SchemaName,
		MVCCSnapshot:     mvccSnapshot,
	}

	stop := red.watchCancel(ctx, func() {
		run.broadcastCancelOnce(func() {
			red.metrics().cancelled()
			red.transport.Send(context.Background(), nodes, QueryCancelRequest{QueryRequestID: id}, nil, true)
		})
	})

	release := func() {
		close(stop)
		red.releaseRun(run, nodes, p.Split.DistributedJoins, p.Split.SkipMergeTable)
	}

	// Step 8: for-update specialization.
	var specialize Specialize
	if p.Split.ForUpdate && p.Transaction != nil {
		var counterMu sync.Mutex
		var counter int64
		specialize = func(nodeID string, msg any) any {
			qr := msg.(QueryRequest)
			counterMu.Lock()
			counter++
			c := counter
			counterMu.Unlock()
			qr.ForUpdate = &ForUpdateDetails{
				ThreadID:      p.Transaction.ThreadID(),
				RequestUUID:   uuid.New().String(),
				Counter:       c,
				SubjectID:     p.Transaction.SubjectID(),
				XID:           p.Transaction.XID(),
				TaskNameHash:  p.Transaction.TaskNameHash(),
				ClientFirst:   clientFirst,
				TimeRemaining: time.Duration(p.Transaction.TimeRemaining()) * time.Millisecond,
			}
			return qr
		}
	}

	// Step 9: dispatch & wait.
	if ok := red.transport.Send(ctx, nodes, req, specialize, false); !ok {
		close(stop)
		red.releaseRun(run, nodes, p.Split.DistributedJoins, p.Split.SkipMergeTable)
		return nil, true, errSendFailed, "", nil
	}

	waitStart := time.Now()
	red.awaitReplies(ctx, run, nodes)
	red.metrics().observeLatchWait(time.Since(waitStart).Seconds())

	state, retryInfo, failErr := run.State()
	switch state {
	case RunRetry:
		close(stop)
		red.releaseRun(run, nodes, p.Split.DistributedJoins, p.Split.SkipMergeTable)
		if p.MVCC != nil {
			p.MVCC.Done()
		}
		if p.Topology != nil {
			_ = p.Topology.AwaitTopologyVersion(ctx, retryInfo.TopologyVersion)
		}
		return nil, true, retryInfo.Cause, retryInfo.NodeID, nil
	case RunFailed, RunDisconnected:
		close(stop)
		red.releaseRun(run, nodes, p.Split.DistributedJoins, p.Split.SkipMergeTable)
		if p.MVCC != nil {
			p.MVCC.Done()
		}
		if errors.Is(failErr, ErrClientDisconnected) || state == RunDisconnected {
			return nil, false, nil, "", ErrClientDisconnected
		}
		if errors.Is(failErr, ErrCancelled) {
			return nil, false, nil, "", ErrCancelled
		}
		return nil, false, nil, "", failErr
	}

	// Step 10: result delivery.
	if p.Split.SkipMergeTable {
		return NewStreamingIterator(ctx, mergeIndexes, release), false, nil, "", nil
	}

	if p.Split.Explain {
		mapPlans := make([][]Row, len(mergeTables))
		for i := range mergeTables {
			rows, execErr := red.sqlEngine.ExecuteReduce(ctx, p.Conn, fmt.Sprintf("SELECT PLAN FROM %s", canonicalName(i)), nil, p.Split.EnforceJoinOrder)
			if execErr != nil {
				release()
				return nil, false, nil, "", execErr
			}
			mapPlans[i] = drainAll(ctx, rows)
		}
		reduceRows, execErr := red.sqlEngine.ExecuteReduce(ctx, p.Conn, "EXPLAIN "+p.Split.ReduceSQL, p.Parameters, p.Split.EnforceJoinOrder)
		if execErr != nil {
			release()
			return nil, false, nil, "", execErr
		}
		reducePlan := drainAll(ctx, reduceRows)
		return NewExplainIterator(mapPlans, reducePlan, release), false, nil, "", nil
	}

	rows, execErr := red.sqlEngine.ExecuteReduce(ctx, p.Conn, p.Split.ReduceSQL, p.Parameters, p.Split.EnforceJoinOrder)
	if execErr != nil {
		release()
		return nil, false, nil, "", execErr
	}
	return NewFieldsIterator(rows, p.MVCC, release), false, nil, "", nil
}

// drainAll reads every remaining row from rows and closes it. Used for the
// explain path's SELECT PLAN FROM T___i sub-queries, which are small and
// fully consumed before the outer explain iterator is built.
func drainAll(ctx context.Context, rows EngineRows) []Row {
	defer rows.Close()
	var out []Row
	for {
		row, ok, err := rows.Next(ctx)
		if err != nil || !ok {
			return out
		}
		out = append(out, row)
	}
}

// pageFetcher builds the fetchNextPage callback for one (run, mapQueryIndex)
// pair. It looks the run up by id at call time rather than closing over the
// run pointer directly, so pages only ever capture a stable request id and
// node handle instead of a pointer back into the orchestrator. Concurrent
// calls for the same (run, node, mapQuery, segment) collapse into a single
// dispatched request via the reducer's singleflight group, so a slow source
// is only asked once.
func (red *Reducer) pageFetcher(id int64, mapQueryIndex int, pageSize int, dataPageScan bool) PageFetcher {
	return func(ctx context.Context, src SourceKey) error {
		run, err := red.runs.get(id)
		if err != nil {
			return nil
		}
		if run.IsTerminal() {
			return nil
		}
		if state, _, _ := run.State(); state == RunRetry {
			return nil
		}

		key := fmt.Sprintf("%d:%s:%d:%d", id, src.NodeID, mapQueryIndex, src.SegmentID)
		_, err, _ = red.fetchGroup.Do(key, func() (any, error) {
			req := NextPageRequest{
				QueryRequestID: id,
				MapQueryIndex:  mapQueryIndex,
				SegmentID:      src.SegmentID,
				PageSize:       pageSize,
				DataPageScan:   dataPageScan,
			}
			if ok := red.transport.Send(ctx, []string{src.NodeID}, req, nil, false); !ok {
				return nil, errSendFailed
			}
			return nil, nil
		})
		return err
	}
}

// awaitReplies blocks on the run's latch with 500ms liveness polling.
func (red *Reducer) awaitReplies(ctx context.Context, run *QueryRun, nodes []string) {
	run.latch.waitWithPoll(func() bool {
		select {
		case <-ctx.Done():
			run.transitionFailed(ErrCancelled)
			return true
		default:
		}
		for _, n := range nodes {
			if !red.discovery.IsAlive(n) {
				red.metrics().nodeLeftRetry()
				run.transitionRetry(run.dispatchedTopologyVersion(), n, ErrNodeLeft)
				return true
			}
		}
		return false
	}, make(chan struct{}))
}

// releaseRun broadcasts a cancel if distributed joins are enabled or any
// index has unread data, removes the run from the registry, and nulls out
// bound merge table slots.
func (red *Reducer) releaseRun(run *QueryRun, nodes []string, distributedJoins bool, skipMergeTable bool) {
	hasUnread := false
	for _, idx := range run.mergeIndexes {
		if !idx.FetchedAll() {
			hasUnread = true
			break
		}
	}
	if distributedJoins || hasUnread {
		run.broadcastCancelOnce(func() {
			red.metrics().cancelled()
			red.transport.Send(context.Background(), nodes, QueryCancelRequest{QueryRequestID: run.RequestID}, nil, true)
		})
	}

	red.runs.remove(run.RequestID)
	red.metrics().runFinished()

	if !skipMergeTable {
		for i := range run.mergeIndexes {
			ReleaseSlot(red.fakeTables, i)
		}
	}
}

func parallelismForFirstPartitionedCache(p QueryParams) int {
	for _, mq := range p.Split.MapQueries {
		if mq.Partitioned && len(mq.CacheIDs) > 0 {
			if v, ok := p.ParallelismPerCache[mq.CacheIDs[0]]; ok && v > 0 {
				return v
			}
			return 1
		}
	}
	return 1
}

func (p QueryParams) dataPageScanFor(mapQueryIndex int) bool {
	if p.DataPageScan != nil {
		return *p.DataPageScan
	}
	return false
}

// lessFromSortColumns builds a Less comparator over Row values positioned
// according to columns, honoring each sort column's direction and
// nulls-ordering.
func lessFromSortColumns(sortCols []SortColumn, columns []ColumnMeta) Less {
	positions := make([]int, len(sortCols))
	for i, sc := range sortCols {
		positions[i] = -1
		for j, c := range columns {
			if c.Name == sc.Name {
				positions[i] = j
				break
			}
		}
	}
	return func(a, b Row) bool {
		for k, pos := range positions {
			if pos < 0 || pos >= len(a) || pos >= len(b) {
				continue
			}
			cmp := compareValues(a[pos], b[pos], sortCols[k].NullsFirst)
			if cmp == 0 {
				continue
			}
			if sortCols[k].Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	}
}

// compareValues orders av against bv, returning <0, 0, >0. nulls-ordering
// follows nullsFirst; beyond that it supports the handful of scalar types a
// merge comparator needs and falls back to string comparison, since full
// type-aware collation is the local SQL engine's responsibility.
func compareValues(av, bv any, nullsFirst bool) int {
	if av == nil && bv == nil {
		return 0
	}
	if av == nil {
		if nullsFirst {
			return -1
		}
		return 1
	}
	if bv == nil {
		if nullsFirst {
			return 1
		}
		return -1
	}

	switch a := av.(type) {
	case int64:
		if b, ok := bv.(int64); ok {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		}
	case float64:
		if b, ok := bv.(float64); ok {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		}
	case string:
		if b, ok := bv.(string); ok {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		}
	}

	as, bs := fmt.Sprint(av), fmt.Sprint(bv)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
