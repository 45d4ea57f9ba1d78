package reduce

import (
	"context"
	"sync"
)

// UpdateResult is what a successful distributed update resolves to. A nil
// *UpdateResult with nil error means "fall back to client-side DML."
type UpdateResult struct {
	AffectedRows int64
}

// distributedUpdateRun is the per-request DML state.
type distributedUpdateRun struct {
	requestID int64
	expected  int

	mu        sync.Mutex
	responded map[string]struct{}
	total     int64
	done      bool
	err       error
	cond      *sync.Cond

	nodes map[string]struct{} // every mapped node, for the node-left handler

	cancelBroadcast sync.Once
}

func newDistributedUpdateRun(id int64, nodes []string) *distributedUpdateRun {
	r := &distributedUpdateRun{
		requestID: id,
		expected:  len(nodes),
		responded: make(map[string]struct{}, len(nodes)),
		nodes:     make(map[string]struct{}, len(nodes)),
	}
	r.cond = sync.NewCond(&r.mu)
	for _, n := range nodes {
		r.nodes[n] = struct{}{}
	}
	return r
}

// contribute records one node's DmlResponse. The completion future resolves
// exactly once: either when every expected node has responded, or earlier
// when a node reports an error, a node departs (nodeGone), or the run is
// cancelled or disconnected.
func (r *distributedUpdateRun) contribute(nodeID string, affected int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	if err != nil {
		r.done = true
		r.err = err
		r.cond.Broadcast()
		return
	}
	if _, already := r.responded[nodeID]; already {
		return
	}
	r.responded[nodeID] = struct{}{}
	r.total += affected
	if len(r.responded) >= r.expected {
		r.done = true
		r.cond.Broadcast()
	}
}

// nodeGone marks nodeID as departed. If the remaining responders (those not
// yet confirmed gone) still fully cover the expected set, the run can still
// complete; otherwise it fails.
func (r *distributedUpdateRun) nodeGone(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	if _, tracked := r.nodes[nodeID]; !tracked {
		return
	}
	delete(r.nodes, nodeID)
	if _, already := r.responded[nodeID]; already {
		return
	}
	// The node left before responding: if at least one node responded and
	// every other expected node has already responded, we can still
	// complete with what we have.
	if len(r.responded) > 0 && len(r.responded) >= len(r.nodes) && allResponded(r.nodes, r.responded) {
		r.done = true
		r.cond.Broadcast()
		return
	}
	r.done = true
	r.err = &MapFailure{NodeID: nodeID, Cause: ErrNodeLeft}
	r.cond.Broadcast()
}

func allResponded(nodes, responded map[string]struct{}) bool {
	for n := range nodes {
		if _, ok := responded[n]; !ok {
			return false
		}
	}
	return true
}

func (r *distributedUpdateRun) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.err = ErrCancelled
	r.cond.Broadcast()
}

func (r *distributedUpdateRun) wait(ctx context.Context) (int64, error) {
	done := make(chan struct{})
	go func() {
		r.mu.Lock()
		for !r.done {
			r.cond.Wait()
		}
		r.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.total, r.err
	case <-ctx.Done():
		r.cancel()
		<-done
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.total, r.err
	}
}

// Update runs the distributed update orchestration: map the statement to
// every owning node, fan it out, and aggregate affected-row counts.
func (red *Reducer) Update(ctx context.Context, schemaName, sql string, params []any, cacheIDs []int32, replicatedOnly bool, mapper PartitionMapper, topo TopologyIndexer, minServerDMLVersion int64, nodeVersions map[string]int64, timeoutMillis int64) (*UpdateResult, error) {
	version, err := topo.ReadyTopologyVersion(ctx)
	if err != nil {
		return nil, err
	}

	id := red.nextRequestID()
	plan := mapper.Map(ctx, cacheIDs, version, nil, replicatedOnly)
	if !plan.OK {
		return nil, ErrMappingExhausted
	}

	nodes := plan.Nodes
	if replicatedOnly {
		nodes = collapseToSingleNode(nodes, red.localNodeID)
	}

	for _, n := range nodes {
		if v, ok := nodeVersions[n]; ok && v < minServerDMLVersion {
			red.cfg.logger.Log(LogLevelWarn, "reduce: node below minimum DML version, falling back to client-side DML", "node", n, "version", v)
			red.metrics().dmlFallback()
			return nil, nil
		}
	}

	run := newDistributedUpdateRun(id, nodes)
	red.updRuns.insert(id, run)
	defer red.updRuns.remove(id)

	req := DmlRequest{
		RequestID:       id,
		TopologyVersion: version,
		SchemaName:      schemaName,
		SQL:             sql,
		Parameters:      params,
		Plan:            plan,
		TimeoutMillis:   timeoutMillis,
	}

	cancelFn := func() {
		run.broadcastCancelOnceFn(func() {
			red.transport.Send(ctx, nodes, QueryCancelRequest{QueryRequestID: id}, nil, true)
		})
	}
	stop := red.watchCancel(ctx, cancelFn)
	defer close(stop)

	ok := red.transport.Send(ctx, nodes, req, nil, true)
	if !ok {
		return nil, errSendFailed
	}

	total, err := run.wait(ctx)
	if err != nil {
		return nil, err
	}
	return &UpdateResult{AffectedRows: total}, nil
}

func (r *distributedUpdateRun) broadcastCancelOnceFn(fn func()) {
	r.cancelBroadcast.Do(fn)
}

func collapseToSingleNode(nodes []string, preferred string) []string {
	if len(nodes) == 0 {
		return nodes
	}
	for _, n := range nodes {
		if n == preferred {
			return []string{n}
		}
	}
	return []string{nodes[0]}
}

// updRunRegistry is the concurrent map of active DML runs, keyed by
// request id.
type updRunRegistry struct {
	mu   sync.RWMutex
	runs map[int64]*distributedUpdateRun
}

func newUpdRunRegistry() *updRunRegistry {
	return &updRunRegistry{runs: make(map[int64]*distributedUpdateRun)}
}

func (u *updRunRegistry) insert(id int64, r *distributedUpdateRun) {
	u.mu.Lock()
	u.runs[id] = r
	u.mu.Unlock()
}

func (u *updRunRegistry) remove(id int64) {
	u.mu.Lock()
	delete(u.runs, id)
	u.mu.Unlock()
}

func (u *updRunRegistry) forEach(fn func(*distributedUpdateRun)) {
	u.mu.RLock()
	snapshot := make([]*distributedUpdateRun, 0, len(u.runs))
	for _, r := range u.runs {
		snapshot = append(snapshot, r)
	}
	u.mu.RUnlock()
	for _, r := range snapshot {
		fn(r)
	}
}
