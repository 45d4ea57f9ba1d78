package reduce

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Reducer is the reduce-side coordinator: it owns the run/update-run
// registries, the fake table registry, the request id generator, and the
// public surface the SQL engine layer calls into.
type Reducer struct {
	cfg cfg

	transport   *Transport
	discovery   Discovery
	sqlEngine   SQLEngine
	localNodeID string

	runs       *runRegistry
	updRuns    *updRunRegistry
	fakeTables *FakeTableRegistry

	qryIDGen atomic.Int64

	// fetchGroup collapses concurrent fetchNextPage calls for the same
	// (run, node, mapQuery, segment) key into a single dispatched request,
	// so a slow source is only asked once.
	fetchGroup singleflight.Group
}

// NewReducer wires a Reducer around its external collaborators.
func NewReducer(transport *Transport, discovery Discovery, sqlEngine SQLEngine, localNodeID string, opts ...Opt) *Reducer {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}

	red := &Reducer{
		cfg:         c,
		transport:   transport,
		discovery:   discovery,
		sqlEngine:   sqlEngine,
		localNodeID: localNodeID,
		runs:        newRunRegistry(c.logger),
		updRuns:     newUpdRunRegistry(),
		fakeTables:  NewFakeTableRegistry(),
	}
	transport.bindHandlers(red.handleNextPage, red.handleFail, red.handleDml)
	if c.fanoutConcurrency > 0 {
		transport.concurrency = c.fanoutConcurrency
	}
	return red
}

func (red *Reducer) nextRequestID() int64 { return red.qryIDGen.Add(1) }

func (red *Reducer) metrics() *Metrics { return red.cfg.metrics }

// watchCancel spawns a goroutine that invokes fn exactly once if ctx is
// cancelled before the returned stop channel is closed. Update defers
// close(stop); Query closes it when the run is released, which for a
// delivered result happens when its iterator is closed or drained.
func (red *Reducer) watchCancel(ctx context.Context, fn func()) chan struct{} {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			fn()
		case <-stop:
		}
	}()
	return stop
}

// handleNextPage ingests a NextPageResponse into the owning run's merge
// index, decrementing the latch on first pages.
func (red *Reducer) handleNextPage(ctx context.Context, resp NextPageResponse) error {
	run, err := red.runs.get(resp.QueryRequestID)
	if err != nil {
		return nil // unknown/already-released request id: no-op
	}

	if resp.Retry {
		run.transitionRetry(run.dispatchedTopologyVersion(), resp.SourceNodeID, resp.RetryCause)
		return nil
	}

	if run.IsTerminal() {
		return nil
	}

	if resp.MapQueryIndex < 0 || resp.MapQueryIndex >= len(run.mergeIndexes) {
		return nil
	}
	idx := run.mergeIndexes[resp.MapQueryIndex]
	if err := idx.AddPage(resp); err != nil {
		run.transitionFailed(err)
		return err
	}

	if resp.PageNumber == 0 {
		run.latch.countDown()
	}

	if run.forUpdateFuture != nil && resp.AllRowsForUpdate != nil {
		run.forUpdateFuture.contribute(resp.AllRowsForUpdate)
	}

	return nil
}

// handleFail transitions the owning run to Failed.
func (red *Reducer) handleFail(ctx context.Context, resp FailResponse) error {
	run, lookupErr := red.runs.get(resp.QueryRequestID)
	if lookupErr != nil {
		return nil
	}

	var err error
	if resp.FailCode == FailCancelledByOriginator {
		err = errors.Join(ErrCancelled, errors.New(resp.ErrorMessage))
	} else {
		err = &MapFailure{NodeID: resp.SourceNodeID, Cause: errors.New(resp.ErrorMessage)}
	}
	run.transitionFailed(err)
	if run.forUpdateFuture != nil {
		run.forUpdateFuture.fail(err)
	}
	return nil
}

// handleDml contributes one node's DmlResponse to its distributed update
// run.
func (red *Reducer) handleDml(ctx context.Context, resp DmlResponse) error {
	run, ok := red.updRuns.get(resp.RequestID)
	if !ok {
		return nil
	}
	var err error
	if resp.ErrorMessage != "" {
		err = errors.New(resp.ErrorMessage)
	}
	run.contribute(resp.SourceNodeID, resp.AffectedRows, err)
	return nil
}

// OnMessage is the inbound demultiplexer the messaging layer calls.
func (red *Reducer) OnMessage(ctx context.Context, sourceNodeID string, msg any) error {
	return red.transport.OnMessage(ctx, sourceNodeID, msg)
}

func (u *updRunRegistry) get(id int64) (*distributedUpdateRun, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	r, ok := u.runs[id]
	return r, ok
}
