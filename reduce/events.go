package reduce

import "context"

// ReconnectFuture is the handle a client-disconnect event carries so callers
// can await reconnection. OnDisconnected accepts it but does not attach it
// to the errors it raises; this package never resolves it.
type ReconnectFuture interface {
	Done() <-chan struct{}
}

// OnNodeLeft and OnNodeFailed both handle cluster membership loss: for
// every active reduce run naming the departed node as a source, transition
// to retry; for every active DML run, mark the node gone and let its own
// completion logic decide fail vs. complete.
func (red *Reducer) OnNodeLeft(ctx context.Context, nodeID string, topologyVersion int64) {
	red.handleNodeGone(ctx, nodeID, topologyVersion)
}

func (red *Reducer) OnNodeFailed(ctx context.Context, nodeID string, topologyVersion int64) {
	red.handleNodeGone(ctx, nodeID, topologyVersion)
}

func (red *Reducer) handleNodeGone(ctx context.Context, nodeID string, topologyVersion int64) {
	red.runs.forEach(func(run *QueryRun) {
		if run.IsTerminal() {
			return
		}
		if run.hasSourceNode(nodeID) {
			red.metrics().nodeLeftRetry()
			run.transitionRetry(topologyVersion, nodeID, ErrNodeLeft)
		}
	})
	red.updRuns.forEach(func(run *distributedUpdateRun) {
		run.nodeGone(nodeID)
	})
}

// OnDisconnected fails every active run and DML run with
// ErrClientDisconnected. The reconnect future is not carried by that error.
func (red *Reducer) OnDisconnected(reconnect ReconnectFuture) {
	red.runs.forEach(func(run *QueryRun) {
		run.transitionDisconnected()
	})
	red.updRuns.forEach(func(run *distributedUpdateRun) {
		run.mu.Lock()
		if !run.done {
			run.done = true
			run.err = ErrClientDisconnected
			run.cond.Broadcast()
		}
		run.mu.Unlock()
	})
}
