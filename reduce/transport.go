package reduce

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Specialize produces a node-specific variant of msg, e.g. to attach
// per-node partitions or per-node transaction details.
type Specialize func(nodeID string, msg any) any

// Sender is the messaging-layer port: topic-based send to a named node.
// The real implementation lives outside this package; this
// package only ever calls Send.
type Sender interface {
	Send(ctx context.Context, nodeID string, msg any) error
}

// Transport is the Message Transport Adapter.
type Transport struct {
	sender      Sender
	localNodeID string
	localExec   MapExecutor
	concurrency int

	// busy guards dispatch against shutdown: readers (onMessage) take RLock,
	// Close takes the write lock so in-flight dispatches drain first.
	busy   sync.RWMutex
	closed bool

	onNextPage func(context.Context, NextPageResponse) error
	onFail     func(context.Context, FailResponse) error
	onDml      func(context.Context, DmlResponse) error
}

// NewTransport constructs a Transport. localNodeID identifies which
// recipient should be dispatched in-process via localExec instead of over
// sender; concurrency bounds parallel fan-out (0 = unbounded).
func NewTransport(sender Sender, localNodeID string, localExec MapExecutor, concurrency int) *Transport {
	return &Transport{
		sender:      sender,
		localNodeID: localNodeID,
		localExec:   localExec,
		concurrency: concurrency,
	}
}

// bindHandlers wires the reducer's inbound dispatch targets. Called once by
// the Reducer constructor.
func (t *Transport) bindHandlers(onNextPage func(context.Context, NextPageResponse) error, onFail func(context.Context, FailResponse) error, onDml func(context.Context, DmlResponse) error) {
	t.onNextPage = onNextPage
	t.onFail = onFail
	t.onDml = onDml
}

// Send delivers msg to every node in nodes, applying specialize per
// recipient if non-nil. Local-node deliveries bypass sender and invoke
// localExec directly. It returns true iff every delivery succeeded.
func (t *Transport) Send(ctx context.Context, nodes []string, msg any, specialize Specialize, runLocalInParallel bool) bool {
	g, gctx := errgroup.WithContext(ctx)
	if t.concurrency > 0 {
		g.SetLimit(t.concurrency)
	}

	for _, node := range nodes {
		node := node
		payload := msg
		if specialize != nil {
			payload = specialize(node, msg)
		}

		if node == t.localNodeID {
			if runLocalInParallel {
				g.Go(func() error { return t.deliverLocal(gctx, payload) })
			} else if err := t.deliverLocal(gctx, payload); err != nil {
				return false
			}
			continue
		}

		g.Go(func() error { return t.sender.Send(gctx, node, payload) })
	}

	return g.Wait() == nil
}

func (t *Transport) deliverLocal(ctx context.Context, payload any) error {
	switch m := payload.(type) {
	case QueryRequest:
		return t.localExec.ExecuteQuery(ctx, m)
	case *QueryRequest:
		return t.localExec.ExecuteQuery(ctx, *m)
	case NextPageRequest:
		return t.localExec.ExecuteNextPage(ctx, m)
	case *NextPageRequest:
		return t.localExec.ExecuteNextPage(ctx, *m)
	case DmlRequest:
		return t.localExec.ExecuteDml(ctx, m)
	case *DmlRequest:
		return t.localExec.ExecuteDml(ctx, *m)
	case QueryCancelRequest:
		return t.localExec.CancelQuery(ctx, m)
	case *QueryCancelRequest:
		return t.localExec.CancelQuery(ctx, *m)
	default:
		return nil
	}
}

// OnMessage dispatches an inbound message by kind, stamping sourceNodeID
// onto it. It does not check whether sourceNodeID is still a live cluster
// member: the handlers drop messages whose request id is not in their
// registry, and a page from a node that is not a source of its merge index
// fails the run.
func (t *Transport) OnMessage(ctx context.Context, sourceNodeID string, msg any) error {
	t.busy.RLock()
	defer t.busy.RUnlock()
	if t.closed {
		return nil
	}

	switch m := msg.(type) {
	case NextPageResponse:
		m.SourceNodeID = sourceNodeID
		return t.onNextPage(ctx, m)
	case FailResponse:
		m.SourceNodeID = sourceNodeID
		return t.onFail(ctx, m)
	case DmlResponse:
		m.SourceNodeID = sourceNodeID
		return t.onDml(ctx, m)
	default:
		return nil
	}
}

// Close blocks until in-flight OnMessage dispatches drain, then marks the
// transport closed so subsequent messages are dropped.
func (t *Transport) Close() {
	t.busy.Lock()
	t.closed = true
	t.busy.Unlock()
}
