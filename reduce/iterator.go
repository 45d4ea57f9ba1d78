package reduce

import "context"

// ResultIterator is the public surface consumed by the SQL engine layer:
// a row iterator plus an idempotent Close.
type ResultIterator interface {
	RowIterator
	Close()
}

// release is invoked exactly once when an iterator is closed, whether
// explicitly or because it drained. It is how ownership transfer of remote
// resources and MVCC tracker handles is modeled.
type release func()

// streamingIterator is the skip-merge-table fast path: it drains every
// merge index across nodes directly, without executing the reduce SQL.
type streamingIterator struct {
	iters   []RowIterator
	pos     int
	onClose release
	closed  bool
}

// NewStreamingIterator builds the direct-drain iterator over indexes in
// map-query order. onClose fires once, on the first Close call, regardless
// of whether the iterator was fully drained first: releasing twice yields
// the same final state as releasing once.
func NewStreamingIterator(ctx context.Context, indexes []MergeIndex, onClose release) ResultIterator {
	iters := make([]RowIterator, len(indexes))
	for i, idx := range indexes {
		iters[i] = idx.NewIterator(ctx)
	}
	return &streamingIterator{iters: iters, onClose: onClose}
}

func (s *streamingIterator) Next(ctx context.Context) (Row, bool, error) {
	for s.pos < len(s.iters) {
		row, ok, err := s.iters[s.pos].Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return row, true, nil
		}
		s.pos++
	}
	s.Close()
	return nil, false, nil
}

func (s *streamingIterator) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.onClose != nil {
		s.onClose()
	}
}

// fieldsIterator wraps the local SQL engine's result set for the normal
// (non-explain, non-skip-merge-table) execution path, transferring MVCC
// tracker ownership to the iterator.
type fieldsIterator struct {
	rows    EngineRows
	mvcc    MVCCTracker
	onClose release
	closed  bool
}

func NewFieldsIterator(rows EngineRows, mvcc MVCCTracker, onClose release) ResultIterator {
	return &fieldsIterator{rows: rows, mvcc: mvcc, onClose: onClose}
}

func (f *fieldsIterator) Next(ctx context.Context) (Row, bool, error) {
	row, ok, err := f.rows.Next(ctx)
	if err != nil || !ok {
		f.Close()
	}
	return row, ok, err
}

func (f *fieldsIterator) Close() {
	if f.closed {
		return
	}
	f.closed = true
	_ = f.rows.Close()
	if f.mvcc != nil {
		f.mvcc.Done()
	}
	if f.onClose != nil {
		f.onClose()
	}
}

// explainIterator concatenates each map table's PLAN row with the local
// EXPLAIN of the reduce query.
type explainIterator struct {
	plans  []Row
	pos    int
	onClose release
	closed bool
}

func NewExplainIterator(mapPlans [][]Row, reducePlan []Row, onClose release) ResultIterator {
	var all []Row
	for _, p := range mapPlans {
		all = append(all, p...)
	}
	all = append(all, reducePlan...)
	return &explainIterator{plans: all, onClose: onClose}
}

func (e *explainIterator) Next(ctx context.Context) (Row, bool, error) {
	if e.pos >= len(e.plans) {
		e.Close()
		return nil, false, nil
	}
	row := e.plans[e.pos]
	e.pos++
	return row, true, nil
}

func (e *explainIterator) Close() {
	if e.closed {
		return
	}
	e.closed = true
	if e.onClose != nil {
		e.onClose()
	}
}
