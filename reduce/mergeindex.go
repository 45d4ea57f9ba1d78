package reduce

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
)

// SourceKey identifies one (node, segment) stream feeding a merge index.
type SourceKey struct {
	NodeID    string
	SegmentID int32
}

// PageFetcher issues the next-page request for a source. The executor binds
// this to the transport adapter; it is a no-op if the owning run is already
// terminal or in retry.
type PageFetcher func(ctx context.Context, source SourceKey) error

// RowIterator is the contract every merge index iterator and the top-level
// streaming result both satisfy.
type RowIterator interface {
	// Next returns the next row, or ok=false once the index is exhausted.
	Next(ctx context.Context) (row Row, ok bool, err error)
}

// MergeIndex is the in-memory sink for paged rows from one map query.
type MergeIndex interface {
	// AddPage ingests one arrived page, attributed to its source.
	AddPage(resp NextPageResponse) error
	// FetchedAll reports whether every source has delivered its last page.
	FetchedAll() bool
	// Sources lists the set of (node, segment) streams this index expects.
	Sources() []SourceKey
	// NewIterator returns a fresh row iterator draining the index.
	NewIterator(ctx context.Context) RowIterator
	// Abort marks the index terminal: further fetchNextPage calls and page
	// ingestion both become no-ops, and any blocked iterator unblocks with
	// an error.
	Abort(cause error)
}

type sourceState struct {
	nextPageNumber int
	done           bool // this source has delivered its last page
}

// --- unsorted merge index ------------------------------------------------

type arrivedPage struct {
	source SourceKey
	rows   []Row
	last   bool
}

// unsortedMergeIndex appends pages in arrival order and hands them to the
// iterator as a single concatenated stream.
type unsortedMergeIndex struct {
	mu      sync.Mutex
	cond    *sync.Cond
	sources map[SourceKey]*sourceState
	queue   []arrivedPage
	fetch   PageFetcher
	aborted error
}

// NewUnsortedMergeIndex constructs an index tracking exactly the given
// sources, fetching subsequent pages through fetch.
func NewUnsortedMergeIndex(sources []SourceKey, fetch PageFetcher) MergeIndex {
	idx := &unsortedMergeIndex{
		sources: make(map[SourceKey]*sourceState, len(sources)),
		fetch:   fetch,
	}
	idx.cond = sync.NewCond(&idx.mu)
	for _, s := range sources {
		idx.sources[s] = &sourceState{}
	}
	return idx
}

func (idx *unsortedMergeIndex) Sources() []SourceKey {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]SourceKey, 0, len(idx.sources))
	for s := range idx.sources {
		out = append(out, s)
	}
	return out
}

func (idx *unsortedMergeIndex) AddPage(resp NextPageResponse) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.aborted != nil {
		return nil
	}
	src := SourceKey{NodeID: resp.SourceNodeID, SegmentID: resp.SegmentID}
	st, ok := idx.sources[src]
	if !ok {
		return fmt.Errorf("reduce: page from unknown source %+v", src)
	}
	if st.done {
		return fmt.Errorf("reduce: page received for source %+v after fetchedAll", src)
	}
	if resp.PageNumber != st.nextPageNumber {
		return fmt.Errorf("reduce: out-of-order page for source %+v: got %d want %d", src, resp.PageNumber, st.nextPageNumber)
	}
	st.nextPageNumber++
	st.done = resp.LastPage
	idx.queue = append(idx.queue, arrivedPage{source: src, rows: resp.Rows, last: resp.LastPage})
	idx.cond.Broadcast()
	return nil
}

func (idx *unsortedMergeIndex) FetchedAll() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.fetchedAllLocked()
}

func (idx *unsortedMergeIndex) fetchedAllLocked() bool {
	for _, st := range idx.sources {
		if !st.done {
			return false
		}
	}
	return true
}

func (idx *unsortedMergeIndex) Abort(cause error) {
	idx.mu.Lock()
	if idx.aborted == nil {
		if cause == nil {
			cause = ErrCancelled
		}
		idx.aborted = cause
	}
	idx.cond.Broadcast()
	idx.mu.Unlock()
}

func (idx *unsortedMergeIndex) NewIterator(ctx context.Context) RowIterator {
	return &unsortedIterator{idx: idx}
}

type unsortedIterator struct {
	idx      *unsortedMergeIndex
	curPage  arrivedPage
	curPos   int
	havePage bool
}

func (it *unsortedIterator) Next(ctx context.Context) (Row, bool, error) {
	for {
		if it.havePage && it.curPos < len(it.curPage.rows) {
			row := it.curPage.rows[it.curPos]
			it.curPos++
			if it.curPos == len(it.curPage.rows) {
				it.havePage = false
				if !it.curPage.last {
					// page exhausted, not last: pull the successor before
					// returning so the pipeline keeps flowing.
					_ = it.idx.fetch(ctx, it.curPage.source)
				}
			}
			return row, true, nil
		}

		idx := it.idx
		idx.mu.Lock()
		for len(idx.queue) == 0 && idx.aborted == nil && !idx.fetchedAllLocked() {
			idx.cond.Wait()
		}
		if idx.aborted != nil {
			idx.mu.Unlock()
			return nil, false, idx.aborted
		}
		if len(idx.queue) == 0 {
			idx.mu.Unlock()
			return nil, false, nil
		}
		page := idx.queue[0]
		idx.queue = idx.queue[1:]
		idx.mu.Unlock()

		it.curPage = page
		it.curPos = 0
		it.havePage = len(page.rows) > 0
		if !it.havePage && !page.last {
			_ = idx.fetch(ctx, page.source)
		}
	}
}

// --- sorted merge index ---------------------------------------------------

// Less reports whether row a sorts before row b under the declared sort
// columns. lessFromSortColumns builds one from each column's direction and
// NullsFirst flag; values are compared by their Go type, and the column
// type in ColumnMeta is not consulted.
type Less func(a, b Row) bool

type sortedCursor struct {
	source  SourceKey
	page    arrivedPage
	pos     int
	pending bool // waiting on fetchNextPage to deliver the next page
}

type sortedHeap struct {
	cursors []*sortedCursor
	less    Less
}

func (h *sortedHeap) Len() int { return len(h.cursors) }
func (h *sortedHeap) Less(i, j int) bool {
	return h.less(h.cursors[i].page.rows[h.cursors[i].pos], h.cursors[j].page.rows[h.cursors[j].pos])
}
func (h *sortedHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *sortedHeap) Push(x any)    { h.cursors = append(h.cursors, x.(*sortedCursor)) }
func (h *sortedHeap) Pop() any {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	h.cursors = old[:n-1]
	return c
}

// sortedMergeIndex maintains a k-way merge across per-source page streams,
// materializing the head of each source's current page before an output
// row is produced.
type sortedMergeIndex struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sources  map[SourceKey]*sourceState
	pending  map[SourceKey]arrivedPage // pages that arrived while waiting
	fetch    PageFetcher
	less     Less
	aborted  error
}

// NewSortedMergeIndex constructs a sorted index; less defines the k-way
// merge ordering.
func NewSortedMergeIndex(sources []SourceKey, fetch PageFetcher, less Less) MergeIndex {
	idx := &sortedMergeIndex{
		sources: make(map[SourceKey]*sourceState, len(sources)),
		pending: make(map[SourceKey]arrivedPage),
		fetch:   fetch,
		less:    less,
	}
	idx.cond = sync.NewCond(&idx.mu)
	for _, s := range sources {
		idx.sources[s] = &sourceState{}
	}
	return idx
}

func (idx *sortedMergeIndex) Sources() []SourceKey {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]SourceKey, 0, len(idx.sources))
	for s := range idx.sources {
		out = append(out, s)
	}
	return out
}

func (idx *sortedMergeIndex) AddPage(resp NextPageResponse) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.aborted != nil {
		return nil
	}
	src := SourceKey{NodeID: resp.SourceNodeID, SegmentID: resp.SegmentID}
	st, ok := idx.sources[src]
	if !ok {
		return fmt.Errorf("reduce: page from unknown source %+v", src)
	}
	if st.done {
		return fmt.Errorf("reduce: page received for source %+v after fetchedAll", src)
	}
	if resp.PageNumber != st.nextPageNumber {
		return fmt.Errorf("reduce: out-of-order page for source %+v: got %d want %d", src, resp.PageNumber, st.nextPageNumber)
	}
	st.nextPageNumber++
	st.done = resp.LastPage
	idx.pending[src] = arrivedPage{source: src, rows: resp.Rows, last: resp.LastPage}
	idx.cond.Broadcast()
	return nil
}

func (idx *sortedMergeIndex) FetchedAll() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, st := range idx.sources {
		if !st.done {
			return false
		}
	}
	return true
}

func (idx *sortedMergeIndex) Abort(cause error) {
	idx.mu.Lock()
	if idx.aborted == nil {
		if cause == nil {
			cause = ErrCancelled
		}
		idx.aborted = cause
	}
	idx.cond.Broadcast()
	idx.mu.Unlock()
}

func (idx *sortedMergeIndex) NewIterator(ctx context.Context) RowIterator {
	h := &sortedHeap{less: idx.less}
	it := &sortedIterator{idx: idx, heap: h, primed: make(map[SourceKey]bool)}
	return it
}

type sortedIterator struct {
	idx    *sortedMergeIndex
	heap   *sortedHeap
	primed map[SourceKey]bool // sources already pushed into the heap or exhausted
}

// prime ensures every source has either a cursor in the heap, is exhausted,
// or has an outstanding fetch in flight; it blocks until each unprimed
// source's first page has arrived.
func (it *sortedIterator) prime(ctx context.Context) error {
	idx := it.idx
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for src, st := range idx.sources {
		if it.primed[src] {
			continue
		}
		for {
			if idx.aborted != nil {
				return idx.aborted
			}
			if page, ok := idx.pending[src]; ok {
				delete(idx.pending, src)
				it.primed[src] = true
				if len(page.rows) > 0 {
					heap.Push(it.heap, &sortedCursor{source: src, page: page})
				} else if !page.last {
					idx.mu.Unlock()
					_ = idx.fetch(ctx, src)
					idx.mu.Lock()
					continue
				}
				break
			}
			if st.done && st.nextPageNumber == 0 {
				// source finished with zero pages.
				it.primed[src] = true
				break
			}
			idx.cond.Wait()
		}
	}
	return nil
}

func (it *sortedIterator) Next(ctx context.Context) (Row, bool, error) {
	if err := it.prime(ctx); err != nil {
		return nil, false, err
	}
	if it.heap.Len() == 0 {
		return nil, false, nil
	}

	top := it.heap.cursors[0]
	row := top.page.rows[top.pos]
	top.pos++

	if top.pos < len(top.page.rows) {
		heap.Fix(it.heap, 0)
		return row, true, nil
	}

	heap.Pop(it.heap)
	if top.page.last {
		return row, true, nil
	}

	idx := it.idx
	_ = idx.fetch(ctx, top.source)

	idx.mu.Lock()
	for {
		if idx.aborted != nil {
			idx.mu.Unlock()
			return nil, false, idx.aborted
		}
		if next, ok := idx.pending[top.source]; ok {
			delete(idx.pending, top.source)
			idx.mu.Unlock()
			if len(next.rows) > 0 {
				heap.Push(it.heap, &sortedCursor{source: top.source, page: next})
			} else if !next.last {
				_ = idx.fetch(ctx, top.source)
				idx.mu.Lock()
				continue
			}
			return row, true, nil
		}
		idx.cond.Wait()
	}
}
