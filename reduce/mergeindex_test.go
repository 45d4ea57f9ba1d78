package reduce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopFetch(ctx context.Context, src SourceKey) error { return nil }

func drainIterator(t *testing.T, it RowIterator) ([]Row, error) {
	t.Helper()
	var rows []Row
	for {
		row, ok, err := it.Next(context.Background())
		if err != nil {
			return rows, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

func TestUnsortedMergeIndex_ConcatenatesPagesInArrivalOrder(t *testing.T) {
	sources := []SourceKey{{NodeID: "n1"}, {NodeID: "n2"}}
	idx := NewUnsortedMergeIndex(sources, noopFetch)

	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n1", PageNumber: 0, Rows: []Row{{1}, {2}}, LastPage: true}))
	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n2", PageNumber: 0, Rows: []Row{{3}}, LastPage: true}))

	it := idx.NewIterator(context.Background())
	rows, err := drainIterator(t, it)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Row{{1}, {2}, {3}}, rows)
	assert.True(t, idx.FetchedAll())
}

func TestUnsortedMergeIndex_RejectsOutOfOrderPage(t *testing.T) {
	idx := NewUnsortedMergeIndex([]SourceKey{{NodeID: "n1"}}, noopFetch)
	err := idx.AddPage(NextPageResponse{SourceNodeID: "n1", PageNumber: 1, Rows: []Row{{1}}})
	assert.Error(t, err)
}

func TestUnsortedMergeIndex_RejectsUnknownSource(t *testing.T) {
	idx := NewUnsortedMergeIndex([]SourceKey{{NodeID: "n1"}}, noopFetch)
	err := idx.AddPage(NextPageResponse{SourceNodeID: "stranger", PageNumber: 0, Rows: []Row{{1}}})
	assert.Error(t, err)
}

func TestUnsortedMergeIndex_FetchesSuccessorOnEmptyNonLastPage(t *testing.T) {
	var fetched []SourceKey
	var mu sync.Mutex
	fetch := func(ctx context.Context, src SourceKey) error {
		mu.Lock()
		fetched = append(fetched, src)
		mu.Unlock()
		return nil
	}
	src := SourceKey{NodeID: "n1"}
	idx := NewUnsortedMergeIndex([]SourceKey{src}, fetch)
	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n1", PageNumber: 0, Rows: nil, LastPage: false}))
	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n1", PageNumber: 1, Rows: []Row{{9}}, LastPage: true}))

	it := idx.NewIterator(context.Background())
	rows, err := drainIterator(t, it)
	require.NoError(t, err)
	assert.Equal(t, []Row{{9}}, rows)
	assert.Equal(t, []SourceKey{src}, fetched)
}

func TestUnsortedMergeIndex_AbortUnblocksIterator(t *testing.T) {
	idx := NewUnsortedMergeIndex([]SourceKey{{NodeID: "n1"}}, noopFetch)
	it := idx.NewIterator(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := it.Next(context.Background())
		done <- err
	}()

	idx.Abort(ErrCancelled)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("abort did not unblock the iterator")
	}
}

func TestSortedMergeIndex_MergesBySortColumn(t *testing.T) {
	sources := []SourceKey{{NodeID: "n1"}, {NodeID: "n2"}}
	less := func(a, b Row) bool { return a[0].(int64) < b[0].(int64) }
	idx := NewSortedMergeIndex(sources, noopFetch, less)

	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n1", PageNumber: 0, Rows: []Row{{int64(1)}, {int64(3)}}, LastPage: true}))
	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n2", PageNumber: 0, Rows: []Row{{int64(2)}, {int64(4)}}, LastPage: true}))

	it := idx.NewIterator(context.Background())
	rows, err := drainIterator(t, it)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for i := 0; i < len(rows)-1; i++ {
		assert.LessOrEqual(t, rows[i][0].(int64), rows[i+1][0].(int64))
	}
}

func TestSortedMergeIndex_SourceWithEmptyLastPageIsPrimedAsExhausted(t *testing.T) {
	sources := []SourceKey{{NodeID: "n1"}, {NodeID: "n2"}}
	less := func(a, b Row) bool { return a[0].(int64) < b[0].(int64) }
	idx := NewSortedMergeIndex(sources, noopFetch, less)

	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n1", PageNumber: 0, Rows: []Row{{int64(1)}}, LastPage: true}))
	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n2", PageNumber: 0, Rows: nil, LastPage: true}))

	it := idx.NewIterator(context.Background())
	rows, err := drainIterator(t, it)
	require.NoError(t, err)
	assert.Equal(t, []Row{{int64(1)}}, rows)
}

func TestSortedMergeIndex_AbortDuringPrimeReturnsError(t *testing.T) {
	sources := []SourceKey{{NodeID: "n1"}, {NodeID: "n2"}}
	less := func(a, b Row) bool { return a[0].(int64) < b[0].(int64) }
	idx := NewSortedMergeIndex(sources, noopFetch, less)
	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n1", PageNumber: 0, Rows: []Row{{int64(1)}}, LastPage: true}))

	it := idx.NewIterator(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := it.Next(context.Background())
		done <- err
	}()
	idx.Abort(ErrCancelled)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("abort during prime did not unblock the iterator")
	}
}

func TestSortedMergeIndex_FetchedAllRequiresEverySource(t *testing.T) {
	sources := []SourceKey{{NodeID: "n1"}, {NodeID: "n2"}}
	idx := NewSortedMergeIndex(sources, noopFetch, func(a, b Row) bool { return false })
	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n1", PageNumber: 0, Rows: []Row{{1}}, LastPage: true}))
	assert.False(t, idx.FetchedAll())
	require.NoError(t, idx.AddPage(NextPageResponse{SourceNodeID: "n2", PageNumber: 0, Rows: []Row{{2}}, LastPage: true}))
	assert.True(t, idx.FetchedAll())
}
