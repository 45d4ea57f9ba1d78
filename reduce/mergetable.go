package reduce

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// fakeTableSlot is one reusable shell in the process-wide fake table
// registry. Slot i holds the merge table of the i-th map query of the
// currently executing run on this connection. The shell persists across
// runs; only the inner table is swapped.
type fakeTableSlot struct {
	name  string
	inner atomic.Pointer[MergeTable]
}

func (s *fakeTableSlot) Columns() []ColumnMeta {
	t := s.inner.Load()
	if t == nil {
		return nil
	}
	return t.Columns()
}

func (s *fakeTableSlot) Reset() {
	s.inner.Store(nil)
}

// FakeTableRegistry is a copy-on-write, process-wide list of table
// shells resolved by canonical name; a Reducer holds one for all its runs. Reads never block writers and vice
// versa: readers take a snapshot pointer, writers serialize under mu and
// publish a new slice.
type FakeTableRegistry struct {
	mu   sync.Mutex
	list atomic.Pointer[[]*fakeTableSlot]
}

// NewFakeTableRegistry returns an empty registry.
func NewFakeTableRegistry() *FakeTableRegistry {
	r := &FakeTableRegistry{}
	empty := make([]*fakeTableSlot, 0)
	r.list.Store(&empty)
	return r
}

// canonicalName formats the internal T___<i> table name convention.
func canonicalName(i int) string {
	return fmt.Sprintf("T___%d", i)
}

// Slot returns the i-th slot, growing the registry under mu if needed. The
// slice is never shrunk or mutated in place: every growth publishes a fresh
// slice so concurrent readers of the old slice are unaffected.
func (r *FakeTableRegistry) Slot(i int) *fakeTableSlot {
	if cur := *r.list.Load(); i < len(cur) {
		return cur[i]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.list.Load()
	if i < len(cur) {
		return cur[i]
	}
	grown := make([]*fakeTableSlot, i+1)
	copy(grown, cur)
	for j := len(cur); j <= i; j++ {
		grown[j] = &fakeTableSlot{name: canonicalName(j)}
	}
	r.list.Store(&grown)
	return grown[i]
}

// MergeTable binds a merge index into the local SQL engine as a table
// visible to the reduce statement.
type MergeTable struct {
	name    string
	columns []ColumnMeta
	index   MergeIndex
	explain bool

	// scanIndex is non-nil only for sorted merges: it lets the local
	// planner choose an index scan instead of a full scan.
	scanIndex []SortColumn
}

// explainColumns is the single-column shape explain plans use.
var explainColumns = []ColumnMeta{{Name: "PLAN", Type: "VARCHAR"}}

// NewMergeTable constructs a merge table for map query i, binding columns
// (or the PLAN column, for explain queries) to index.
func NewMergeTable(i int, columns []ColumnMeta, index MergeIndex, explain bool, sortColumns []SortColumn) *MergeTable {
	cols := columns
	if explain {
		cols = explainColumns
	}
	return &MergeTable{
		name:      canonicalName(i),
		columns:   cols,
		index:     index,
		explain:   explain,
		scanIndex: sortColumns,
	}
}

func (t *MergeTable) Name() string            { return t.name }
func (t *MergeTable) Columns() []ColumnMeta   { return t.columns }
func (t *MergeTable) Index() MergeIndex       { return t.index }
func (t *MergeTable) HasScanIndex() bool      { return len(t.scanIndex) > 0 }
func (t *MergeTable) ScanIndex() []SortColumn { return t.scanIndex }

// Reset satisfies ports.SQLTable; the merge table itself carries no mutable
// engine-visible state beyond what the registry slot already resets.
func (t *MergeTable) Reset() {}

// BindMergeTable installs table into registry slot i and returns the slot
// so the engine can resolve it by canonical name.
func BindMergeTable(registry *FakeTableRegistry, i int, table *MergeTable) *fakeTableSlot {
	slot := registry.Slot(i)
	slot.inner.Store(table)
	return slot
}

// ReleaseSlot nulls out slot i's inner table on run completion. Table
// lifetime is bound to the run; the shell itself persists for reuse.
func ReleaseSlot(registry *FakeTableRegistry, i int) {
	registry.Slot(i).Reset()
}
