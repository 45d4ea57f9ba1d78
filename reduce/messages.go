package reduce

import "time"

// FailCode distinguishes why a map node reported failure.
type FailCode int8

const (
	FailGeneral FailCode = iota
	FailCancelledByOriginator
)

// Row is a single reduce-side record. Columns are positional; the merge
// table factory is what gives them names when binding into the SQL engine.
type Row []any

// ForUpdateDetails carries per-recipient SELECT-FOR-UPDATE transaction
// metadata, specialized per node by the Message Transport Adapter's
// specialize hook.
type ForUpdateDetails struct {
	ThreadID      int64
	RequestUUID   string // fresh per request, see uuid.New() in executor.go
	Counter       int64  // monotonically increasing per-run ordering counter
	SubjectID     string
	XID           string
	TaskNameHash  int32
	ClientFirst   bool
	TimeRemaining time.Duration
}

// PartitionPlan is the (nodes, partitionsMap, queryPartitionsMap) triple the
// Partition Mapper produces, or the zero value with OK=false to signal
// "topology unstable, retry".
type PartitionPlan struct {
	OK                 bool
	Nodes              []string
	PartitionsMap      map[string][]int32 // nodeID -> partitions
	QueryPartitionsMap map[int][]int32    // mapQueryIndex -> partitions, when explicitly pinned
}

// MapQuerySpec describes one map query within a split.
type MapQuerySpec struct {
	SQL          string
	Partitioned  bool
	SortColumns  []SortColumn
	Columns      []ColumnMeta
	CacheIDs     []int32
}

// SortColumn names a column participating in a sorted merge index's
// comparator, in declared priority order.
type SortColumn struct {
	Name       string
	Descending bool
	NullsFirst bool
}

// ColumnMeta is the minimal column metadata the merge table factory needs to
// bind a column into the local SQL engine.
type ColumnMeta struct {
	Name string
	Type string
}

// SplitQuery is the full two-step plan: the map queries and the reduce SQL
// that combines them, plus every flag the executor needs to run them.
type SplitQuery struct {
	SchemaName string
	MapQueries []MapQuerySpec
	ReduceSQL  string

	CacheIDs []int32
	Tables   []string

	Local             bool
	ReplicatedOnly    bool
	Explain           bool
	DistributedJoins  bool
	SkipMergeTable    bool
	ForUpdate         bool
	EnforceJoinOrder  bool
}

// QueryRequest is the outbound message that fans a split query out to the
// mapped node set.
type QueryRequest struct {
	QueryRequestID  int64
	TopologyVersion int64
	PageSize        int
	CacheIDs        []int32
	Tables          []string
	Plan            PartitionPlan
	MapQueries      []string // already EXPLAIN-wrapped when split.Explain
	Parameters      []any

	EnforceJoinOrder bool
	DistributedJoins bool
	Local            bool
	Explain          bool
	Replicated       bool
	Lazy             bool

	TimeoutMillis int64
	SchemaName    string
	MVCCSnapshot  any

	ForUpdate *ForUpdateDetails // specialized per recipient, nil otherwise
}

// DmlRequest mirrors QueryRequest's dispatch fields without merge-table
// concerns.
type DmlRequest struct {
	RequestID       int64
	TopologyVersion int64
	SchemaName      string
	SQL             string
	Parameters      []any
	Plan            PartitionPlan
	TimeoutMillis   int64
}

// NextPageRequest asks a source to produce the next page of an already
// running map query segment.
type NextPageRequest struct {
	QueryRequestID int64
	MapQueryIndex  int
	SegmentID      int32
	PageSize       int
	DataPageScan   bool
}

// QueryCancelRequest aborts an in-flight query on the map side.
type QueryCancelRequest struct {
	QueryRequestID int64
}

// NextPageResponse is the inbound paged result.
type NextPageResponse struct {
	QueryRequestID int64
	SourceNodeID   string
	MapQueryIndex  int
	SegmentID      int32
	PageNumber     int
	Rows           []Row
	LastPage       bool

	Retry      bool
	RetryCause error

	AllRowsForUpdate []Row // optional, SELECT-FOR-UPDATE only
	RemoveMapping    bool  // carried on the message; the reducer does not read it
}

// FailResponse reports a map-side failure for a whole run.
type FailResponse struct {
	QueryRequestID int64
	SourceNodeID   string
	ErrorMessage   string
	FailCode       FailCode
}

// DmlResponse reports one node's contribution to a distributed update.
type DmlResponse struct {
	RequestID    int64
	SourceNodeID string
	AffectedRows int64
	ErrorMessage string
}
