package reduce

import "context"

// This file models the collaborators this package treats as external: the
// SQL engine, the map-side executor, the cluster membership service, the
// messaging layer, the partition mapper, and the MVCC/transaction
// subsystem. This package only
// ever consumes them through these interfaces.

// SQLEngine is the local SQL engine that hosts merge tables and executes the
// reduce statement over them.
type SQLEngine interface {
	// BindTable installs a table the reduce SQL statement can resolve by
	// canonical name for the lifetime of conn.
	BindTable(conn SQLConnection, name string, table SQLTable) error

	// ExecuteReduce runs sql against conn with params bound, returning a
	// driver-level row iterator. ctx is the caller's context as passed to
	// Reducer.Query; no deadline is derived from QueryParams.TimeoutMillis.
	ExecuteReduce(ctx context.Context, conn SQLConnection, sql string, params []any, enforceJoinOrder bool) (EngineRows, error)
}

// SQLConnection is the reducer-side connection borrowed for a run's
// lifetime; a thin handle, not a concrete *sql.DB/*sql.Conn, so fakes in
// tests need not depend on database/sql at all.
type SQLConnection interface {
	ID() int64
}

// SQLTable is what a merge table presents to the SQL engine.
type SQLTable interface {
	Columns() []ColumnMeta
	// Reset detaches the table's backing merge index once the owning run
	// completes; the shell slot persists for reuse.
	Reset()
}

// EngineRows is the driver-level iterator ExecuteReduce returns.
type EngineRows interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// MapExecutor is the in-process entry point local-node deliveries use
// instead of the network.
type MapExecutor interface {
	ExecuteQuery(ctx context.Context, req QueryRequest) error
	ExecuteNextPage(ctx context.Context, req NextPageRequest) error
	ExecuteDml(ctx context.Context, req DmlRequest) error
	CancelQuery(ctx context.Context, req QueryCancelRequest) error
}

// Discovery reports cluster membership liveness.
type Discovery interface {
	IsAlive(nodeID string) bool
	LocalNodeID() string
}

// PartitionMapper produces node/partition mappings for a set of caches.
// Returning PartitionPlan{OK: false} signals "topology unstable, retry".
type PartitionMapper interface {
	Map(ctx context.Context, cacheIDs []int32, topologyVersion int64, explicitPartitions map[int][]int32, replicatedOnly bool) PartitionPlan
}

// Transaction is the active transaction a for-update query runs under.
type Transaction interface {
	// TopologyFuture resolves once the transaction has locked a topology
	// version, returning that version and whether this statement is the
	// first in the transaction.
	TopologyFuture(ctx context.Context) (version int64, clientFirst bool, err error)
	// LockedTopologyVersion returns the version the transaction locked, and
	// ok=false if none has been locked yet.
	LockedTopologyVersion() (version int64, ok bool)
	// Snapshot returns the transaction's MVCC snapshot to attach to a
	// for-update query's dispatched request.
	Snapshot(ctx context.Context) (any, error)
	ThreadID() int64
	XID() string
	SubjectID() string
	TaskNameHash() int32
	TimeRemaining() int64
}

// MVCCTracker is the external snapshot handle attached to read-only
// transactional queries.
type MVCCTracker interface {
	Snapshot() any
	Done()
}

// TopologyIndexer exposes the reducer's view of cluster topology when no
// transaction pins one.
type TopologyIndexer interface {
	ReadyTopologyVersion(ctx context.Context) (int64, error)
	AwaitTopologyVersion(ctx context.Context, version int64) error
}
