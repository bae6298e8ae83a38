package coordinator

import (
	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/provider"
)

// ServerService is the embedder-side collaborator of the server state
// machine. Calls may arrive on client threads or provider threads;
// implementations must be safe for concurrent use.
type ServerService interface {
	// SSTBeforeInit declares whether the SST method requires the
	// transfer to happen before storage engine initialization
	// (physical methods) or after (logical methods). Queried once and
	// treated as immutable.
	SSTBeforeInit() bool
	// SSTRequest produces the opaque request string advertised to the
	// donor.
	SSTRequest() string
	// StartSST performs the donor-side transfer. Implementations run
	// the transfer in the background and report completion through
	// ServerState.SSTSent.
	StartSST(request string, gtid common.GTID, bypass bool) error
	// BackgroundRollback schedules a rollback of the client's
	// transaction on the embedder's rollbacker thread.
	BackgroundRollback(client *ClientState)
	// LogStateChange is invoked on every server state transition,
	// under the server mutex.
	LogStateChange(from, to State)
	// LogView is invoked on every delivered membership view, under
	// the server mutex.
	LogView(view common.View)
	// RecoverStreamingAppliers rebuilds streaming applier state after
	// the server rejoins a primary view.
	RecoverStreamingAppliers(applier HighPriorityService)
}

// ClientService is the embedder-side collaborator of one client
// session. Calls are made from the session's own thread with the
// client mutex dropped.
type ClientService interface {
	// Rollback rolls back the session's current transaction in the
	// storage engine.
	Rollback() error
	// IsAutocommit reports whether the current statement runs in
	// autocommit mode.
	IsAutocommit() bool
	// Do2PC reports whether the DBMS runs a two-phase commit for this
	// session.
	Do2PC() bool

	// WillReplay records that the transaction will be replayed after a
	// brute-force abort during commit.
	WillReplay()
	// Replay re-executes the replicated transaction.
	Replay() provider.Status
	// WaitForReplayers blocks until preceding replays have finished.
	WaitForReplayers()

	// PrepareDataForReplication appends the transaction's write-set
	// data for certification.
	PrepareDataForReplication() error
	// PrepareFragmentForReplication appends the pending fragment of a
	// streaming transaction.
	PrepareFragmentForReplication() error

	// DebugSync pauses at a named sync point in debug builds.
	DebugSync(point string)
	// Killed reports whether the DBMS has marked the session killed.
	Killed() bool
	// Abort interrupts the session's current operation.
	Abort()
	// StoreGlobals re-establishes thread-local DBMS state after a
	// thread switch.
	StoreGlobals()
	// OnError lets the embedder observe a client error before it is
	// surfaced.
	OnError(err ClientError)
}

// HighPriorityService is the embedder-side applier of remote
// write-sets. One instance serves one applier thread, or stands in
// for one remote streaming transaction.
type HighPriorityService interface {
	// ApplyWriteSet applies a complete write-set or a streaming
	// fragment.
	ApplyWriteSet(meta provider.WSMeta, data []byte) error
	// CommitFragment commits the streamed transaction on the final
	// fragment.
	CommitFragment(meta provider.WSMeta) error
	// RollbackFragment rolls back the streamed transaction when a
	// rollback fragment is delivered.
	RollbackFragment(meta provider.WSMeta) error
	// Close releases the service when its streaming transaction is
	// torn down without commit, e.g. at foreign-SR closure.
	Close() error
}
