package coordinator

import "github.com/dutow/wsrep-go/common"

// TrxState is the lifecycle state of the transaction collaborator as
// observed by the session hooks. The full certify/commit/replay
// machinery lives with the embedder; the coordination core only needs
// the states the hooks reconcile against.
type TrxState int

const (
	// TrxExecuting is an active transaction running statements.
	TrxExecuting TrxState = iota
	// TrxMustAbort is set by a high-priority applier that brute-force
	// aborted the transaction; the owning session observes it at the
	// next hook.
	TrxMustAbort
	// TrxAborting means a background rollbacker is rolling the
	// transaction back (synchronous rollback mode).
	TrxAborting
	// TrxAborted is a rolled back transaction awaiting cleanup.
	TrxAborted
	// TrxCommitting is a transaction past certification, entering
	// commit order.
	TrxCommitting
	// TrxCommitted is a committed transaction awaiting cleanup.
	TrxCommitted
)

func (s TrxState) String() string {
	switch s {
	case TrxExecuting:
		return "executing"
	case TrxMustAbort:
		return "must-abort"
	case TrxAborting:
		return "aborting"
	case TrxAborted:
		return "aborted"
	case TrxCommitting:
		return "committing"
	case TrxCommitted:
		return "committed"
	}
	return "unknown"
}

// FragmentUnit selects how a streaming transaction measures fragment
// boundaries.
type FragmentUnit int

const (
	FragmentBytes FragmentUnit = iota
	FragmentRows
	FragmentStatements
)

// Transaction is the per-session transaction collaborator. It shares
// the owning client's mutex; methods that do not take the lock
// themselves document that the caller must hold it.
type Transaction struct {
	owner *ClientState

	id     common.TransactionID
	state  TrxState
	active bool

	streaming    bool
	fragmentUnit FragmentUnit
	fragmentSize int
}

// ID returns the transaction identifier.
func (t *Transaction) ID() common.TransactionID {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.id
}

// Active reports whether a transaction is in progress.
func (t *Transaction) Active() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.active
}

// State returns the current transaction state.
func (t *Transaction) State() TrxState {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.state
}

// Start begins a new transaction on the session.
func (t *Transaction) Start(id common.TransactionID) {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.id = id
	t.state = TrxExecuting
	t.active = true
}

// activeLocked must be called with the owner mutex held.
func (t *Transaction) activeLocked() bool { return t.active }

// stateLocked must be called with the owner mutex held.
func (t *Transaction) stateLocked() TrxState { return t.state }

// bfAbortLocked marks the transaction for brute-force abort. Must be
// called with the owner mutex held. Returns false if the transaction
// is not in an abortable state.
func (t *Transaction) bfAbortLocked() bool {
	if !t.active {
		return false
	}
	switch t.state {
	case TrxExecuting, TrxCommitting:
		t.state = TrxMustAbort
		return true
	}
	return false
}

// AfterStatement finishes statement processing: a transaction that
// was aborted, or marked for abort and since rolled back, settles in
// the aborted state and becomes inactive; a committed transaction
// becomes inactive.
func (t *Transaction) AfterStatement() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.afterStatementLocked()
}

func (t *Transaction) afterStatementLocked() {
	switch t.state {
	case TrxMustAbort, TrxAborting, TrxAborted:
		t.state = TrxAborted
		t.active = false
		t.streaming = false
	case TrxCommitted:
		t.active = false
		t.streaming = false
	}
}

// Commit marks the transaction committed. The embedder calls this
// after commit order has been released.
func (t *Transaction) Commit() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.state = TrxCommitted
	t.owner.cond.Broadcast()
}

// Rollback marks the transaction rolled back. The embedder's rollback
// path calls this once the storage engine rollback has completed; in
// synchronous rollback mode this wakes a session blocked in
// BeforeCommand.
func (t *Transaction) Rollback() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.state = TrxAborted
	t.owner.cond.Broadcast()
}

// IsStreaming reports whether the transaction replicates as a
// sequence of fragments.
func (t *Transaction) IsStreaming() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.streaming
}
