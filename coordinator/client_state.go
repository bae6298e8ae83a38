package coordinator

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/provider"
	"github.com/dutow/wsrep-go/telemetry"
)

// SessionState is the per-session lifecycle state. One DBMS
// connection drives one session through idle/executing/result phases
// while remote high-priority appliers may mark its transaction for
// brute-force abort; the hooks reconcile the two.
type SessionState int

const (
	// SessionNone is the state before Open and after Cleanup.
	SessionNone SessionState = iota
	// SessionIdle means no command is being processed.
	SessionIdle
	// SessionExec means a command is being processed.
	SessionExec
	// SessionResult means the result is being sent to the client.
	SessionResult
	// SessionQuit means the session is closing.
	SessionQuit
)

const numSessionStates = int(SessionQuit) + 1

func (s SessionState) String() string {
	switch s {
	case SessionNone:
		return "none"
	case SessionIdle:
		return "idle"
	case SessionExec:
		return "exec"
	case SessionResult:
		return "result"
	case SessionQuit:
		return "quit"
	}
	return "unknown"
}

// sessionTransitions is the permitted transition matrix; an illegal
// edge is a fatal programming error.
var sessionTransitions = [numSessionStates][numSessionStates]bool{
	SessionNone:   {SessionIdle: true},
	SessionIdle:   {SessionExec: true, SessionQuit: true},
	SessionExec:   {SessionResult: true},
	SessionResult: {SessionIdle: true},
	SessionQuit:   {SessionNone: true},
}

// Mode is the session's replication mode.
type Mode int

const (
	// ModeLocal sessions never replicate; this is terminal.
	ModeLocal Mode = iota
	// ModeReplicating sessions replicate their write-sets.
	ModeReplicating
	// ModeHighPriority sessions apply remote write-sets.
	ModeHighPriority
	// ModeTOI sessions execute inside total-order isolation.
	ModeTOI
)

const numModes = int(ModeTOI) + 1

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeReplicating:
		return "replicating"
	case ModeHighPriority:
		return "high-priority"
	case ModeTOI:
		return "toi"
	}
	return "unknown"
}

var modeTransitions = [numModes][numModes]bool{
	ModeLocal:        {},
	ModeReplicating:  {ModeHighPriority: true, ModeTOI: true},
	ModeHighPriority: {ModeReplicating: true, ModeTOI: true},
	ModeTOI:          {ModeReplicating: true, ModeHighPriority: true},
}

// AfterStatementResult tells the caller how to finish the statement.
type AfterStatementResult int

const (
	// ResultSuccess means the statement completed.
	ResultSuccess AfterStatementResult = iota
	// ResultMayRetry means the statement hit a deadlock but can be
	// retried transparently (replicating autocommit).
	ResultMayRetry
	// ResultError means the statement failed and the error must be
	// returned to the client.
	ResultError
)

func (r AfterStatementResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultMayRetry:
		return "may-retry"
	case ResultError:
		return "error"
	}
	return "unknown"
}

// ClientState tracks one DBMS session. The session's own thread
// drives the hooks; applier threads only touch the embedded
// transaction through BFAbort. A single mutex guards all fields;
// sections that call embedder services drop it and reacquire.
type ClientState struct {
	mu   sync.Mutex
	cond *sync.Cond

	server  *ServerState
	service ClientService

	id    common.ClientID
	state SessionState
	mode  Mode

	toiMode Mode
	toiMeta provider.WSMeta

	trx Transaction

	err        ClientError
	errFromTrx bool

	debugLogLevel int
}

// NewClientState constructs a session in the none state with the
// given initial mode.
func NewClientState(server *ServerState, service ClientService, mode Mode) *ClientState {
	c := &ClientState{
		server:  server,
		service: service,
		mode:    mode,
		toiMode: ModeLocal,
	}
	c.cond = sync.NewCond(&c.mu)
	c.trx.owner = c
	return c
}

// ID returns the session identifier assigned at Open.
func (c *ClientState) ID() common.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State returns the current session state.
func (c *ClientState) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the current session mode.
func (c *ClientState) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Transaction returns the session's transaction collaborator.
func (c *ClientState) Transaction() *Transaction {
	return &c.trx
}

// Server returns the owning server state.
func (c *ClientState) Server() *ServerState {
	return c.server
}

// Provider returns the server's provider. Use before load is fatal.
func (c *ClientState) Provider() provider.Provider {
	return c.server.Provider()
}

// CurrentError returns the last observed client error.
func (c *ClientState) CurrentError() ClientError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetDebugLogLevel sets per-session debug trace verbosity.
func (c *ClientState) SetDebugLogLevel(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogLevel = level
}

func (c *ClientState) setState(to SessionState) {
	from := c.state
	if !sessionTransitions[from][to] {
		unallowedTransition("client_state", "state", from, to)
	}
	c.state = to
	c.cond.Broadcast()
}

func (c *ClientState) setMode(to Mode) {
	from := c.mode
	if !modeTransitions[from][to] {
		unallowedTransition("client_state", "mode", from, to)
	}
	c.mode = to
}

// OverrideError raises the pending client error. A non-success error
// must never be overwritten with success; clearing happens only by
// transitioning back through none or through transaction cleanup.
func (c *ClientState) OverrideError(err ClientError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrideErrorLocked(err, false)
}

func (c *ClientState) overrideErrorLocked(err ClientError, fromTrx bool) {
	if c.err != ErrNone && err == ErrNone {
		unallowedTransition("client_state", "error", c.err, err)
	}
	c.err = err
	c.errFromTrx = fromTrx
}

// Open brings the session from none to idle. Only the thread that
// opened the session may drive the remaining hooks.
func (c *ClientState) Open(id common.ClientID) {
	c.mu.Lock()
	c.debugLogState("open: enter")
	c.setState(SessionIdle)
	c.id = id
	c.debugLogState("open: leave")
	c.mu.Unlock()
	c.server.clients.Store(id, c)
}

// BeforeCommand is called when a new command arrives from the client.
// In synchronous rollback mode the call blocks while a background
// rollback of the session's transaction is in flight. Returns ErrNone
// when the command may execute; a brute-force abort observed here is
// absorbed as a deadlock error and the command must be failed.
func (c *ClientState) BeforeCommand() ClientError {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogState("before_command: enter")

	if c.server.RollbackMode() == RollbackModeSync {
		for c.trx.activeLocked() && c.trx.stateLocked() == TrxAborting {
			c.cond.Wait()
		}
	}
	c.setState(SessionExec)

	if c.trx.activeLocked() {
		switch c.trx.stateLocked() {
		case TrxMustAbort:
			// Only reachable in asynchronous rollback mode: the victim
			// cleans up after itself.
			c.overrideErrorLocked(ErrDeadlock, true)
			c.mu.Unlock()
			c.rollbackTransaction()
			c.trx.AfterStatement()
			c.mu.Lock()
			c.debugLogState("before_command: error")
			return ErrDeadlock
		case TrxAborted:
			// Lost race: the abort completed between commands, just
			// before the result was sent or after the session became
			// idle. Clean up and fail the command.
			c.overrideErrorLocked(ErrDeadlock, true)
			c.mu.Unlock()
			c.trx.AfterStatement()
			c.mu.Lock()
			c.debugLogState("before_command: error")
			return ErrDeadlock
		}
	}
	c.debugLogState("before_command: success")
	return ErrNone
}

// BeforeStatement is called before each statement of the command.
// A pending brute-force abort skips execution; rollback and cleanup
// run through the post-command hooks.
func (c *ClientState) BeforeStatement() ClientError {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trx.activeLocked() && c.trx.stateLocked() == TrxMustAbort {
		c.debugLogState("before_statement: error")
		return ErrDeadlock
	}
	c.debugLogState("before_statement: success")
	return ErrNone
}

// AfterStatement finishes statement processing and classifies the
// outcome. A deadlock on a replicating autocommit session may be
// retried transparently; otherwise it is surfaced.
func (c *ClientState) AfterStatement() AfterStatementResult {
	c.mu.Lock()
	c.debugLogState("after_statement: enter")
	if c.trx.activeLocked() && c.trx.stateLocked() == TrxMustAbort {
		c.overrideErrorLocked(ErrDeadlock, true)
		c.mu.Unlock()
		c.rollbackTransaction()
	} else {
		c.mu.Unlock()
	}
	c.trx.AfterStatement()

	c.mu.Lock()
	err := c.err
	replicating := c.mode == ModeReplicating
	c.debugLogState("after_statement: leave")
	c.mu.Unlock()

	if err == ErrDeadlock {
		c.service.OnError(ErrDeadlock)
		if replicating && c.service.IsAutocommit() {
			return ResultMayRetry
		}
		return ResultError
	}
	return ResultSuccess
}

// AfterCommandBeforeResult runs after the command finished but before
// the result hits the wire. A brute-force abort that landed during
// the command is resolved here: the transaction is rolled back and
// the command's result is replaced with a deadlock error. The
// transaction stays active until the next BeforeCommand cleans it up.
func (c *ClientState) AfterCommandBeforeResult() {
	c.mu.Lock()
	c.debugLogState("after_command_before_result: enter")
	if c.trx.activeLocked() && c.trx.stateLocked() == TrxMustAbort {
		c.overrideErrorLocked(ErrDeadlock, true)
		c.mu.Unlock()
		c.rollbackTransaction()
		c.mu.Lock()
	}
	c.setState(SessionResult)
	c.debugLogState("after_command_before_result: leave")
	c.mu.Unlock()
}

// AfterCommandAfterResult runs once the result has been sent. A
// brute-force abort that raced in between the result hooks is rolled
// back here. A lingering transaction-origin error is cleared when no
// transaction remains; errors set explicitly by the caller survive.
func (c *ClientState) AfterCommandAfterResult() {
	c.mu.Lock()
	c.debugLogState("after_command_after_result: enter")
	if c.trx.activeLocked() && c.trx.stateLocked() == TrxMustAbort {
		c.mu.Unlock()
		c.rollbackTransaction()
		c.mu.Lock()
		c.overrideErrorLocked(ErrDeadlock, true)
	} else if !c.trx.activeLocked() && c.errFromTrx {
		c.err = ErrNone
		c.errFromTrx = false
	}
	c.setState(SessionIdle)
	c.debugLogState("after_command_after_result: leave")
	c.mu.Unlock()
}

// Close brings the session to quitting. A transaction still active at
// close (connection drop mid-statement) is rolled back off-lock.
func (c *ClientState) Close() {
	c.mu.Lock()
	c.debugLogState("close: enter")
	c.setState(SessionQuit)
	active := c.trx.activeLocked()
	c.mu.Unlock()
	if active {
		c.rollbackTransaction()
		c.trx.AfterStatement()
	}
	c.debugLogState("close: leave")
}

// Cleanup finishes the session lifecycle; the session returns to none
// with no transaction and no error.
func (c *ClientState) Cleanup() {
	c.mu.Lock()
	c.debugLogState("cleanup: enter")
	c.setState(SessionNone)
	id := c.id
	c.err = ErrNone
	c.errFromTrx = false
	c.debugLogState("cleanup: leave")
	c.mu.Unlock()
	c.server.clients.Delete(id)
}

// rollbackTransaction runs the embedder rollback with no locks held
// and settles the transaction in the aborted state. The transaction
// stays active; cleanup happens through AfterStatement.
func (c *ClientState) rollbackTransaction() {
	if err := c.service.Rollback(); err != nil {
		log.Warn().
			Str("client", c.id.String()).
			Err(err).
			Msg("Transaction rollback failed")
	}
	c.trx.Rollback()
}

// BFAbort marks the session's transaction for brute-force abort.
// Called by high-priority applier threads holding conflicting
// write-sets. Returns false if the transaction cannot be aborted any
// more. In synchronous rollback mode an idle session's victim is
// handed to the background rollbacker immediately.
func (c *ClientState) BFAbort() bool {
	c.mu.Lock()
	ok := c.trx.bfAbortLocked()
	if !ok {
		c.mu.Unlock()
		return false
	}
	telemetry.BFAbortsTotal.Inc()
	syncRollback := c.server.RollbackMode() == RollbackModeSync && c.state == SessionIdle
	if syncRollback {
		c.trx.state = TrxAborting
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	if syncRollback {
		c.server.service.BackgroundRollback(c)
	}
	return true
}

// abortForDisconnect marks the transaction for abort when the group
// connection is lost; the session observes it at its next hook.
func (c *ClientState) abortForDisconnect() {
	c.mu.Lock()
	if c.trx.bfAbortLocked() {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// EnterTOI begins a total-order-isolated operation from replicating
// mode. The prior mode is saved and restored by LeaveTOI.
func (c *ClientState) EnterTOI(keys [][]byte, data []byte, flags uint32) error {
	c.mu.Lock()
	if c.mode != ModeReplicating {
		c.mu.Unlock()
		panic("client_state: enter_toi from mode " + c.mode.String())
	}
	id := c.id
	c.mu.Unlock()

	meta, st := c.server.Provider().EnterTOI(id, keys, data, flags)
	if st != provider.StatusSuccess {
		c.OverrideError(ErrDuringCommit)
		return &ProviderError{Op: "enter_toi", Status: st}
	}
	c.mu.Lock()
	c.toiMode = c.mode
	c.setMode(ModeTOI)
	c.toiMeta = meta
	c.mu.Unlock()
	return nil
}

// EnterTOIMeta begins total-order isolation on a high-priority
// session applying a TOI write-set. The applier is already serialized
// by the provider, so the entry is local.
func (c *ClientState) EnterTOIMeta(meta provider.WSMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeHighPriority {
		panic("client_state: enter_toi_meta from mode " + c.mode.String())
	}
	c.toiMode = c.mode
	c.setMode(ModeTOI)
	c.toiMeta = meta
}

// LeaveTOI ends the total-order-isolated operation and restores the
// saved mode.
func (c *ClientState) LeaveTOI() error {
	c.mu.Lock()
	wasReplicating := c.toiMode == ModeReplicating
	id := c.id
	c.mu.Unlock()

	var ret error
	if wasReplicating {
		if st := c.server.Provider().LeaveTOI(id); st != provider.StatusSuccess {
			c.OverrideError(ErrDuringCommit)
			ret = &ProviderError{Op: "leave_toi", Status: st}
		}
	}
	c.mu.Lock()
	c.setMode(c.toiMode)
	c.toiMode = ModeLocal
	c.toiMeta = provider.WSMeta{}
	c.mu.Unlock()
	return ret
}

// TOIMeta returns the meta of the TOI operation in progress.
func (c *ClientState) TOIMeta() provider.WSMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toiMeta
}

// EnableStreaming turns on fragment replication for the session's
// transactions. The fragment unit of an active transaction cannot be
// changed.
func (c *ClientState) EnableStreaming(unit FragmentUnit, size int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeReplicating {
		panic("client_state: enable_streaming from mode " + c.mode.String())
	}
	if c.trx.activeLocked() && c.trx.streaming && c.trx.fragmentUnit != unit {
		log.Error().
			Str("client", c.id.String()).
			Msg("Changing fragment unit for active transaction not allowed")
		return ErrFragmentUnitChange
	}
	c.trx.streaming = true
	c.trx.fragmentUnit = unit
	c.trx.fragmentSize = size
	return nil
}

func (c *ClientState) debugLogState(context string) {
	if c.debugLogLevel >= 1 {
		log.Debug().
			Str("server", c.server.Name()).
			Str("client", c.id.String()).
			Str("state", c.state.String()).
			Str("mode", c.mode.String()).
			Str("current_error", c.err.String()).
			Msg(context)
	}
}
