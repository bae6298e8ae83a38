// Package coordinator implements the replication coordination core:
// the server lifecycle state machine, the per-session client state
// machine, and the streaming-fragment registries that bridge local
// client threads and remote high-priority appliers.
package coordinator

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/notify"
	"github.com/dutow/wsrep-go/provider"
	"github.com/dutow/wsrep-go/telemetry"
)

// State is the server lifecycle state.
//
// Two paths through the machine exist, selected by the embedder's SST
// policy. With SST after storage engine initialization:
//
//	disconnected -> initializing -> initialized -> connected ->
//	joiner -> joined -> synced -> (donor <-> joined)
//
// With SST before initialization:
//
//	disconnected -> connected -> joiner -> initializing ->
//	initialized -> joined -> synced -> (donor <-> joined)
//
// Any return to disconnected goes through disconnecting.
type State int

const (
	// StateDisconnected is the initial state; the server is not part
	// of any group.
	StateDisconnected State = iota
	// StateInitializing means storage engine initialization is in
	// progress.
	StateInitializing
	// StateInitialized means the storage engine has been initialized.
	StateInitialized
	// StateConnected means the server has joined the group but holds
	// no usable state yet.
	StateConnected
	// StateJoiner means the server is receiving an SST.
	StateJoiner
	// StateJoined means the server holds group state but has not
	// caught up with the group yet.
	StateJoined
	// StateDonor means the server is donating an SST.
	StateDonor
	// StateSynced means the server has caught up with the group.
	StateSynced
	// StateDisconnecting means the server is leaving the group.
	StateDisconnecting
)

const numStates = int(StateDisconnecting) + 1

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateConnected:
		return "connected"
	case StateJoiner:
		return "joiner"
	case StateJoined:
		return "joined"
	case StateDonor:
		return "donor"
	case StateSynced:
		return "synced"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// serverTransitions marks the permitted edges of the server state
// machine. Both SST paths are covered; everything else is a fatal
// programming error.
var serverTransitions = [numStates][numStates]bool{
	StateDisconnected:  {StateInitializing: true, StateConnected: true, StateDisconnecting: true},
	StateInitializing:  {StateInitialized: true, StateDisconnecting: true},
	StateInitialized:   {StateConnected: true, StateJoined: true, StateDisconnecting: true},
	StateConnected:     {StateJoiner: true, StateDisconnecting: true},
	StateJoiner:        {StateInitializing: true, StateJoined: true, StateDisconnecting: true},
	StateJoined:        {StateSynced: true, StateDonor: true, StateDisconnecting: true},
	StateDonor:         {StateJoined: true, StateSynced: true, StateDisconnecting: true},
	StateSynced:        {StateDonor: true, StateDisconnecting: true},
	StateDisconnecting: {StateDisconnected: true},
}

// RollbackMode declares how the embedder rolls back brute-force abort
// victims. Immutable after construction.
type RollbackMode int

const (
	// RollbackModeAsync marks the victim and lets the owning session
	// observe the abort at its next hook.
	RollbackModeAsync RollbackMode = iota
	// RollbackModeSync rolls the victim back immediately on a
	// background rollbacker thread.
	RollbackModeSync
)

func (m RollbackMode) String() string {
	if m == RollbackModeSync {
		return "sync"
	}
	return "async"
}

// Config is the constructor-only server identity. All fields are
// immutable after construction.
type Config struct {
	Name               string
	ID                 common.ID
	IncomingAddress    string
	Address            string
	WorkingDir         string
	InitialPosition    common.GTID
	MaxProtocolVersion int
	RollbackMode       RollbackMode

	// Hub, when non-nil, receives a notification on every state
	// transition.
	Hub *notify.Hub
}

// ServerState tracks one server's membership lifecycle. A single
// mutex guards every field; condition waits use the paired condvar.
// There is one ServerState per process.
type ServerState struct {
	mu   sync.Mutex
	cond *sync.Cond

	service       ServerService
	sstBeforeInit bool

	state        State
	stateHist    []State
	stateWaiters [numStates]int

	bootstrap       bool
	initInitialized bool
	initSynced      bool
	sstPending      bool

	sstGTID           common.GTID
	connectedGTID     common.GTID
	lastCommittedGTID common.GTID

	desyncCount int
	pauseCount  int
	pauseSeqno  common.Seqno

	streamingClients  map[common.ClientID]*ClientState
	streamingAppliers map[applierKey]HighPriorityService

	clients *clientRegistry

	prov provider.Provider

	currentView common.View
	cfg         Config

	recentApplied *appliedWindow

	debugLogLevel int
}

// NewServerState constructs the server state machine in the
// disconnected state. The SST ordering policy is queried from the
// service once, here.
func NewServerState(cfg Config, service ServerService) *ServerState {
	s := &ServerState{
		service:           service,
		sstBeforeInit:     service.SSTBeforeInit(),
		state:             StateDisconnected,
		sstGTID:           common.UndefinedGTID(),
		connectedGTID:     common.UndefinedGTID(),
		lastCommittedGTID: cfg.InitialPosition,
		pauseSeqno:        common.UndefinedSeqno,
		streamingClients:  make(map[common.ClientID]*ClientState),
		streamingAppliers: make(map[applierKey]HighPriorityService),
		clients:           newClientRegistry(),
		recentApplied:     newAppliedWindow(),
		cfg:               cfg,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Name returns the human readable server name.
func (s *ServerState) Name() string { return s.cfg.Name }

// ID returns the server identifier.
func (s *ServerState) ID() common.ID { return s.cfg.ID }

// IncomingAddress returns the client connection address.
func (s *ServerState) IncomingAddress() string { return s.cfg.IncomingAddress }

// Address returns the group communication address.
func (s *ServerState) Address() string { return s.cfg.Address }

// WorkingDir returns the replication working directory.
func (s *ServerState) WorkingDir() string { return s.cfg.WorkingDir }

// InitialPosition returns the position the server was constructed at.
func (s *ServerState) InitialPosition() common.GTID { return s.cfg.InitialPosition }

// MaxProtocolVersion returns the maximum supported protocol version.
func (s *ServerState) MaxProtocolVersion() int { return s.cfg.MaxProtocolVersion }

// RollbackMode returns the declared rollback mode.
func (s *ServerState) RollbackMode() RollbackMode { return s.cfg.RollbackMode }

// Service returns the embedder's server service.
func (s *ServerState) Service() ServerService { return s.service }

// SetDebugLogLevel sets server wide debug logging verbosity; zero
// disables the transition trace.
func (s *ServerState) SetDebugLogLevel(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugLogLevel = level
}

// State returns the current lifecycle state.
func (s *ServerState) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateHistory returns a copy of the append-only log of entered
// states.
func (s *ServerState) StateHistory() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]State, len(s.stateHist))
	copy(hist, s.stateHist)
	return hist
}

// IsInitialized reports whether storage engine initialization has
// completed.
func (s *ServerState) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initInitialized
}

// SSTBeforeInit reports the SST ordering policy declared by the
// embedder at construction.
func (s *ServerState) SSTBeforeInit() bool { return s.sstBeforeInit }

// setState performs one transition under the mutex. Illegal edges are
// fatal. History append and condvar broadcast happen atomically, so a
// waiter that sees state S sees the history ending in S.
func (s *ServerState) setState(to State) {
	from := s.state
	if !serverTransitions[from][to] {
		unallowedTransition("server_state", "state", from, to)
	}
	s.state = to
	s.stateHist = append(s.stateHist, to)
	s.service.LogStateChange(from, to)
	telemetry.ServerStateTransitionsTotal.With(from.String(), to.String()).Inc()
	if s.cfg.Hub != nil {
		s.cfg.Hub.Signal(notify.Event{Component: "server_state", From: from.String(), To: to.String()})
	}
	if s.debugLogLevel >= 1 {
		log.Debug().
			Str("server", s.cfg.Name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Server state transition")
	}
	s.cond.Broadcast()
}

// WaitUntilState blocks until the server reaches the given state.
// Returns ErrInterruptedWait if, on waking, the waiter finds the
// server in disconnected while waiting for something else; Disconnect
// wakes all waiters, including those parked in disconnected.
func (s *ServerState) WaitUntilState(target State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitUntilStateLocked(target)
}

func (s *ServerState) waitUntilStateLocked(target State) error {
	s.stateWaiters[target]++
	telemetry.StateWaiters.Inc()
	defer func() {
		s.stateWaiters[target]--
		telemetry.StateWaiters.Dec()
	}()
	for s.state != target {
		s.cond.Wait()
		if s.state == StateDisconnected && target != StateDisconnected {
			return ErrInterruptedWait
		}
	}
	return nil
}

// LoadProvider constructs and installs the named provider. The given
// applier receives write-sets delivered by provider threads.
func (s *ServerState) LoadProvider(name, options string, applier HighPriorityService) error {
	opts := provider.Options{
		NodeID:          s.cfg.ID,
		NodeName:        s.cfg.Name,
		IncomingAddress: s.cfg.IncomingAddress,
		ListenAddress:   s.cfg.Address,
		InitialPosition: s.cfg.InitialPosition,
		ProviderOptions: options,
	}
	p, err := provider.New(name, opts, &eventAdapter{server: s, applier: applier})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.prov = p
	s.mu.Unlock()
	log.Info().Str("provider", name).Str("server", s.cfg.Name).Msg("Provider loaded")
	return nil
}

// UnloadProvider drops the provider reference. The provider must be
// disconnected first.
func (s *ServerState) UnloadProvider() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prov = nil
}

// Provider returns the loaded provider. Use before load is a fatal
// programming error.
func (s *ServerState) Provider() provider.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerLocked()
}

func (s *ServerState) providerLocked() provider.Provider {
	if s.prov == nil {
		panic("server_state: provider not loaded")
	}
	return s.prov
}

// eventAdapter binds provider callbacks to the server state machine
// with the applier service fixed at load time.
type eventAdapter struct {
	server  *ServerState
	applier HighPriorityService
}

func (a *eventAdapter) OnConnect(gtid common.GTID) { a.server.OnConnect(gtid) }
func (a *eventAdapter) OnView(view common.View)    { a.server.OnView(view, a.applier) }
func (a *eventAdapter) OnSync()                    { a.server.OnSync() }
func (a *eventAdapter) OnApply(h provider.WSHandle, m provider.WSMeta, data []byte) error {
	return a.server.OnApply(a.applier, h, m, data)
}

// Connect joins the cluster through the provider. The state shifts
// once the provider delivers OnConnect and the first view.
func (s *ServerState) Connect(clusterName, clusterAddress, stateDonor string, bootstrap bool) error {
	s.mu.Lock()
	s.bootstrap = bootstrap
	p := s.providerLocked()
	s.mu.Unlock()

	log.Info().
		Str("server", s.cfg.Name).
		Str("cluster", clusterName).
		Str("address", clusterAddress).
		Bool("bootstrap", bootstrap).
		Msg("Connecting to cluster")
	if st := p.Connect(clusterName, clusterAddress, stateDonor, bootstrap); st != provider.StatusSuccess {
		return &ProviderError{Op: "connect", Status: st}
	}
	return nil
}

// Disconnect leaves the cluster and blocks until the server reaches
// disconnected. This is the one cancellation primitive: it wakes all
// state waiters.
func (s *ServerState) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		// Nothing to leave, but waiters parked here still observe the
		// cancellation.
		s.cond.Broadcast()
		s.mu.Unlock()
		return nil
	}
	if s.state != StateDisconnecting {
		s.setState(StateDisconnecting)
	}
	p := s.prov
	s.mu.Unlock()

	if p != nil {
		if st := p.Disconnect(); st != provider.StatusSuccess {
			log.Warn().Str("status", st.String()).Msg("Provider disconnect failed")
		}
	}
	// The provider normally drives disconnecting -> disconnected
	// through its final view; finish the edge if it did not.
	s.mu.Lock()
	if s.state == StateDisconnecting {
		s.setState(StateDisconnected)
	}
	s.mu.Unlock()
	return s.WaitUntilState(StateDisconnected)
}

// OnConnect is delivered by the provider once the server has joined
// the group at the given position.
func (s *ServerState) OnConnect(gtid common.GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Info().Str("server", s.cfg.Name).Str("gtid", gtid.String()).Msg("Connected to cluster")
	s.connectedGTID = gtid
	s.initSynced = false
	switch s.state {
	case StateDisconnected, StateInitialized:
		s.setState(StateConnected)
	}
}

// OnView is delivered by the provider on every membership change.
// A new primary view closes streaming appliers whose origin server
// left the group before any later write-set referencing that origin
// can be dispatched.
func (s *ServerState) OnView(view common.View, applier HighPriorityService) {
	var orphaned []HighPriorityService
	var victims []*ClientState
	recoverAppliers := false

	s.mu.Lock()
	prev := s.currentView
	s.currentView = view
	s.service.LogView(view)

	switch {
	case view.IsFinal():
		orphaned, victims = s.closeTransactionsAtDisconnectLocked()
		if s.state != StateDisconnecting && s.state != StateDisconnected {
			s.setState(StateDisconnecting)
		}
		if s.state == StateDisconnecting {
			s.setState(StateDisconnected)
		}
	case view.Status == common.ViewPrimary && view.IsOwnMember():
		orphaned = s.closeForeignSRLocked(view)
		recoverAppliers = prev.Status != common.ViewPrimary && applier != nil
	default:
		// Non-primary view or local eviction: local transactions
		// cannot commit any more.
		orphaned, victims = s.closeTransactionsAtDisconnectLocked()
		if s.state != StateDisconnecting && s.state != StateDisconnected {
			s.setState(StateDisconnecting)
		}
	}
	s.mu.Unlock()

	// Client aborts and applier closure run without the server mutex;
	// the entries are already erased, and no later write-set
	// referencing a removed origin is dispatched before OnView
	// returns.
	for _, cs := range victims {
		cs.abortForDisconnect()
	}
	for _, svc := range orphaned {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("Streaming applier close failed")
		}
	}
	if recoverAppliers {
		s.service.RecoverStreamingAppliers(applier)
	}
}

// OnSync is delivered by the provider when the server has caught up
// with the group. It advances joined or a donor returning to service
// to synced. From connected with storage initialization done (a join
// without a state transfer) it walks joiner and joined first; in
// synced it does nothing. From any other state the transition is
// fatal.
func (s *ServerState) OnSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSynced {
		return
	}
	if s.state == StateConnected && s.initInitialized {
		// Joined without a state transfer: bootstrap, or rejoin at the
		// group position. The join edges are still walked so the
		// history reflects the membership handshake.
		s.setState(StateJoiner)
		s.setState(StateJoined)
	}
	s.initSynced = true
	s.setState(StateSynced)
	log.Info().Str("server", s.cfg.Name).Msg("Synchronized with cluster")
}

// Initialized must be called by the embedder once storage engine
// initialization has completed. In the SST-before-init path this also
// completes a pending SST handoff and advances to joined.
func (s *ServerState) Initialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		s.setState(StateInitializing)
	}
	s.setState(StateInitialized)
	s.initInitialized = true
	if s.sstPending {
		s.sstPending = false
		s.setState(StateJoined)
	}
}

// ConnectedGTID returns the group position at cluster entry.
func (s *ServerState) ConnectedGTID() common.GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedGTID
}

// CurrentView returns the last delivered membership view.
func (s *ServerState) CurrentView() common.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentView
}

// LastCommittedGTID returns the last position known committed on this
// server.
func (s *ServerState) LastCommittedGTID() common.GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommittedGTID
}

// SetLastCommittedGTID advances the committed position. The sequence
// never moves backwards for the same source.
func (s *ServerState) SetLastCommittedGTID(gtid common.GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLastCommittedLocked(gtid)
}

func (s *ServerState) setLastCommittedLocked(gtid common.GTID) {
	if gtid.ID == s.lastCommittedGTID.ID && gtid.Seqno <= s.lastCommittedGTID.Seqno {
		return
	}
	s.lastCommittedGTID = gtid
	s.cond.Broadcast()
}

// WaitForGTID blocks until all write-sets up to the given position
// have been committed, or the timeout elapses.
func (s *ServerState) WaitForGTID(gtid common.GTID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !(s.lastCommittedGTID.ID == gtid.ID && s.lastCommittedGTID.Seqno >= gtid.Seqno) {
		if s.state == StateDisconnected || s.state == StateDisconnecting {
			return ErrInterruptedWait
		}
		if !time.Now().Before(deadline) {
			return ErrTimedOut
		}
		s.cond.Wait()
	}
	return nil
}

// CausalRead performs a cluster wide causal read through the
// provider. Heavier than WaitForGTID; prefer the latter when the
// target position is known.
func (s *ServerState) CausalRead(timeoutSecs int) (common.GTID, provider.Status) {
	s.mu.Lock()
	p := s.providerLocked()
	s.mu.Unlock()
	return p.CausalRead(timeoutSecs)
}

// PauseSeqno returns the seqno recorded by the last successful pause.
func (s *ServerState) PauseSeqno() common.Seqno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseSeqno
}

// Status enumerates provider status variables together with local
// coordination state.
func (s *ServerState) Status() []provider.StatusVariable {
	s.mu.Lock()
	p := s.prov
	vars := []provider.StatusVariable{
		{Name: "server_name", Value: s.cfg.Name},
		{Name: "server_state", Value: s.state.String()},
		{Name: "last_committed", Value: s.lastCommittedGTID.String()},
		{Name: "desync_count", Value: strconv.Itoa(s.desyncCount)},
		{Name: "pause_count", Value: strconv.Itoa(s.pauseCount)},
		{Name: "streaming_appliers", Value: strconv.Itoa(len(s.streamingAppliers))},
		{Name: "bootstrap", Value: strconv.FormatBool(s.bootstrap)},
		{Name: "synced_once", Value: strconv.FormatBool(s.initSynced)},
	}
	s.mu.Unlock()
	if p != nil {
		vars = append(vars, p.StatusVariables()...)
	}
	return vars
}

// closeTransactionsAtDisconnectLocked collects teardown work when the
// group connection is lost: every registered streaming applier is
// erased, and every open session is returned as an abort victim. The
// caller performs the aborts and closures after dropping the server
// mutex; the lock order is client before server, never the reverse.
func (s *ServerState) closeTransactionsAtDisconnectLocked() ([]HighPriorityService, []*ClientState) {
	var victims []*ClientState
	s.clients.Range(func(cs *ClientState) bool {
		victims = append(victims, cs)
		return true
	})
	var orphaned []HighPriorityService
	for key, svc := range s.streamingAppliers {
		delete(s.streamingAppliers, key)
		orphaned = append(orphaned, svc)
	}
	telemetry.StreamingAppliers.Set(0)
	return orphaned, victims
}
