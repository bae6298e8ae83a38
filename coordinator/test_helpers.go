package coordinator

import (
	"sync"

	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/provider"
)

// mockProvider records provider calls and returns configurable
// statuses. Used by state machine tests in place of a live group.
type mockProvider struct {
	mu sync.Mutex

	connectCalls    int
	disconnectCalls int
	desyncCalls     int
	resyncCalls     int
	pauseCalls      int
	resumeCalls     int
	enterTOICalls   int
	leaveTOICalls   int
	sstSentCalls    int

	failDesync bool
	failPause  bool

	pauseSeqno common.Seqno

	sstSentGTID common.GTID
}

func newMockProvider() *mockProvider {
	return &mockProvider{pauseSeqno: 42}
}

func (p *mockProvider) calls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch name {
	case "connect":
		return p.connectCalls
	case "disconnect":
		return p.disconnectCalls
	case "desync":
		return p.desyncCalls
	case "resync":
		return p.resyncCalls
	case "pause":
		return p.pauseCalls
	case "resume":
		return p.resumeCalls
	case "enter_toi":
		return p.enterTOICalls
	case "leave_toi":
		return p.leaveTOICalls
	case "sst_sent":
		return p.sstSentCalls
	}
	return -1
}

func (p *mockProvider) Connect(clusterName, clusterURL, stateDonor string, bootstrap bool) provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectCalls++
	return provider.StatusSuccess
}

func (p *mockProvider) Disconnect() provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCalls++
	return provider.StatusSuccess
}

func (p *mockProvider) EnterTOI(client common.ClientID, keys [][]byte, data []byte, flags uint32) (provider.WSMeta, provider.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enterTOICalls++
	return provider.WSMeta{ClientID: client, Flags: flags}, provider.StatusSuccess
}

func (p *mockProvider) LeaveTOI(client common.ClientID) provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveTOICalls++
	return provider.StatusSuccess
}

func (p *mockProvider) Certify(client common.ClientID, handle *provider.WSHandle, flags uint32, meta *provider.WSMeta) provider.Status {
	return provider.StatusSuccess
}

func (p *mockProvider) CommitOrderEnter(handle provider.WSHandle, meta provider.WSMeta) provider.Status {
	return provider.StatusSuccess
}

func (p *mockProvider) CommitOrderLeave(handle provider.WSHandle, meta provider.WSMeta) provider.Status {
	return provider.StatusSuccess
}

func (p *mockProvider) Release(handle provider.WSHandle) provider.Status {
	return provider.StatusSuccess
}

func (p *mockProvider) Replay(handle provider.WSHandle, applierCtx any) provider.Status {
	return provider.StatusSuccess
}

func (p *mockProvider) Desync() provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDesync {
		return provider.StatusNotAllowed
	}
	p.desyncCalls++
	return provider.StatusSuccess
}

func (p *mockProvider) Resync() provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resyncCalls++
	return provider.StatusSuccess
}

func (p *mockProvider) Pause() (common.Seqno, provider.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPause {
		return common.UndefinedSeqno, provider.StatusNotAllowed
	}
	p.pauseCalls++
	return p.pauseSeqno, provider.StatusSuccess
}

func (p *mockProvider) Resume() provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumeCalls++
	return provider.StatusSuccess
}

func (p *mockProvider) SSTSent(gtid common.GTID, err error) provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sstSentCalls++
	p.sstSentGTID = gtid
	return provider.StatusSuccess
}

func (p *mockProvider) CausalRead(timeoutSecs int) (common.GTID, provider.Status) {
	return common.UndefinedGTID(), provider.StatusSuccess
}

func (p *mockProvider) StatusVariables() []provider.StatusVariable {
	return []provider.StatusVariable{{Name: "provider_name", Value: "mock"}}
}

// mockServerService implements ServerService with recorded calls.
type mockServerService struct {
	mu sync.Mutex

	sstBeforeInit bool
	sstRequest    string

	startSSTCalls  int
	rollbackCalls  int
	stateChanges   [][2]State
	viewsLogged    int
	recoveryCalled int

	// rollbackGate, when set, defers the background rollback until the
	// gate is closed, so tests can observe sessions blocked on it.
	rollbackGate chan struct{}
}

func newMockServerService() *mockServerService {
	return &mockServerService{sstRequest: "rsync://127.0.0.1"}
}

func (s *mockServerService) SSTBeforeInit() bool { return s.sstBeforeInit }
func (s *mockServerService) SSTRequest() string  { return s.sstRequest }

func (s *mockServerService) StartSST(request string, gtid common.GTID, bypass bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startSSTCalls++
	return nil
}

func (s *mockServerService) BackgroundRollback(client *ClientState) {
	s.mu.Lock()
	s.rollbackCalls++
	gate := s.rollbackGate
	s.mu.Unlock()
	if gate != nil {
		go func() {
			<-gate
			client.Transaction().Rollback()
		}()
		return
	}
	client.Transaction().Rollback()
}

func (s *mockServerService) LogStateChange(from, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateChanges = append(s.stateChanges, [2]State{from, to})
}

func (s *mockServerService) LogView(view common.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewsLogged++
}

func (s *mockServerService) RecoverStreamingAppliers(applier HighPriorityService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryCalled++
}

// mockClientService implements ClientService for session tests.
type mockClientService struct {
	mu sync.Mutex

	autocommit bool
	do2PC      bool

	rollbackCalls int
	replayCalls   int
	abortCalls    int
	lastError     ClientError

	// onRollback, when set, runs inside Rollback before it returns.
	onRollback func()
}

func (c *mockClientService) Rollback() error {
	c.mu.Lock()
	c.rollbackCalls++
	hook := c.onRollback
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *mockClientService) IsAutocommit() bool { return c.autocommit }
func (c *mockClientService) Do2PC() bool        { return c.do2PC }

func (c *mockClientService) WillReplay() {}
func (c *mockClientService) Replay() provider.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replayCalls++
	return provider.StatusSuccess
}
func (c *mockClientService) WaitForReplayers() {}

func (c *mockClientService) PrepareDataForReplication() error     { return nil }
func (c *mockClientService) PrepareFragmentForReplication() error { return nil }

func (c *mockClientService) DebugSync(point string) {}
func (c *mockClientService) Killed() bool           { return false }
func (c *mockClientService) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortCalls++
}
func (c *mockClientService) StoreGlobals() {}
func (c *mockClientService) OnError(err ClientError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = err
}

// mockApplier implements HighPriorityService with recorded calls.
type mockApplier struct {
	mu sync.Mutex

	applied    []provider.WSMeta
	commits    int
	rollbacks  int
	closeCalls int
}

func (a *mockApplier) ApplyWriteSet(meta provider.WSMeta, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, meta)
	return nil
}

func (a *mockApplier) CommitFragment(meta provider.WSMeta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits++
	return nil
}

func (a *mockApplier) RollbackFragment(meta provider.WSMeta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollbacks++
	return nil
}

func (a *mockApplier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeCalls++
	return nil
}

func (a *mockApplier) appliedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

// newTestServer builds a server state with a mock provider installed.
func newTestServer(service *mockServerService) (*ServerState, *mockProvider) {
	if service == nil {
		service = newMockServerService()
	}
	s := NewServerState(Config{
		Name:               "s1",
		ID:                 "11111111-1111-1111-1111-111111111111",
		IncomingAddress:    "127.0.0.1:3306",
		Address:            "127.0.0.1:4567",
		WorkingDir:         ".",
		InitialPosition:    common.UndefinedGTID(),
		MaxProtocolVersion: 5,
	}, service)
	p := newMockProvider()
	s.prov = p
	return s, p
}

// primaryView builds a primary view containing the given members,
// with the local server at index 0 when present.
func primaryView(ids ...common.ID) common.View {
	members := make([]common.Member, len(ids))
	for i, id := range ids {
		members[i] = common.Member{ID: id, Name: string(id)}
	}
	return common.View{
		Status:    common.ViewPrimary,
		ViewSeqno: 1,
		OwnIndex:  0,
		Members:   members,
	}
}
