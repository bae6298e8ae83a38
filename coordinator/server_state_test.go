package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dutow/wsrep-go/common"
)

const sourceUUID = common.ID("22222222-2222-2222-2222-222222222222")

func TestCleanJoinSSTAfterInit(t *testing.T) {
	s, _ := newTestServer(nil)

	require.Equal(t, StateDisconnected, s.State())

	s.Initialized()
	require.Equal(t, StateInitialized, s.State())

	require.NoError(t, s.Connect("c", "addr", "donor", false))
	s.OnConnect(common.GTID{ID: sourceUUID, Seqno: 41})
	require.Equal(t, StateConnected, s.State())

	// A primary view containing self does not change the state.
	s.OnView(primaryView(s.ID(), sourceUUID), &mockApplier{})
	require.Equal(t, StateConnected, s.State())

	// Provider requests an SST; the joiner prepares and receives it.
	req := s.PrepareForSST()
	assert.NotEmpty(t, req)
	require.Equal(t, StateJoiner, s.State())

	require.NoError(t, s.SSTReceived(common.GTID{ID: sourceUUID, Seqno: 42}, nil))
	require.Equal(t, StateJoined, s.State())

	s.OnSync()
	require.Equal(t, StateSynced, s.State())

	assert.Equal(t, common.GTID{ID: sourceUUID, Seqno: 42}, s.LastCommittedGTID())
	assert.Equal(t, []State{
		StateInitializing, StateInitialized, StateConnected,
		StateJoiner, StateJoined, StateSynced,
	}, s.StateHistory())
}

func TestJoinSSTBeforeInit(t *testing.T) {
	service := newMockServerService()
	service.sstBeforeInit = true
	s, _ := newTestServer(service)

	require.NoError(t, s.Connect("c", "addr", "", false))
	s.OnConnect(common.GTID{ID: sourceUUID, Seqno: 9})
	require.Equal(t, StateConnected, s.State())

	s.PrepareForSST()
	require.Equal(t, StateJoiner, s.State())

	require.NoError(t, s.SSTReceived(common.GTID{ID: sourceUUID, Seqno: 10}, nil))
	require.Equal(t, StateInitializing, s.State())
	assert.False(t, s.IsInitialized())

	s.Initialized()
	require.Equal(t, StateJoined, s.State())
	assert.True(t, s.IsInitialized())

	s.OnSync()
	require.Equal(t, StateSynced, s.State())
}

func TestIllegalTransitionIsFatal(t *testing.T) {
	s, _ := newTestServer(nil)

	// disconnected -> synced is not an edge in either path.
	assert.PanicsWithValue(t,
		"server_state: Unallowed state transition: disconnected -> synced",
		func() { s.OnSync() })
}

func TestBootstrapSyncWithoutSST(t *testing.T) {
	s, _ := newTestServer(nil)

	s.Initialized()
	require.NoError(t, s.Connect("c", "addr", "", true))
	s.OnConnect(common.GTID{ID: sourceUUID, Seqno: 0})
	s.OnView(primaryView(s.ID()), &mockApplier{})

	// No donor exists; the provider reports sync straight away and the
	// join edges are walked without a transfer.
	s.OnSync()
	require.Equal(t, StateSynced, s.State())
	assert.Equal(t, []State{
		StateInitializing, StateInitialized, StateConnected,
		StateJoiner, StateJoined, StateSynced,
	}, s.StateHistory())
}

func TestDonorDance(t *testing.T) {
	s, p := newTestServer(nil)
	joinSynced(t, s)

	require.NoError(t, s.StartSST("rsync://joiner", common.GTID{ID: sourceUUID, Seqno: 50}, false))
	require.Equal(t, StateDonor, s.State())

	s.SSTSent(common.GTID{ID: sourceUUID, Seqno: 50}, nil)
	require.Equal(t, StateJoined, s.State())
	assert.Equal(t, 1, p.calls("sst_sent"))

	s.OnSync()
	require.Equal(t, StateSynced, s.State())
}

func TestDonorBypass(t *testing.T) {
	service := newMockServerService()
	s, p := newTestServer(service)
	joinSynced(t, s)

	// Bypass succeeds without a transfer: the joiner already holds
	// state at or past the requested position.
	require.NoError(t, s.StartSST("rsync://joiner", common.GTID{ID: sourceUUID, Seqno: 50}, true))
	require.Equal(t, StateJoined, s.State())
	assert.Equal(t, 0, service.startSSTCalls)
	assert.Equal(t, 1, p.calls("sst_sent"))
}

func TestWaitUntilState(t *testing.T) {
	s, _ := newTestServer(nil)

	done := make(chan error, 1)
	go func() {
		done <- s.WaitUntilState(StateInitialized)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Initialized()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake up")
	}
}

func TestWaitUntilStateInterruptedByDisconnect(t *testing.T) {
	s, _ := newTestServer(nil)

	done := make(chan error, 1)
	go func() {
		done <- s.WaitUntilState(StateSynced)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Disconnect())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterruptedWait)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe disconnect")
	}
}

func TestDesyncResyncRoundTrip(t *testing.T) {
	s, p := newTestServer(nil)

	require.NoError(t, s.Desync())
	require.NoError(t, s.Desync())
	assert.Equal(t, 2, s.DesyncCount())
	// Only the 0 -> 1 transition reaches the provider.
	assert.Equal(t, 1, p.calls("desync"))

	s.Resync()
	assert.Equal(t, 0, p.calls("resync"))
	s.Resync()
	assert.Equal(t, 0, s.DesyncCount())
	assert.Equal(t, 1, p.calls("resync"))
}

func TestPauseRecordsSeqno(t *testing.T) {
	s, p := newTestServer(nil)
	p.pauseSeqno = 77

	seqno, err := s.Pause()
	require.NoError(t, err)
	assert.Equal(t, common.Seqno(77), seqno)
	assert.Equal(t, common.Seqno(77), s.PauseSeqno())

	// Nested pause books a level without a provider call.
	seqno2, err := s.Pause()
	require.NoError(t, err)
	assert.Equal(t, common.Seqno(77), seqno2)
	assert.Equal(t, 1, p.calls("pause"))

	s.Resume()
	s.Resume()
	assert.Equal(t, 1, p.calls("resume"))
	assert.Equal(t, common.UndefinedSeqno, s.PauseSeqno())
}

func TestDesyncAndPauseComposition(t *testing.T) {
	s, p := newTestServer(nil)
	p.pauseSeqno = 100

	seqno, err := s.DesyncAndPause()
	require.NoError(t, err)
	assert.Equal(t, common.Seqno(100), seqno)
	assert.Equal(t, 1, p.calls("desync"))
	assert.Equal(t, 1, p.calls("pause"))

	// A following desync only increments the count.
	require.NoError(t, s.Desync())
	assert.Equal(t, 1, p.calls("desync"))

	s.Resync()
	s.ResumeAndResync()
	assert.Equal(t, 1, p.calls("resume"))
	assert.Equal(t, 1, p.calls("resync"))
	assert.Equal(t, 0, s.DesyncCount())
	assert.Equal(t, 0, s.PauseCount())
}

func TestDesyncAndPauseUnwindsOnFailure(t *testing.T) {
	s, p := newTestServer(nil)
	p.failPause = true

	seqno, err := s.DesyncAndPause()
	require.Error(t, err)
	assert.Equal(t, common.UndefinedSeqno, seqno)
	// The desync half was unwound.
	assert.Equal(t, 0, s.DesyncCount())
	assert.Equal(t, 1, p.calls("resync"))
}

func TestDesyncFailureLeavesCountUntouched(t *testing.T) {
	s, p := newTestServer(nil)
	p.failDesync = true

	require.Error(t, s.Desync())
	assert.Equal(t, 0, s.DesyncCount())
}

func TestLastCommittedMonotone(t *testing.T) {
	s, _ := newTestServer(nil)

	s.SetLastCommittedGTID(common.GTID{ID: sourceUUID, Seqno: 10})
	s.SetLastCommittedGTID(common.GTID{ID: sourceUUID, Seqno: 5})
	assert.Equal(t, common.Seqno(10), s.LastCommittedGTID().Seqno)

	s.SetLastCommittedGTID(common.GTID{ID: sourceUUID, Seqno: 11})
	assert.Equal(t, common.Seqno(11), s.LastCommittedGTID().Seqno)
}

func TestWaitForGTID(t *testing.T) {
	s, _ := newTestServer(nil)
	joinSynced(t, s)

	done := make(chan error, 1)
	go func() {
		done <- s.WaitForGTID(common.GTID{ID: sourceUUID, Seqno: 60}, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	s.SetLastCommittedGTID(common.GTID{ID: sourceUUID, Seqno: 60})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe position")
	}
}

func TestWaitForGTIDTimeout(t *testing.T) {
	s, _ := newTestServer(nil)
	joinSynced(t, s)

	err := s.WaitForGTID(common.GTID{ID: sourceUUID, Seqno: 1 << 40}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestForeignSRClosure(t *testing.T) {
	s, _ := newTestServer(nil)
	joinSynced(t, s)

	applierA := &mockApplier{}
	applierB := &mockApplier{}
	s.StartStreamingApplier("A", 1, applierA)
	s.StartStreamingApplier("B", 1, applierB)

	// B leaves the group: its streaming applier must be closed and
	// erased before any later write-set referencing B is dispatched.
	s.OnView(primaryView(s.ID(), "A"), &mockApplier{})

	assert.NotNil(t, s.FindStreamingApplier("A", 1))
	assert.Nil(t, s.FindStreamingApplier("B", 1))
	assert.Equal(t, 1, applierB.closeCalls)
	assert.Equal(t, 0, applierA.closeCalls)
}

func TestDisconnectWithoutFinalViewReachesDisconnected(t *testing.T) {
	s, _ := newTestServer(nil)
	joinSynced(t, s)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestNonPrimaryViewShiftsTowardDisconnecting(t *testing.T) {
	s, _ := newTestServer(nil)
	joinSynced(t, s)

	s.OnView(common.View{
		Status:   common.ViewNonPrimary,
		OwnIndex: 0,
		Members:  []common.Member{{ID: s.ID()}},
	}, &mockApplier{})
	assert.Equal(t, StateDisconnecting, s.State())
}

func TestStatusVariables(t *testing.T) {
	s, _ := newTestServer(nil)
	vars := s.Status()

	byName := make(map[string]string, len(vars))
	for _, v := range vars {
		byName[v.Name] = v.Value
	}
	assert.Equal(t, "s1", byName["server_name"])
	assert.Equal(t, "disconnected", byName["server_state"])
	assert.Equal(t, "mock", byName["provider_name"])
}

// joinSynced drives a fresh server through the SST-after-init join to
// synced.
func joinSynced(t *testing.T, s *ServerState) {
	t.Helper()
	s.Initialized()
	require.NoError(t, s.Connect("c", "addr", "", false))
	s.OnConnect(common.GTID{ID: sourceUUID, Seqno: 1})
	s.OnView(primaryView(s.ID()), &mockApplier{})
	s.PrepareForSST()
	require.NoError(t, s.SSTReceived(common.GTID{ID: sourceUUID, Seqno: 2}, nil))
	s.OnSync()
	require.Equal(t, StateSynced, s.State())
}
