package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dutow/wsrep-go/provider"
)

func newTestClient(t *testing.T, mode Mode) (*ClientState, *mockClientService, *ServerState) {
	t.Helper()
	s, _ := newTestServer(nil)
	service := &mockClientService{}
	cs := NewClientState(s, service, mode)
	return cs, service, s
}

func TestOpenCleanupRoundTrip(t *testing.T) {
	cs, _, s := newTestClient(t, ModeReplicating)

	cs.Open(7)
	assert.Equal(t, SessionIdle, cs.State())
	assert.Equal(t, cs, s.FindClient(7))

	require.Equal(t, ErrNone, cs.BeforeCommand())
	cs.AfterCommandBeforeResult()
	cs.AfterCommandAfterResult()
	assert.Equal(t, SessionIdle, cs.State())

	cs.Close()
	cs.Cleanup()
	assert.Equal(t, SessionNone, cs.State())
	assert.False(t, cs.Transaction().Active())
	assert.Equal(t, ErrNone, cs.CurrentError())
	assert.Nil(t, s.FindClient(7))
}

func TestIllegalSessionTransitionIsFatal(t *testing.T) {
	cs, _, _ := newTestClient(t, ModeReplicating)
	cs.Open(1)

	// idle -> result skips executing.
	assert.PanicsWithValue(t,
		"client_state: Unallowed state transition: idle -> result",
		func() { cs.AfterCommandBeforeResult() })
}

func TestBFAbortDuringCommand(t *testing.T) {
	cs, service, _ := newTestClient(t, ModeReplicating)
	cs.Open(1)

	require.Equal(t, ErrNone, cs.BeforeCommand())
	cs.Transaction().Start(100)
	require.Equal(t, ErrNone, cs.BeforeStatement())

	// A remote applier brute-force aborts the transaction while the
	// command executes.
	require.True(t, cs.BFAbort())
	require.Equal(t, TrxMustAbort, cs.Transaction().State())

	// The session observes the abort before sending the result.
	cs.AfterCommandBeforeResult()
	assert.Equal(t, SessionResult, cs.State())
	assert.Equal(t, ErrDeadlock, cs.CurrentError())
	assert.Equal(t, 1, service.rollbackCalls)

	// The transaction is still there, the error stays visible for the
	// client.
	cs.AfterCommandAfterResult()
	assert.Equal(t, SessionIdle, cs.State())
	assert.Equal(t, ErrDeadlock, cs.CurrentError())

	// The next command cleans up and fails.
	assert.Equal(t, ErrDeadlock, cs.BeforeCommand())
	assert.False(t, cs.Transaction().Active())
}

func TestBFAbortBetweenResultHooks(t *testing.T) {
	cs, service, _ := newTestClient(t, ModeReplicating)
	cs.Open(1)

	require.Equal(t, ErrNone, cs.BeforeCommand())
	cs.Transaction().Start(100)
	cs.AfterCommandBeforeResult()

	// The abort races in after the result was prepared.
	require.True(t, cs.BFAbort())

	cs.AfterCommandAfterResult()
	assert.Equal(t, SessionIdle, cs.State())
	assert.Equal(t, ErrDeadlock, cs.CurrentError())
	assert.Equal(t, 1, service.rollbackCalls)
}

func TestBeforeCommandObservesAbortedTransaction(t *testing.T) {
	cs, _, _ := newTestClient(t, ModeReplicating)
	cs.Open(1)

	require.Equal(t, ErrNone, cs.BeforeCommand())
	cs.Transaction().Start(100)
	cs.AfterCommandBeforeResult()
	cs.AfterCommandAfterResult()

	// Abort completes while the session is idle.
	require.True(t, cs.BFAbort())
	cs.Transaction().Rollback()

	assert.Equal(t, ErrDeadlock, cs.BeforeCommand())
	assert.Equal(t, SessionExec, cs.State())
	assert.False(t, cs.Transaction().Active())
}

func TestBeforeStatementSkipsExecutionOnMustAbort(t *testing.T) {
	cs, _, _ := newTestClient(t, ModeReplicating)
	cs.Open(1)

	require.Equal(t, ErrNone, cs.BeforeCommand())
	cs.Transaction().Start(100)
	require.True(t, cs.BFAbort())

	assert.Equal(t, ErrDeadlock, cs.BeforeStatement())
}

func TestDeadlockRetry(t *testing.T) {
	tests := []struct {
		name       string
		mode       Mode
		autocommit bool
		want       AfterStatementResult
	}{
		{
			name:       "replicating autocommit may retry",
			mode:       ModeReplicating,
			autocommit: true,
			want:       ResultMayRetry,
		},
		{
			name:       "replicating without autocommit surfaces error",
			mode:       ModeReplicating,
			autocommit: false,
			want:       ResultError,
		},
		{
			name:       "local autocommit surfaces error",
			mode:       ModeLocal,
			autocommit: true,
			want:       ResultError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, service, _ := newTestClient(t, tt.mode)
			service.autocommit = tt.autocommit
			cs.Open(1)

			require.Equal(t, ErrNone, cs.BeforeCommand())
			cs.Transaction().Start(100)
			require.True(t, cs.BFAbort())

			got := cs.AfterStatement()
			if got != tt.want {
				t.Errorf("AfterStatement() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOverrideErrorWithSuccessIsFatal(t *testing.T) {
	cs, _, _ := newTestClient(t, ModeReplicating)
	cs.Open(1)

	cs.OverrideError(ErrDeadlock)
	assert.PanicsWithValue(t,
		"client_state: Unallowed error transition: deadlock -> success",
		func() { cs.OverrideError(ErrNone) })
}

func TestCallerErrorSurvivesNoTransactionClear(t *testing.T) {
	cs, _, _ := newTestClient(t, ModeReplicating)
	cs.Open(1)

	require.Equal(t, ErrNone, cs.BeforeCommand())
	// The caller reports its own error, not a transaction one.
	cs.OverrideError(ErrSizeExceeded)
	cs.AfterCommandBeforeResult()
	cs.AfterCommandAfterResult()

	assert.Equal(t, ErrSizeExceeded, cs.CurrentError())
}

func TestTOIEnterLeaveRestoresMode(t *testing.T) {
	cs, _, s := newTestClient(t, ModeReplicating)
	cs.Open(1)

	require.Equal(t, ErrNone, cs.BeforeCommand())
	require.NoError(t, cs.EnterTOI(nil, []byte("create table t"), 0))
	assert.Equal(t, ModeTOI, cs.Mode())

	require.NoError(t, cs.LeaveTOI())
	assert.Equal(t, ModeReplicating, cs.Mode())

	p := s.Provider().(*mockProvider)
	assert.Equal(t, 1, p.calls("enter_toi"))
	assert.Equal(t, 1, p.calls("leave_toi"))
}

func TestTOIFromHighPriorityIsLocal(t *testing.T) {
	cs, _, s := newTestClient(t, ModeHighPriority)
	cs.Open(1)

	cs.EnterTOIMeta(provider.WSMeta{Flags: provider.FlagTrxStart})
	assert.Equal(t, ModeTOI, cs.Mode())

	require.NoError(t, cs.LeaveTOI())
	assert.Equal(t, ModeHighPriority, cs.Mode())

	// The applier is already serialized by the provider: no TOI
	// round-trips.
	p := s.Provider().(*mockProvider)
	assert.Equal(t, 0, p.calls("enter_toi"))
	assert.Equal(t, 0, p.calls("leave_toi"))
}

func TestLocalModeIsTerminal(t *testing.T) {
	cs, _, _ := newTestClient(t, ModeLocal)
	cs.Open(1)
	require.Equal(t, ErrNone, cs.BeforeCommand())

	assert.Panics(t, func() { cs.EnterTOI(nil, nil, 0) })
}

func TestCloseRollsBackActiveTransaction(t *testing.T) {
	cs, service, _ := newTestClient(t, ModeReplicating)
	cs.Open(1)

	require.Equal(t, ErrNone, cs.BeforeCommand())
	cs.Transaction().Start(100)
	cs.AfterCommandBeforeResult()
	cs.AfterCommandAfterResult()

	// Connection drops with the transaction still open.
	cs.Close()
	assert.Equal(t, 1, service.rollbackCalls)
	assert.False(t, cs.Transaction().Active())

	cs.Cleanup()
	assert.Equal(t, SessionNone, cs.State())
}

func TestSyncRollbackBlocksBeforeCommand(t *testing.T) {
	serverService := newMockServerService()
	serverService.rollbackGate = make(chan struct{})
	s := NewServerState(Config{
		Name:         "s1",
		ID:           "11111111-1111-1111-1111-111111111111",
		RollbackMode: RollbackModeSync,
	}, serverService)
	s.prov = newMockProvider()
	service := &mockClientService{}
	cs := NewClientState(s, service, ModeReplicating)
	cs.Open(1)

	require.Equal(t, ErrNone, cs.BeforeCommand())
	cs.Transaction().Start(100)
	cs.AfterCommandBeforeResult()
	cs.AfterCommandAfterResult()

	// The applier aborts while the session is idle; the victim is
	// handed to the background rollbacker, which is gated.
	require.True(t, cs.BFAbort())
	require.Equal(t, TrxAborting, cs.Transaction().State())

	finished := make(chan ClientError, 1)
	go func() {
		finished <- cs.BeforeCommand()
	}()

	// The hook blocks while the rollback is in flight.
	select {
	case <-finished:
		t.Fatal("before_command returned before rollback completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(serverService.rollbackGate)

	select {
	case err := <-finished:
		// The hook waited out the background rollback and reports the
		// absorbed abort.
		assert.Equal(t, ErrDeadlock, err)
	case <-time.After(time.Second):
		t.Fatal("before_command did not return")
	}
	assert.False(t, cs.Transaction().Active())
}

func TestEnableStreaming(t *testing.T) {
	cs, _, s := newTestClient(t, ModeReplicating)
	cs.Open(1)

	require.NoError(t, cs.EnableStreaming(FragmentRows, 10))
	cs.Transaction().Start(100)
	assert.True(t, cs.Transaction().IsStreaming())

	// Changing the unit mid-transaction is refused.
	assert.ErrorIs(t, cs.EnableStreaming(FragmentBytes, 1024), ErrFragmentUnitChange)
	// Same unit may be re-declared.
	require.NoError(t, cs.EnableStreaming(FragmentRows, 20))

	s.StartStreamingClient(cs)
	assert.Panics(t, func() { s.StartStreamingClient(cs) })
	s.StopStreamingClient(cs)
}
