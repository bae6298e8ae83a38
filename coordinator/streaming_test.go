package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingApplierRegistry(t *testing.T) {
	s, _ := newTestServer(nil)
	applier := &mockApplier{}

	s.StartStreamingApplier("A", 1, applier)
	assert.Equal(t, applier, s.FindStreamingApplier("A", 1))
	assert.Nil(t, s.FindStreamingApplier("A", 2))
	assert.Nil(t, s.FindStreamingApplier("B", 1))

	// The (server, transaction) pair is unique.
	assert.Panics(t, func() { s.StartStreamingApplier("A", 1, &mockApplier{}) })

	// Same transaction id under a different origin is a distinct key.
	s.StartStreamingApplier("B", 1, &mockApplier{})

	s.StopStreamingApplier("A", 1)
	assert.Nil(t, s.FindStreamingApplier("A", 1))

	assert.Panics(t, func() { s.StopStreamingApplier("A", 1) })
}

func TestConvertStreamingClientToApplier(t *testing.T) {
	s, _ := newTestServer(nil)
	cs := NewClientState(s, &mockClientService{}, ModeReplicating)
	cs.Open(5)
	cs.Transaction().Start(900)

	s.StartStreamingClient(cs)

	// The disconnected client's fragments stay completable through the
	// stand-in applier under the server's own id.
	standIn := &mockApplier{}
	s.ConvertStreamingClientToApplier(cs, standIn)

	assert.Equal(t, standIn, s.FindStreamingApplier(s.ID(), 900))

	// The client registration is gone.
	assert.Panics(t, func() { s.StopStreamingClient(cs) })
}

func TestStopUnknownStreamingClientIsFatal(t *testing.T) {
	s, _ := newTestServer(nil)
	cs := NewClientState(s, &mockClientService{}, ModeReplicating)
	cs.Open(5)

	require.Panics(t, func() { s.StopStreamingClient(cs) })
}
