package coordinator

import (
	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/telemetry"
)

// applierKey identifies one remote streaming transaction: the origin
// server and the transaction id within it.
type applierKey struct {
	serverID common.ID
	trxID    common.TransactionID
}

// StartStreamingClient registers a replicating session whose
// transaction has started fragmenting. The map is a lookup index; the
// session owns itself. Duplicate registration is fatal.
func (s *ServerState) StartStreamingClient(cs *ClientState) {
	id := cs.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streamingClients[id]; ok {
		panic("server_state: duplicate streaming client " + id.String())
	}
	s.streamingClients[id] = cs
	if s.debugLogLevel >= 1 {
		log.Debug().Str("client", id.String()).Msg("Streaming client started")
	}
}

// StopStreamingClient removes a streaming client registration.
// Missing registration is fatal.
func (s *ServerState) StopStreamingClient(cs *ClientState) {
	id := cs.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streamingClients[id]; !ok {
		panic("server_state: stop of unknown streaming client " + id.String())
	}
	delete(s.streamingClients, id)
}

// ConvertStreamingClientToApplier moves a streaming client's
// registration to the applier map under its (server, transaction)
// pair. Used when a local streaming session disconnects mid-flight:
// its fragments must remain completable by a stand-in applier.
func (s *ServerState) ConvertStreamingClientToApplier(cs *ClientState, applier HighPriorityService) {
	// Client fields are read before taking the server mutex: the lock
	// order is client before server, never the reverse.
	id := cs.ID()
	trxID := cs.Transaction().ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streamingClients[id]; !ok {
		panic("server_state: convert of unknown streaming client " + id.String())
	}
	delete(s.streamingClients, id)
	s.startStreamingApplierLocked(s.cfg.ID, trxID, applier)
}

// StartStreamingApplier registers a local high-priority service
// standing in for a remote streaming transaction. Duplicate keys are
// fatal: the pair is unique cluster-wide.
func (s *ServerState) StartStreamingApplier(serverID common.ID, trxID common.TransactionID, svc HighPriorityService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startStreamingApplierLocked(serverID, trxID, svc)
}

func (s *ServerState) startStreamingApplierLocked(serverID common.ID, trxID common.TransactionID, svc HighPriorityService) {
	key := applierKey{serverID: serverID, trxID: trxID}
	if _, ok := s.streamingAppliers[key]; ok {
		panic("server_state: duplicate streaming applier " +
			serverID.String() + ":" + trxID.String())
	}
	s.streamingAppliers[key] = svc
	telemetry.StreamingAppliers.Set(float64(len(s.streamingAppliers)))
}

// StopStreamingApplier removes a streaming applier registration.
// Missing keys are fatal.
func (s *ServerState) StopStreamingApplier(serverID common.ID, trxID common.TransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopStreamingApplierLocked(serverID, trxID)
}

func (s *ServerState) stopStreamingApplierLocked(serverID common.ID, trxID common.TransactionID) {
	key := applierKey{serverID: serverID, trxID: trxID}
	if _, ok := s.streamingAppliers[key]; !ok {
		panic("server_state: stop of unknown streaming applier " +
			serverID.String() + ":" + trxID.String())
	}
	delete(s.streamingAppliers, key)
	telemetry.StreamingAppliers.Set(float64(len(s.streamingAppliers)))
}

// FindStreamingApplier looks up the applier serving the given remote
// streaming transaction, or nil.
func (s *ServerState) FindStreamingApplier(serverID common.ID, trxID common.TransactionID) HighPriorityService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingAppliers[applierKey{serverID: serverID, trxID: trxID}]
}

// closeForeignSRLocked erases streaming appliers whose origin server
// is absent from the new primary view and returns their services so
// the caller can close them outside the mutex. No write-set from a
// removed origin can be dispatched until OnView returns, so erasure
// under the lock is sufficient for the ordering contract.
func (s *ServerState) closeForeignSRLocked(view common.View) []HighPriorityService {
	var orphaned []HighPriorityService
	for key, svc := range s.streamingAppliers {
		if view.IsMember(key.serverID) {
			continue
		}
		log.Info().
			Str("server_id", key.serverID.String()).
			Str("trx_id", key.trxID.String()).
			Msg("Closing streaming applier of departed member")
		delete(s.streamingAppliers, key)
		orphaned = append(orphaned, svc)
	}
	telemetry.StreamingAppliers.Set(float64(len(s.streamingAppliers)))
	return orphaned
}
