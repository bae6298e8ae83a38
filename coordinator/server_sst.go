package coordinator

import (
	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/provider"
	"github.com/dutow/wsrep-go/telemetry"
)

// Desync detaches the server from cluster flow control. Calls are
// reference counted: only the 0 -> 1 transition reaches the provider.
// On provider failure the counter is left unincremented.
func (s *ServerState) Desync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desyncLocked()
}

func (s *ServerState) desyncLocked() error {
	if s.desyncCount == 0 {
		p := s.providerLocked()
		if st := p.Desync(); st != provider.StatusSuccess {
			return &ProviderError{Op: "desync", Status: st}
		}
	}
	s.desyncCount++
	telemetry.DesyncCount.Set(float64(s.desyncCount))
	return nil
}

// Resync is the paired inverse of Desync; only the 1 -> 0 transition
// reaches the provider.
func (s *ServerState) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncLocked()
}

func (s *ServerState) resyncLocked() {
	if s.desyncCount == 0 {
		panic("server_state: resync without matching desync")
	}
	s.desyncCount--
	telemetry.DesyncCount.Set(float64(s.desyncCount))
	if s.desyncCount == 0 {
		if st := s.providerLocked().Resync(); st != provider.StatusSuccess {
			log.Warn().Str("status", st.String()).Msg("Provider resync failed")
		}
	}
}

// Pause stops write-set delivery and returns the seqno of the last
// delivered write-set. Reference counted like Desync; intermediate
// levels return the recorded seqno without a provider call.
func (s *ServerState) Pause() (common.Seqno, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseLocked()
}

func (s *ServerState) pauseLocked() (common.Seqno, error) {
	if s.pauseCount == 0 {
		seqno, st := s.providerLocked().Pause()
		if st != provider.StatusSuccess {
			return common.UndefinedSeqno, &ProviderError{Op: "pause", Status: st}
		}
		s.pauseSeqno = seqno
	}
	s.pauseCount++
	telemetry.PauseCount.Set(float64(s.pauseCount))
	return s.pauseSeqno, nil
}

// Resume is the paired inverse of Pause.
func (s *ServerState) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked()
}

func (s *ServerState) resumeLocked() {
	if s.pauseCount == 0 {
		panic("server_state: resume without matching pause")
	}
	s.pauseCount--
	telemetry.PauseCount.Set(float64(s.pauseCount))
	if s.pauseCount == 0 {
		if st := s.providerLocked().Resume(); st != provider.StatusSuccess {
			log.Warn().Str("status", st.String()).Msg("Provider resume failed")
		}
		s.pauseSeqno = common.UndefinedSeqno
	}
}

// DesyncAndPause quiesces the provider in one atomic step over the
// server mutex. On a mid-operation failure the already-taken half is
// unwound and an undefined seqno is returned.
func (s *ServerState) DesyncAndPause() (common.Seqno, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.desyncLocked(); err != nil {
		return common.UndefinedSeqno, err
	}
	seqno, err := s.pauseLocked()
	if err != nil {
		s.resyncLocked()
		return common.UndefinedSeqno, err
	}
	return seqno, nil
}

// ResumeAndResync undoes DesyncAndPause in one atomic step. The
// provider must have been both desynced and paused beforehand.
func (s *ServerState) ResumeAndResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked()
	s.resyncLocked()
}

// DesyncCount returns the current desync nesting level.
func (s *ServerState) DesyncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desyncCount
}

// PauseCount returns the current pause nesting level.
func (s *ServerState) PauseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseCount
}

// PrepareForSST shifts the server to joiner and returns the SST
// request string to advertise to the donor.
func (s *ServerState) PrepareForSST() string {
	s.mu.Lock()
	s.setState(StateJoiner)
	s.mu.Unlock()
	return s.service.SSTRequest()
}

// StartSST is called on the donor when the provider signals an
// incoming SST request. The transfer itself is delegated to the
// server service; a bypass request succeeds without data transfer
// because the joiner already holds state at or past the given
// position.
func (s *ServerState) StartSST(request string, gtid common.GTID, bypass bool) error {
	s.mu.Lock()
	s.setState(StateDonor)
	s.mu.Unlock()

	log.Info().
		Str("server", s.cfg.Name).
		Str("gtid", gtid.String()).
		Bool("bypass", bypass).
		Msg("Starting SST donation")
	if bypass {
		s.SSTSent(gtid, nil)
		return nil
	}
	if err := s.service.StartSST(request, gtid, bypass); err != nil {
		log.Error().Err(err).Msg("SST donation failed to start")
		s.SSTSent(gtid, err)
		return err
	}
	return nil
}

// SSTSent is the donor-side completion callback. The result is
// reported to the provider and the server returns toward joined.
func (s *ServerState) SSTSent(gtid common.GTID, sstErr error) {
	s.mu.Lock()
	p := s.providerLocked()
	s.mu.Unlock()

	if st := p.SSTSent(gtid, sstErr); st != provider.StatusSuccess {
		log.Warn().Str("status", st.String()).Msg("Provider sst_sent failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDonor {
		s.setState(StateJoined)
	}
}

// SSTReceived is the joiner-side completion callback. The received
// position is recorded; if storage engine initialization has not yet
// happened (SST before init), the server parks in initializing and
// the embedder's Initialized call completes the handoff. Write-sets
// at or below the recorded position are discarded by OnApply as
// already contained in the snapshot.
func (s *ServerState) SSTReceived(gtid common.GTID, sstErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sstErr != nil {
		log.Error().Err(sstErr).Str("gtid", gtid.String()).Msg("SST receive failed")
		s.setState(StateDisconnecting)
		return sstErr
	}

	log.Info().Str("server", s.cfg.Name).Str("gtid", gtid.String()).Msg("SST received")
	s.sstGTID = gtid
	s.setLastCommittedLocked(gtid)

	if !s.initInitialized {
		// SST-before-init: storage engine initialization happens on
		// top of the received snapshot.
		s.sstPending = true
		s.setState(StateInitializing)
		return nil
	}
	s.setState(StateJoined)
	return nil
}

// SSTGTID returns the position advertised by the donor, or an
// undefined GTID when no SST has been received.
func (s *ServerState) SSTGTID() common.GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sstGTID
}
