package coordinator

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/provider"
	"github.com/dutow/wsrep-go/telemetry"
)

// appliedWindowSize bounds the duplicate-suppression window. The
// window only needs to cover redeliveries around reconnects; the SST
// position filter handles everything older.
const appliedWindowSize = 8192

// appliedWindow remembers recently applied positions so redelivered
// write-sets are dropped instead of applied twice.
type appliedWindow struct {
	cache *lru.Cache[common.GTID, struct{}]
}

func newAppliedWindow() *appliedWindow {
	cache, err := lru.New[common.GTID, struct{}](appliedWindowSize)
	if err != nil {
		panic(err)
	}
	return &appliedWindow{cache: cache}
}

// seen records the position and reports whether it was already
// present.
func (w *appliedWindow) seen(gtid common.GTID) bool {
	_, present := w.cache.Get(gtid)
	if !present {
		w.cache.Add(gtid, struct{}{})
	}
	return present
}

// OnApply is delivered by the provider for every write-set in total
// order. Duplicates at or below the SST position are silently
// discarded: they are already contained in the snapshot. Streaming
// fragments are routed to the applier registered for their origin
// transaction, creating the registration on the first fragment and
// removing it on commit or rollback.
func (s *ServerState) OnApply(hps HighPriorityService, handle provider.WSHandle, meta provider.WSMeta, data []byte) error {
	s.mu.Lock()
	sstGTID := s.sstGTID
	s.mu.Unlock()

	if !sstGTID.IsUndefined() &&
		meta.GTID.ID == sstGTID.ID && meta.GTID.Seqno <= sstGTID.Seqno {
		if s.debugLogLevel >= 1 {
			log.Debug().
				Str("gtid", meta.GTID.String()).
				Str("sst_gtid", sstGTID.String()).
				Msg("Discarding write-set already contained in snapshot")
		}
		telemetry.WriteSetsDuplicateTotal.Inc()
		return nil
	}
	if s.recentApplied.seen(meta.GTID) {
		telemetry.WriteSetsDuplicateTotal.Inc()
		return nil
	}

	switch {
	case meta.IsRollback():
		return s.applyRollbackFragment(meta)
	case meta.IsStreaming():
		return s.applyStreamingFragment(hps, meta, data)
	default:
		if err := hps.ApplyWriteSet(meta, data); err != nil {
			log.Error().Str("gtid", meta.GTID.String()).Err(err).Msg("Write-set apply failed")
			return err
		}
		s.SetLastCommittedGTID(meta.GTID)
		telemetry.WriteSetsAppliedTotal.Inc()
		return nil
	}
}

// applyStreamingFragment routes one fragment of a remote streaming
// transaction. The first fragment registers the delivering applier as
// the transaction's stand-in; the commit fragment tears the
// registration down.
func (s *ServerState) applyStreamingFragment(hps HighPriorityService, meta provider.WSMeta, data []byte) error {
	applier := s.FindStreamingApplier(meta.ServerID, meta.TrxID)
	if applier == nil {
		applier = hps
		s.StartStreamingApplier(meta.ServerID, meta.TrxID, hps)
	}
	if err := applier.ApplyWriteSet(meta, data); err != nil {
		log.Error().
			Str("gtid", meta.GTID.String()).
			Str("origin", meta.ServerID.String()).
			Err(err).
			Msg("Streaming fragment apply failed")
		return err
	}
	if meta.IsCommit() {
		if err := applier.CommitFragment(meta); err != nil {
			return err
		}
		s.StopStreamingApplier(meta.ServerID, meta.TrxID)
	}
	s.SetLastCommittedGTID(meta.GTID)
	telemetry.WriteSetsAppliedTotal.Inc()
	return nil
}

// applyRollbackFragment tears down a streamed transaction that the
// cluster ordered rolled back. If the transaction originates from a
// local streaming session, its transaction is signalled to enter
// must-abort and the owning session absorbs the abort at its next
// hook.
func (s *ServerState) applyRollbackFragment(meta provider.WSMeta) error {
	if applier := s.FindStreamingApplier(meta.ServerID, meta.TrxID); applier != nil {
		if err := applier.RollbackFragment(meta); err != nil {
			log.Warn().Str("gtid", meta.GTID.String()).Err(err).Msg("Rollback fragment apply failed")
		}
		s.StopStreamingApplier(meta.ServerID, meta.TrxID)
	}

	var victim *ClientState
	s.mu.Lock()
	if meta.ServerID == s.cfg.ID {
		victim = s.streamingClients[meta.ClientID]
	}
	s.mu.Unlock()
	if victim != nil {
		victim.BFAbort()
	}

	s.SetLastCommittedGTID(meta.GTID)
	return nil
}
