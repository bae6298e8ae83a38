// Package nats implements the group-communication provider on top of
// NATS JetStream. The stream sequence supplies the total order and
// the seqno component of certified write-set positions. Membership
// views are derived from the transport connection state; full group
// membership and certification remain with the cluster deployment.
package nats

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/dutow/wsrep-go/common"
	"github.com/dutow/wsrep-go/encoding"
	"github.com/dutow/wsrep-go/provider"
	"github.com/dutow/wsrep-go/telemetry"
)

func init() {
	provider.Register("nats", func(opts provider.Options, handler provider.EventHandler) (provider.Provider, error) {
		return NewProvider(opts, handler), nil
	})
}

// Provider is a JetStream-backed wsrep provider.
type Provider struct {
	opts    provider.Options
	handler provider.EventHandler

	mu          sync.Mutex
	nc          *nats.Conn
	js          jetstream.JetStream
	stream      jetstream.Stream
	consumeCtx  jetstream.ConsumeContext
	clusterName string
	sourceID    common.ID
	connected   bool
	desynced    bool
	paused      bool

	lastDelivered common.Seqno
	connectSeqno  common.Seqno
	synced        bool

	cond *sync.Cond
}

// NewProvider constructs a disconnected provider bound to its event
// handler.
func NewProvider(opts provider.Options, handler provider.EventHandler) *Provider {
	p := &Provider{
		opts:          opts,
		handler:       handler,
		lastDelivered: common.UndefinedSeqno,
		connectSeqno:  common.UndefinedSeqno,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Provider) subject() string {
	return p.clusterName + ".ws"
}

// sanitizeStreamName converts a cluster name to a valid JetStream
// stream name. Stream names can't contain "." so we replace with "_".
func sanitizeStreamName(name string) string {
	result := make([]byte, len(name))
	for i, c := range name {
		if c == '.' {
			result[i] = '_'
		} else {
			result[i] = byte(c)
		}
	}
	return string(result)
}

// Connect joins the cluster stream and starts delivering events.
func (p *Provider) Connect(clusterName, clusterURL, stateDonor string, bootstrap bool) provider.Status {
	nc, err := nats.Connect(clusterURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectHandler(func(*nats.Conn) {
			telemetry.ProviderReconnectsTotal.Inc()
		}),
	)
	if err != nil {
		log.Error().Err(err).Str("url", clusterURL).Msg("Failed to connect to NATS")
		return provider.StatusConnectionFailed
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		log.Error().Err(err).Msg("Failed to create JetStream context")
		return provider.StatusConnectionFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.mu.Lock()
	p.clusterName = sanitizeStreamName(clusterName)
	p.sourceID = common.ID(p.clusterName)
	p.mu.Unlock()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      p.clusterName,
		Subjects:  []string{p.subject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		log.Error().Err(err).Msg("Failed to ensure cluster stream")
		return provider.StatusConnectionFailed
	}

	info, err := stream.Info(ctx)
	if err != nil {
		nc.Close()
		return provider.StatusConnectionFailed
	}

	p.mu.Lock()
	p.nc = nc
	p.js = js
	p.stream = stream
	p.connected = true
	p.synced = false
	p.connectSeqno = common.Seqno(info.State.LastSeq)
	p.mu.Unlock()

	p.handler.OnConnect(common.GTID{ID: p.sourceID, Seqno: common.Seqno(info.State.LastSeq)})
	p.mu.Lock()
	view := p.currentViewLocked()
	p.mu.Unlock()
	p.handler.OnView(view)

	if err := p.startConsumer(ctx, 0); err != nil {
		log.Error().Err(err).Msg("Failed to start write-set consumer")
		return provider.StatusConnectionFailed
	}

	// An empty stream has nothing to catch up with.
	p.mu.Lock()
	caughtUp := p.connectSeqno <= 0
	if caughtUp {
		p.synced = true
	}
	p.mu.Unlock()
	if caughtUp {
		p.handler.OnSync()
	}
	return provider.StatusSuccess
}

// currentViewLocked builds the membership view visible through the
// transport: this node inside the primary component of the stream.
func (p *Provider) currentViewLocked() common.View {
	return common.View{
		StateID:   common.GTID{ID: p.sourceID, Seqno: p.lastDelivered},
		ViewSeqno: 1,
		Status:    common.ViewPrimary,
		OwnIndex:  0,
		Members: []common.Member{
			{ID: p.opts.NodeID, Name: p.opts.NodeName, IncomingAddress: p.opts.IncomingAddress},
		},
	}
}

// startConsumer begins ordered delivery. A zero afterSeq resumes from
// the beginning of the stream.
func (p *Provider) startConsumer(ctx context.Context, afterSeq uint64) error {
	cfg := jetstream.OrderedConsumerConfig{}
	if afterSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSeq + 1
	}
	cons, err := p.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return err
	}
	cc, err := cons.Consume(p.onMessage)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.consumeCtx = cc
	p.mu.Unlock()
	return nil
}

// onMessage dispatches one delivered write-set in stream order.
func (p *Provider) onMessage(msg jetstream.Msg) {
	md, err := msg.Metadata()
	if err != nil {
		log.Warn().Err(err).Msg("Dropping message without metadata")
		_ = msg.Ack()
		return
	}
	seqno := common.Seqno(md.Sequence.Stream)

	wsMsg, payload, err := encoding.DecodeWriteSet(msg.Data())
	if err != nil {
		log.Error().Err(err).Int64("seqno", int64(seqno)).Msg("Dropping undecodable write-set")
		_ = msg.Ack()
		return
	}
	telemetry.ProviderDeliveredTotal.Inc()

	meta := provider.WSMeta{
		GTID:      common.GTID{ID: p.sourceID, Seqno: seqno},
		ServerID:  common.ID(wsMsg.SourceID),
		ClientID:  common.ClientID(wsMsg.ClientID),
		TrxID:     common.TransactionID(wsMsg.TrxID),
		DependsOn: common.Seqno(wsMsg.DependsOn),
		Flags:     wsMsg.Flags,
	}

	// Locally originated write-sets were applied through the local
	// commit path; only remote ones go through on_apply.
	if meta.ServerID != p.opts.NodeID {
		handle := provider.WSHandle{TrxID: meta.TrxID}
		if err := p.handler.OnApply(handle, meta, payload); err != nil {
			log.Error().Err(err).Str("gtid", meta.GTID.String()).Msg("Write-set apply failed")
		}
	}
	_ = msg.Ack()

	p.mu.Lock()
	p.lastDelivered = seqno
	needSync := !p.synced && seqno >= p.connectSeqno
	if needSync {
		p.synced = true
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if needSync {
		p.handler.OnSync()
	}
}

// publish seals one write-set and publishes it to the cluster stream,
// returning its assigned stream sequence.
func (p *Provider) publish(msg encoding.WriteSetMessage, payload []byte) (common.Seqno, error) {
	data, err := encoding.EncodeWriteSet(msg, payload)
	if err != nil {
		return common.UndefinedSeqno, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	js := p.js
	subject := p.subject()
	p.mu.Unlock()
	if js == nil {
		return common.UndefinedSeqno, fmt.Errorf("not connected")
	}

	ack, err := js.Publish(ctx, subject, data)
	if err != nil {
		return common.UndefinedSeqno, err
	}
	telemetry.ProviderPublishedTotal.Inc()
	return common.Seqno(ack.Sequence), nil
}

// Certify publishes the write-set for total ordering and fills in its
// certified meta. The write-set payload travels in handle.Opaque.
func (p *Provider) Certify(client common.ClientID, handle *provider.WSHandle, flags uint32, meta *provider.WSMeta) provider.Status {
	payload, _ := handle.Opaque.([]byte)
	seqno, err := p.publish(encoding.WriteSetMessage{
		SourceID: string(p.opts.NodeID),
		TrxID:    uint64(handle.TrxID),
		ClientID: uint64(client),
		Flags:    flags,
	}, payload)
	if err != nil {
		log.Error().Err(err).Msg("Certification publish failed")
		return provider.StatusConnectionFailed
	}
	*meta = provider.WSMeta{
		GTID:      common.GTID{ID: p.sourceID, Seqno: seqno},
		ServerID:  p.opts.NodeID,
		ClientID:  client,
		TrxID:     handle.TrxID,
		DependsOn: seqno - 1,
		Flags:     flags,
	}
	return provider.StatusSuccess
}

// EnterTOI publishes the TOI operation for total ordering and returns
// its meta. Execution proceeds once the call returns; the stream
// sequence serializes the operation cluster-wide.
func (p *Provider) EnterTOI(client common.ClientID, keys [][]byte, data []byte, flags uint32) (provider.WSMeta, provider.Status) {
	payload, err := encoding.Marshal(map[string]interface{}{"keys": keys, "data": data})
	if err != nil {
		return provider.WSMeta{}, provider.StatusFatal
	}
	seqno, err := p.publish(encoding.WriteSetMessage{
		SourceID: string(p.opts.NodeID),
		ClientID: uint64(client),
		Flags:    flags | provider.FlagTrxStart | provider.FlagTrxEnd,
	}, payload)
	if err != nil {
		return provider.WSMeta{}, provider.StatusConnectionFailed
	}
	return provider.WSMeta{
		GTID:     common.GTID{ID: p.sourceID, Seqno: seqno},
		ServerID: p.opts.NodeID,
		ClientID: client,
		Flags:    flags,
	}, provider.StatusSuccess
}

// LeaveTOI ends the total-order-isolated section.
func (p *Provider) LeaveTOI(client common.ClientID) provider.Status {
	return provider.StatusSuccess
}

// CommitOrderEnter waits for the write-set's turn in commit order.
// Delivery callbacks already run in stream order, so entry is
// immediate.
func (p *Provider) CommitOrderEnter(handle provider.WSHandle, meta provider.WSMeta) provider.Status {
	return provider.StatusSuccess
}

// CommitOrderLeave releases the commit order critical section.
func (p *Provider) CommitOrderLeave(handle provider.WSHandle, meta provider.WSMeta) provider.Status {
	return provider.StatusSuccess
}

// Release frees provider resources held for the write-set.
func (p *Provider) Release(handle provider.WSHandle) provider.Status {
	return provider.StatusSuccess
}

// Replay is not supported by the transport-level provider: a replay
// requires certification state the stream does not keep.
func (p *Provider) Replay(handle provider.WSHandle, applierCtx any) provider.Status {
	return provider.StatusNotAllowed
}

// Desync detaches from flow control. JetStream consumers exert no
// backpressure on the group, so this is bookkeeping.
func (p *Provider) Desync() provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return provider.StatusNotAllowed
	}
	p.desynced = true
	return provider.StatusSuccess
}

// Resync re-attaches to flow control.
func (p *Provider) Resync() provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desynced = false
	return provider.StatusSuccess
}

// Pause stops write-set delivery and returns the seqno of the last
// delivered write-set.
func (p *Provider) Pause() (common.Seqno, provider.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || p.paused {
		return common.UndefinedSeqno, provider.StatusNotAllowed
	}
	if p.consumeCtx != nil {
		p.consumeCtx.Stop()
		p.consumeCtx = nil
	}
	p.paused = true
	return p.lastDelivered, provider.StatusSuccess
}

// Resume restarts delivery after the paused position.
func (p *Provider) Resume() provider.Status {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return provider.StatusNotAllowed
	}
	p.paused = false
	after := uint64(0)
	if p.lastDelivered > 0 {
		after = uint64(p.lastDelivered)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.startConsumer(ctx, after); err != nil {
		log.Error().Err(err).Msg("Failed to resume write-set consumer")
		return provider.StatusFatal
	}
	return provider.StatusSuccess
}

// SSTSent reports donor-side SST completion. The transfer itself is
// out of band; the group only needs the final position.
func (p *Provider) SSTSent(gtid common.GTID, sstErr error) provider.Status {
	if sstErr != nil {
		log.Warn().Err(sstErr).Str("gtid", gtid.String()).Msg("SST completed with error")
		return provider.StatusSuccess
	}
	log.Info().Str("gtid", gtid.String()).Msg("SST sent")
	return provider.StatusSuccess
}

// CausalRead waits until everything published before the call has
// been delivered locally.
func (p *Provider) CausalRead(timeoutSecs int) (common.GTID, provider.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return common.UndefinedGTID(), provider.StatusNotAllowed
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return common.UndefinedGTID(), provider.StatusConnectionFailed
	}
	target := common.Seqno(info.State.LastSeq)

	deadline := time.Now().Add(time.Duration(timeoutSecs) * time.Second)
	timer := time.AfterFunc(time.Until(deadline), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lastDelivered < target {
		if !p.connected {
			return common.UndefinedGTID(), provider.StatusConnectionFailed
		}
		if !time.Now().Before(deadline) {
			return common.UndefinedGTID(), provider.StatusNotAllowed
		}
		p.cond.Wait()
	}
	return common.GTID{ID: p.sourceID, Seqno: p.lastDelivered}, provider.StatusSuccess
}

// Disconnect leaves the cluster and delivers the final view.
func (p *Provider) Disconnect() provider.Status {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return provider.StatusSuccess
	}
	p.connected = false
	if p.consumeCtx != nil {
		p.consumeCtx.Stop()
		p.consumeCtx = nil
	}
	nc := p.nc
	p.nc = nil
	p.js = nil
	p.stream = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.handler.OnView(common.View{
		Status:   common.ViewDisconnected,
		OwnIndex: common.OwnIndexUndefined,
	})
	if nc != nil {
		nc.Close()
	}
	return provider.StatusSuccess
}

// StatusVariables enumerates transport status.
func (p *Provider) StatusVariables() []provider.StatusVariable {
	p.mu.Lock()
	defer p.mu.Unlock()
	connected := "0"
	if p.connected {
		connected = "1"
	}
	return []provider.StatusVariable{
		{Name: "provider_name", Value: "nats"},
		{Name: "provider_connected", Value: connected},
		{Name: "provider_cluster", Value: p.clusterName},
		{Name: "provider_last_delivered", Value: p.lastDelivered.String()},
		{Name: "provider_paused", Value: strconv.FormatBool(p.paused)},
		{Name: "provider_desynced", Value: strconv.FormatBool(p.desynced)},
	}
}
