// Package provider defines the facade between the replication
// coordination core and a pluggable group-communication provider.
// The provider certifies write-sets, delivers them in total order,
// and tracks cluster membership; implementations live in their own
// packages and register themselves by name.
package provider

import (
	"fmt"
	"sync"

	"github.com/dutow/wsrep-go/common"
)

// EventHandler receives provider-driven notifications. The server
// state machine implements this; calls arrive on provider threads.
type EventHandler interface {
	// OnConnect is delivered once the server has joined the group, with
	// the group's current position.
	OnConnect(gtid common.GTID)
	// OnView is delivered on every membership change.
	OnView(view common.View)
	// OnSync is delivered when the server has caught up with the group.
	OnSync()
	// OnApply is delivered for every write-set in total order.
	OnApply(handle WSHandle, meta WSMeta, data []byte) error
}

// Provider is the abstract group-communication provider the core
// calls into. All methods are safe for concurrent use.
type Provider interface {
	// Connect joins the cluster. The provider starts delivering events
	// to its handler once connected.
	Connect(clusterName, clusterURL, stateDonor string, bootstrap bool) Status
	// Disconnect leaves the cluster. The final view is delivered
	// through the handler before delivery stops.
	Disconnect() Status

	// EnterTOI begins a total-order-isolated operation for the given
	// client and returns its certified meta.
	EnterTOI(client common.ClientID, keys [][]byte, data []byte, flags uint32) (WSMeta, Status)
	// LeaveTOI ends a total-order-isolated operation.
	LeaveTOI(client common.ClientID) Status

	// Certify submits a write-set for certification and fills in its
	// certified meta on success.
	Certify(client common.ClientID, handle *WSHandle, flags uint32, meta *WSMeta) Status
	// CommitOrderEnter blocks until the write-set's turn in commit
	// order.
	CommitOrderEnter(handle WSHandle, meta WSMeta) Status
	// CommitOrderLeave releases the commit order critical section.
	CommitOrderLeave(handle WSHandle, meta WSMeta) Status
	// Release frees provider resources held for the write-set.
	Release(handle WSHandle) Status
	// Replay re-applies a brute-force-aborted write-set through the
	// given applier context.
	Replay(handle WSHandle, applierCtx any) Status

	// Desync detaches the server from flow control without leaving the
	// group.
	Desync() Status
	// Resync re-attaches a desynced server to flow control.
	Resync() Status
	// Pause stops write-set delivery and returns the seqno of the last
	// delivered write-set.
	Pause() (common.Seqno, Status)
	// Resume restarts write-set delivery after Pause.
	Resume() Status

	// SSTSent reports donor-side SST completion to the group. A
	// non-nil err reports a failed transfer.
	SSTSent(gtid common.GTID, err error) Status

	// CausalRead waits until all write-sets causally preceding the
	// call have been delivered, up to timeout seconds.
	CausalRead(timeoutSecs int) (common.GTID, Status)

	// StatusVariables enumerates provider status variables.
	StatusVariables() []StatusVariable
}

// Options carries provider construction parameters from the embedder
// configuration.
type Options struct {
	NodeID          common.ID
	NodeName        string
	IncomingAddress string
	ListenAddress   string
	InitialPosition common.GTID
	// Raw provider-specific option string, "key=value;key=value".
	ProviderOptions string
}

// Factory constructs a provider bound to an event handler.
type Factory func(opts Options, handler EventHandler) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a provider implementation available under the given
// name. Implementations call this from init.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// New constructs a registered provider by name.
func New(name string, opts Options, handler EventHandler) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return factory(opts, handler)
}
