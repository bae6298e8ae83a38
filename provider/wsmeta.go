package provider

import (
	"fmt"

	"github.com/dutow/wsrep-go/common"
)

// Write-set flags. A non-streaming write-set carries both
// FlagTrxStart and FlagTrxEnd; streaming fragments carry FlagTrxStart
// on the first fragment only and FlagTrxEnd (or FlagRollback) on the
// last.
const (
	FlagTrxStart uint32 = 1 << iota
	FlagTrxEnd
	FlagRollback
	FlagPAUnsafe
	FlagCommutative
)

// WSHandle is the provider-side handle of a write-set under
// certification or application. Opaque carries provider internals.
type WSHandle struct {
	TrxID  common.TransactionID
	Opaque any
}

// WSMeta is the certified metadata of a write-set: its global
// position, origin, and ordering constraints.
type WSMeta struct {
	GTID      common.GTID
	ServerID  common.ID
	ClientID  common.ClientID
	TrxID     common.TransactionID
	DependsOn common.Seqno
	Flags     uint32
}

// IsStreaming reports whether this write-set is a fragment of a
// streaming transaction rather than a complete transaction.
func (m WSMeta) IsStreaming() bool {
	return m.Flags&(FlagTrxStart|FlagTrxEnd) != FlagTrxStart|FlagTrxEnd &&
		m.Flags&FlagRollback == 0
}

// IsCommit reports whether applying this write-set commits the
// transaction.
func (m WSMeta) IsCommit() bool {
	return m.Flags&FlagTrxEnd != 0
}

// IsRollback reports whether this write-set orders a rollback of the
// streamed transaction.
func (m WSMeta) IsRollback() bool {
	return m.Flags&FlagRollback != 0
}

func (m WSMeta) String() string {
	return fmt.Sprintf("gtid: %s server_id: %s client_id: %s trx_id: %s flags: %d",
		m.GTID, m.ServerID, m.ClientID, m.TrxID, m.Flags)
}
