package common

import "fmt"

// ID identifies a server in the cluster. Typically a UUID string, but
// any non-empty unique string assigned by the group is accepted.
type ID string

// UndefinedID is the zero value for server identifiers.
const UndefinedID ID = ""

// IsUndefined reports whether the ID has not been assigned.
func (id ID) IsUndefined() bool {
	return id == UndefinedID
}

func (id ID) String() string {
	if id.IsUndefined() {
		return "(undefined)"
	}
	return string(id)
}

// ClientID identifies a client session within one server process.
// IDs are assigned by the DBMS; zero is never a valid session.
type ClientID uint64

// UndefinedClientID is the zero value for client identifiers.
const UndefinedClientID ClientID = 0

// IsUndefined reports whether the ClientID has not been assigned.
func (c ClientID) IsUndefined() bool {
	return c == UndefinedClientID
}

func (c ClientID) String() string {
	return fmt.Sprintf("%d", uint64(c))
}

// TransactionID identifies a transaction within its origin server.
// The pair (server ID, transaction ID) is globally unique.
type TransactionID uint64

// UndefinedTransactionID is the zero value for transaction identifiers.
const UndefinedTransactionID TransactionID = 0

// IsUndefined reports whether the TransactionID has not been assigned.
func (t TransactionID) IsUndefined() bool {
	return t == UndefinedTransactionID
}

func (t TransactionID) String() string {
	return fmt.Sprintf("%d", uint64(t))
}
