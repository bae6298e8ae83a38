package common

// ViewStatus classifies a membership view delivered by the provider.
type ViewStatus int

const (
	// ViewDisconnected is the final view delivered after leaving the
	// group. The zero value: a view that was never delivered carries
	// no membership.
	ViewDisconnected ViewStatus = iota
	// ViewPrimary is a view in which the group holds primary component
	// and may commit write-sets.
	ViewPrimary
	// ViewNonPrimary is a view without primary component; the group
	// cannot make progress until primary is regained.
	ViewNonPrimary
)

func (s ViewStatus) String() string {
	switch s {
	case ViewPrimary:
		return "primary"
	case ViewNonPrimary:
		return "non-primary"
	case ViewDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Member is one row of a membership view.
type Member struct {
	ID              ID
	Name            string
	IncomingAddress string
}

// View is a provider-delivered membership snapshot. Views are
// immutable once constructed.
type View struct {
	StateID         GTID
	ViewSeqno       Seqno
	Status          ViewStatus
	Capabilities    int
	OwnIndex        int
	ProtocolVersion int
	Members         []Member
}

// OwnIndexUndefined marks a view in which the local server is not a
// member.
const OwnIndexUndefined = -1

// IsOwnMember reports whether the local server appears in the view.
func (v View) IsOwnMember() bool {
	return v.OwnIndex != OwnIndexUndefined
}

// MemberIndex returns the position of the given server in the member
// list, or -1 if absent.
func (v View) MemberIndex(id ID) int {
	for i := range v.Members {
		if v.Members[i].ID == id {
			return i
		}
	}
	return -1
}

// IsMember reports whether the given server appears in the view.
func (v View) IsMember(id ID) bool {
	return v.MemberIndex(id) >= 0
}

// IsFinal reports whether this is the final view after disconnecting
// from the group.
func (v View) IsFinal() bool {
	return v.Status == ViewDisconnected
}
