package common

import (
	"fmt"
	"strconv"
	"strings"
)

// Seqno is a totally ordered write-set sequence number assigned by the
// group. Negative values are undefined.
type Seqno int64

// UndefinedSeqno marks a sequence number that has not been assigned.
const UndefinedSeqno Seqno = -1

// IsUndefined reports whether the seqno has not been assigned.
func (s Seqno) IsUndefined() bool {
	return s < 0
}

func (s Seqno) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// GTID is a global transaction identifier: the UUID of the replication
// stream's origin paired with a sequence number within that stream.
type GTID struct {
	ID    ID
	Seqno Seqno
}

// UndefinedGTID returns a GTID with both components undefined.
func UndefinedGTID() GTID {
	return GTID{ID: UndefinedID, Seqno: UndefinedSeqno}
}

// IsUndefined reports whether either component is undefined.
func (g GTID) IsUndefined() bool {
	return g.ID.IsUndefined() || g.Seqno.IsUndefined()
}

func (g GTID) String() string {
	return fmt.Sprintf("%s:%s", g.ID, g.Seqno)
}

// ParseGTID parses the "uuid:seqno" textual form produced by String.
func ParseGTID(s string) (GTID, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return UndefinedGTID(), fmt.Errorf("malformed GTID %q: missing seqno separator", s)
	}
	seq, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return UndefinedGTID(), fmt.Errorf("malformed GTID %q: %w", s, err)
	}
	return GTID{ID: ID(s[:idx]), Seqno: Seqno(seq)}, nil
}
