package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGTIDStringParse(t *testing.T) {
	g := GTID{ID: "9a6e8b9f-0000-0000-0000-000000000000", Seqno: 17}
	assert.Equal(t, "9a6e8b9f-0000-0000-0000-000000000000:17", g.String())

	parsed, err := ParseGTID(g.String())
	require.NoError(t, err)
	assert.Equal(t, g, parsed)
}

func TestParseGTIDErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "no separator", input: "9a6e8b9f"},
		{name: "non-numeric seqno", input: "9a6e8b9f:abc"},
		{name: "empty", input: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseGTID(tt.input); err == nil {
				t.Errorf("ParseGTID(%q) expected error", tt.input)
			}
		})
	}
}

func TestUndefinedValues(t *testing.T) {
	assert.True(t, UndefinedGTID().IsUndefined())
	assert.True(t, UndefinedSeqno.IsUndefined())
	assert.True(t, UndefinedID.IsUndefined())
	assert.True(t, UndefinedClientID.IsUndefined())
	assert.True(t, UndefinedTransactionID.IsUndefined())

	assert.False(t, GTID{ID: "x", Seqno: 0}.IsUndefined())
	// One undefined component makes the GTID undefined.
	assert.True(t, GTID{ID: "x", Seqno: UndefinedSeqno}.IsUndefined())
	assert.True(t, GTID{ID: UndefinedID, Seqno: 3}.IsUndefined())
}

func TestViewMembership(t *testing.T) {
	view := View{
		Status:   ViewPrimary,
		OwnIndex: 1,
		Members: []Member{
			{ID: "A", Name: "a"},
			{ID: "B", Name: "b"},
		},
	}

	assert.True(t, view.IsOwnMember())
	assert.True(t, view.IsMember("A"))
	assert.Equal(t, 1, view.MemberIndex("B"))
	assert.False(t, view.IsMember("C"))
	assert.Equal(t, -1, view.MemberIndex("C"))
	assert.False(t, view.IsFinal())

	final := View{Status: ViewDisconnected, OwnIndex: OwnIndexUndefined}
	assert.True(t, final.IsFinal())
	assert.False(t, final.IsOwnMember())
}
