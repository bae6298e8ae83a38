package encoding

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSetRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("insert into t values (42);"), 100)
	msg := WriteSetMessage{
		SourceID:  "11111111-1111-1111-1111-111111111111",
		TrxID:     900,
		ClientID:  7,
		Flags:     3,
		DependsOn: 41,
	}

	wire, err := EncodeWriteSet(msg, payload)
	require.NoError(t, err)
	// Repetitive payloads compress on the wire.
	assert.Less(t, len(wire), len(payload))

	decoded, gotPayload, err := DecodeWriteSet(wire)
	require.NoError(t, err)
	assert.Equal(t, msg.SourceID, decoded.SourceID)
	assert.Equal(t, msg.TrxID, decoded.TrxID)
	assert.Equal(t, msg.ClientID, decoded.ClientID)
	assert.Equal(t, msg.Flags, decoded.Flags)
	assert.Equal(t, msg.DependsOn, decoded.DependsOn)
	assert.Equal(t, payload, gotPayload)
}

func TestWriteSetEmptyPayload(t *testing.T) {
	wire, err := EncodeWriteSet(WriteSetMessage{SourceID: "s", Flags: 4}, nil)
	require.NoError(t, err)

	decoded, payload, err := DecodeWriteSet(wire)
	require.NoError(t, err)
	assert.Empty(t, payload)
	assert.Equal(t, uint32(4), decoded.Flags)
}

func TestWriteSetChecksumMismatch(t *testing.T) {
	payload := []byte("update t set a = 1")
	msg := WriteSetMessage{SourceID: "s", TrxID: 1}

	wire, err := EncodeWriteSet(msg, payload)
	require.NoError(t, err)

	// Corrupt the envelope by re-encoding with a bad checksum.
	var decoded WriteSetMessage
	require.NoError(t, Unmarshal(wire, &decoded))
	decoded.Checksum ^= 0xdeadbeef
	corrupted, err := Marshal(decoded)
	require.NoError(t, err)

	_, _, err = DecodeWriteSet(corrupted)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "checksum mismatch"))
}

func TestWriteSetGarbageInput(t *testing.T) {
	_, _, err := DecodeWriteSet([]byte{0xff, 0x00, 0x13})
	require.Error(t, err)
}
