// Package encoding provides centralized serialization for the wire
// provider. ALL msgpack operations MUST go through this package to
// ensure consistent behavior between publishers and appliers.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// Values decoded into interface{} are normalized: smaller integers
// widen to int64/uint64, float32 widens to float64, and binary values
// come back as Go strings rather than []byte. Typed struct fields are
// decoded as declared.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
