package memory

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
)

// Codec is the serialization boundary of the store: payloads are encoded to
// a transportable string on write and decoded back on read. The contract is
// strict round-tripping; a value that cannot be decoded again surfaces as
// ErrDecode, never as a silent substitute.
type Codec interface {
	Encode(value any) (string, error)
	Decode(encoded string) (any, error)
}

// GobCodec is the default codec: gob for a tagged binary encoding that
// handles nested structures, s2 compression to keep large payloads under the
// value column cap, base64 to make the result transportable as a string.
type GobCodec struct{}

func init() {
	// Common payload shapes. Anything else goes through RegisterType.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(map[string]string{})
	gob.Register([]string{})
	gob.Register([]float64{})
	gob.Register(time.Time{})
}

// RegisterType makes a custom payload type known to the default codec. Call
// it once per concrete type, before the first Set or Get involving it.
func RegisterType(value any) {
	gob.Register(value)
}

// Encode serializes value into a compressed, base64-encoded string.
func (GobCodec) Encode(value any) (string, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	return base64.StdEncoding.EncodeToString(s2.Encode(nil, buf.Bytes())), nil
}

// Decode reverses Encode. Any failure along the way means the stored value
// is corrupt or was written by an incompatible codec.
func (GobCodec) Decode(encoded string) (any, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	var value any
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return value, nil
}
