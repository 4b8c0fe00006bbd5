package caches

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
)

// TagSize is the length of the MAC prepended to signed payloads.
const TagSize = sha256.Size

// envelope is the unit that is gob encoded. A tombstone is an envelope with
// Tombstone set, so no application value can ever decode as one.
type envelope[V any] struct {
	Tombstone bool
	Value     V
}

// Codec turns values into store payloads and back. When a secret is
// configured every payload is HMAC-SHA256 signed:
//
//	[32-byte tag][gob envelope]
//
// Without a secret the payload is the gob envelope alone. V must be gob
// encodable; interface-typed values need their concrete types registered
// with gob.Register.
type Codec[V any] struct {
	secret []byte
}

// NewCodec returns a codec that signs payloads when secret is non-empty.
func NewCodec[V any](secret []byte) Codec[V] {
	return Codec[V]{secret: bytes.Clone(secret)}
}

// Signed reports whether payloads carry a MAC.
func (c Codec[V]) Signed() bool {
	return len(c.secret) > 0
}

// Encode serializes v.
func (c Codec[V]) Encode(v V) ([]byte, error) {
	return c.encode(envelope[V]{Value: v})
}

// EncodeTombstone serializes the negative-cache marker.
func (c Codec[V]) EncodeTombstone() ([]byte, error) {
	return c.encode(envelope[V]{Tombstone: true})
}

func (c Codec[V]) encode(e envelope[V]) ([]byte, error) {
	var buff bytes.Buffer
	if c.Signed() {
		// reserve room for the tag, filled in once the payload is known
		buff.Write(make([]byte, TagSize))
	}

	if err := gob.NewEncoder(&buff).Encode(e); err != nil {
		return nil, fmt.Errorf("encoding cache value: %w", err)
	}

	data := buff.Bytes()
	if c.Signed() {
		copy(data[:TagSize], c.tag(data[TagSize:]))
	}

	return data, nil
}

// Decode verifies and deserializes a payload. It reports whether the payload
// is a tombstone. Any failure wraps ErrIntegrity.
func (c Codec[V]) Decode(data []byte) (V, bool, error) {
	var zero V

	payload := data
	if c.Signed() {
		if len(data) < TagSize {
			return zero, false, fmt.Errorf("%w: payload shorter than tag", ErrIntegrity)
		}

		payload = data[TagSize:]
		if !hmac.Equal(data[:TagSize], c.tag(payload)) {
			return zero, false, fmt.Errorf("%w: signature mismatch", ErrIntegrity)
		}
	}

	var e envelope[V]
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return zero, false, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}

	if e.Tombstone {
		return zero, true, nil
	}

	return e.Value, false, nil
}

func (c Codec[V]) tag(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
