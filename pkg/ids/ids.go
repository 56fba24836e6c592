// Package ids defines the fixed-width binary identifiers shared by every
// layer of the shard-routing core: node/public keys, request identifiers,
// shard identifiers, and signatures.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NodeID identifies a peer on the overlay substrate.
type NodeID [32]byte

// PublicKey is an Ed25519 public key, pseudonymously identifying a client,
// relay, or exit.
type PublicKey [32]byte

// RequestID uniquely identifies a logical request/response pair.
type RequestID [32]byte

// ShardID is the content hash of a shard's immutable fields (§4.A).
type ShardID [32]byte

// Signature is an Ed25519 signature.
type Signature [64]byte

// ShardType discriminates request shards from response shards.
type ShardType uint8

const (
	ShardTypeRequest  ShardType = 0
	ShardTypeResponse ShardType = 1
)

func (t ShardType) String() string {
	switch t {
	case ShardTypeRequest:
		return "request"
	case ShardTypeResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Zero reports whether a PublicKey is the all-zero value (unset).
func (k PublicKey) Zero() bool {
	return k == PublicKey{}
}

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }
func (id NodeID) String() string   { return hex.EncodeToString(id[:]) }
func (r RequestID) String() string { return hex.EncodeToString(r[:]) }
func (s ShardID) String() string   { return hex.EncodeToString(s[:]) }

// NewRequestID generates a fresh random request identifier.
func NewRequestID() (RequestID, error) {
	var id RequestID
	if _, err := rand.Read(id[:]); err != nil {
		return RequestID{}, err
	}
	return id, nil
}

// PublicKeyFromHex decodes a hex-encoded 32-byte public key, as carried
// over the local IPC control channel's JSON parameters.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("ids: bad public key hex: %w", err)
	}
	if len(raw) != len(k) {
		return PublicKey{}, fmt.Errorf("ids: public key must be %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}
