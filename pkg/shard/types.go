// Package shard implements the shard model and wire codec of spec.md §3/§4.A:
// canonical encode/decode of shards and forward receipts, shard-id hashing,
// and the signature base for receipts.
//
// Grounded on pkg/protocol/header.go and pkg/protocol/routing.go in the
// teacher repo (tagged preamble + fixed-width identifier block + counters +
// length-prefixed payload), generalized from the teacher's ETH-address/
// relay-forward shape to the spec's uniform 32-byte identifier shapes.
package shard

import (
	"github.com/shardcore/corenet/pkg/ids"
)

// Wire constants (spec.md §4.A, §6).
const (
	Magic   uint32 = 0x54435348 // 'T' 'C' 'S' 'H'
	Version uint8  = 1

	// DefaultMaxPayload is the default payload size cap enforced on decode.
	DefaultMaxPayload = 64 * 1024
)

// Shard is the atomic unit of traversal (spec.md §3).
type Shard struct {
	ShardID    ids.ShardID
	RequestID  ids.RequestID
	UserPubkey ids.PublicKey

	// Destination holds the target exit's public key on request shards, or
	// the originating user's public key on response shards.
	Destination ids.PublicKey

	// UserProof binds the shard to a settlement account:
	// H(request_id ‖ user_pubkey ‖ client_signature_over_request_id).
	UserProof [32]byte

	HopsRemaining uint8
	TotalHops     uint8

	// SenderPubkey is the immediately previous forwarder; overwritten on
	// every hop instead of accumulating a per-hop signature chain (§9).
	SenderPubkey ids.PublicKey

	Type ids.ShardType

	ShardIndex  uint8
	TotalShards uint8

	ChunkIndex  uint16
	TotalChunks uint16

	Payload []byte
}

// ForwardReceipt is produced by the receiver of a shard as proof of
// delivery (spec.md §3).
type ForwardReceipt struct {
	RequestID      ids.RequestID
	ShardID        ids.ShardID
	SenderPubkey   ids.PublicKey // the prior hop being credited
	ReceiverPubkey ids.PublicKey // self
	UserProof      [32]byte
	PayloadSize    uint32
	Epoch          uint32
	Timestamp      int64
	Signature      ids.Signature
}

// DedupKey is the composite key receipts are deduplicated on (spec.md §4.F, §8).
type DedupKey struct {
	RequestID      ids.RequestID
	ShardID        ids.ShardID
	ReceiverPubkey ids.PublicKey
}

// Key returns the receipt's dedup key.
func (r *ForwardReceipt) Key() DedupKey {
	return DedupKey{RequestID: r.RequestID, ShardID: r.ShardID, ReceiverPubkey: r.ReceiverPubkey}
}
