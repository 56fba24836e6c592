package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/shardcore/corenet/pkg/ids"
)

var (
	ErrBadMagic         = errors.New("shard: bad magic")
	ErrBadVersion       = errors.New("shard: unsupported version")
	ErrBadShardType     = errors.New("shard: unknown shard type")
	ErrShardCountMismatch = errors.New("shard: total_shards does not match configured N")
	ErrShardIndexRange  = errors.New("shard: shard_index out of range")
	ErrChunkIndexRange  = errors.New("shard: chunk_index out of range")
	ErrPayloadTooLarge  = errors.New("shard: payload exceeds configured cap")
	ErrTruncated        = errors.New("shard: buffer truncated")

	ErrReceiptTruncated = errors.New("shard: receipt buffer truncated")
)

// preambleSize: 4-byte magic + 1-byte version + 1-byte shard-type.
const preambleSize = 6

// identBlockSize: shard_id, request_id, user_pubkey, destination, user_proof,
// sender_pubkey — six 32-byte fields (§4.A: "6 × 32 bytes + 1 × 32-byte
// sender key" — sender_pubkey is the mutable sixth field singled out
// because relays overwrite it on every hop while the other five never
// change after shard creation).
const identBlockSize = 6 * 32

// counterBlockSize: hops_remaining, total_hops, shard_index, total_shards
// (1 byte each) + chunk_index, total_chunks (2 bytes BE each) + payload
// length (4 bytes BE).
const counterBlockSize = 4 + 4 + 4

// HeaderSize is the total fixed-size header preceding the payload.
const HeaderSize = preambleSize + identBlockSize + counterBlockSize

// Codec encodes/decodes shards against a configured shard count N and
// payload size cap.
type Codec struct {
	N          uint8
	MaxPayload uint32
}

// NewCodec builds a Codec for the given erasure configuration.
func NewCodec(n uint8, maxPayload uint32) *Codec {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{N: n, MaxPayload: maxPayload}
}

// Encode serializes a shard to its wire representation.
func (c *Codec) Encode(s *Shard) []byte {
	buf := make([]byte, HeaderSize+len(s.Payload))

	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(s.Type)

	off := preambleSize
	copy(buf[off:off+32], s.ShardID[:])
	off += 32
	copy(buf[off:off+32], s.RequestID[:])
	off += 32
	copy(buf[off:off+32], s.UserPubkey[:])
	off += 32
	copy(buf[off:off+32], s.Destination[:])
	off += 32
	copy(buf[off:off+32], s.UserProof[:])
	off += 32
	copy(buf[off:off+32], s.SenderPubkey[:])
	off += 32

	buf[off] = s.HopsRemaining
	off++
	buf[off] = s.TotalHops
	off++
	buf[off] = s.ShardIndex
	off++
	buf[off] = s.TotalShards
	off++

	binary.BigEndian.PutUint16(buf[off:off+2], s.ChunkIndex)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], s.TotalChunks)
	off += 2

	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(s.Payload)))
	off += 4

	copy(buf[off:], s.Payload)

	return buf
}

// Decode parses and validates a shard from its wire representation,
// rejecting per spec.md §4.A: bad magic, unsupported version, total_shards
// mismatch, shard_index/chunk_index out of range, or oversized payload.
func (c *Codec) Decode(buf []byte) (*Shard, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}

	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	if buf[4] != Version {
		return nil, ErrBadVersion
	}

	shardType := ids.ShardType(buf[5])
	if shardType != ids.ShardTypeRequest && shardType != ids.ShardTypeResponse {
		return nil, ErrBadShardType
	}

	s := &Shard{Type: shardType}

	off := preambleSize
	copy(s.ShardID[:], buf[off:off+32])
	off += 32
	copy(s.RequestID[:], buf[off:off+32])
	off += 32
	copy(s.UserPubkey[:], buf[off:off+32])
	off += 32
	copy(s.Destination[:], buf[off:off+32])
	off += 32
	copy(s.UserProof[:], buf[off:off+32])
	off += 32
	copy(s.SenderPubkey[:], buf[off:off+32])
	off += 32

	s.HopsRemaining = buf[off]
	off++
	s.TotalHops = buf[off]
	off++
	s.ShardIndex = buf[off]
	off++
	s.TotalShards = buf[off]
	off++

	s.ChunkIndex = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	s.TotalChunks = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2

	payloadLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4

	if payloadLen > c.MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	if uint32(len(buf)-off) < payloadLen {
		return nil, ErrTruncated
	}

	if s.TotalShards != c.N {
		return nil, ErrShardCountMismatch
	}
	if s.ShardIndex >= s.TotalShards {
		return nil, ErrShardIndexRange
	}
	if s.ChunkIndex >= s.TotalChunks {
		return nil, ErrChunkIndexRange
	}

	s.Payload = make([]byte, payloadLen)
	copy(s.Payload, buf[off:off+int(payloadLen)])

	return s, nil
}

// ShardIDOf computes the deterministic shard_id per spec.md §4.A:
// SHA-256(request_id ‖ user_pubkey ‖ shard_type_byte ‖ chunk_index ‖
// shard_index ‖ payload). Stable across hops because relays never touch
// these fields.
func ShardIDOf(requestID ids.RequestID, userPubkey ids.PublicKey, shardType ids.ShardType, chunkIndex uint16, shardIndex uint8, payload []byte) ids.ShardID {
	h := sha256.New()
	h.Write(requestID[:])
	h.Write(userPubkey[:])
	h.Write([]byte{byte(shardType)})
	var chunkBuf [2]byte
	binary.BigEndian.PutUint16(chunkBuf[:], chunkIndex)
	h.Write(chunkBuf[:])
	h.Write([]byte{shardIndex})
	h.Write(payload)

	var id ids.ShardID
	copy(id[:], h.Sum(nil))
	return id
}

// ---- Receipt codec ----

// receiptBodySize: request_id, shard_id, sender, receiver, user_proof
// (5×32) + payload_size (4) + epoch (4) + timestamp (8).
const receiptBodySize = 5*32 + 4 + 4 + 8
const receiptSize = receiptBodySize + 64 // + signature

// EncodeReceipt serializes a receipt to its wire representation.
func EncodeReceipt(r *ForwardReceipt) []byte {
	buf := make([]byte, receiptSize)
	off := encodeReceiptBody(buf, r)
	copy(buf[off:], r.Signature[:])
	return buf
}

// SignBase returns the bytes a receipt's signature is computed over: every
// field preceding the signature itself.
func SignBase(r *ForwardReceipt) []byte {
	buf := make([]byte, receiptBodySize)
	encodeReceiptBody(buf, r)
	return buf
}

func encodeReceiptBody(buf []byte, r *ForwardReceipt) int {
	off := 0
	copy(buf[off:off+32], r.RequestID[:])
	off += 32
	copy(buf[off:off+32], r.ShardID[:])
	off += 32
	copy(buf[off:off+32], r.SenderPubkey[:])
	off += 32
	copy(buf[off:off+32], r.ReceiverPubkey[:])
	off += 32
	copy(buf[off:off+32], r.UserProof[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:off+4], r.PayloadSize)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], r.Epoch)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(r.Timestamp))
	off += 8
	return off
}

// DecodeReceipt parses a receipt from its wire representation.
func DecodeReceipt(buf []byte) (*ForwardReceipt, error) {
	if len(buf) < receiptSize {
		return nil, ErrReceiptTruncated
	}

	r := &ForwardReceipt{}
	off := 0
	copy(r.RequestID[:], buf[off:off+32])
	off += 32
	copy(r.ShardID[:], buf[off:off+32])
	off += 32
	copy(r.SenderPubkey[:], buf[off:off+32])
	off += 32
	copy(r.ReceiverPubkey[:], buf[off:off+32])
	off += 32
	copy(r.UserProof[:], buf[off:off+32])
	off += 32
	r.PayloadSize = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	r.Epoch = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	r.Timestamp = int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	copy(r.Signature[:], buf[off:off+64])

	return r, nil
}
