// Package erasure implements the chunked erasure coder of spec.md §4.B:
// splitting a byte stream into fixed-size chunks, each expanded to N
// Reed-Solomon shards with DATA recoverable out of N.
//
// Grounded on pkg/meshstorage/erasure.go in the teacher repo, which applies
// reedsolomon.New(10, 5) to a single buffer; this generalizes that into a
// chunked coder (DATA=3, PARITY=2, N=5, CHUNK=3072) that runs the same
// Split/Encode/Reconstruct/Verify sequence once per chunk.
package erasure

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Configuration constants (spec.md §4.B).
const (
	DataShards   = 3
	ParityShards = 2
	TotalShards  = DataShards + ParityShards
	ChunkSize    = 3072

	// shardPayloadSize is CHUNK/DATA — the size of each coded shard payload.
	shardPayloadSize = ChunkSize / DataShards
)

// ErrInsufficientShards is returned when fewer than DataShards positions of
// a chunk are present; callers should retry once more shards arrive.
var ErrInsufficientShards = errors.New("erasure: insufficient shards for recovery")

func init() {
	if ChunkSize%DataShards != 0 {
		panic("erasure: ChunkSize must be evenly divisible by DataShards")
	}
}

// Chunk holds the N coded shard payloads for one position of the logical
// payload. A nil entry in Shards means that position has not been received.
type Chunk struct {
	ChunkIndex uint16
	Shards     [][]byte // length TotalShards
}

// Coder performs chunked Reed-Solomon encode/decode.
type Coder struct {
	enc reedsolomon.Encoder
}

// NewCoder constructs a Coder for the configured DATA/PARITY split.
func NewCoder() (*Coder, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("erasure: failed to create Reed-Solomon encoder: %w", err)
	}
	return &Coder{enc: enc}, nil
}

// ChunkAndEncode splits data into ceil(len/CHUNK) chunks (the last
// zero-padded to CHUNK), and Reed-Solomon encodes each into N shards.
func (c *Coder) ChunkAndEncode(data []byte) ([]Chunk, error) {
	numChunks := (len(data) + ChunkSize - 1) / ChunkSize
	if numChunks == 0 {
		numChunks = 1 // zero-length payload still produces one all-zero chunk
	}

	chunks := make([]Chunk, numChunks)

	for i := 0; i < numChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		buf := make([]byte, ChunkSize)
		if start < len(data) {
			copy(buf, data[start:min(end, len(data))])
		}

		shards, err := c.enc.Split(buf)
		if err != nil {
			return nil, fmt.Errorf("erasure: failed to split chunk %d: %w", i, err)
		}
		if err := c.enc.Encode(shards); err != nil {
			return nil, fmt.Errorf("erasure: failed to encode parity for chunk %d: %w", i, err)
		}

		chunks[i] = Chunk{ChunkIndex: uint16(i), Shards: shards}
	}

	return chunks, nil
}

// Reassemble decodes every chunk in chunksByIndex (indexed 0..totalChunks-1)
// and concatenates them in order, truncating to originalLength. Any chunk
// with fewer than DataShards present positions fails with
// ErrInsufficientShards.
func (c *Coder) Reassemble(chunksByIndex [][][]byte, originalLength int) ([]byte, error) {
	out := make([]byte, 0, len(chunksByIndex)*ChunkSize)

	for i, shards := range chunksByIndex {
		if shards == nil {
			return nil, fmt.Errorf("erasure: chunk %d: %w", i, ErrInsufficientShards)
		}

		present := 0
		for _, s := range shards {
			if s != nil {
				present++
			}
		}
		if present < DataShards {
			return nil, fmt.Errorf("erasure: chunk %d: %w", i, ErrInsufficientShards)
		}

		working := make([][]byte, TotalShards)
		copy(working, shards)

		if err := c.enc.Reconstruct(working); err != nil {
			return nil, fmt.Errorf("erasure: chunk %d: reconstruct failed: %w", i, err)
		}
		ok, err := c.enc.Verify(working)
		if err != nil {
			return nil, fmt.Errorf("erasure: chunk %d: verify failed: %w", i, err)
		}
		if !ok {
			return nil, fmt.Errorf("erasure: chunk %d: shard verification failed", i)
		}

		for d := 0; d < DataShards; d++ {
			out = append(out, working[d]...)
		}
	}

	if len(out) > originalLength {
		out = out[:originalLength]
	}
	return out, nil
}

