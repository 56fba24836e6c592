// Package exitengine implements the exit engine of spec.md §4.D: request
// reassembly, HTTP/tunnel dispatch, tunnel session pool hygiene, and
// response shard emission.
//
// Grounded on pkg/network/pool.go in the teacher repo (keyed-map connection
// pool with mutex, eviction, and a health-check ticker), re-purposed from a
// relay-connection pool to a tunnel-session-by-session_id pool, and on
// pkg/meshstorage/api/server.go (gin server/middleware setup), re-purposed
// for the exit's status/health HTTP surface in status.go.
package exitengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shardcore/corenet/pkg/erasure"
	"github.com/shardcore/corenet/pkg/ids"
)

var (
	// ErrUserMismatch mirrors the relay engine's reject reason: a shard
	// claims a different user_pubkey than this request_id was opened with.
	ErrUserMismatch = errors.New("exitengine: user_pubkey disagrees with pending request")
	// ErrPositionConflict is returned when the same (chunk_index, shard_index)
	// arrives twice with different bytes.
	ErrPositionConflict = errors.New("exitengine: duplicate shard position with different payload")
)

// shardPosition is an in-flight shard's slot within its request.
type shardPosition struct {
	chunkIndex uint16
	shardIndex uint8
}

// pendingRequest tracks one in-flight request's shards as they arrive,
// reassembling chunks as each crosses the DATA-shard threshold.
type pendingRequest struct {
	requestID   ids.RequestID
	userPubkey  ids.PublicKey
	totalHops   uint8
	totalChunks uint16

	created time.Time

	mu         sync.Mutex
	positions  map[shardPosition][]byte
	decoded    map[uint16][]byte // chunk_index -> decoded bytes, once recovered
	chunksLeft int
}

func newPendingRequest(requestID ids.RequestID, userPubkey ids.PublicKey, totalHops uint8, totalChunks uint16) *pendingRequest {
	return &pendingRequest{
		requestID:   requestID,
		userPubkey:  userPubkey,
		totalHops:   totalHops,
		totalChunks: totalChunks,
		created:     time.Now(),
		positions:   make(map[shardPosition][]byte),
		decoded:     make(map[uint16][]byte),
		chunksLeft:  int(totalChunks),
	}
}

// insert records one shard's payload at its wire position. It reports the
// chunk index whose decode should be attempted (a chunk newly reaching
// DATA shards), or ok=false if no attempt is warranted yet.
func (p *pendingRequest) insert(chunkIndex uint16, shardIndex uint8, payload []byte) (tryChunk uint16, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := shardPosition{chunkIndex, shardIndex}
	if existing, present := p.positions[pos]; present {
		if string(existing) != string(payload) {
			return 0, false, ErrPositionConflict
		}
		return 0, false, nil
	}
	p.positions[pos] = payload

	if _, already := p.decoded[chunkIndex]; already {
		return 0, false, nil
	}

	present := 0
	for posKey := range p.positions {
		if posKey.chunkIndex == chunkIndex {
			present++
		}
	}
	if present >= erasure.DataShards {
		return chunkIndex, true, nil
	}
	return 0, false, nil
}

// shardsForChunk gathers whatever shard positions are present for a chunk
// into the [][]byte layout erasure.Coder.Reassemble expects.
func (p *pendingRequest) shardsForChunk(chunkIndex uint16) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]byte, erasure.TotalShards)
	for pos, data := range p.positions {
		if pos.chunkIndex == chunkIndex {
			out[pos.shardIndex] = data
		}
	}
	return out
}

// markDecoded records a chunk's recovered bytes and reports whether every
// chunk in the request has now been decoded.
func (p *pendingRequest) markDecoded(chunkIndex uint16, data []byte) (complete bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, already := p.decoded[chunkIndex]; already {
		return len(p.decoded) == int(p.totalChunks)
	}
	p.decoded[chunkIndex] = data
	return len(p.decoded) == int(p.totalChunks)
}

// ErrBodyTruncated is returned when the reassembled, length-prefixed body is
// shorter than the length header it starts with claims.
var ErrBodyTruncated = errors.New("exitengine: reassembled body shorter than its length prefix")

// concat assembles the decoded chunks in order and strips the 8-byte
// big-endian length prefix every request/response body carries ahead of
// chunking (see prefixResponseLength), discarding the chunk padding past
// the declared length. Caller must have already confirmed completeness via
// markDecoded.
func (p *pendingRequest) concat() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw := make([]byte, 0, int(p.totalChunks)*erasure.ChunkSize)
	for i := uint16(0); i < p.totalChunks; i++ {
		raw = append(raw, p.decoded[i]...)
	}

	if len(raw) < 8 {
		return nil, ErrBodyTruncated
	}
	length := binary.BigEndian.Uint64(raw[:8])
	if uint64(len(raw)-8) < length {
		return nil, ErrBodyTruncated
	}
	return raw[8 : 8+length], nil
}

// Registry tracks pending requests by request_id, expiring them by age.
type Registry struct {
	ttl time.Duration

	mu    sync.Mutex
	byReq map[ids.RequestID]*pendingRequest
}

// NewRegistry builds a pending-request table that expires entries created
// more than ttl ago, and starts a background sweep at ttl/2.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	r := &Registry{ttl: ttl, byReq: make(map[ids.RequestID]*pendingRequest)}
	go r.sweepLoop()
	return r
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		r.sweepExpired()
	}
}

// getOrCreate returns the pending request for requestID, validating
// user_pubkey agreement on an existing entry.
func (r *Registry) getOrCreate(requestID ids.RequestID, userPubkey ids.PublicKey, totalHops uint8, totalChunks uint16) (*pendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pr, ok := r.byReq[requestID]; ok {
		if pr.userPubkey != userPubkey {
			return nil, fmt.Errorf("%w: request_id %s", ErrUserMismatch, requestID)
		}
		return pr, nil
	}
	pr := newPendingRequest(requestID, userPubkey, totalHops, totalChunks)
	r.byReq[requestID] = pr
	return pr, nil
}

// sweepExpired discards pending requests created more than the configured TTL
// ago (later shard arrivals do not extend an entry's life),
// leaving them to time out from the client's perspective (spec.md §7:
// Timeout is surfaced to the caller, inflight shards absorbed).
func (r *Registry) sweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, pr := range r.byReq {
		if now.Sub(pr.created) > r.ttl {
			delete(r.byReq, id)
		}
	}
}

func (r *Registry) remove(requestID ids.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byReq, requestID)
}

// len reports the number of in-flight pending requests.
func (r *Registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byReq)
}

// dispatchMode tags the first byte of a reassembled request payload.
type dispatchMode byte

const (
	modeHTTP   dispatchMode = 0x00
	modeTunnel dispatchMode = 0x01
)

// prefixResponseLength prepends the 8-byte big-endian original-length
// header spec.md §4.D requires on every response payload before chunking.
func prefixResponseLength(body []byte) []byte {
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out[:8], uint64(len(body)))
	copy(out[8:], body)
	return out
}
