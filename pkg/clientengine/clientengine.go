// Package clientengine implements the client/session engine of spec.md
// §4.E: request construction, response reassembly, tunnel streaming, and
// pending-request timeout policy.
//
// Grounded on pkg/network/client.go/pkg/network/message_sender.go in the
// teacher repo (peer-send/await-ack shape, connect/handshake/keepalive
// loop), re-purposed from single-peer direct-message delivery to
// shard dispatch across a privacy-level-selected multi-hop path.
package clientengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shardcore/corenet/pkg/erasure"
	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/peernet"
	"github.com/shardcore/corenet/pkg/shard"
	"github.com/shardcore/corenet/pkg/vpnhash"
	"github.com/shardcore/corenet/pkg/vpnkeys"
)

// PrivacyLevel selects the minimum relay hop count a request traverses
// before reaching its exit (spec.md §4.E).
type PrivacyLevel uint8

const (
	Direct   PrivacyLevel = 0
	Light    PrivacyLevel = 1
	Standard PrivacyLevel = 2
	Paranoid PrivacyLevel = 3
)

// MinRelays returns the minimum relay hop count for the level.
func (p PrivacyLevel) MinRelays() uint8 { return uint8(p) }

var (
	ErrNoGuardHop    = errors.New("clientengine: no non-exit guard hop available for privacy level > Direct")
	ErrRequestTimeout = errors.New("clientengine: pending request timed out")
	ErrUnknownRequest = errors.New("clientengine: response for unrecognized request_id")
)

// DispatchMode tags the first byte of a request payload.
type DispatchMode byte

const (
	ModeHTTP   DispatchMode = 0x00
	ModeTunnel DispatchMode = 0x01
)

// DefaultRequestTimeout is the pending-request deadline (spec.md §4.E:
// "defaults to 30 s").
const DefaultRequestTimeout = 30 * time.Second

// shardPosition mirrors the exit engine's reassembly key.
type shardPosition struct {
	chunkIndex uint16
	shardIndex uint8
}

// pendingRequest tracks one outstanding request's response shards.
type pendingRequest struct {
	requestID  ids.RequestID
	userProof  [32]byte
	totalHops  uint8

	mu          sync.Mutex
	totalChunks uint16 // 0 until learned from the first response shard
	positions   map[shardPosition][]byte
	decoded     map[uint16][]byte

	done    chan struct{}
	once    sync.Once
	result  []byte
	err     error
	timer   *time.Timer
}

func newPendingRequest(requestID ids.RequestID, userProof [32]byte, totalHops uint8) *pendingRequest {
	return &pendingRequest{
		requestID: requestID,
		userProof: userProof,
		totalHops: totalHops,
		positions: make(map[shardPosition][]byte),
		decoded:   make(map[uint16][]byte),
		done:      make(chan struct{}),
	}
}

func (p *pendingRequest) resolve(result []byte, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Engine is a client's request/response driver.
type Engine struct {
	keys     *vpnkeys.Keystore
	self     ids.PublicKey
	sub      *peernet.Substrate
	ledger   *ledger.Ledger
	registry *peernet.Registry
	codec    *shard.Codec
	coder    *erasure.Coder

	privacy        atomic.Uint32 // PrivacyLevel, mutable via SetPrivacyLevel (pkg/ipc set_privacy_level)
	requestTimeout time.Duration

	mu      sync.Mutex
	pending map[ids.RequestID]*pendingRequest
}

// Config wires an Engine's collaborators.
type Config struct {
	Keys       *vpnkeys.Keystore
	Substrate  *peernet.Substrate
	Ledger     *ledger.Ledger
	Registry   *peernet.Registry
	ShardCount uint8
	MaxPayload uint32

	PrivacyLevel   PrivacyLevel
	RequestTimeout time.Duration
}

// New constructs a client Engine and registers it as the substrate's shard
// handler.
func New(cfg Config) (*Engine, error) {
	coder, err := erasure.NewCoder()
	if err != nil {
		return nil, fmt.Errorf("clientengine: failed to build erasure coder: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	e := &Engine{
		keys:           cfg.Keys,
		self:           cfg.Keys.PublicKey(),
		sub:            cfg.Substrate,
		ledger:         cfg.Ledger,
		registry:       cfg.Registry,
		codec:          shard.NewCodec(cfg.ShardCount, cfg.MaxPayload),
		coder:          coder,
		requestTimeout: timeout,
		pending:        make(map[ids.RequestID]*pendingRequest),
	}
	e.privacy.Store(uint32(cfg.PrivacyLevel))
	cfg.Substrate.SetShardHandler(e.onShard)
	return e, nil
}

// PrivacyLevel returns the engine's current privacy level.
func (e *Engine) PrivacyLevel() PrivacyLevel {
	return PrivacyLevel(e.privacy.Load())
}

// SetPrivacyLevel changes the privacy level applied to subsequently sent
// requests (pkg/ipc's set_privacy_level method). In-flight requests are
// unaffected.
func (e *Engine) SetPrivacyLevel(level PrivacyLevel) {
	e.privacy.Store(uint32(level))
}

// Registry exposes the peer registry backing guard-hop selection, so
// status-reporting surfaces (pkg/ipc) can read known-peer counts without
// duplicating peer bookkeeping.
func (e *Engine) Registry() *peernet.Registry { return e.registry }

// Ledger exposes the local receipt ledger this engine records to, for the
// same status-reporting purpose as Registry.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

func (e *Engine) onShard(from peer.ID, s *shard.Shard) {
	if s.Type != ids.ShardTypeResponse {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.OnResponseShard(ctx, s, from)
}

// SendRequest builds request shards for payload under mode, selects a
// privacy-level-respecting guard hop, and dispatches them over the
// substrate (spec.md §4.E "request construction" steps 1-6).
func (e *Engine) SendRequest(ctx context.Context, exitPubkey ids.PublicKey, payload []byte, mode DispatchMode) (ids.RequestID, error) {
	requestID, err := ids.NewRequestID()
	if err != nil {
		return ids.RequestID{}, fmt.Errorf("clientengine: failed to generate request_id: %w", err)
	}

	sig := e.keys.Sign(requestID[:])
	userProof := vpnhash.UserProof(requestID, e.self, sig)

	body := make([]byte, 1+len(payload))
	body[0] = byte(mode)
	copy(body[1:], payload)

	prefixed := prefixLength(body)
	chunks, err := e.coder.ChunkAndEncode(prefixed)
	if err != nil {
		return ids.RequestID{}, fmt.Errorf("clientengine: failed to encode request: %w", err)
	}

	totalHops := e.PrivacyLevel().MinRelays()

	guard, err := e.selectGuardHop(exitPubkey)
	if err != nil {
		return ids.RequestID{}, err
	}

	pr := newPendingRequest(requestID, userProof, totalHops)
	e.mu.Lock()
	e.pending[requestID] = pr
	e.mu.Unlock()

	pr.timer = time.AfterFunc(e.requestTimeout, func() {
		e.expire(requestID)
	})

	for _, chunk := range chunks {
		for shardIdx, sp := range chunk.Shards {
			reqShardID := shard.ShardIDOf(requestID, e.self, ids.ShardTypeRequest, chunk.ChunkIndex, uint8(shardIdx), sp)
			rs := &shard.Shard{
				ShardID:       reqShardID,
				RequestID:     requestID,
				UserPubkey:    e.self,
				Destination:   exitPubkey,
				UserProof:     userProof,
				HopsRemaining: totalHops,
				TotalHops:     totalHops,
				SenderPubkey:  e.self,
				Type:          ids.ShardTypeRequest,
				ShardIndex:    uint8(shardIdx),
				TotalShards:   uint8(len(chunk.Shards)),
				ChunkIndex:    chunk.ChunkIndex,
				TotalChunks:   uint16(len(chunks)),
				Payload:       sp,
			}
			if err := e.sub.SendShard(ctx, guard, rs); err != nil {
				if e.registry != nil {
					e.registry.RecordFailure(guard)
				}
				continue
			}
			if e.registry != nil {
				e.registry.RecordSuccess(guard)
			}
		}
	}

	return requestID, nil
}

// selectGuardHop picks the first-hop peer shards are handed to. Privacy
// levels above Direct must not hand shards straight to the exit.
func (e *Engine) selectGuardHop(exitPubkey ids.PublicKey) (peer.ID, error) {
	exitPeer, err := peernet.PublicKeyToPeerID(exitPubkey)
	if err != nil {
		return "", fmt.Errorf("clientengine: invalid exit public key: %w", err)
	}

	if e.PrivacyLevel() == Direct {
		return exitPeer, nil
	}

	if e.registry == nil {
		return "", ErrNoGuardHop
	}
	candidates := e.registry.KnownPeers()
	guards := make([]peer.ID, 0, len(candidates))
	for _, p := range candidates {
		if p != exitPeer {
			guards = append(guards, p)
		}
	}
	if len(guards) == 0 {
		return "", ErrNoGuardHop
	}
	return guards[rand.Intn(len(guards))], nil
}

// OnResponseShard implements spec.md §4.E's response handler: receipt
// emission, destination/user_proof defence-in-depth checks, reassembly,
// and resolution of the pending request once every chunk decodes.
func (e *Engine) OnResponseShard(ctx context.Context, s *shard.Shard, from peer.ID) error {
	if err := e.sendReceipt(ctx, s, from); err != nil {
		return err
	}

	if s.Destination != e.self {
		return fmt.Errorf("clientengine: response shard %s destined elsewhere", s.ShardID)
	}

	e.mu.Lock()
	pr, ok := e.pending[s.RequestID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, s.RequestID)
	}

	if s.UserProof != pr.userProof {
		return fmt.Errorf("clientengine: response shard %s has mismatched user_proof", s.ShardID)
	}

	pr.mu.Lock()
	if pr.totalChunks == 0 {
		pr.totalChunks = s.TotalChunks
	}
	pos := shardPosition{s.ChunkIndex, s.ShardIndex}
	if _, dup := pr.positions[pos]; dup {
		pr.mu.Unlock()
		return nil
	}
	pr.positions[pos] = s.Payload
	if _, already := pr.decoded[s.ChunkIndex]; already {
		pr.mu.Unlock()
		return nil
	}
	present := 0
	for key := range pr.positions {
		if key.chunkIndex == s.ChunkIndex {
			present++
		}
	}
	total := pr.totalChunks
	var chunkShards [][]byte
	tryDecode := present >= erasure.DataShards
	if tryDecode {
		chunkShards = make([][]byte, erasure.TotalShards)
		for key, data := range pr.positions {
			if key.chunkIndex == s.ChunkIndex {
				chunkShards[key.shardIndex] = data
			}
		}
	}
	pr.mu.Unlock()

	if !tryDecode {
		return nil
	}

	decoded, err := e.coder.Reassemble([][][]byte{chunkShards}, erasure.ChunkSize)
	if err != nil {
		return nil // wait for more shards
	}

	pr.mu.Lock()
	pr.decoded[s.ChunkIndex] = decoded
	complete := len(pr.decoded) == int(total) && total > 0
	pr.mu.Unlock()

	if !complete {
		return nil
	}

	body, err := e.concat(pr)
	e.remove(s.RequestID)
	pr.resolve(body, err)
	return err
}

func (e *Engine) concat(pr *pendingRequest) ([]byte, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	raw := make([]byte, 0, int(pr.totalChunks)*erasure.ChunkSize)
	for i := uint16(0); i < pr.totalChunks; i++ {
		raw = append(raw, pr.decoded[i]...)
	}
	if len(raw) < 8 {
		return nil, errors.New("clientengine: reassembled response shorter than its length prefix")
	}
	length := binary.BigEndian.Uint64(raw[:8])
	if uint64(len(raw)-8) < length {
		return nil, errors.New("clientengine: reassembled response shorter than declared length")
	}
	return raw[8 : 8+length], nil
}

func (e *Engine) sendReceipt(ctx context.Context, s *shard.Shard, from peer.ID) error {
	receipt := &shard.ForwardReceipt{
		RequestID:      s.RequestID,
		ShardID:        s.ShardID,
		SenderPubkey:   s.SenderPubkey,
		ReceiverPubkey: e.self,
		UserProof:      s.UserProof,
		PayloadSize:    uint32(len(s.Payload)),
		Epoch:          uint32(time.Now().Unix() / 3600),
		Timestamp:      time.Now().Unix(),
	}
	receipt.Signature = e.keys.Sign(shard.SignBase(receipt))
	if e.ledger != nil {
		if err := e.ledger.Record(receipt); err != nil {
			return fmt.Errorf("clientengine: failed to record receipt: %w", err)
		}
	}
	return e.sub.SendReceipt(ctx, from, receipt)
}

// Wait blocks until requestID resolves, ctx is cancelled, or the pending
// request's own timeout fires, whichever comes first.
func (e *Engine) Wait(ctx context.Context, requestID ids.RequestID) ([]byte, error) {
	e.mu.Lock()
	pr, ok := e.pending[requestID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	select {
	case <-pr.done:
		return pr.result, pr.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expire implements spec.md §4.E's timeout policy: the waker is signalled
// with a timeout error, the entry is removed, and later-arriving shards for
// it are silently discarded (OnResponseShard's map lookup simply misses).
func (e *Engine) expire(requestID ids.RequestID) {
	e.mu.Lock()
	pr, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	e.mu.Unlock()
	if ok {
		pr.resolve(nil, ErrRequestTimeout)
	}
}

func (e *Engine) remove(requestID ids.RequestID) {
	e.mu.Lock()
	pr, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	e.mu.Unlock()
	if ok && pr.timer != nil {
		pr.timer.Stop()
	}
}

func prefixLength(body []byte) []byte {
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out[:8], uint64(len(body)))
	copy(out[8:], body)
	return out
}
