package exitengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shardcore/corenet/pkg/erasure"
	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/peernet"
	"github.com/shardcore/corenet/pkg/shard"
	"github.com/shardcore/corenet/pkg/vpnkeys"
)

// ErrMalformed mirrors the relay engine's catch-all decode/dispatch failure.
var ErrMalformed = errors.New("exitengine: malformed shard")

// Engine is the exit node's request handler: shard reassembly, HTTP/tunnel
// dispatch, and response shard emission (spec.md §4.D).
type Engine struct {
	keys   *vpnkeys.Keystore
	self   ids.PublicKey
	sub    *peernet.Substrate
	ledger *ledger.Ledger
	codec  *shard.Codec
	coder  *erasure.Coder

	pending    *Registry
	dispatcher *Dispatcher
	tunnels    *SessionPool
}

// Config wires an Engine's collaborators.
type Config struct {
	Keys       *vpnkeys.Keystore
	Substrate  *peernet.Substrate
	Ledger     *ledger.Ledger
	ShardCount uint8
	MaxPayload uint32

	Blocklist     *DomainBlocklist
	MaxResponse   int64
	PendingTTL    time.Duration
	TunnelIdle    time.Duration
	TunnelPerUser int
}

// New constructs an exit Engine and registers it as the substrate's shard
// handler.
func New(cfg Config) (*Engine, error) {
	coder, err := erasure.NewCoder()
	if err != nil {
		return nil, fmt.Errorf("exitengine: failed to build erasure coder: %w", err)
	}

	e := &Engine{
		keys:       cfg.Keys,
		self:       cfg.Keys.PublicKey(),
		sub:        cfg.Substrate,
		ledger:     cfg.Ledger,
		codec:      shard.NewCodec(cfg.ShardCount, cfg.MaxPayload),
		coder:      coder,
		pending:    NewRegistry(cfg.PendingTTL),
		dispatcher: NewDispatcher(cfg.Blocklist, cfg.MaxResponse),
		tunnels:    NewSessionPool(cfg.TunnelIdle, cfg.TunnelPerUser),
	}
	cfg.Substrate.SetShardHandler(e.onShard)
	return e, nil
}

// Close releases the engine's background resources.
func (e *Engine) Close() {
	e.tunnels.Close()
}

func (e *Engine) onShard(from peer.ID, s *shard.Shard) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.Type != ids.ShardTypeRequest {
		log.Printf("exitengine: dropped non-request shard %s from %s: %v", s.ShardID, from, ErrMalformed)
		return
	}
	if err := e.OnRequestShard(ctx, s, from); err != nil {
		log.Printf("exitengine: dropped shard %s from %s: %v", s.ShardID, from, err)
	}
}

// OnRequestShard implements spec.md §4.D's request-shard handler: verify
// the sender's identity, accumulate the shard into its pending request,
// attempt per-chunk erasure decode, and once the full body is reassembled
// dispatch it and emit response shards back toward the user.
func (e *Engine) OnRequestShard(ctx context.Context, s *shard.Shard, from peer.ID) error {
	fromPub, err := peernet.PeerIDToPublicKey(from)
	if err != nil {
		return fmt.Errorf("exitengine: failed to resolve sender identity: %w", err)
	}
	if s.SenderPubkey != fromPub {
		return fmt.Errorf("exitengine: sender_pubkey does not match transport identity")
	}

	pr, err := e.pending.getOrCreate(s.RequestID, s.UserPubkey, s.TotalHops, s.TotalChunks)
	if err != nil {
		return err
	}

	tryChunk, ready, err := pr.insert(s.ChunkIndex, s.ShardIndex, s.Payload)
	if err != nil {
		return err
	}
	if err := e.sendReceipt(ctx, s, from); err != nil {
		log.Printf("exitengine: failed to emit receipt for shard %s: %v", s.ShardID, err)
	}
	if !ready {
		return nil
	}

	chunkShards := pr.shardsForChunk(tryChunk)
	decoded, err := e.coder.Reassemble([][][]byte{chunkShards}, erasure.ChunkSize)
	if err != nil {
		// Not yet enough distinct shards despite crossing the DATA threshold
		// (duplicates at the same position); wait for more to arrive.
		return nil
	}

	complete := pr.markDecoded(tryChunk, decoded)
	if !complete {
		return nil
	}

	body, err := pr.concat()
	e.pending.remove(s.RequestID)
	if err != nil {
		return fmt.Errorf("exitengine: failed to reassemble request body: %w", err)
	}

	return e.handleBody(ctx, s, body)
}

// handleBody dispatches a fully-reassembled request body by its mode byte
// and emits the dispatch result as response shards back to the user.
func (e *Engine) handleBody(ctx context.Context, req *shard.Shard, body []byte) error {
	if len(body) < 1 {
		return fmt.Errorf("exitengine: reassembled body has no dispatch mode byte")
	}

	var responseBody []byte
	switch dispatchMode(body[0]) {
	case modeHTTP:
		rec, err := DecodeHTTPRequest(body[1:])
		if err != nil {
			return err
		}
		responseBody = e.dispatcher.Dispatch(rec)
	case modeTunnel:
		meta, burst, err := DecodeTunnelRequest(body[1:])
		if err != nil {
			return err
		}
		out, err := e.tunnels.Open(req.UserPubkey, meta, burst, erasure.ChunkSize)
		if err != nil {
			responseBody = encodeHTTPResponse(&httpResponseRecord{Status: 502, Body: []byte(err.Error())})
		} else {
			responseBody = out
		}
	default:
		return fmt.Errorf("exitengine: unrecognized dispatch mode %d", body[0])
	}

	return e.emitResponse(ctx, req, responseBody)
}

// emitResponse chunk-and-erasure-encodes responseBody, wraps each coded
// shard in the shard envelope, and sends every shard toward the originating
// user (spec.md §4.D: response shards carry Destination = the user's
// pubkey and travel the reverse path the request arrived on, one hop at a
// time, starting with the immediate predecessor).
func (e *Engine) emitResponse(ctx context.Context, req *shard.Shard, body []byte) error {
	prefixed := prefixResponseLength(body)
	chunks, err := e.coder.ChunkAndEncode(prefixed)
	if err != nil {
		return fmt.Errorf("exitengine: failed to encode response: %w", err)
	}

	predecessor, err := peernet.PublicKeyToPeerID(req.SenderPubkey)
	if err != nil {
		return fmt.Errorf("exitengine: failed to resolve response predecessor: %w", err)
	}

	for _, chunk := range chunks {
		for shardIdx, payload := range chunk.Shards {
			respShardID := shard.ShardIDOf(req.RequestID, req.UserPubkey, ids.ShardTypeResponse, chunk.ChunkIndex, uint8(shardIdx), payload)
			resp := &shard.Shard{
				ShardID:       respShardID,
				RequestID:     req.RequestID,
				UserPubkey:    req.UserPubkey,
				Destination:   req.UserPubkey,
				UserProof:     req.UserProof,
				HopsRemaining: req.TotalHops,
				TotalHops:     req.TotalHops,
				SenderPubkey:  e.self,
				Type:          ids.ShardTypeResponse,
				ShardIndex:    uint8(shardIdx),
				TotalShards:   uint8(len(chunk.Shards)),
				ChunkIndex:    chunk.ChunkIndex,
				TotalChunks:   uint16(len(chunks)),
				Payload:       payload,
			}
			if err := e.sub.SendShard(ctx, predecessor, resp); err != nil {
				log.Printf("exitengine: failed to emit response shard %s: %v", resp.ShardID, err)
				continue
			}
		}
	}
	return nil
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
			log.Printf("exitengine: failed to record self-issued receipt: %v", err)
		}
	}
	return e.sub.SendReceipt(ctx, from, receipt)
}
