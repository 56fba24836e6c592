// Package relayengine implements the relay engine of spec.md §4.C: the
// request/response shard handlers a relay runs, its next-hop tie-break
// rule, and receipt emission/collection.
//
// Grounded on pkg/network/relay.go and pkg/network/relay_handlers.go in the
// teacher repo (peer map, onion-forward dispatch, ack-then-count,
// handshake/ping handlers), generalized from the teacher's RSA-onion
// message relay to shard forwarding with a RelayCache replacing the
// teacher's raw peer map as routing state, and from the teacher's
// "forward to connected peer or queue" fallback to the spec's mandatory
// forward-never-drop-for-lack-of-exit-route rule.
package relayengine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/peernet"
	"github.com/shardcore/corenet/pkg/relaycache"
	"github.com/shardcore/corenet/pkg/shard"
	"github.com/shardcore/corenet/pkg/vpnkeys"
)

// Reject reasons surfaced in logs and metrics (spec.md §7).
var (
	ErrMalformed           = errors.New("relayengine: malformed shard")
	ErrUserMismatch        = errors.New("relayengine: user_pubkey does not match cached request")
	ErrDestinationMismatch = errors.New("relayengine: destination does not match cached user")
	ErrNoRoute             = errors.New("relayengine: no transmittable peer available")
	ErrSenderSpoof         = errors.New("relayengine: sender_pubkey does not match transport identity")
	ErrCacheMiss           = errors.New("relayengine: no cache entry to verify response destination against")
)

// SubscriptionCheck is the opaque callback of spec.md §6: relays may use it
// to deprioritize (never refuse) traffic for unrecognized accounts.
type SubscriptionCheck func(userPubkey ids.PublicKey) bool

// Config wires an Engine's collaborators.
type Config struct {
	Keys              *vpnkeys.Keystore
	Cache             *relaycache.Cache
	Ledger            *ledger.Ledger
	Substrate         *peernet.Substrate
	Registry          *peernet.Registry
	ShardCount        uint8
	MaxPayload        uint32
	SubscriptionCheck SubscriptionCheck // optional

	// AllowUnverifiedOnExpiredCache controls response-shard handling when the
	// relay cache has no entry for a request_id (expired or never seen).
	// Default false: reject with ErrCacheMiss, since there is then nothing
	// to verify the destination invariant against (spec.md §9).
	AllowUnverifiedOnExpiredCache bool
}

// Engine is a single relay's routing logic.
type Engine struct {
	keys     *vpnkeys.Keystore
	self     ids.PublicKey
	cache    *relaycache.Cache
	ledger   *ledger.Ledger
	sub      *peernet.Substrate
	registry *peernet.Registry
	codec    *shard.Codec
	subCheck SubscriptionCheck

	allowUnverifiedOnExpiredCache bool
}

// New constructs a relay Engine and registers it as the substrate's shard
// handler.
func New(cfg Config) *Engine {
	e := &Engine{
		keys:     cfg.Keys,
		self:     cfg.Keys.PublicKey(),
		cache:    cfg.Cache,
		ledger:   cfg.Ledger,
		sub:      cfg.Substrate,
		registry: cfg.Registry,
		codec:    shard.NewCodec(cfg.ShardCount, cfg.MaxPayload),
		subCheck: cfg.SubscriptionCheck,

		allowUnverifiedOnExpiredCache: cfg.AllowUnverifiedOnExpiredCache,
	}
	cfg.Substrate.SetShardHandler(e.onShard)
	cfg.Substrate.SetReceiptHandler(e.onReceipt)
	return e
}

func (e *Engine) onShard(from peer.ID, s *shard.Shard) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch s.Type {
	case ids.ShardTypeRequest:
		err = e.OnRequestShard(ctx, s, from)
	case ids.ShardTypeResponse:
		err = e.OnResponseShard(ctx, s, from)
	default:
		err = ErrMalformed
	}
	if err != nil {
		log.Printf("relayengine: dropped shard %s from %s: %v", s.ShardID, from, err)
	}
}

func (e *Engine) onReceipt(from peer.ID, r *shard.ForwardReceipt) {
	if err := e.ledger.Record(r); err != nil {
		log.Printf("relayengine: failed to record receipt from %s: %v", from, err)
	}
	if e.registry != nil {
		e.registry.RecordSuccess(from)
	}
}

// OnRequestShard implements spec.md §4.C's request-shard handler.
func (e *Engine) OnRequestShard(ctx context.Context, s *shard.Shard, from peer.ID) error {
	if err := e.verifySender(s, from); err != nil {
		return err
	}

	entry, hit := e.cache.Lookup(s.RequestID)
	if !hit {
		e.cache.Insert(s.RequestID, s.UserPubkey, s.TotalHops)
	} else if entry.UserPubkey != s.UserPubkey {
		return fmt.Errorf("%w: request_id %s", ErrUserMismatch, s.RequestID)
	}

	// Subscription check is advisory only: declined accounts are still
	// forwarded (best-effort service), never refused outright.
	if e.subCheck != nil {
		e.subCheck(s.UserPubkey)
	}

	s.SenderPubkey = e.self

	var next peer.ID
	var ok bool
	if s.HopsRemaining > 0 {
		s.HopsRemaining--
		next, ok = e.selectNextHop(s, from, "")
	} else {
		next, ok = e.selectExitOrFallback(s, from)
	}
	if !ok {
		return fmt.Errorf("%w: request_id %s", ErrNoRoute, s.RequestID)
	}

	return e.forwardAndReceipt(ctx, s, from, next)
}

// OnResponseShard implements spec.md §4.C's response-shard handler.
func (e *Engine) OnResponseShard(ctx context.Context, s *shard.Shard, from peer.ID) error {
	if err := e.verifySender(s, from); err != nil {
		return err
	}

	entry, hit := e.cache.Lookup(s.RequestID)
	if hit {
		// Destination invariant: trustless verification that a response can
		// only flow back toward the user who originated the request.
		if s.Destination != entry.UserPubkey {
			return fmt.Errorf("%w: request_id %s", ErrDestinationMismatch, s.RequestID)
		}
	} else if !e.allowUnverifiedOnExpiredCache {
		return fmt.Errorf("%w: request_id %s", ErrCacheMiss, s.RequestID)
	}

	s.SenderPubkey = e.self
	if s.HopsRemaining > 0 {
		s.HopsRemaining--
	}

	next, ok := e.selectNextHop(s, from, "")
	if !ok {
		return fmt.Errorf("%w: request_id %s", ErrNoRoute, s.RequestID)
	}

	return e.forwardAndReceipt(ctx, s, from, next)
}

func (e *Engine) verifySender(s *shard.Shard, from peer.ID) error {
	fromPub, err := peernet.PeerIDToPublicKey(from)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSenderSpoof, err)
	}
	if s.SenderPubkey != fromPub {
		return ErrSenderSpoof
	}
	return nil
}

// forwardAndReceipt transmits s to next and, on successful delivery,
// issues this relay's own receipt crediting the predecessor. The receipt
// next returns is recorded separately, by onReceipt.
func (e *Engine) forwardAndReceipt(ctx context.Context, s *shard.Shard, predecessor, next peer.ID) error {
	if err := e.sub.SendShard(ctx, next, s); err != nil {
		if e.registry != nil {
			e.registry.RecordFailure(next)
		}
		// No receipt is produced: the predecessor goes uncredited for a
		// forward that never happened, which is the correct outcome.
		return fmt.Errorf("relayengine: transmit to %s failed: %w", next, err)
	}
	if e.registry != nil {
		e.registry.RecordSuccess(next)
	}

	predPub, err := peernet.PeerIDToPublicKey(predecessor)
	if err != nil {
		return nil // nothing more to do; receipt cannot be addressed
	}

	receipt := &shard.ForwardReceipt{
		RequestID:      s.RequestID,
		ShardID:        s.ShardID,
		SenderPubkey:   predPub,
		ReceiverPubkey: e.self,
		UserProof:      s.UserProof,
		PayloadSize:    uint32(len(s.Payload)),
		Epoch:          currentEpoch(),
		Timestamp:      nowUnix(),
	}
	receipt.Signature = e.keys.Sign(shard.SignBase(receipt))

	return e.sub.SendReceipt(ctx, predecessor, receipt)
}

// selectNextHop implements the tie-break ordering of spec.md §4.C:
// (a) exclude the predecessor, (b) prefer region match, (c) lowest
// smoothed latency, (d) deterministic hash tie-break.
func (e *Engine) selectNextHop(s *shard.Shard, predecessor peer.ID, preferredRegion string) (peer.ID, bool) {
	candidates := e.candidatePeers(predecessor)
	if len(candidates) == 0 {
		return "", false
	}
	if preferredRegion != "" && e.registry != nil {
		if filtered := filterByRegion(candidates, preferredRegion, e.registry); len(filtered) > 0 {
			candidates = filtered
		}
	}
	return e.tieBreak(candidates, s.ShardID), true
}

// selectExitOrFallback implements the hops_remaining==0 branch: prefer the
// destination exit directly, then any peer in its region, then any peer
// other than the predecessor. The shard is never dropped for lack of an
// exit-reaching path.
func (e *Engine) selectExitOrFallback(s *shard.Shard, predecessor peer.ID) (peer.ID, bool) {
	if exitPeer, err := peernet.PublicKeyToPeerID(s.Destination); err == nil {
		if e.registry == nil || !e.registry.IsBlacklisted(exitPeer) {
			return exitPeer, true
		}
	}

	region := ""
	if e.registry != nil {
		if exitPeer, err := peernet.PublicKeyToPeerID(s.Destination); err == nil {
			region, _ = e.registry.RegionOf(exitPeer)
		}
	}
	return e.selectNextHop(s, predecessor, region)
}

func (e *Engine) candidatePeers(predecessor peer.ID) []peer.ID {
	if e.registry == nil {
		return nil
	}
	known := e.registry.KnownPeers()
	out := make([]peer.ID, 0, len(known))
	for _, p := range known {
		if p == predecessor {
			continue
		}
		out = append(out, p)
	}
	return out
}

func filterByRegion(candidates []peer.ID, region string, reg *peernet.Registry) []peer.ID {
	out := make([]peer.ID, 0, len(candidates))
	for _, p := range candidates {
		if r, ok := reg.RegionOf(p); ok && r == region {
			out = append(out, p)
		}
	}
	return out
}

// tieBreak narrows candidates to the lowest-latency subset, then picks
// deterministically by hashing (shard_id, own pubkey) so load
// spreads evenly across relays that are otherwise indistinguishable.
func (e *Engine) tieBreak(candidates []peer.ID, shardID ids.ShardID) peer.ID {
	if len(candidates) == 1 {
		return candidates[0]
	}

	best := candidates
	if e.registry != nil {
		best = lowestLatency(candidates, e.registry)
	}

	sort.Slice(best, func(i, j int) bool { return best[i] < best[j] })

	h := sha256.New()
	h.Write(shardID[:])
	h.Write(e.self[:])
	sum := h.Sum(nil)
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(best))
	return best[idx]
}

func lowestLatency(candidates []peer.ID, reg *peernet.Registry) []peer.ID {
	var minLatency time.Duration = -1
	for _, p := range candidates {
		if d, ok := reg.Latency(p); ok {
			if minLatency < 0 || d < minLatency {
				minLatency = d
			}
		}
	}
	if minLatency < 0 {
		return candidates // no latency samples yet; every candidate ties
	}
	out := make([]peer.ID, 0, len(candidates))
	for _, p := range candidates {
		d, ok := reg.Latency(p)
		if !ok || d == minLatency {
			out = append(out, p)
		}
	}
	return out
}

func currentEpoch() uint32 { return uint32(nowUnix() / 3600) }

var nowUnix = func() int64 { return time.Now().Unix() }
