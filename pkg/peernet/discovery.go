package peernet

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shardcore/corenet/pkg/ids"
)

// relayRecordNamespace is the DHT key namespace relay metadata is published
// under: "/corenet/<peer-id>".
const relayRecordNamespace = "corenet"

// relayRecordValidator accepts any well-formed relay record and, on
// conflicting values for the same key, keeps the one with the newer
// LastSeen timestamp — metadata is self-published and harmless to overwrite
// with a fresher copy, unlike IPNS-style records this isn't signed against
// a long-lived identity key.
type relayRecordValidator struct{}

func (relayRecordValidator) Validate(key string, value []byte) error {
	var m RelayMetadata
	if err := json.Unmarshal(value, &m); err != nil {
		return fmt.Errorf("peernet: invalid relay record: %w", err)
	}
	return nil
}

func (relayRecordValidator) Select(key string, values [][]byte) (int, error) {
	best := 0
	var bestSeen int64
	for i, v := range values {
		var m RelayMetadata
		if err := json.Unmarshal(v, &m); err != nil {
			continue
		}
		if m.LastSeen > bestSeen {
			bestSeen = m.LastSeen
			best = i
		}
	}
	return best, nil
}

// RelayMetadata is the advertisement a relay or exit publishes about
// itself (spec.md §10: relay metadata publication & region-aware discovery).
type RelayMetadata struct {
	PeerID      string        `json:"peer_id"`
	PublicKey   ids.PublicKey `json:"public_key"`
	Region      string        `json:"region"`
	ExitCapable bool          `json:"exit_capable"`
	LastSeen    int64         `json:"last_seen"`
}

// healthInfo tracks per-relay delivery outcomes, mirroring the
// success/failure bookkeeping the teacher's relay discovery layer keeps to
// avoid routing through flaky relays.
type healthInfo struct {
	consecutiveFails int
	successCount     int
	failureCount     int
	lastSeen         time.Time
}

// Registry tracks relay metadata discovered through the substrate's DHT,
// relay health, and a time-bounded blacklist of misbehaving peers
// (spec.md §10: relay health tracking & auto-blacklisting).
type Registry struct {
	sub *Substrate

	blacklistThreshold int
	blacklistDuration  time.Duration

	mu        sync.RWMutex
	known     map[peer.ID]*RelayMetadata
	health    map[peer.ID]*healthInfo
	blacklist map[peer.ID]time.Time
	latency   map[peer.ID]time.Duration
}

// latencyEWMAWeight is the smoothing factor applied on every new sample
// (spec.md §4.C: "lowest exponentially-smoothed latency").
const latencyEWMAWeight = 0.3

// NewRegistry builds a Registry over an existing Substrate. A relay is
// blacklisted for blacklistDuration after blacklistThreshold consecutive
// delivery failures.
func NewRegistry(sub *Substrate, blacklistThreshold int, blacklistDuration time.Duration) *Registry {
	if blacklistThreshold <= 0 {
		blacklistThreshold = 5
	}
	if blacklistDuration <= 0 {
		blacklistDuration = 30 * time.Minute
	}
	return &Registry{
		sub:                sub,
		blacklistThreshold: blacklistThreshold,
		blacklistDuration:  blacklistDuration,
		known:              make(map[peer.ID]*RelayMetadata),
		health:             make(map[peer.ID]*healthInfo),
		blacklist:          make(map[peer.ID]time.Time),
		latency:            make(map[peer.ID]time.Duration),
	}
}

// RecordLatency folds a fresh round-trip sample into pid's exponentially
// smoothed latency estimate.
func (r *Registry) RecordLatency(pid peer.ID, sample time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.latency[pid]
	if !ok {
		r.latency[pid] = sample
		return
	}
	r.latency[pid] = time.Duration(float64(prev)*(1-latencyEWMAWeight) + float64(sample)*latencyEWMAWeight)
}

// Latency returns pid's current smoothed latency estimate, if any samples
// have been recorded.
func (r *Registry) Latency(pid peer.ID) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.latency[pid]
	return d, ok
}

// RegionOf returns the last-known region a peer advertised, if known.
func (r *Registry) RegionOf(pid peer.ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.known[pid]
	if !ok {
		return "", false
	}
	return m.Region, true
}

// KnownPeers returns the peer IDs of every relay this registry has
// discovered or been told about, excluding currently blacklisted ones.
func (r *Registry) KnownPeers() []peer.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]peer.ID, 0, len(r.known))
	for pid := range r.known {
		if expiry, blacklisted := r.blacklist[pid]; blacklisted && time.Now().Before(expiry) {
			continue
		}
		out = append(out, pid)
	}
	return out
}

// Observe records metadata learned about a peer out-of-band (e.g. from a
// handshake), without going through the DHT publish/discover path.
func (r *Registry) Observe(pid peer.ID, meta *RelayMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[pid] = meta
}

// PublishSelf announces this node as a relay serving the given region: it
// stores its metadata record and advertises itself as a content provider
// for the region, so peers discovering that region find this node via
// FindProvidersAsync without needing its peer ID in advance.
func (r *Registry) PublishSelf(ctx context.Context, pub ids.PublicKey, region string, exitCapable bool) error {
	meta := &RelayMetadata{
		PeerID:      r.sub.ID().String(),
		PublicKey:   pub,
		Region:      region,
		ExitCapable: exitCapable,
		LastSeen:    time.Now().Unix(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("peernet: failed to encode relay metadata: %w", err)
	}

	key := "/" + relayRecordNamespace + "/" + meta.PeerID
	if err := r.sub.dht.PutValue(ctx, key, data); err != nil {
		return fmt.Errorf("peernet: failed to publish relay record: %w", err)
	}

	regionCID, err := regionContentID(region)
	if err != nil {
		return err
	}
	if err := r.sub.dht.Provide(ctx, regionCID, true); err != nil {
		return fmt.Errorf("peernet: failed to advertise region %q: %w", region, err)
	}

	r.mu.Lock()
	r.known[r.sub.ID()] = meta
	r.mu.Unlock()
	return nil
}

// DiscoverByRegion finds up to count healthy, non-blacklisted relays
// serving region.
func (r *Registry) DiscoverByRegion(ctx context.Context, region string, count int) ([]*RelayMetadata, error) {
	regionCID, err := regionContentID(region)
	if err != nil {
		return nil, err
	}

	providers := r.sub.dht.FindProvidersAsync(ctx, regionCID, count*3)

	var found []*RelayMetadata
	for info := range providers {
		if info.ID == r.sub.ID() {
			continue
		}
		if r.isBlacklisted(info.ID) {
			continue
		}

		meta, err := r.fetchMetadata(ctx, info.ID)
		if err != nil {
			continue
		}
		if meta.Region != region {
			continue
		}

		r.mu.Lock()
		r.known[info.ID] = meta
		r.mu.Unlock()

		found = append(found, meta)
		if len(found) >= count {
			break
		}
	}

	if len(found) == 0 {
		return nil, fmt.Errorf("peernet: no healthy relays found in region %q", region)
	}

	// Shuffle to avoid every client converging on the same first provider.
	rand.Shuffle(len(found), func(i, j int) { found[i], found[j] = found[j], found[i] })
	if len(found) > count {
		found = found[:count]
	}
	return found, nil
}

func (r *Registry) fetchMetadata(ctx context.Context, pid peer.ID) (*RelayMetadata, error) {
	key := "/" + relayRecordNamespace + "/" + pid.String()
	data, err := r.sub.dht.GetValue(ctx, key)
	if err != nil {
		return nil, err
	}
	var meta RelayMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// RecordSuccess marks a successful forward through pid, resetting its
// consecutive-failure streak.
func (r *Registry) RecordSuccess(pid peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(pid)
	h.consecutiveFails = 0
	h.successCount++
	h.lastSeen = time.Now()
}

// RecordFailure marks a failed forward through pid. Once consecutive
// failures reach the configured threshold, pid is blacklisted for
// blacklistDuration.
func (r *Registry) RecordFailure(pid peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(pid)
	h.consecutiveFails++
	h.failureCount++

	if h.consecutiveFails >= r.blacklistThreshold {
		r.blacklist[pid] = time.Now().Add(r.blacklistDuration)
	}
}

func (r *Registry) healthLocked(pid peer.ID) *healthInfo {
	h, ok := r.health[pid]
	if !ok {
		h = &healthInfo{}
		r.health[pid] = h
	}
	return h
}

func (r *Registry) isBlacklisted(pid peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expiry, ok := r.blacklist[pid]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		return false // expired; the entry stays in the map until RecordFailure overwrites it
	}
	return true
}

// IsBlacklisted reports whether pid is currently blacklisted.
func (r *Registry) IsBlacklisted(pid peer.ID) bool { return r.isBlacklisted(pid) }

// regionContentID derives a stable CID for a region string, used as the
// Kademlia provider-record key (libp2p-kad-dht keys provider records by
// content hash rather than arbitrary strings).
func regionContentID(region string) (cid.Cid, error) {
	sum := sha256.Sum256([]byte("corenet-region:" + region))
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	if err != nil {
		return cid.Cid{}, fmt.Errorf("peernet: failed to hash region key: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
