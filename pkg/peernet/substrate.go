// Package peernet implements the peer substrate of spec.md §6: the
// transport relays, exits, and clients use to exchange shards and
// receipts, plus the region-aware relay discovery layer supplementing the
// distilled spec (spec.md §10).
//
// Grounded on pkg/meshstorage/node.go and pkg/meshstorage/rpc.go in the
// teacher repo (libp2p host + go-libp2p-kad-dht, a single stream protocol
// carrying length-prefixed JSON framing), adapted to carry the binary
// shard/receipt wire format of pkg/shard instead of JSON chunk RPCs.
package peernet

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/shardcore/corenet/pkg/shard"
)

// ProtocolID is the libp2p stream protocol carrying shards and receipts.
const ProtocolID = protocol.ID("/corenet/transport/1.0.0")

// frame type tags, prefixed to every stream payload.
const (
	frameShard   byte = 0
	frameReceipt byte = 1
)

// Config configures a Substrate.
type Config struct {
	ListenPort     int
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey // optional, generated if nil
	MaxPayload     uint32         // forwarded to the shard codec
	ShardCount     uint8          // forwarded to the shard codec (erasure N)
}

// ShardHandler is invoked for every shard received over the substrate.
type ShardHandler func(from peer.ID, s *shard.Shard)

// ReceiptHandler is invoked for every forward receipt received.
type ReceiptHandler func(from peer.ID, r *shard.ForwardReceipt)

// Substrate is the libp2p-backed transport and DHT a node runs its
// routing logic on top of.
type Substrate struct {
	host host.Host
	dht  *dht.IpfsDHT
	ctx  context.Context
	cancel context.CancelFunc

	codec *shard.Codec

	mu             sync.RWMutex
	shardHandler   ShardHandler
	receiptHandler ReceiptHandler

	bootstrapped bool
}

// NewSubstrate creates a libp2p host, attaches a Kademlia DHT in server
// mode, and registers the transport stream handler.
func NewSubstrate(ctx context.Context, cfg Config) (*Substrate, error) {
	priv := cfg.PrivateKey
	var err error
	if priv == nil {
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("peernet: failed to generate host key: %w", err)
		}
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return nil, fmt.Errorf("peernet: failed to create libp2p host: %w", err)
	}

	kdht, err := dht.New(ctx, h,
		dht.Mode(dht.ModeServer),
		dht.Validator(record.NamespacedValidator{relayRecordNamespace: relayRecordValidator{}}),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("peernet: failed to create DHT: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)

	s := &Substrate{
		host:   h,
		dht:    kdht,
		ctx:    nodeCtx,
		cancel: cancel,
		codec:  shard.NewCodec(cfg.ShardCount, cfg.MaxPayload),
	}

	h.SetStreamHandler(ProtocolID, s.handleStream)

	if len(cfg.BootstrapPeers) > 0 {
		if err := s.Bootstrap(cfg.BootstrapPeers); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// ID returns the substrate's own peer identity.
func (s *Substrate) ID() peer.ID { return s.host.ID() }

// Addrs returns the host's listen multiaddrs.
func (s *Substrate) Addrs() []multiaddr.Multiaddr { return s.host.Addrs() }

// Bootstrap connects to the given bootstrap peer multiaddrs and joins the
// DHT's routing table.
func (s *Substrate) Bootstrap(peers []string) error {
	var connected int
	for _, addrStr := range peers {
		maddr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			continue
		}
		if err := s.host.Connect(s.ctx, *info); err != nil {
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("peernet: failed to connect to any bootstrap peer")
	}
	if err := s.dht.Bootstrap(s.ctx); err != nil {
		return fmt.Errorf("peernet: DHT bootstrap failed: %w", err)
	}
	s.bootstrapped = true
	return nil
}

// Connect dials a known peer address directly, without going through the
// DHT (used to establish guard-hop connections picked by relayengine).
func (s *Substrate) Connect(ctx context.Context, info peer.AddrInfo) error {
	return s.host.Connect(ctx, info)
}

// SetShardHandler registers the callback invoked for inbound shards.
func (s *Substrate) SetShardHandler(h ShardHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shardHandler = h
}

// SetReceiptHandler registers the callback invoked for inbound receipts.
func (s *Substrate) SetReceiptHandler(h ReceiptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiptHandler = h
}

// SendShard opens a stream to target and writes the encoded shard.
func (s *Substrate) SendShard(ctx context.Context, target peer.ID, sh *shard.Shard) error {
	return s.sendFrame(ctx, target, frameShard, s.codec.Encode(sh))
}

// SendReceipt opens a stream to target and writes the encoded receipt.
func (s *Substrate) SendReceipt(ctx context.Context, target peer.ID, r *shard.ForwardReceipt) error {
	return s.sendFrame(ctx, target, frameReceipt, shard.EncodeReceipt(r))
}

func (s *Substrate) sendFrame(ctx context.Context, target peer.ID, frameType byte, body []byte) error {
	stream, err := s.host.NewStream(ctx, target, ProtocolID)
	if err != nil {
		return fmt.Errorf("peernet: failed to open stream to %s: %w", target, err)
	}
	defer stream.Close()

	if err := stream.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}

	w := bufio.NewWriter(stream)
	if err := w.WriteByte(frameType); err != nil {
		return fmt.Errorf("peernet: failed to write frame tag: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("peernet: failed to write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("peernet: failed to write frame body: %w", err)
	}
	return w.Flush()
}

func (s *Substrate) handleStream(stream network.Stream) {
	defer stream.Close()
	stream.SetReadDeadline(time.Now().Add(10 * time.Second))

	r := bufio.NewReader(stream)
	frameType, err := r.ReadByte()
	if err != nil {
		return
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen > 16*1024*1024 {
		return // refuse absurd frame sizes before allocating
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return
	}

	from := stream.Conn().RemotePeer()

	switch frameType {
	case frameShard:
		sh, err := s.codec.Decode(body)
		if err != nil {
			return
		}
		s.mu.RLock()
		h := s.shardHandler
		s.mu.RUnlock()
		if h != nil {
			h(from, sh)
		}
	case frameReceipt:
		rc, err := shard.DecodeReceipt(body)
		if err != nil {
			return
		}
		s.mu.RLock()
		h := s.receiptHandler
		s.mu.RUnlock()
		if h != nil {
			h(from, rc)
		}
	}
}

// Close tears down the DHT, host, and background goroutines.
func (s *Substrate) Close() error {
	s.cancel()
	if s.dht != nil {
		s.dht.Close()
	}
	return s.host.Close()
}
