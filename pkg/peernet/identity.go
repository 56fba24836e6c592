package peernet

import (
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shardcore/corenet/pkg/ids"
)

// PublicKeyToPeerID derives the libp2p peer identity for a VPN Ed25519
// public key. Hosts in this module always run an Ed25519 host key equal to
// their VPN identity, so the two address spaces coincide: an Ed25519 key's
// multihash is an "identity" hash, meaning the peer ID literally contains
// the raw public key bytes and the conversion never touches the network.
func PublicKeyToPeerID(pub ids.PublicKey) (peer.ID, error) {
	pk, err := p2pcrypto.UnmarshalEd25519PublicKey(pub[:])
	if err != nil {
		return "", fmt.Errorf("peernet: invalid Ed25519 public key: %w", err)
	}
	return peer.IDFromPublicKey(pk)
}

// PeerIDToPublicKey recovers the VPN Ed25519 public key embedded in a
// libp2p peer ID produced by PublicKeyToPeerID.
func PeerIDToPublicKey(pid peer.ID) (ids.PublicKey, error) {
	var out ids.PublicKey
	pk, err := pid.ExtractPublicKey()
	if err != nil {
		return out, fmt.Errorf("peernet: failed to extract public key from peer id: %w", err)
	}
	raw, err := pk.Raw()
	if err != nil {
		return out, fmt.Errorf("peernet: failed to extract raw key bytes: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("peernet: unexpected public key length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
