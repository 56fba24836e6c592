// Package vpnkeys implements the keystore contract from spec.md §6: a
// long-lived Ed25519 signing identity whose private key never leaves the
// keystore.
//
// The wire format mirrors pkg/crypto in the teacher repo (generate/export/
// import/save/load/sign/verify), adapted from RSA-4096 to Ed25519 so that
// public keys and signatures fit the fixed 32/64-byte widths spec.md §3
// requires.
package vpnkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"

	"github.com/shardcore/corenet/pkg/ids"
)

var (
	ErrInvalidKey    = errors.New("vpnkeys: invalid key")
	ErrKeySizeMismatch = errors.New("vpnkeys: key has unexpected size")
)

const (
	pemBlockPrivate = "SHARDCORE ED25519 PRIVATE KEY"
	pemBlockPublic  = "SHARDCORE ED25519 PUBLIC KEY"
)

// Keystore holds an Ed25519 signing identity.
type Keystore struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh random keypair.
func Generate() (*Keystore, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keystore{priv: priv, pub: pub}, nil
}

// PublicKey returns the keystore's public key as the spec's fixed-width type.
func (k *Keystore) PublicKey() ids.PublicKey {
	var pk ids.PublicKey
	copy(pk[:], k.pub)
	return pk
}

// Sign signs data and returns the spec's fixed-width Signature type.
func (k *Keystore) Sign(data []byte) ids.Signature {
	var sig ids.Signature
	copy(sig[:], ed25519.Sign(k.priv, data))
	return sig
}

// Verify checks a signature against a public key, without needing a
// Keystore instance — any party holding a peer's public key can verify.
func Verify(pub ids.PublicKey, data []byte, sig ids.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), data, sig[:])
}

// ExportPrivatePEM exports the private key to PEM.
func (k *Keystore) ExportPrivatePEM() []byte {
	block := &pem.Block{Type: pemBlockPrivate, Bytes: k.priv}
	return pem.EncodeToMemory(block)
}

// ExportPublicPEM exports the public key to PEM.
func (k *Keystore) ExportPublicPEM() []byte {
	block := &pem.Block{Type: pemBlockPublic, Bytes: k.pub}
	return pem.EncodeToMemory(block)
}

// ImportPrivatePEM loads a keystore from a PEM-encoded private key.
func ImportPrivatePEM(data []byte) (*Keystore, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, ErrKeySizeMismatch
	}
	priv := ed25519.PrivateKey(block.Bytes)
	pub := priv.Public().(ed25519.PublicKey)
	return &Keystore{priv: priv, pub: pub}, nil
}

// SaveToFile writes PEM-encoded data to disk with owner-only permissions.
func SaveToFile(path string, pemData []byte) error {
	return os.WriteFile(path, pemData, 0600)
}

// LoadFromFile reads PEM-encoded key data from disk.
func LoadFromFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// LoadOrGenerate loads a keystore from path, or generates and persists a
// fresh one if the file does not exist. Mirrors cmd/relay/main.go's
// loadOrGenerateKey in the teacher repo.
func LoadOrGenerate(path string) (*Keystore, error) {
	if _, err := os.Stat(path); err == nil {
		data, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		return ImportPrivatePEM(data)
	}

	ks, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := SaveToFile(path, ks.ExportPrivatePEM()); err != nil {
		return nil, err
	}
	if err := SaveToFile(path+".pub", ks.ExportPublicPEM()); err != nil {
		return nil, err
	}
	return ks, nil
}
