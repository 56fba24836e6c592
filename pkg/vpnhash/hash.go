// Package vpnhash provides the BLAKE2b-256 hashing primitives used for
// user proofs (shard identifiers are SHA-256, computed by
// shard.ShardIDOf). Grounded directly on pkg/crypto/hash.go in the teacher
// repo.
package vpnhash

import (
	"crypto/rand"

	"github.com/shardcore/corenet/pkg/ids"
	"golang.org/x/crypto/blake2b"
)

// Sum computes a BLAKE2b-256 hash of data.
func Sum(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// GenerateNonce returns size cryptographically random bytes.
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// UserProof computes H(request_id ‖ user_pubkey ‖ signature_over_request_id)
// per spec.md §3 — the cryptographic binding of a request's shards to a
// settlement identity.
func UserProof(requestID ids.RequestID, userPubkey ids.PublicKey, sigOverRequestID ids.Signature) [32]byte {
	buf := make([]byte, 0, len(requestID)+len(userPubkey)+len(sigOverRequestID))
	buf = append(buf, requestID[:]...)
	buf = append(buf, userPubkey[:]...)
	buf = append(buf, sigOverRequestID[:]...)
	return Sum(buf)
}
