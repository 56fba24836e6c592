// Package ledger implements the local receipt ledger of spec.md §4.F: an
// append-mostly, deduplicated table of forward receipts exposing
// bandwidth-weighted batches to the external settlement collaborator.
//
// Grounded directly on pkg/storage/relay_queue.go in the teacher repo
// (sqlite3, WAL mode, schema/index layout, background cleanup goroutine),
// repurposed from an offline-message queue to a receipt ledger.
package ledger

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/shard"
)

// Ledger is a single node's local receipt store.
type Ledger struct {
	db             *sql.DB
	retentionWindow time.Duration
	stopCleanup    chan struct{}
}

// New opens (creating if necessary) a sqlite-backed ledger at dbPath.
// retentionWindow bounds how long drained receipt keys are retained purely
// for dedup purposes before being pruned; zero disables pruning.
func New(dbPath string, retentionWindow time.Duration) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("ledger: failed to enable WAL: %w", err)
	}

	l := &Ledger{db: db, retentionWindow: retentionWindow, stopCleanup: make(chan struct{})}
	if err := l.initSchema(); err != nil {
		return nil, err
	}

	if retentionWindow > 0 {
		go l.cleanupLoop()
	}

	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS receipts (
		request_id      TEXT NOT NULL,
		shard_id        TEXT NOT NULL,
		receiver_pubkey TEXT NOT NULL,
		sender_pubkey   TEXT NOT NULL,
		user_proof      TEXT NOT NULL,
		payload_size    INTEGER NOT NULL,
		epoch           INTEGER NOT NULL,
		timestamp       INTEGER NOT NULL,
		signature       BLOB NOT NULL,
		handed_off      INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL DEFAULT (strftime('%s','now')),
		PRIMARY KEY (request_id, shard_id, receiver_pubkey)
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_sender_ts ON receipts(sender_pubkey, timestamp);
	CREATE INDEX IF NOT EXISTS idx_receipts_handed_off ON receipts(handed_off);
	`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("ledger: failed to create schema: %w", err)
	}
	return nil
}

// Record inserts a receipt idempotently; duplicates on the
// (request_id, shard_id, receiver_pubkey) composite key are ignored, so a
// relay that hands the same receipt twice is credited once (spec.md §4.F, §8).
func (l *Ledger) Record(r *shard.ForwardReceipt) error {
	query := `
		INSERT OR IGNORE INTO receipts
			(request_id, shard_id, receiver_pubkey, sender_pubkey, user_proof, payload_size, epoch, timestamp, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.Exec(query,
		hexOf(r.RequestID[:]), hexOf(r.ShardID[:]), hexOf(r.ReceiverPubkey[:]),
		hexOf(r.SenderPubkey[:]), hexOf(r.UserProof[:]),
		r.PayloadSize, r.Epoch, r.Timestamp, r.Signature[:],
	)
	if err != nil {
		return fmt.Errorf("ledger: failed to record receipt: %w", err)
	}
	return nil
}

// DrainBatch returns up to maxCount not-yet-handed-off receipts and marks
// them handed off. The dedup key is retained so a replayed copy of the same
// receipt is still rejected by Record after draining.
func (l *Ledger) DrainBatch(maxCount int) ([]*shard.ForwardReceipt, error) {
	rows, err := l.db.Query(`
		SELECT request_id, shard_id, receiver_pubkey, sender_pubkey, user_proof, payload_size, epoch, timestamp, signature
		FROM receipts
		WHERE handed_off = 0
		ORDER BY timestamp ASC
		LIMIT ?
	`, maxCount)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query drain batch: %w", err)
	}
	defer rows.Close()

	var batch []*shard.ForwardReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range batch {
		if _, err := l.db.Exec(
			`UPDATE receipts SET handed_off = 1 WHERE request_id = ? AND shard_id = ? AND receiver_pubkey = ?`,
			hexOf(r.RequestID[:]), hexOf(r.ShardID[:]), hexOf(r.ReceiverPubkey[:]),
		); err != nil {
			return nil, fmt.Errorf("ledger: failed to mark receipt handed off: %w", err)
		}
	}

	return batch, nil
}

// BandwidthByPeer aggregates payload_size per credited sender_pubkey over
// the trailing window — the basis of bandwidth-weighted settlement
// (spec.md §4.F).
func (l *Ledger) BandwidthByPeer(window time.Duration) (map[ids.PublicKey]uint64, error) {
	since := time.Now().Add(-window).Unix()

	rows, err := l.db.Query(`
		SELECT sender_pubkey, SUM(payload_size)
		FROM receipts
		WHERE timestamp >= ?
		GROUP BY sender_pubkey
	`, since)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to aggregate bandwidth: %w", err)
	}
	defer rows.Close()

	out := make(map[ids.PublicKey]uint64)
	for rows.Next() {
		var senderHex string
		var total uint64
		if err := rows.Scan(&senderHex, &total); err != nil {
			return nil, err
		}
		pk, err := pubkeyFromHex(senderHex)
		if err != nil {
			continue
		}
		out[pk] = total
	}
	return out, rows.Err()
}

// Count returns the total number of recorded receipts (drained or not).
func (l *Ledger) Count() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM receipts`).Scan(&n)
	return n, err
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	close(l.stopCleanup)
	return l.db.Close()
}

// cleanupLoop periodically prunes handed-off receipts older than the
// retention window, mirroring cleanupExpiredMessages in the teacher repo.
func (l *Ledger) cleanupLoop() {
	ticker := time.NewTicker(l.retentionWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.retentionWindow).Unix()
			result, err := l.db.Exec(`DELETE FROM receipts WHERE handed_off = 1 AND timestamp < ?`, cutoff)
			if err != nil {
				log.Printf("ledger: cleanup failed: %v", err)
				continue
			}
			if n, _ := result.RowsAffected(); n > 0 {
				log.Printf("ledger: pruned %d drained receipts older than retention window", n)
			}
		}
	}
}

func scanReceipt(rows *sql.Rows) (*shard.ForwardReceipt, error) {
	var reqHex, shardHex, receiverHex, senderHex, proofHex string
	var sigBytes []byte
	r := &shard.ForwardReceipt{}

	if err := rows.Scan(&reqHex, &shardHex, &receiverHex, &senderHex, &proofHex, &r.PayloadSize, &r.Epoch, &r.Timestamp, &sigBytes); err != nil {
		return nil, fmt.Errorf("ledger: failed to scan receipt: %w", err)
	}

	copyHex(r.RequestID[:], reqHex)
	copyHex(r.ShardID[:], shardHex)
	copyHex(r.ReceiverPubkey[:], receiverHex)
	copyHex(r.SenderPubkey[:], senderHex)
	copyHex(r.UserProof[:], proofHex)
	copy(r.Signature[:], sigBytes)

	return r, nil
}

func hexOf(b []byte) string { return hex.EncodeToString(b) }

func copyHex(dst []byte, s string) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return
	}
	copy(dst, b)
}

func pubkeyFromHex(s string) (ids.PublicKey, error) {
	var pk ids.PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, err
	}
	copy(pk[:], b)
	return pk, nil
}
