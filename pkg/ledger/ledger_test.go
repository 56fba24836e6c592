package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/shard"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := New(filepath.Join(dir, "receipts.db"), time.Hour)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleReceipt(t *testing.T, payloadSize uint32) *shard.ForwardReceipt {
	t.Helper()
	reqID, err := ids.NewRequestID()
	if err != nil {
		t.Fatalf("NewRequestID() error = %v", err)
	}
	r := &shard.ForwardReceipt{
		RequestID:   reqID,
		PayloadSize: payloadSize,
		Epoch:       1,
		Timestamp:   time.Now().Unix(),
	}
	r.ShardID[0] = 0xAA
	r.SenderPubkey[0] = 0x01
	r.ReceiverPubkey[0] = 0x02
	r.UserProof[0] = 0x03
	r.Signature[0] = 0x04
	return r
}

func TestRecordAndDrainBatch(t *testing.T) {
	l := newTestLedger(t)

	r := sampleReceipt(t, 1024)
	if err := l.Record(r); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	batch, err := l.DrainBatch(10)
	if err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("len(batch) = %d, want 1", len(batch))
	}
	if batch[0].PayloadSize != 1024 {
		t.Fatalf("PayloadSize = %d, want 1024", batch[0].PayloadSize)
	}

	again, err := l.DrainBatch(10)
	if err != nil {
		t.Fatalf("DrainBatch() second call error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("len(again) = %d, want 0 (already handed off)", len(again))
	}
}

func TestRecordIsIdempotentOnDedupKey(t *testing.T) {
	l := newTestLedger(t)

	r := sampleReceipt(t, 512)
	if err := l.Record(r); err != nil {
		t.Fatalf("first Record() error = %v", err)
	}
	if err := l.Record(r); err != nil {
		t.Fatalf("second Record() error = %v", err)
	}

	n, err := l.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Count() = %d, want 1 (duplicate receipt must be ignored)", n)
	}
}

func TestReplayAfterDrainStillDeduped(t *testing.T) {
	l := newTestLedger(t)

	r := sampleReceipt(t, 256)
	if err := l.Record(r); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := l.DrainBatch(10); err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}

	if err := l.Record(r); err != nil {
		t.Fatalf("Record() after drain error = %v", err)
	}

	batch, err := l.DrainBatch(10)
	if err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}
	if len(batch) != 0 {
		t.Fatal("replayed receipt after drain must not be re-handed-off")
	}
}

func TestBandwidthByPeerAggregatesBySender(t *testing.T) {
	l := newTestLedger(t)

	r1 := sampleReceipt(t, 100)
	r2 := sampleReceipt(t, 200)
	r2.SenderPubkey = r1.SenderPubkey // same sender, different request
	r2.ShardID[0] = 0xBB

	if err := l.Record(r1); err != nil {
		t.Fatalf("Record(r1) error = %v", err)
	}
	if err := l.Record(r2); err != nil {
		t.Fatalf("Record(r2) error = %v", err)
	}

	totals, err := l.BandwidthByPeer(time.Hour)
	if err != nil {
		t.Fatalf("BandwidthByPeer() error = %v", err)
	}
	if totals[r1.SenderPubkey] != 300 {
		t.Fatalf("aggregated bandwidth = %d, want 300", totals[r1.SenderPubkey])
	}
}

func TestBandwidthByPeerExcludesOutsideWindow(t *testing.T) {
	l := newTestLedger(t)

	r := sampleReceipt(t, 999)
	r.Timestamp = time.Now().Add(-2 * time.Hour).Unix()
	if err := l.Record(r); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	totals, err := l.BandwidthByPeer(time.Hour)
	if err != nil {
		t.Fatalf("BandwidthByPeer() error = %v", err)
	}
	if _, ok := totals[r.SenderPubkey]; ok {
		t.Fatal("receipt outside window must not be counted")
	}
}

func TestNewCreatesParentlessFileOK(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "receipts.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	l, err := New(path, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database file to exist: %v", err)
	}
}
