package settlement

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/shard"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.New(filepath.Join(dir, "receipts.db"), time.Hour)
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
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

// recordingReporter captures what a Poller would submit, so tests can
// assert on drained content without depending on log output.
type recordingReporter struct {
	mu       sync.Mutex
	batches  [][]*shard.ForwardReceipt
	bySentAt []map[ids.PublicKey]uint64
}

func (r *recordingReporter) ReportReceipts(batch []*shard.ForwardReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingReporter) ReportBandwidth(_ time.Duration, byPeer map[ids.PublicKey]uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySentAt = append(r.bySentAt, byPeer)
	return nil
}

func (r *recordingReporter) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestPollOnceDrainsLedgerAndReportsReceipts(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Record(sampleReceipt(t, 1024)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	rep := &recordingReporter{}
	p := New(Config{Ledger: l, Reporter: rep, DrainBatchSize: 10})
	p.pollOnce()

	if rep.batchCount() != 1 {
		t.Fatalf("batchCount() = %d, want 1", rep.batchCount())
	}
	if len(rep.batches[0]) != 1 {
		t.Fatalf("len(batches[0]) = %d, want 1", len(rep.batches[0]))
	}
	if rep.batches[0][0].PayloadSize != 1024 {
		t.Fatalf("PayloadSize = %d, want 1024", rep.batches[0][0].PayloadSize)
	}
}

func TestPollOnceSkipsEmptyBatchReport(t *testing.T) {
	l := newTestLedger(t)
	rep := &recordingReporter{}
	p := New(Config{Ledger: l, Reporter: rep})
	p.pollOnce()

	if rep.batchCount() != 0 {
		t.Fatalf("batchCount() = %d, want 0 for an empty ledger", rep.batchCount())
	}
}

func TestPollOnceReportsBandwidthByPeer(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Record(sampleReceipt(t, 2048)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	rep := &recordingReporter{}
	p := New(Config{Ledger: l, Reporter: rep, BandwidthWindow: time.Hour})
	p.pollOnce()

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.bySentAt) != 1 {
		t.Fatalf("len(bySentAt) = %d, want 1", len(rep.bySentAt))
	}
	if len(rep.bySentAt[0]) == 0 {
		t.Fatal("ReportBandwidth() received an empty map despite a recorded receipt")
	}
}

func TestStartStopTerminatesPollLoop(t *testing.T) {
	l := newTestLedger(t)
	rep := &recordingReporter{}
	p := New(Config{Ledger: l, Reporter: rep, PollInterval: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		p.Start()
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}

func TestNewDefaultsUnsetConfigFields(t *testing.T) {
	l := newTestLedger(t)
	p := New(Config{Ledger: l})

	if _, ok := p.reporter.(LogReporter); !ok {
		t.Fatalf("reporter = %T, want LogReporter default", p.reporter)
	}
	if p.pollInterval != DefaultPollInterval {
		t.Fatalf("pollInterval = %v, want %v", p.pollInterval, DefaultPollInterval)
	}
	if p.drainBatchSize != DefaultDrainBatchSize {
		t.Fatalf("drainBatchSize = %d, want %d", p.drainBatchSize, DefaultDrainBatchSize)
	}
	if p.bandwidthWindow != DefaultBandwidthWindow {
		t.Fatalf("bandwidthWindow = %v, want %v", p.bandwidthWindow, DefaultBandwidthWindow)
	}
}
