package exitengine

import (
	"errors"
	"testing"
	"time"

	"github.com/shardcore/corenet/pkg/erasure"
	"github.com/shardcore/corenet/pkg/ids"
)

func sampleUser(t *testing.T) ids.PublicKey {
	t.Helper()
	var u ids.PublicKey
	u[0] = 0x7
	return u
}

func TestPendingRequestInsertTriggersDecodeAtDataThreshold(t *testing.T) {
	pr := newPendingRequest(ids.RequestID{}, sampleUser(t), 3, 1)

	if _, ready, err := pr.insert(0, 0, []byte("aaa")); err != nil || ready {
		t.Fatalf("insert() 1/%d shards should not be ready yet", erasure.DataShards)
	}
	if _, ready, err := pr.insert(0, 1, []byte("bbb")); err != nil || ready {
		t.Fatalf("insert() 2/%d shards should not be ready yet", erasure.DataShards)
	}
	tryChunk, ready, err := pr.insert(0, 2, []byte("ccc"))
	if err != nil {
		t.Fatalf("insert() error = %v", err)
	}
	if !ready || tryChunk != 0 {
		t.Fatalf("insert() ready = %v, tryChunk = %d, want true, 0", ready, tryChunk)
	}
}

func TestPendingRequestInsertRejectsPositionConflict(t *testing.T) {
	pr := newPendingRequest(ids.RequestID{}, sampleUser(t), 3, 1)

	if _, _, err := pr.insert(0, 0, []byte("aaa")); err != nil {
		t.Fatalf("insert() error = %v", err)
	}
	if _, _, err := pr.insert(0, 0, []byte("zzz")); err != ErrPositionConflict {
		t.Fatalf("insert() error = %v, want ErrPositionConflict", err)
	}
}

func TestPendingRequestInsertIgnoresExactDuplicate(t *testing.T) {
	pr := newPendingRequest(ids.RequestID{}, sampleUser(t), 3, 1)

	if _, _, err := pr.insert(0, 0, []byte("aaa")); err != nil {
		t.Fatalf("insert() error = %v", err)
	}
	if _, ready, err := pr.insert(0, 0, []byte("aaa")); err != nil || ready {
		t.Fatalf("insert() duplicate payload should be a silent no-op, got ready=%v err=%v", ready, err)
	}
}

func TestConcatStripsLengthPrefixAndPadding(t *testing.T) {
	pr := newPendingRequest(ids.RequestID{}, sampleUser(t), 3, 1)

	body := []byte("hello world")
	prefixed := prefixResponseLength(body)
	padded := make([]byte, erasure.ChunkSize)
	copy(padded, prefixed)

	pr.decoded[0] = padded

	got, err := pr.concat()
	if err != nil {
		t.Fatalf("concat() error = %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("concat() = %q, want %q", got, body)
	}
}

func TestConcatRejectsTruncatedPrefix(t *testing.T) {
	pr := newPendingRequest(ids.RequestID{}, sampleUser(t), 3, 1)
	pr.decoded[0] = []byte{0, 0}

	if _, err := pr.concat(); err != ErrBodyTruncated {
		t.Fatalf("concat() error = %v, want ErrBodyTruncated", err)
	}
}

func TestRegistryGetOrCreateRejectsUserMismatch(t *testing.T) {
	reg := NewRegistry(time.Minute)
	reqID := ids.RequestID{1}
	userA := sampleUser(t)
	var userB ids.PublicKey
	userB[0] = 0xee

	if _, err := reg.getOrCreate(reqID, userA, 3, 1); err != nil {
		t.Fatalf("getOrCreate() error = %v", err)
	}
	if _, err := reg.getOrCreate(reqID, userB, 3, 1); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("getOrCreate() error = %v, want ErrUserMismatch", err)
	}
}

func TestRegistrySweepExpiredRemovesStaleEntries(t *testing.T) {
	reg := NewRegistry(10 * time.Millisecond)
	reqID := ids.RequestID{2}
	if _, err := reg.getOrCreate(reqID, sampleUser(t), 3, 1); err != nil {
		t.Fatalf("getOrCreate() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	reg.sweepExpired()

	if reg.len() != 0 {
		t.Fatalf("len() = %d after sweep, want 0", reg.len())
	}
}

func TestPrefixResponseLengthRoundTrips(t *testing.T) {
	body := []byte("response body")
	prefixed := prefixResponseLength(body)
	if len(prefixed) != 8+len(body) {
		t.Fatalf("prefixResponseLength() length = %d, want %d", len(prefixed), 8+len(body))
	}

	pr := newPendingRequest(ids.RequestID{}, sampleUser(t), 3, 1)
	pr.decoded[0] = prefixed
	got, err := pr.concat()
	if err != nil {
		t.Fatalf("concat() error = %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("concat(prefixResponseLength(body)) = %q, want %q", got, body)
	}
}
