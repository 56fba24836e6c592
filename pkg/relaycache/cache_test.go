package relaycache

import (
	"testing"
	"time"

	"github.com/shardcore/corenet/pkg/ids"
)

func TestInsertAndLookup(t *testing.T) {
	c, err := New(10, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	reqID, _ := ids.NewRequestID()
	var user ids.PublicKey
	user[0] = 0x9

	c.Insert(reqID, user, 2)

	entry, ok := c.Lookup(reqID)
	if !ok {
		t.Fatal("Lookup() ok = false, want true")
	}
	if entry.UserPubkey != user {
		t.Fatal("Lookup() returned wrong user pubkey")
	}
	if entry.TotalHops != 2 {
		t.Fatalf("TotalHops = %d, want 2", entry.TotalHops)
	}
}

func TestLookupMiss(t *testing.T) {
	c, err := New(10, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	reqID, _ := ids.NewRequestID()
	if _, ok := c.Lookup(reqID); ok {
		t.Fatal("Lookup() ok = true for unknown request_id, want false")
	}
}

func TestEntryExpiresOnTTL(t *testing.T) {
	c, err := New(10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	reqID, _ := ids.NewRequestID()
	var user ids.PublicKey
	c.Insert(reqID, user, 1)

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Lookup(reqID); ok {
		t.Fatal("Lookup() ok = true for expired entry, want false")
	}
}

func TestLRUEvictsOldestAtCapacity(t *testing.T) {
	c, err := New(2, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	ids3 := make([]ids.RequestID, 3)
	for i := range ids3 {
		ids3[i], _ = ids.NewRequestID()
		var user ids.PublicKey
		user[0] = byte(i)
		c.Insert(ids3[i], user, 1)
	}

	if _, ok := c.Lookup(ids3[0]); ok {
		t.Fatal("expected oldest entry to be evicted at capacity")
	}
	if _, ok := c.Lookup(ids3[2]); !ok {
		t.Fatal("expected most recent entry to survive eviction")
	}
}
