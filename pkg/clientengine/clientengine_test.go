package clientengine

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shardcore/corenet/pkg/erasure"
	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/peernet"
	"github.com/shardcore/corenet/pkg/vpnkeys"
)

func newTestEngine(t *testing.T, reg *peernet.Registry, privacy PrivacyLevel) *Engine {
	t.Helper()
	ks, err := vpnkeys.Generate()
	if err != nil {
		t.Fatalf("vpnkeys.Generate() error = %v", err)
	}
	coder, err := erasure.NewCoder()
	if err != nil {
		t.Fatalf("erasure.NewCoder() error = %v", err)
	}
	e := &Engine{
		keys:           ks,
		self:           ks.PublicKey(),
		registry:       reg,
		coder:          coder,
		requestTimeout: DefaultRequestTimeout,
		pending:        make(map[ids.RequestID]*pendingRequest),
	}
	e.SetPrivacyLevel(privacy)
	return e
}

func TestPrivacyLevelMinRelays(t *testing.T) {
	cases := map[PrivacyLevel]uint8{Direct: 0, Light: 1, Standard: 2, Paranoid: 3}
	for level, want := range cases {
		if got := level.MinRelays(); got != want {
			t.Errorf("%v.MinRelays() = %d, want %d", level, got, want)
		}
	}
}

func TestSelectGuardHopDirectReturnsExitDirectly(t *testing.T) {
	e := newTestEngine(t, nil, Direct)
	exitKs, err := vpnkeys.Generate()
	if err != nil {
		t.Fatalf("vpnkeys.Generate() error = %v", err)
	}
	exitPeer, err := peernet.PublicKeyToPeerID(exitKs.PublicKey())
	if err != nil {
		t.Fatalf("PublicKeyToPeerID() error = %v", err)
	}

	got, err := e.selectGuardHop(exitKs.PublicKey())
	if err != nil {
		t.Fatalf("selectGuardHop() error = %v", err)
	}
	if got != exitPeer {
		t.Fatalf("selectGuardHop() = %v, want exit peer %v directly at Direct privacy", got, exitPeer)
	}
}

func TestSelectGuardHopAboveDirectExcludesExit(t *testing.T) {
	reg := peernet.NewRegistry(nil, 5, time.Hour)
	exitKs, err := vpnkeys.Generate()
	if err != nil {
		t.Fatalf("vpnkeys.Generate() error = %v", err)
	}
	exitPeer, err := peernet.PublicKeyToPeerID(exitKs.PublicKey())
	if err != nil {
		t.Fatalf("PublicKeyToPeerID() error = %v", err)
	}
	guard := peer.ID("guard-1")
	reg.Observe(exitPeer, &peernet.RelayMetadata{PeerID: exitPeer.String()})
	reg.Observe(guard, &peernet.RelayMetadata{PeerID: "guard-1"})

	e := newTestEngine(t, reg, Standard)
	got, err := e.selectGuardHop(exitKs.PublicKey())
	if err != nil {
		t.Fatalf("selectGuardHop() error = %v", err)
	}
	if got == exitPeer {
		t.Fatal("selectGuardHop() returned the exit itself above Direct privacy")
	}
	if got != guard {
		t.Fatalf("selectGuardHop() = %v, want %v", got, guard)
	}
}

func TestSelectGuardHopFailsWithoutRegistryAboveDirect(t *testing.T) {
	e := newTestEngine(t, nil, Light)
	exitKs, err := vpnkeys.Generate()
	if err != nil {
		t.Fatalf("vpnkeys.Generate() error = %v", err)
	}
	if _, err := e.selectGuardHop(exitKs.PublicKey()); err != ErrNoGuardHop {
		t.Fatalf("selectGuardHop() error = %v, want ErrNoGuardHop", err)
	}
}

func TestPendingRequestResolveIsIdempotent(t *testing.T) {
	pr := newPendingRequest(ids.RequestID{}, [32]byte{}, 1)
	pr.resolve([]byte("first"), nil)
	pr.resolve([]byte("second"), ErrRequestTimeout)

	select {
	case <-pr.done:
	default:
		t.Fatal("resolve() did not close done channel")
	}
	if string(pr.result) != "first" {
		t.Fatalf("result = %q, want %q (first resolve wins)", pr.result, "first")
	}
}

func TestConcatStripsLengthPrefix(t *testing.T) {
	e := newTestEngine(t, nil, Direct)
	pr := newPendingRequest(ids.RequestID{}, [32]byte{}, 1)
	pr.totalChunks = 1

	body := []byte("response payload")
	prefixed := prefixLength(body)
	padded := make([]byte, erasure.ChunkSize)
	copy(padded, prefixed)
	pr.decoded[0] = padded

	got, err := e.concat(pr)
	if err != nil {
		t.Fatalf("concat() error = %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("concat() = %q, want %q", got, body)
	}
}

func TestExpireResolvesPendingRequestWithTimeout(t *testing.T) {
	e := newTestEngine(t, nil, Direct)
	reqID := ids.RequestID{9}
	pr := newPendingRequest(reqID, [32]byte{}, 1)
	e.pending[reqID] = pr

	e.expire(reqID)

	select {
	case <-pr.done:
	case <-time.After(time.Second):
		t.Fatal("expire() did not resolve the pending request")
	}
	if pr.err != ErrRequestTimeout {
		t.Fatalf("err = %v, want ErrRequestTimeout", pr.err)
	}

	e.mu.Lock()
	_, stillPending := e.pending[reqID]
	e.mu.Unlock()
	if stillPending {
		t.Fatal("expire() left the entry in the pending map")
	}
}

func TestWaitReturnsUnknownRequestForMissingEntry(t *testing.T) {
	e := newTestEngine(t, nil, Direct)
	if _, err := e.Wait(context.Background(), ids.RequestID{1}); err == nil {
		t.Fatal("Wait() error = nil, want ErrUnknownRequest for unregistered request_id")
	}
}
