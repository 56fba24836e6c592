package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardcore/corenet/pkg/clientengine"
	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/peernet"
	"github.com/shardcore/corenet/pkg/vpnkeys"
)

func newTestEngine(t *testing.T) *clientengine.Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := peernet.NewSubstrate(ctx, peernet.Config{ListenPort: 0, ShardCount: 5, MaxPayload: 64 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	reg := peernet.NewRegistry(sub, 5, time.Hour)

	ks, err := vpnkeys.Generate()
	require.NoError(t, err)

	l, err := ledger.New(filepath.Join(t.TempDir(), "receipts.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	e, err := clientengine.New(clientengine.Config{
		Keys:       ks,
		Substrate:  sub,
		Ledger:     l,
		Registry:   reg,
		ShardCount: 5,
		MaxPayload: 64 * 1024,
	})
	require.NoError(t, err)
	return e
}

// pipeServer wires an ipc.Server to one end of an in-memory connection pair
// and returns the peer end for the test to drive as a client.
func pipeServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go s.handleConn(server)
	t.Cleanup(func() { client.Close() })
	return client
}

func call(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	require.NoError(t, json.NewEncoder(conn).Encode(req))
	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func TestConnectDisconnectRoundTrip(t *testing.T) {
	s := New(newTestEngine(t), nil)
	conn := pipeServer(t, s)

	resp := call(t, conn, Request{ID: "1", Method: MethodConnect})
	require.Empty(t, resp.Error)

	status := call(t, conn, Request{ID: "2", Method: MethodStatus})
	require.Empty(t, status.Error)

	resp = call(t, conn, Request{ID: "3", Method: MethodDisconnect})
	require.Empty(t, resp.Error)
}

func TestSetPrivacyLevelUpdatesEngine(t *testing.T) {
	e := newTestEngine(t)
	s := New(e, nil)
	conn := pipeServer(t, s)

	params, err := json.Marshal(setPrivacyLevelParams{Level: uint8(clientengine.Paranoid)})
	require.NoError(t, err)

	resp := call(t, conn, Request{ID: "1", Method: MethodSetPrivacyLevel, Params: params})
	require.Empty(t, resp.Error)
	require.Equal(t, clientengine.Paranoid, e.PrivacyLevel())
}

func TestSetPrivacyLevelRejectsOutOfRange(t *testing.T) {
	s := New(newTestEngine(t), nil)
	conn := pipeServer(t, s)

	params, err := json.Marshal(setPrivacyLevelParams{Level: 200})
	require.NoError(t, err)

	resp := call(t, conn, Request{ID: "1", Method: MethodSetPrivacyLevel, Params: params})
	require.NotEmpty(t, resp.Error)
}

func TestSelectExitRejectsMalformedPubkey(t *testing.T) {
	s := New(newTestEngine(t), nil)
	conn := pipeServer(t, s)

	params, err := json.Marshal(selectExitParams{ExitPubkey: "not-hex"})
	require.NoError(t, err)

	resp := call(t, conn, Request{ID: "1", Method: MethodSelectExit, Params: params})
	require.NotEmpty(t, resp.Error)
}

func TestSelectExitAcceptsValidPubkey(t *testing.T) {
	s := New(newTestEngine(t), nil)
	conn := pipeServer(t, s)

	var pk ids.PublicKey
	pk[0] = 0xAB
	params, err := json.Marshal(selectExitParams{ExitPubkey: pk.String()})
	require.NoError(t, err)

	resp := call(t, conn, Request{ID: "1", Method: MethodSelectExit, Params: params})
	require.Empty(t, resp.Error)
}

func TestSendHTTPRequestRequiresConnect(t *testing.T) {
	s := New(newTestEngine(t), nil)
	conn := pipeServer(t, s)

	var pk ids.PublicKey
	pk[0] = 0x01
	params, err := json.Marshal(sendHTTPRequestParams{ExitPubkey: pk.String(), Request: []byte("GET / HTTP/1.1\r\n\r\n")})
	require.NoError(t, err)

	resp := call(t, conn, Request{ID: "1", Method: MethodSendHTTPRequest, Params: params})
	require.NotEmpty(t, resp.Error)
	require.Contains(t, resp.Error, ErrNotConnected.Error())
}

func TestUnknownMethodReturnsError(t *testing.T) {
	s := New(newTestEngine(t), nil)
	conn := pipeServer(t, s)

	resp := call(t, conn, Request{ID: "1", Method: "not_a_real_method"})
	require.NotEmpty(t, resp.Error)
}

func TestSubscribeEventsReceivesPublishedEvent(t *testing.T) {
	s := New(newTestEngine(t), nil)
	conn := pipeServer(t, s)

	require.NoError(t, json.NewEncoder(conn).Encode(Request{ID: "1", Method: MethodSubscribeEvents}))

	var ack Response
	require.NoError(t, json.NewDecoder(conn).Decode(&ack))
	require.Empty(t, ack.Error)

	// give the subscription goroutine a moment to register before publishing
	time.Sleep(20 * time.Millisecond)
	s.publish(Event{Type: "test_event"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, json.NewDecoder(conn).Decode(&ev))
	require.Equal(t, "test_event", ev.Type)
}
