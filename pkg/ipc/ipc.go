// Package ipc implements the local control channel of spec.md §6: a
// JSON-RPC surface over a Unix-domain socket exposing connect, disconnect,
// status, set_privacy_level, select_exit, send_http_request, and
// subscribe_events to whatever local UI shell drives this node (out of
// scope itself, per spec.md §1).
//
// Grounded directly on pkg/dht/protocol.go and pkg/dht/rpc.go in the
// teacher repo: a tagged RPCMessage struct, encoding/json framing written
// straight onto a net.Conn with json.Encoder/json.Decoder (no length
// prefix, no JSON-RPC library — the corpus hand-rolls this exact shape for
// DHT RPC and never reaches for one), request/response correlated by a
// request_id string.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/shardcore/corenet/pkg/clientengine"
	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/socks5"
)

// Method names, per spec.md §6.
const (
	MethodConnect         = "connect"
	MethodDisconnect      = "disconnect"
	MethodStatus          = "status"
	MethodSetPrivacyLevel = "set_privacy_level"
	MethodSelectExit      = "select_exit"
	MethodSendHTTPRequest = "send_http_request"
	MethodSubscribeEvents = "subscribe_events"
)

// Request is one JSON-RPC call frame, read off the socket with
// json.Decoder in the same style as the teacher's RPCMessage.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the matching reply frame.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Event is a server-pushed notification delivered over subscribe_events
// connections. The server publishes the state and settings transitions
// "connected", "disconnected", "privacy_level_changed" and "exit_selected";
// it publishes no stats or error events.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type setPrivacyLevelParams struct {
	Level uint8 `json:"level"`
}

type selectExitParams struct {
	ExitPubkey string `json:"exit_pubkey"`
}

type sendHTTPRequestParams struct {
	ExitPubkey string `json:"exit_pubkey"`
	Request    []byte `json:"request"`
	ModeTunnel bool   `json:"tunnel"`
}

type sendHTTPRequestResult struct {
	RequestID string `json:"request_id"`
	Response  []byte `json:"response"`
}

type statusResult struct {
	Connected      bool   `json:"connected"`
	PrivacyLevel   uint8  `json:"privacy_level"`
	SelectedExit   string `json:"selected_exit,omitempty"`
	KnownPeerCount int    `json:"known_peer_count"`
	LedgerReceipts int    `json:"ledger_receipts"`
}

// ErrNotConnected is returned by methods that require an active session
// when none has been established via connect.
var ErrNotConnected = errors.New("ipc: not connected")

// Server is the Unix-domain-socket JSON-RPC control channel for one client
// node. It drives a clientengine.Engine and an optional socks5.Server the
// way a UI shell would.
type Server struct {
	engine *clientengine.Engine
	proxy  *socks5.Server

	mu          sync.Mutex
	connected   bool
	selectedHex string

	listener net.Listener

	events sync.Map // subscriber id -> chan Event
}

// New constructs an ipc.Server driving engine and, optionally, a SOCKS5
// proxy whose exit select_exit also updates.
func New(engine *clientengine.Engine, proxy *socks5.Server) *Server {
	return &Server{engine: engine, proxy: proxy}
}

// ListenAndServe binds a Unix-domain socket at socketPath and serves
// connections until Close is called. Intended to run in its own goroutine.
func (s *Server) ListenAndServe(socketPath string) error {
	os.Remove(socketPath) // stale socket from a prior unclean shutdown
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ipc: failed to listen on %s: %w", socketPath, err)
	}
	s.listener = l
	log.Printf("ipc: listening on %s", socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("ipc: accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}

		if req.Method == MethodSubscribeEvents {
			s.streamEvents(conn, encoder, &req)
			return
		}

		resp := s.dispatch(&req)
		if err := encoder.Encode(resp); err != nil {
			log.Printf("ipc: failed to write response for %s: %v", req.Method, err)
			return
		}
	}
}

// streamEvents upgrades a connection to a one-way event feed: every Event
// published after subscription is forwarded as a JSON frame until the
// connection is closed by the subscriber.
func (s *Server) streamEvents(conn net.Conn, encoder *json.Encoder, req *Request) {
	ch, unsubscribe := s.subscribe()
	defer unsubscribe()

	if err := encoder.Encode(&Response{ID: req.ID, Result: map[string]bool{"subscribed": true}}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		discardDecoder := json.NewDecoder(conn)
		var discard json.RawMessage
		for discardDecoder.Decode(&discard) == nil {
		}
	}()

	for {
		select {
		case ev := <-ch:
			if err := encoder.Encode(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	result, err := s.call(req)
	if err != nil {
		return &Response{ID: req.ID, Error: err.Error()}
	}
	return &Response{ID: req.ID, Result: result}
}

func (s *Server) call(req *Request) (interface{}, error) {
	switch req.Method {
	case MethodConnect:
		return s.handleConnect()
	case MethodDisconnect:
		return s.handleDisconnect()
	case MethodStatus:
		return s.handleStatus()
	case MethodSetPrivacyLevel:
		return s.handleSetPrivacyLevel(req.Params)
	case MethodSelectExit:
		return s.handleSelectExit(req.Params)
	case MethodSendHTTPRequest:
		return s.handleSendHTTPRequest(req.Params)
	default:
		return nil, fmt.Errorf("ipc: unknown method %q", req.Method)
	}
}

func (s *Server) handleConnect() (interface{}, error) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.publish(Event{Type: "connected"})
	return map[string]bool{"connected": true}, nil
}

func (s *Server) handleDisconnect() (interface{}, error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.publish(Event{Type: "disconnected"})
	return map[string]bool{"connected": false}, nil
}

func (s *Server) handleStatus() (interface{}, error) {
	s.mu.Lock()
	connected := s.connected
	selectedHex := s.selectedHex
	s.mu.Unlock()

	res := statusResult{
		Connected:    connected,
		PrivacyLevel: uint8(s.engine.PrivacyLevel()),
		SelectedExit: selectedHex,
	}
	if reg := s.engine.Registry(); reg != nil {
		res.KnownPeerCount = len(reg.KnownPeers())
	}
	if l := s.engine.Ledger(); l != nil {
		if count, err := l.Count(); err == nil {
			res.LedgerReceipts = count
		}
	}
	return res, nil
}

func (s *Server) handleSetPrivacyLevel(params json.RawMessage) (interface{}, error) {
	var p setPrivacyLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("ipc: bad set_privacy_level params: %w", err)
	}
	if p.Level > uint8(clientengine.Paranoid) {
		return nil, fmt.Errorf("ipc: privacy level %d out of range", p.Level)
	}
	s.engine.SetPrivacyLevel(clientengine.PrivacyLevel(p.Level))
	s.publish(Event{Type: "privacy_level_changed", Data: p.Level})
	return map[string]uint8{"level": p.Level}, nil
}

func (s *Server) handleSelectExit(params json.RawMessage) (interface{}, error) {
	var p selectExitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("ipc: bad select_exit params: %w", err)
	}
	exit, err := ids.PublicKeyFromHex(p.ExitPubkey)
	if err != nil {
		return nil, fmt.Errorf("ipc: bad exit_pubkey: %w", err)
	}

	s.mu.Lock()
	s.selectedHex = p.ExitPubkey
	s.mu.Unlock()

	if s.proxy != nil {
		s.proxy.SetExit(exit)
	}
	s.publish(Event{Type: "exit_selected", Data: p.ExitPubkey})
	return map[string]string{"exit_pubkey": p.ExitPubkey}, nil
}

func (s *Server) handleSendHTTPRequest(params json.RawMessage) (interface{}, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	var p sendHTTPRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("ipc: bad send_http_request params: %w", err)
	}
	exit, err := ids.PublicKeyFromHex(p.ExitPubkey)
	if err != nil {
		return nil, fmt.Errorf("ipc: bad exit_pubkey: %w", err)
	}

	mode := clientengine.ModeHTTP
	if p.ModeTunnel {
		mode = clientengine.ModeTunnel
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requestID, err := s.engine.SendRequest(ctx, exit, p.Request, mode)
	if err != nil {
		return nil, fmt.Errorf("ipc: send_http_request failed: %w", err)
	}
	resp, err := s.engine.Wait(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("ipc: send_http_request awaiting response: %w", err)
	}

	return sendHTTPRequestResult{RequestID: requestID.String(), Response: resp}, nil
}

// publish fans an Event out to any subscribe_events connections. Silently
// a no-op when nobody is subscribed, matching the core's "local errors are
// logged and counted but not surfaced" propagation policy (spec.md §7).
func (s *Server) publish(ev Event) {
	s.events.Range(func(_, value interface{}) bool {
		ch := value.(chan Event)
		select {
		case ch <- ev:
		default:
			log.Printf("ipc: dropping event %s for a slow subscriber", ev.Type)
		}
		return true
	})
}

// subscribe registers a new event channel and returns an unsubscribe func.
func (s *Server) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	id := fmt.Sprintf("%p", ch)
	s.events.Store(id, ch)
	return ch, func() { s.events.Delete(id) }
}
