package clientengine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/shardcore/corenet/pkg/ids"
)

// DefaultFlushInterval is how often buffered outgoing bytes are packaged
// into a new request (spec.md §4.E: "every flush_interval, default 50 ms").
const DefaultFlushInterval = 50 * time.Millisecond

// FlushThreshold is the buffered-byte watermark that triggers an early
// flush ahead of the interval (spec.md §4.E: "sooner on 18 KiB buffered").
const FlushThreshold = 18 * 1024

// tunnelMetadata mirrors the exit engine's wire shape for tunnel-mode
// requests.
type tunnelMetadata struct {
	Host    string `json:"host"`
	Port    uint16 `json:"port"`
	Session string `json:"session_id"`
	IsClose bool   `json:"is_close"`
}

// TunnelSession drives one local-proxy-to-exit TCP tunnel: it buffers bytes
// read from the proxy socket, flushes them as tunnel-mode requests on a
// timer, and writes reassembled response bytes back to the proxy socket.
type TunnelSession struct {
	engine    *Engine
	exit      ids.PublicKey
	sessionID string
	host      string
	port      uint16
	proxyConn io.ReadWriter

	mu     sync.Mutex
	buf    []byte
	closed bool
	stop   chan struct{}
}

// NewTunnelSession starts a tunnel session's buffering flush loop. Callers
// should call Write for every byte read from the local proxy socket, and
// Close when the proxy connection ends.
func NewTunnelSession(engine *Engine, exit ids.PublicKey, sessionID, host string, port uint16, proxyConn io.ReadWriter) *TunnelSession {
	s := &TunnelSession{
		engine:    engine,
		exit:      exit,
		sessionID: sessionID,
		host:      host,
		port:      port,
		proxyConn: proxyConn,
		stop:      make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Write appends bytes read from the proxy socket to the pending burst,
// flushing immediately if the threshold is crossed.
func (s *TunnelSession) Write(data []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	over := len(s.buf) >= FlushThreshold
	s.mu.Unlock()

	if over {
		s.flush(false)
	}
}

// Close sends a final is_close=true burst and stops the flush loop.
func (s *TunnelSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.flush(true)
}

func (s *TunnelSession) flushLoop() {
	ticker := time.NewTicker(DefaultFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flush(false)
		}
	}
}

func (s *TunnelSession) flush(isClose bool) {
	s.mu.Lock()
	if len(s.buf) == 0 && !isClose {
		s.mu.Unlock()
		return
	}
	burst := s.buf
	s.buf = nil
	s.mu.Unlock()

	meta := tunnelMetadata{Host: s.host, Port: s.port, Session: s.sessionID, IsClose: isClose}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		log.Printf("clientengine: failed to encode tunnel metadata: %v", err)
		return
	}

	payload := make([]byte, 4+len(metaBytes)+len(burst))
	binary.BigEndian.PutUint32(payload[:4], uint32(len(metaBytes)))
	copy(payload[4:], metaBytes)
	copy(payload[4+len(metaBytes):], burst)

	ctx, cancel := context.WithTimeout(context.Background(), s.engine.requestTimeout)
	defer cancel()

	requestID, err := s.engine.SendRequest(ctx, s.exit, payload, ModeTunnel)
	if err != nil {
		log.Printf("clientengine: failed to send tunnel burst for session %s: %v", s.sessionID, err)
		return
	}

	resp, err := s.engine.Wait(ctx, requestID)
	if err != nil {
		log.Printf("clientengine: tunnel burst for session %s failed: %v", s.sessionID, err)
		return
	}
	if len(resp) > 0 {
		if _, err := s.proxyConn.Write(resp); err != nil {
			log.Printf("clientengine: failed to write tunnel response to proxy socket: %v", err)
		}
	}
}
