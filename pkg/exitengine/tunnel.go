package exitengine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shardcore/corenet/pkg/ids"
)

// sessionState is a TCP tunnel session's position in the state machine of
// spec.md §4.D: New -> Open -> HalfClosed -> Closed.
type sessionState int

const (
	sessionNew sessionState = iota
	sessionOpen
	sessionHalfClosed
	sessionClosed
)

// TunnelMetadata is the structured record prefixed to raw TCP bytes in
// tunnel-mode request payloads.
type TunnelMetadata struct {
	Host    string `json:"host"`
	Port    uint16 `json:"port"`
	Session string `json:"session_id"`
	IsClose bool   `json:"is_close"`
}

// DecodeTunnelRequest parses the remainder of a tunnel-mode request
// payload (everything after the mode byte): a 4-byte big-endian metadata
// length, the JSON-encoded TunnelMetadata, then raw TCP bytes.
func DecodeTunnelRequest(remainder []byte) (*TunnelMetadata, []byte, error) {
	if len(remainder) < 4 {
		return nil, nil, errors.New("exitengine: tunnel request truncated before metadata length")
	}
	metaLen := binary.BigEndian.Uint32(remainder[:4])
	if uint32(len(remainder)-4) < metaLen {
		return nil, nil, errors.New("exitengine: tunnel request truncated metadata")
	}
	var meta TunnelMetadata
	if err := json.Unmarshal(remainder[4:4+metaLen], &meta); err != nil {
		return nil, nil, fmt.Errorf("exitengine: malformed tunnel metadata: %w", err)
	}
	return &meta, remainder[4+metaLen:], nil
}

// session is one open (or closing) upstream TCP connection.
type session struct {
	mu       sync.Mutex
	conn     net.Conn
	state    sessionState
	lastUsed time.Time
	userKey  ids.PublicKey
}

// SessionPool manages tunnel-mode upstream TCP sessions keyed by
// session_id, with idle reaping and a per-user session cap.
//
// Grounded on pkg/network/pool.go's ConnectionPool (keyed map + mutex +
// periodic health-check ticker), re-purposed from pooled relay
// connections to pooled upstream tunnel sockets.
type SessionPool struct {
	idleTimeout  time.Duration
	perUserCap   int
	sweepPeriod  time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	byUser   map[ids.PublicKey]int

	stop chan struct{}
}

// DefaultIdleTimeout is the default tunnel session idle threshold
// (spec.md §4.D: "default 2 min").
const DefaultIdleTimeout = 2 * time.Minute

// DefaultSweepPeriod is how often the reaper pass runs (spec.md §4.D:
// "a background pass every 30 s").
const DefaultSweepPeriod = 30 * time.Second

// NewSessionPool builds a SessionPool and starts its background reaper.
func NewSessionPool(idleTimeout time.Duration, perUserCap int) *SessionPool {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if perUserCap <= 0 {
		perUserCap = 64
	}
	p := &SessionPool{
		idleTimeout: idleTimeout,
		perUserCap:  perUserCap,
		sweepPeriod: DefaultSweepPeriod,
		sessions:    make(map[string]*session),
		byUser:      make(map[ids.PublicKey]int),
		stop:        make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Close stops the reaper and closes every open session.
func (p *SessionPool) Close() {
	close(p.stop)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.conn.Close()
	}
}

var ErrSessionCapExceeded = errors.New("exitengine: per-user tunnel session cap exceeded")

// Open writes burst to the upstream socket for meta.Session, dialing a
// fresh connection on first use (state New -> Open), and returns up to
// maxRead bytes of whatever response is immediately available.
func (p *SessionPool) Open(userKey ids.PublicKey, meta *TunnelMetadata, burst []byte, maxRead int) ([]byte, error) {
	if meta.IsClose {
		p.close(meta.Session)
		return nil, nil
	}

	s, err := p.getOrDial(userKey, meta)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(burst) > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := s.conn.Write(burst); err != nil {
			s.state = sessionHalfClosed
			return nil, fmt.Errorf("exitengine: tunnel write failed: %w", err)
		}
	}
	s.lastUsed = time.Now()

	return readAvailable(s.conn, maxRead)
}

func (p *SessionPool) getOrDial(userKey ids.PublicKey, meta *TunnelMetadata) (*session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[meta.Session]; ok {
		p.mu.Unlock()
		return s, nil
	}
	if p.byUser[userKey] >= p.perUserCap {
		p.mu.Unlock()
		return nil, ErrSessionCapExceeded
	}
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", meta.Host, meta.Port), 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("exitengine: tunnel dial failed: %w", err)
	}

	s := &session{conn: conn, state: sessionOpen, lastUsed: time.Now(), userKey: userKey}

	p.mu.Lock()
	p.sessions[meta.Session] = s
	p.byUser[userKey]++
	p.mu.Unlock()

	return s, nil
}

func (p *SessionPool) close(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	s.conn.Close()
	s.state = sessionClosed
	s.mu.Unlock()
	delete(p.sessions, sessionID)
	p.byUser[s.userKey]--
	if p.byUser[s.userKey] <= 0 {
		delete(p.byUser, s.userKey)
	}
}

func (p *SessionPool) reapLoop() {
	ticker := time.NewTicker(p.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *SessionPool) reapIdle() {
	p.mu.Lock()
	var stale []string
	now := time.Now()
	for id, s := range p.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastUsed) > p.idleTimeout
		s.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.close(id)
	}
}

// readAvailable performs a single non-blocking-ish read capped at maxRead
// bytes, returning nil (not an error) on a timeout with nothing pending.
func readAvailable(conn net.Conn, maxRead int) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, maxRead)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}
