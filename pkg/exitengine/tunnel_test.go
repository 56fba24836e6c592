package exitengine

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shardcore/corenet/pkg/ids"
)

func encodeTunnelMeta(t *testing.T, meta *TunnelMetadata, burst []byte) []byte {
	t.Helper()
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	out := make([]byte, 4+len(data)+len(burst))
	binary.BigEndian.PutUint32(out[:4], uint32(len(data)))
	copy(out[4:], data)
	copy(out[4+len(data):], burst)
	return out
}

func TestDecodeTunnelRequestRoundTrips(t *testing.T) {
	meta := &TunnelMetadata{Host: "example.com", Port: 80, Session: "s1"}
	wire := encodeTunnelMeta(t, meta, []byte("GET / HTTP/1.0\r\n\r\n"))

	got, burst, err := DecodeTunnelRequest(wire)
	if err != nil {
		t.Fatalf("DecodeTunnelRequest() error = %v", err)
	}
	if got.Host != meta.Host || got.Port != meta.Port || got.Session != meta.Session {
		t.Fatalf("DecodeTunnelRequest() meta = %+v, want %+v", got, meta)
	}
	if string(burst) != "GET / HTTP/1.0\r\n\r\n" {
		t.Fatalf("DecodeTunnelRequest() burst = %q", burst)
	}
}

func TestDecodeTunnelRequestRejectsTruncated(t *testing.T) {
	if _, _, err := DecodeTunnelRequest([]byte{0, 0}); err == nil {
		t.Fatal("DecodeTunnelRequest() error = nil, want error for truncated input")
	}
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				n, err := c.Read(buf)
				if err != nil {
					return
				}
				c.Write(buf[:n])
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestSessionPoolOpenDialsAndEchoes(t *testing.T) {
	addr := echoServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi() error = %v", err)
	}
	port := uint16(portNum)

	pool := NewSessionPool(time.Minute, 4)
	defer pool.Close()

	var user ids.PublicKey
	user[0] = 1
	meta := &TunnelMetadata{Host: host, Port: port, Session: "sess-1"}

	out, err := pool.Open(user, meta, []byte("ping"), 4096)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(out) != "ping" {
		t.Fatalf("Open() = %q, want echo of %q", out, "ping")
	}
}

func TestSessionPoolEnforcesPerUserCap(t *testing.T) {
	addr := echoServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi() error = %v", err)
	}
	port := uint16(portNum)

	pool := NewSessionPool(time.Minute, 1)
	defer pool.Close()

	var user ids.PublicKey
	user[0] = 2

	if _, err := pool.Open(user, &TunnelMetadata{Host: host, Port: port, Session: "a"}, nil, 64); err != nil {
		t.Fatalf("Open() first session error = %v", err)
	}
	if _, err := pool.Open(user, &TunnelMetadata{Host: host, Port: port, Session: "b"}, nil, 64); err != ErrSessionCapExceeded {
		t.Fatalf("Open() second session error = %v, want ErrSessionCapExceeded", err)
	}
}

func TestSessionPoolCloseOnIsClose(t *testing.T) {
	addr := echoServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi() error = %v", err)
	}
	port := uint16(portNum)

	pool := NewSessionPool(time.Minute, 4)
	defer pool.Close()

	var user ids.PublicKey
	meta := &TunnelMetadata{Host: host, Port: port, Session: "closeme"}
	if _, err := pool.Open(user, meta, []byte("x"), 64); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := pool.Open(user, &TunnelMetadata{Session: "closeme", IsClose: true}, nil, 64); err != nil {
		t.Fatalf("Open() close error = %v", err)
	}

	pool.mu.Lock()
	_, stillThere := pool.sessions["closeme"]
	pool.mu.Unlock()
	if stillThere {
		t.Fatal("session still present after IsClose")
	}
}

func TestSessionPoolReapsIdleSessions(t *testing.T) {
	addr := echoServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi() error = %v", err)
	}
	port := uint16(portNum)

	pool := &SessionPool{
		idleTimeout: 10 * time.Millisecond,
		perUserCap:  4,
		sweepPeriod: 5 * time.Millisecond,
		sessions:    make(map[string]*session),
		byUser:      make(map[ids.PublicKey]int),
		stop:        make(chan struct{}),
	}
	defer close(pool.stop)

	var user ids.PublicKey
	if _, err := pool.Open(user, &TunnelMetadata{Host: host, Port: port, Session: "idle"}, []byte("x"), 64); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	pool.reapIdle()

	pool.mu.Lock()
	_, stillThere := pool.sessions["idle"]
	pool.mu.Unlock()
	if stillThere {
		t.Fatal("idle session was not reaped")
	}
}
