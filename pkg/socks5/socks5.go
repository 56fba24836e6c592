// Package socks5 implements the local SOCKS5 proxy surface of spec.md §6:
// a RFC 1928 CONNECT-only, no-auth server on a loopback port whose CONNECT
// target becomes the (host, port) of a tunnel-mode request.
//
// No library in the corpus or wider example pack implements a SOCKS5
// *server* (golang.org/x/net/proxy is a client-side dialer), so this
// package is stdlib net only, in the spirit of the corpus's own
// pkg/dht.Node.Start/handleConnections accept loop.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"

	"github.com/shardcore/corenet/pkg/clientengine"
	"github.com/shardcore/corenet/pkg/ids"
)

const (
	version5    byte = 0x05
	authNone    byte = 0x00
	authNoAcc   byte = 0xFF
	cmdConnect  byte = 0x01
	atypIPv4    byte = 0x01
	atypDomain  byte = 0x03
	atypIPv6    byte = 0x04
	replyOK     byte = 0x00
	replyFailed byte = 0x01
)

// ErrUnsupportedCommand is returned for any SOCKS5 command other than CONNECT.
var ErrUnsupportedCommand = errors.New("socks5: only the CONNECT command is supported")

// Server is a loopback-bound SOCKS5 CONNECT proxy that forwards bursts
// through a client engine's tunnel-mode dispatch instead of dialing
// directly.
type Server struct {
	engine   *clientengine.Engine
	listener net.Listener

	exit ids.PublicKey // destination exit selected via select_exit (pkg/ipc)
}

// New constructs a Server; ListenAndServe binds it to an address (e.g.
// "127.0.0.1:1080"). The exit parameter is the initial exit pubkey tunnel-mode requests are addressed
// to; callers may change it later with SetExit.
func New(engine *clientengine.Engine, exit ids.PublicKey) *Server {
	return &Server{engine: engine, exit: exit}
}

// SetExit changes which exit node new CONNECT sessions are routed to.
// Existing sessions are unaffected.
func (s *Server) SetExit(exit ids.PublicKey) {
	s.exit = exit
}

// ListenAndServe binds addr and accepts SOCKS5 connections until Close is
// called. Intended to run in its own goroutine.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socks5: failed to listen on %s: %w", addr, err)
	}
	s.listener = l
	log.Printf("socks5: listening on %s", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("socks5: accept error: %v", err)
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

	if err := negotiateAuth(conn); err != nil {
		log.Printf("socks5: auth negotiation failed: %v", err)
		return
	}

	host, port, err := readConnectRequest(conn)
	if err != nil {
		log.Printf("socks5: CONNECT request failed: %v", err)
		writeReply(conn, replyFailed)
		return
	}

	if err := writeReply(conn, replyOK); err != nil {
		log.Printf("socks5: failed to write success reply: %v", err)
		return
	}

	sessionID, err := ids.NewRequestID()
	if err != nil {
		log.Printf("socks5: failed to generate session id: %v", err)
		return
	}

	session := clientengine.NewTunnelSession(s.engine, s.exit, sessionID.String(), host, port, conn)
	defer session.Close()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			session.Write(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("socks5: connection %s read error: %v", sessionID, err)
			}
			return
		}
	}
}

// negotiateAuth performs the RFC 1928 method-selection handshake, accepting
// only the no-authentication-required method.
func negotiateAuth(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("read version/nmethods: %w", err)
	}
	if hdr[0] != version5 {
		return fmt.Errorf("unsupported protocol version %#x", hdr[0])
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	accepted := false
	for _, m := range methods {
		if m == authNone {
			accepted = true
			break
		}
	}
	if !accepted {
		conn.Write([]byte{version5, authNoAcc})
		return errors.New("client did not offer no-auth method")
	}
	_, err := conn.Write([]byte{version5, authNone})
	return err
}

// readConnectRequest parses the RFC 1928 request body and returns the
// CONNECT target.
func readConnectRequest(conn net.Conn) (host string, port uint16, err error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", 0, fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != version5 {
		return "", 0, fmt.Errorf("unsupported protocol version %#x", hdr[0])
	}
	if hdr[1] != cmdConnect {
		return "", 0, ErrUnsupportedCommand
	}

	switch hdr[3] {
	case atypIPv4:
		raw := make([]byte, 4)
		if _, err := io.ReadFull(conn, raw); err != nil {
			return "", 0, fmt.Errorf("read IPv4 address: %w", err)
		}
		host = net.IP(raw).String()
	case atypIPv6:
		raw := make([]byte, 16)
		if _, err := io.ReadFull(conn, raw); err != nil {
			return "", 0, fmt.Errorf("read IPv6 address: %w", err)
		}
		host = net.IP(raw).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, fmt.Errorf("read domain length: %w", err)
		}
		raw := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, raw); err != nil {
			return "", 0, fmt.Errorf("read domain: %w", err)
		}
		host = string(raw)
	default:
		return "", 0, fmt.Errorf("unsupported address type %#x", hdr[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", 0, fmt.Errorf("read port: %w", err)
	}
	port = binary.BigEndian.Uint16(portBuf)

	return host, port, nil
}

// writeReply sends the RFC 1928 reply frame. The bound-address fields are
// zeroed: this proxy never actually binds a local relay socket, it tunnels
// through the shard-routing overlay instead.
func writeReply(conn net.Conn, code byte) error {
	reply := []byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

// parsePort is exposed for tests constructing addresses from dynamically
// assigned listener ports.
func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
