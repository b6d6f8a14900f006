// Package bearer provides the reliable duplex byte transport under a
// Plexer: TCP connect/accept, with Nagle disabled and keepalive
// enabled, per spec.md §4.1. There is no Unix-socket variant; only
// TCP addresses can be dialed or accepted. All failures are surfaced
// as a single fatal I/O error kind; the Bearer has no framing or
// protocol semantics of its own.
package bearer

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrIO wraps any read/write/connect/accept failure. Higher layers
// treat every Bearer error as fatal for the connection (spec.md §7,
// BearerIo).
var ErrIO = errors.New("bearer: io error")

// Bearer is a reliable, ordered, full-duplex byte stream between two
// peers. It has no knowledge of segments, channels, or protocols.
type Bearer interface {
	// Read blocks until at least one byte has been read or an error
	// occurs; it may return fewer than len(p) bytes.
	Read(p []byte) (n int, err error)
	// Write blocks until all of p has been written or an error
	// occurs.
	Write(p []byte) (n int, err error)
	// Close tears down the underlying connection. Closing a Bearer
	// unblocks any in-flight Read/Write with an error.
	Close() error
	// RemoteAddr identifies the peer at the other end.
	RemoteAddr() net.Addr
}

// tcpBearer wraps a *net.TCPConn, tuned per spec.md §4.1.
type tcpBearer struct {
	conn *net.TCPConn
}

func wrapTCP(conn *net.TCPConn) (*tcpBearer, error) {
	if err := conn.SetNoDelay(true); err != nil {
		return nil, fmt.Errorf("%w: set nodelay: %v", ErrIO, err)
	}
	if err := conn.SetKeepAlive(true); err != nil {
		return nil, fmt.Errorf("%w: set keepalive: %v", ErrIO, err)
	}
	if err := conn.SetKeepAlivePeriod(30 * time.Second); err != nil {
		return nil, fmt.Errorf("%w: set keepalive period: %v", ErrIO, err)
	}
	return &tcpBearer{conn: conn}, nil
}

func (b *tcpBearer) Read(p []byte) (int, error) {
	n, err := b.conn.Read(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

func (b *tcpBearer) Write(p []byte) (int, error) {
	n, err := b.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

func (b *tcpBearer) Close() error {
	return b.conn.Close()
}

func (b *tcpBearer) RemoteAddr() net.Addr {
	return b.conn.RemoteAddr()
}

// DialTimeout is the maximum time Connect waits for the TCP handshake
// to complete before giving up.
const DialTimeout = 10 * time.Second

// Connect dials addr ("host:port") and returns the initiator-side
// Bearer.
func Connect(addr string) (Bearer, error) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrIO, addr, err)
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("%w: dial %s: not a tcp connection", ErrIO, addr)
	}
	return wrapTCP(tc)
}

// Accept blocks on ln.Accept and returns the responder-side Bearer
// for the next inbound connection.
func Accept(ln *net.TCPListener) (Bearer, error) {
	conn, err := ln.AcceptTCP()
	if err != nil {
		return nil, fmt.Errorf("%w: accept: %v", ErrIO, err)
	}
	return wrapTCP(conn)
}

// Listen opens a TCP listener on addr for use with Accept.
func Listen(addr string) (*net.TCPListener, error) {
	a, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrIO, addr, err)
	}
	ln, err := net.ListenTCP("tcp", a)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrIO, addr, err)
	}
	return ln, nil
}
