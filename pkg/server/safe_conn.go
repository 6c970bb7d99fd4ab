package server

import (
	"bufio"
	"net"
	"sync"

	"github.com/linechat/linechat/pkg/protocol"
)

// Conn is the transport boundary consumed by the server: newline-delimited
// text frames over some duplex stream. Receive returns
// protocol.ErrConnectionClosed on EOF; Close is idempotent.
type Conn interface {
	Receive() ([]byte, error)
	Transfer(payload []byte) error
	Close() error
	RemoteAddr() string
}

// SafeConn wraps a net.Conn with automatic write synchronization so that
// concurrent writers (the request handler and broadcast deliveries) cannot
// interleave their bytes inside one frame.
type SafeConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	mu        sync.Mutex // protects writes to conn
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a net.Conn for line-framed use.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, protocol.MaxLineSize),
	}
}

// Receive reads the next frame. Only the connection loop calls Receive, so
// reads need no synchronization.
func (sc *SafeConn) Receive() ([]byte, error) {
	return protocol.ReadFrame(sc.reader)
}

// Transfer writes one frame under the write lock.
func (sc *SafeConn) Transfer(payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.WriteFrame(sc.conn, payload)
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
