package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrTimeout is returned by a Conn when a read or write does not complete in time
var ErrTimeout = errors.New("transport timeout")

// Transport opens connections to devices by handle
type Transport interface {
	Open(ctx context.Context, handle string) (Conn, error)
}

// Conn is an opaque byte channel to one device. ReadBytes returns exactly n
// bytes or an error.
type Conn interface {
	ReadBytes(n int, timeout time.Duration) ([]byte, error)
	WriteBytes(b []byte, timeout time.Duration) error
	Close() error
}

// TCPTransport reaches watches exposed by a device bridge over TCP
type TCPTransport struct {
	mu      sync.RWMutex
	addrs   map[string]string
	dialer  net.Dialer
	timeout time.Duration
}

// NewTCPTransport creates a transport for the handle to address mapping
func NewTCPTransport(addrs map[string]string, connectTimeout time.Duration) *TCPTransport {
	m := make(map[string]string, len(addrs))
	for k, v := range addrs {
		m[k] = v
	}
	return &TCPTransport{addrs: m, timeout: connectTimeout}
}

// Open dials the bridge address of handle
func (t *TCPTransport) Open(ctx context.Context, handle string) (Conn, error) {
	t.mu.RLock()
	addr, ok := t.addrs[handle]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown device handle %q", handle)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	c, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpConn{c: c}, nil
}

type tcpConn struct {
	c net.Conn
}

func (c *tcpConn) ReadBytes(n int, timeout time.Duration) ([]byte, error) {
	if err := c.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.c, b); err != nil {
		return nil, mapNetErr(err)
	}
	return b, nil
}

func (c *tcpConn) WriteBytes(b []byte, timeout time.Duration) error {
	if err := c.c.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := c.c.Write(b)
	return mapNetErr(err)
}

func (c *tcpConn) Close() error {
	return c.c.Close()
}

func mapNetErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// deadlineReader adapts a Conn to io.Reader for frame decoding
type deadlineReader struct {
	conn     Conn
	deadline time.Time
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	remaining := time.Until(r.deadline)
	if remaining <= 0 {
		return 0, ErrTimeout
	}
	b, err := r.conn.ReadBytes(len(p), remaining)
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}
