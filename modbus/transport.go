package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// defaultDialTimeout is the default connect timeout of the socket
	// transport.
	defaultDialTimeout = 10 * time.Second

	// defaultKeepAlivePeriod is the default TCP keep-alive period of the
	// socket transport.
	defaultKeepAlivePeriod = 30 * time.Second

	// readBufferSize is the size of the socket read buffer. It holds one
	// maximum size MBAP frame.
	readBufferSize = 260
)

// TransportEvents receives the notifications of a Transport. A transport
// delivers notifications sequentially and in order.
type TransportEvents interface {
	// OnConnect is called once a connection has been established.
	OnConnect()

	// OnData is called for every chunk of received bytes. The chunk may hold
	// any part of one or more frames. The callee may retain data.
	OnData(data []byte)

	// OnClose is called when the connection has been closed. err is nil for
	// an orderly close.
	OnClose(err error)

	// OnError is called when connecting fails or the connection breaks.
	OnError(err error)
}

// Transport is the stream socket underneath a TCPPort.
type Transport interface {
	// Connect starts connecting to addr and returns immediately. The outcome
	// is reported to events.
	Connect(addr string, events TransportEvents)

	// Write writes p to the connection.
	Write(p []byte) error

	// End closes the connection gracefully.
	End() error

	// Destroy closes the connection immediately.
	Destroy() error
}

// socketOptions describes options for the socket transport.
type socketOptions struct {
	// dialTimeout is the connect timeout.
	dialTimeout time.Duration

	// keepAlive is the TCP keep-alive period. Negative disables keep-alive.
	keepAlive time.Duration
}

// SocketOption describes an option to be passed to NewSocketTransport.
type SocketOption func(*socketOptions) error

// WithDialTimeout sets the connect timeout of the socket transport.
func WithDialTimeout(timeout time.Duration) SocketOption {
	return func(opt *socketOptions) error {
		if timeout <= 0 {
			return fmt.Errorf("dial timeout must be positive, got %s", timeout)
		}
		opt.dialTimeout = timeout
		return nil
	}
}

// WithKeepAlive sets the TCP keep-alive period of the socket transport.
// A negative period disables keep-alive.
func WithKeepAlive(period time.Duration) SocketOption {
	return func(opt *socketOptions) error {
		if period == 0 {
			return errors.New("zero keep-alive period")
		}
		opt.keepAlive = period
		return nil
	}
}

// socketTransport is a Transport over a TCP socket.
type socketTransport struct {
	opts socketOptions

	// mx protects conn, ending and destroyed.
	mx sync.Mutex

	// conn is the current connection, nil while disconnected.
	conn net.Conn

	// cancel aborts a dial in progress.
	cancel context.CancelFunc

	// ending and destroyed record why the connection went away.
	ending, destroyed bool
}

// NewSocketTransport returns a Transport which connects over TCP.
func NewSocketTransport(opts ...SocketOption) (Transport, error) {
	t := &socketTransport{
		opts: socketOptions{
			dialTimeout: defaultDialTimeout,
			keepAlive:   defaultKeepAlivePeriod,
		},
	}
	for _, opt := range opts {
		if err := opt(&t.opts); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Connect implements Transport.
func (t *socketTransport) Connect(addr string, events TransportEvents) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mx.Lock()
	if t.conn != nil {
		t.mx.Unlock()
		cancel()
		events.OnError(fmt.Errorf("already connected to %s", t.conn.RemoteAddr()))
		return
	}
	t.cancel = cancel
	t.ending, t.destroyed = false, false
	t.mx.Unlock()
	go t.run(ctx, addr, events)
}

// run dials addr and then reads from the connection until it breaks.
func (t *socketTransport) run(
	ctx context.Context, addr string, events TransportEvents,
) {
	dialer := &net.Dialer{
		Timeout:   t.opts.dialTimeout,
		KeepAlive: t.opts.keepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.mx.Lock()
		local := t.ending || t.destroyed
		t.mx.Unlock()
		if local {
			events.OnClose(t.closeReason())
			return
		}
		events.OnError(fmt.Errorf("dial tcp %s: %w", addr, err))
		return
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			events.OnError(fmt.Errorf("set no delay: %w", err))
			return
		}
	}
	t.mx.Lock()
	if t.ending || t.destroyed {
		t.mx.Unlock()
		conn.Close()
		events.OnClose(t.closeReason())
		return
	}
	t.conn = conn
	t.mx.Unlock()
	events.OnConnect()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			events.OnData(data)
		}
		if err == nil {
			continue
		}
		t.mx.Lock()
		local := t.ending || t.destroyed
		t.conn = nil
		t.mx.Unlock()
		conn.Close()
		switch {
		case local:
			events.OnClose(t.closeReason())
		case errors.Is(err, io.EOF):
			events.OnClose(nil)
		default:
			err = fmt.Errorf("read from %s: %w", addr, err)
			events.OnError(err)
			events.OnClose(err)
		}
		return
	}
}

// closeReason returns the close reason after a local End or Destroy.
func (t *socketTransport) closeReason() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}
	return nil
}

// Write implements Transport.
func (t *socketTransport) Write(p []byte) error {
	t.mx.Lock()
	conn := t.conn
	t.mx.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return fmt.Errorf("write to %s: %w", conn.RemoteAddr(), err)
		}
		p = p[n:]
	}
	return nil
}

// End implements Transport.
func (t *socketTransport) End() error {
	return t.shutdown(false)
}

// Destroy implements Transport.
func (t *socketTransport) Destroy() error {
	return t.shutdown(true)
}

// shutdown closes the connection, or aborts the dial in progress.
func (t *socketTransport) shutdown(destroy bool) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if destroy {
		t.destroyed = true
	} else {
		t.ending = true
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
