package slave

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TheCount/go-rtutcp/modbus"
)

const (
	// defaultListenAddr is the default listening address.
	defaultListenAddr = "127.0.0.1:502"

	// defaultTimeout is the default idle and request timeout.
	defaultTimeout = 75 * time.Second
)

// listenOptions describes options for Listen.
type listenOptions struct {
	// addr is the local address to listen on.
	addr string

	// timeout is the idle and request timeout.
	timeout time.Duration

	// logger is the listener logger.
	logger *zerolog.Logger
}

// validate fills in default values.
func (opt *listenOptions) validate() {
	if opt.addr == "" {
		opt.addr = defaultListenAddr
	}
	if opt.timeout == 0 {
		opt.timeout = defaultTimeout
	}
	if opt.logger == nil {
		nop := zerolog.Nop()
		opt.logger = &nop
	}
}

// ListenOption describes an option to be passed to Listen.
type ListenOption func(*listenOptions) error

// WithListenAddress sets the local TCP address to listen on.
func WithListenAddress(addr string) ListenOption {
	return func(opt *listenOptions) error {
		if opt.addr != "" {
			return errors.New("duplicate specification of listen address")
		}
		if addr == "" {
			return errors.New("empty listen address")
		}
		opt.addr = addr
		return nil
	}
}

// WithTimeout sets the timeout for idle connections and for request
// processing. A request exceeding it is answered with
// modbus.ExceptionServerDeviceBusy.
func WithTimeout(timeout time.Duration) ListenOption {
	return func(opt *listenOptions) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", timeout)
		}
		if opt.timeout != 0 {
			return errors.New("WithTimeout specified multiple times")
		}
		opt.timeout = timeout
		return nil
	}
}

// WithLogger sets the listener logger.
func WithLogger(logger zerolog.Logger) ListenOption {
	return func(opt *listenOptions) error {
		opt.logger = &logger
		return nil
	}
}

// Listener serves Modbus/TCP connections.
type Listener struct {
	// underlying is the underlying net.Listener.
	underlying net.Listener

	// timeout is the idle and request timeout.
	timeout time.Duration

	// log is the listener logger.
	log zerolog.Logger

	// activeConns tracks the connections being served.
	activeConns sync.WaitGroup

	// closeOnce guards closed.
	closeOnce sync.Once

	// closed is closed when the listener is closed.
	closed chan struct{}
}

// Listen starts serving srv on a TCP listener.
func Listen(srv *Server, opts ...ListenOption) (*Listener, error) {
	if srv == nil {
		return nil, errors.New("nil server")
	}
	localOpts := &listenOptions{}
	for _, opt := range opts {
		if err := opt(localOpts); err != nil {
			return nil, err
		}
	}
	localOpts.validate()
	l := &Listener{
		timeout: localOpts.timeout,
		closed:  make(chan struct{}),
	}
	var err error
	l.underlying, err = net.Listen("tcp", localOpts.addr)
	if err != nil {
		return nil, fmt.Errorf("listen on tcp socket '%s': %w", localOpts.addr, err)
	}
	l.log = localOpts.logger.With().Stringer("listen", l.underlying.Addr()).Logger()
	l.log.Info().Msg("slave listening")
	go l.handleConnections(srv)
	return l, nil
}

// Addr returns the local address of this listener.
func (l *Listener) Addr() net.Addr {
	return l.underlying.Addr()
}

// Close stops accepting connections, closes the open ones and waits for
// their handlers to finish.
func (l *Listener) Close() error {
	err := errors.New("already closed")
	l.closeOnce.Do(func() {
		err = l.underlying.Close()
		close(l.closed)
	})
	l.activeConns.Wait()
	return err
}

// handleConnections accepts connections until the listener is closed.
func (l *Listener) handleConnections(srv *Server) {
	for {
		conn, err := l.underlying.Accept()
		if err != nil {
			return
		}
		l.activeConns.Add(1)
		go l.handleConnection(srv, conn)
	}
}

// handleConnection serves conn until the listener is closed or the
// connection fails or idles out.
func (l *Listener) handleConnection(srv *Server, conn net.Conn) {
	defer l.activeConns.Done()
	defer conn.Close()
	log := l.log.With().
		Str("conn", uuid.NewString()).
		Stringer("remote", conn.RemoteAddr()).
		Logger()
	log.Debug().Msg("connection accepted")
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := l.serveRequests(srv, conn, log)
		log.Debug().AnErr("reason", err).Msg("connection finished")
	}()
	select {
	case <-l.closed:
		conn.Close()
		<-done
	case <-done:
	}
}

// serveRequests answers requests on conn until an error occurs.
func (l *Listener) serveRequests(
	srv *Server, conn net.Conn, log zerolog.Logger,
) error {
	r := bufio.NewReaderSize(conn, 320)
	w := bufio.NewWriterSize(conn, 320)
	var header modbus.MBAP
	for {
		if err := conn.SetReadDeadline(time.Now().Add(l.timeout)); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return err
		}
		if err := header.Validate(); err != nil {
			return err
		}
		// fresh per request, req.Data outlives a handler that misses its deadline
		pdu := make([]byte, header.Length())
		if _, err := io.ReadFull(r, pdu); err != nil {
			return err
		}
		req := &Request{
			From:          conn.RemoteAddr(),
			To:            conn.LocalAddr(),
			TransactionID: header.TransactionID(),
			Unit:          modbus.UnitID(pdu[0]),
			Function:      modbus.FunctionCode(pdu[1]),
			Data:          pdu[2:],
		}
		deadline := time.Now().Add(l.timeout)
		fc := req.Function
		response, exception := l.sendRequest(srv, req, deadline)
		if response == nil {
			fc = fc.AsError()
			response = []byte{byte(exception)}
			log.Debug().
				Uint16("transaction", req.TransactionID).
				AnErr("exception", exception).
				Msg("exception response")
		}
		header.SetLength(len(response) + 2)
		if err := conn.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil {
			return err
		}
		w.Write(header[:])
		w.Write([]byte{byte(req.Unit), byte(fc)})
		w.Write(response)
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// sendRequest passes req to srv and gives up at deadline.
func (l *Listener) sendRequest(
	srv *Server, req *Request, deadline time.Time,
) (response []byte, exception modbus.ExceptionCode) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	type result struct {
		response  []byte
		exception modbus.ExceptionCode
	}
	done := make(chan result, 1)
	go func() {
		resp, err := srv.Request(ctx, req)
		if err == nil {
			if resp == nil {
				resp = []byte{}
			}
			done <- result{response: resp}
			return
		}
		var ec modbus.ExceptionCode
		if !errors.As(err, &ec) {
			ec = modbus.ExceptionServerDeviceFailure
		}
		done <- result{exception: ec}
	}()
	select {
	case res := <-done:
		return res.response, res.exception
	case <-ctx.Done():
		return nil, modbus.ExceptionServerDeviceBusy
	}
}
