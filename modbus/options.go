package modbus

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultTCPPort is the well-known Modbus/TCP port.
const DefaultTCPPort = 502

// FrameHandler receives the frames reassembled by a TCPPort.
type FrameHandler interface {
	// HandleFrame is called once per completed response, in arrival order.
	// It runs on the transport's notification path and should not block.
	HandleFrame(frame Frame)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(frame Frame)

// HandleFrame implements FrameHandler.
func (f FrameHandlerFunc) HandleFrame(frame Frame) {
	f(frame)
}

// portOptions describes options for TCP ports.
type portOptions struct {
	// port is the remote TCP port number.
	port int

	// transport is the underlying transport. If nil, a socket transport with
	// default options is used.
	transport Transport

	// frames receives reassembled frames.
	frames FrameHandler

	// errs receives errors not tied to a pending callback.
	errs func(error)

	// sizer predicts response lengths.
	sizer ResponseSizer

	// logger is the port logger.
	logger *zerolog.Logger

	// metrics collects port statistics, may be nil.
	metrics *Metrics
}

// Validate performs cursory validation of these port options.
// It also fills in default values where appropriate.
func (opt *portOptions) Validate() error {
	if opt.port == 0 {
		opt.port = DefaultTCPPort
	}
	if opt.transport == nil {
		t, err := NewSocketTransport()
		if err != nil {
			return fmt.Errorf("create socket transport: %w", err)
		}
		opt.transport = t
	}
	if opt.frames == nil {
		opt.frames = FrameHandlerFunc(func(Frame) {})
	}
	if opt.errs == nil {
		opt.errs = func(error) {}
	}
	if opt.sizer == nil {
		opt.sizer = ReadResponseLength
	}
	if opt.logger == nil {
		nop := zerolog.Nop()
		opt.logger = &nop
	}
	return nil
}

// PortOption describes an option to be passed to NewTCPPort.
type PortOption func(*portOptions) error

// WithPort selects the remote TCP port. The default is DefaultTCPPort.
func WithPort(port int) PortOption {
	return func(opt *portOptions) error {
		if opt.port != 0 {
			return errors.New("duplicate specification of port")
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("port out of range: %d", port)
		}
		opt.port = port
		return nil
	}
}

// WithTransport makes the port use the given transport instead of a socket
// transport.
func WithTransport(t Transport) PortOption {
	return func(opt *portOptions) error {
		if t == nil {
			return errors.New("nil transport")
		}
		if opt.transport != nil {
			return errors.New("WithTransport specified multiple times")
		}
		opt.transport = t
		return nil
	}
}

// WithFrameHandler sets the receiver of reassembled frames.
func WithFrameHandler(h FrameHandler) PortOption {
	return func(opt *portOptions) error {
		if h == nil {
			return errors.New("nil frame handler")
		}
		if opt.frames != nil {
			return errors.New("WithFrameHandler specified multiple times")
		}
		opt.frames = h
		return nil
	}
}

// WithErrorHandler sets a function which receives connection and framing
// errors which occur while no open or close callback is pending, and every
// framing error.
func WithErrorHandler(f func(error)) PortOption {
	return func(opt *portOptions) error {
		if f == nil {
			return errors.New("nil error handler")
		}
		opt.errs = f
		return nil
	}
}

// WithResponseSizer replaces ReadResponseLength as the predictor of response
// lengths.
func WithResponseSizer(sizer ResponseSizer) PortOption {
	return func(opt *portOptions) error {
		if sizer == nil {
			return errors.New("nil response sizer")
		}
		opt.sizer = sizer
		return nil
	}
}

// WithLogger sets the port logger. By default, the port does not log.
func WithLogger(logger zerolog.Logger) PortOption {
	return func(opt *portOptions) error {
		opt.logger = &logger
		return nil
	}
}

// WithMetrics makes the port record statistics in m.
func WithMetrics(m *Metrics) PortOption {
	return func(opt *portOptions) error {
		if m == nil {
			return errors.New("nil metrics")
		}
		opt.metrics = m
		return nil
	}
}
