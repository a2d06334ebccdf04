// Package rtuclient plugs a modbus.TCPPort into the goburrow/modbus client,
// so RTU frames built by goburrow's RTU packager travel over an RTU-over-TCP
// gateway connection.
package rtuclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gmodbus "github.com/goburrow/modbus"

	"github.com/TheCount/go-rtutcp/modbus"
)

// DefaultTimeout is the default time to wait for a response.
const DefaultTimeout = time.Second

// ErrTimeout is returned by Send when no response arrives in time.
var ErrTimeout = errors.New("rtuclient: response timed out")

// Handler implements gmodbus.ClientHandler on top of a TCPPort. Encoding,
// decoding and verification are those of goburrow's RTU client handler;
// Send writes the frame to the port and waits for the next reassembled
// response.
//
// Requests are serialised: the port supports pipelining, but the goburrow
// client expects one answer per Send.
type Handler struct {
	// Timeout bounds the wait for a response, as well as Close.
	Timeout time.Duration

	port *modbus.TCPPort

	// packager builds and checks RTU frames. Its serial transport is unused.
	packager *gmodbus.RTUClientHandler

	// sendMx serialises Send.
	sendMx sync.Mutex

	// frames receives reassembled responses.
	frames chan modbus.Frame

	// faults receives framing and connection errors.
	faults chan error
}

// New creates a handler for the device with the given slave ID behind the
// gateway at host. The options are passed on to modbus.NewTCPPort; the
// handler installs its own frame handler, error handler and response sizer.
func New(host string, slaveID byte, opts ...modbus.PortOption) (*Handler, error) {
	h := &Handler{
		Timeout:  DefaultTimeout,
		packager: gmodbus.NewRTUClientHandler(""),
		frames:   make(chan modbus.Frame, 16),
		faults:   make(chan error, 1),
	}
	h.packager.SlaveId = slaveID
	opts = append(opts,
		modbus.WithFrameHandler(modbus.FrameHandlerFunc(h.handleFrame)),
		modbus.WithErrorHandler(h.handleError),
		modbus.WithResponseSizer(modbus.ResponseLength),
	)
	var err error
	if h.port, err = modbus.NewTCPPort(host, opts...); err != nil {
		return nil, err
	}
	return h, nil
}

// Port returns the underlying port.
func (h *Handler) Port() *modbus.TCPPort {
	return h.port
}

// SlaveID returns the slave address put into requests.
func (h *Handler) SlaveID() byte {
	return h.packager.SlaveId
}

// Encode implements gmodbus.Packager.
func (h *Handler) Encode(pdu *gmodbus.ProtocolDataUnit) ([]byte, error) {
	return h.packager.Encode(pdu)
}

// Decode implements gmodbus.Packager.
func (h *Handler) Decode(adu []byte) (*gmodbus.ProtocolDataUnit, error) {
	return h.packager.Decode(adu)
}

// Verify implements gmodbus.Packager.
func (h *Handler) Verify(aduRequest, aduResponse []byte) error {
	return h.packager.Verify(aduRequest, aduResponse)
}

// handleFrame queues a frame for Send. Frames nobody waits for are dropped
// once the queue is full.
func (h *Handler) handleFrame(f modbus.Frame) {
	select {
	case h.frames <- f:
	default:
	}
}

// handleError passes an error to Send.
func (h *Handler) handleError(err error) {
	select {
	case h.faults <- err:
	default:
	}
}

// Connect opens the port and waits until it is open or ctx is done.
func (h *Handler) Connect(ctx context.Context) error {
	done := make(chan error, 1)
	h.port.Open(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the port and waits for it to be closed, at most h.Timeout.
func (h *Handler) Close() error {
	done := make(chan error, 1)
	h.port.Close(func(err error) { done <- err })
	timer := time.NewTimer(h.Timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("close %s: %w", h.port.Addr(), ErrTimeout)
	}
}

// Send implements gmodbus.Transporter. Frames which cannot answer
// aduRequest, such as the late response to a request which timed out, are
// skipped. A late response of the same function and length is
// indistinguishable and accepted.
func (h *Handler) Send(aduRequest []byte) ([]byte, error) {
	h.sendMx.Lock()
	defer h.sendMx.Unlock()
	h.drain()
	if err := h.port.Write(aduRequest); err != nil {
		return nil, err
	}
	timer := time.NewTimer(h.Timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-h.frames:
			if answers(aduRequest, f) {
				return f, nil
			}
		case err := <-h.faults:
			return nil, err
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

// answers reports whether f can be the response to request.
func answers(request []byte, f modbus.Frame) bool {
	fc := modbus.FunctionCode(request[1])
	if f.Function()&^modbus.FunctionError != fc {
		return false
	}
	if f.IsException() || len(request) < 6 {
		return true
	}
	return len(f) == modbus.ResponseLength(request)+2
}

// drain discards responses and errors left over from earlier requests.
func (h *Handler) drain() {
	for {
		select {
		case <-h.frames:
		case <-h.faults:
		default:
			return
		}
	}
}

var _ gmodbus.ClientHandler = (*Handler)(nil)
