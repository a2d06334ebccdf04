package modbus

import (
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// portState is the connection state of a TCPPort.
type portState uint8

// Port states. stateFaulted is terminal.
const (
	stateClosed portState = iota
	stateOpen
	stateFaulted
)

// String renders this state for logging.
func (s portState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// TCPPort lets a client which speaks Modbus RTU frames talk to a Modbus/TCP
// device. Requests written to the port lose their CRC and gain an MBAP header;
// responses lose their MBAP header and gain a fresh CRC.
//
// All methods are safe for concurrent use. Open and close callbacks, the frame
// handler and the error handler are never called with internal locks held.
type TCPPort struct {
	// id identifies this port in logs.
	id uuid.UUID

	// addr is the remote address in host:port form.
	addr string

	// opts are the port options.
	opts portOptions

	// log is the port logger.
	log zerolog.Logger

	// events receives the transport notifications.
	events portEvents

	// mx protects the fields below.
	mx sync.Mutex

	// state is the connection state.
	state portState

	// transport is the underlying transport. It is nil once the port is
	// faulted.
	transport Transport

	// callback is the pending open or close callback, if any.
	callback func(error)

	// lastID is the most recently allocated transaction identifier.
	lastID uint16

	// rx reassembles incoming frames.
	rx reassembler

	// reported is the buffered byte count last added to the Buffered gauge.
	reported int
}

// NewTCPPort creates a port for the Modbus/TCP device on the given host. The
// transport is created, but not connected.
func NewTCPPort(host string, opts ...PortOption) (*TCPPort, error) {
	if host == "" {
		return nil, errors.New("empty host")
	}
	localOpts := portOptions{}
	for _, opt := range opts {
		if err := opt(&localOpts); err != nil {
			return nil, err
		}
	}
	if err := localOpts.Validate(); err != nil {
		return nil, err
	}
	p := &TCPPort{
		id:        uuid.New(),
		addr:      net.JoinHostPort(host, strconv.Itoa(localOpts.port)),
		opts:      localOpts,
		transport: localOpts.transport,
		lastID:    maxTransactions - 1,
	}
	p.log = localOpts.logger.With().
		Str("port", p.id.String()).
		Str("addr", p.addr).
		Logger()
	p.events.p = p
	return p, nil
}

// ID returns the identifier of this port used in logs.
func (p *TCPPort) ID() uuid.UUID {
	return p.id
}

// Addr returns the remote address of this port.
func (p *TCPPort) Addr() string {
	return p.addr
}

// swapCallback installs cb as the pending callback. A callback still pending
// is dropped without being called.
// Must be called with p.mx held.
func (p *TCPPort) swapCallback(cb func(error)) {
	if p.callback != nil && cb != nil {
		p.log.Warn().Msg("pending open/close callback dropped")
	}
	p.callback = cb
}

// takeCallback clears and returns the pending callback.
// Must be called with p.mx held.
func (p *TCPPort) takeCallback() func(error) {
	cb := p.callback
	p.callback = nil
	return cb
}

// Open connects the port. cb is called once with the outcome: nil after the
// connection has been established, or the connection error. If the port is
// already open, cb(nil) is called right away; a faulted port reports
// ErrFaulted right away.
//
// A later Open or Close replaces cb before it has been called, in which case
// cb is never called.
func (p *TCPPort) Open(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	p.mx.Lock()
	switch p.state {
	case stateFaulted:
		p.mx.Unlock()
		cb(ErrFaulted)
		return
	case stateOpen:
		p.mx.Unlock()
		cb(nil)
		return
	}
	p.swapCallback(cb)
	t := p.transport
	p.mx.Unlock()
	p.log.Debug().Msg("connecting")
	t.Connect(p.addr, &p.events)
}

// Close disconnects the port gracefully. cb is called once with the close
// reason, nil for an orderly close. If the port is not open, cb(nil) is
// called right away and nothing else happens.
//
// A later Open or Close replaces cb before it has been called, in which case
// cb is never called.
func (p *TCPPort) Close(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	p.mx.Lock()
	if p.state != stateOpen {
		p.mx.Unlock()
		cb(nil)
		return
	}
	p.swapCallback(cb)
	t := p.transport
	p.mx.Unlock()
	p.log.Debug().Msg("closing")
	if err := t.End(); err != nil {
		p.log.Warn().Err(err).Msg("end transport")
		p.mx.Lock()
		pending := p.takeCallback()
		p.mx.Unlock()
		if pending != nil {
			pending(err)
		}
	}
}

// IsOpen reports whether the port is connected.
func (p *TCPPort) IsOpen() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.state == stateOpen
}

// IsFaulted reports whether the port hit a framing error. A faulted port
// rejects all further operations and must be replaced.
func (p *TCPPort) IsFaulted() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.state == stateFaulted
}

// LastTransactionID returns the transaction identifier of the most recently
// reassembled frame.
func (p *TCPPort) LastTransactionID() uint16 {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.rx.lastCompleted
}

// Write sends an RTU request frame (unit identifier, function code, data,
// CRC) to the device. The frame gets the next transaction identifier, and the
// response length it expects is recorded for the reassembler. The response
// arrives at the frame handler.
func (p *TCPPort) Write(frame []byte) error {
	if len(frame) < 6 {
		return ErrShortFrame
	}
	p.mx.Lock()
	switch p.state {
	case stateFaulted:
		p.mx.Unlock()
		return ErrFaulted
	case stateClosed:
		p.mx.Unlock()
		return ErrNotOpen
	}
	id := nextTransactionID(p.lastID)
	p.lastID = id
	p.rx.table.set(id, p.opts.sizer(frame))
	buf := encodeRequest(id, frame)
	t := p.transport
	p.mx.Unlock()
	if err := t.Write(buf); err != nil {
		p.log.Warn().Err(err).Uint16("transaction", id).Msg("write request")
		return err
	}
	if m := p.opts.metrics; m != nil {
		m.Requests.Inc()
	}
	p.log.Debug().Uint16("transaction", id).Int("len", len(buf)).Msg("request sent")
	return nil
}

// receive runs the reassembler over newly received data.
func (p *TCPPort) receive(data []byte) {
	p.mx.Lock()
	if p.state == stateFaulted {
		p.mx.Unlock()
		return
	}
	frames, err := p.rx.feed(data)
	var (
		t  Transport
		cb func(error)
	)
	if err != nil {
		t = p.transport
		p.transport = nil
		p.state = stateFaulted
		p.rx.buffered = nil
		cb = p.takeCallback()
	}
	delta := p.updateBuffered()
	p.mx.Unlock()

	if m := p.opts.metrics; m != nil {
		m.Frames.Add(float64(len(frames)))
		for _, f := range frames {
			if f.IsException() {
				m.Exceptions.Inc()
			}
		}
		m.Buffered.Add(float64(delta))
	}
	for _, f := range frames {
		p.opts.frames.HandleFrame(f)
	}
	if err == nil {
		return
	}
	p.log.Error().Err(err).Msg("framing error, port faulted")
	if m := p.opts.metrics; m != nil {
		m.Faults.Inc()
	}
	if t != nil {
		if derr := t.Destroy(); derr != nil {
			p.log.Warn().Err(derr).Msg("destroy transport")
		}
	}
	if cb != nil {
		cb(err)
	}
	p.opts.errs(err)
}

// updateBuffered records the current reassembly buffer length and returns
// its change since the last call. Ports sharing Metrics each contribute
// their own share to the Buffered gauge.
// Must be called with p.mx held.
func (p *TCPPort) updateBuffered() int {
	n := len(p.rx.buffered)
	delta := n - p.reported
	p.reported = n
	return delta
}

// portEvents adapts a TCPPort to TransportEvents.
type portEvents struct {
	p *TCPPort
}

// OnConnect implements TransportEvents.
func (e *portEvents) OnConnect() {
	p := e.p
	p.mx.Lock()
	if p.state == stateFaulted {
		p.mx.Unlock()
		return
	}
	p.state = stateOpen
	cb := p.takeCallback()
	p.mx.Unlock()
	p.log.Debug().Msg("connected")
	if cb != nil {
		cb(nil)
	}
}

// OnData implements TransportEvents.
func (e *portEvents) OnData(data []byte) {
	e.p.receive(data)
}

// OnClose implements TransportEvents.
func (e *portEvents) OnClose(err error) {
	p := e.p
	p.mx.Lock()
	if p.state == stateFaulted {
		p.mx.Unlock()
		return
	}
	p.state = stateClosed
	// A new connection starts a new byte stream.
	p.rx.buffered = nil
	delta := p.updateBuffered()
	cb := p.takeCallback()
	p.mx.Unlock()
	if m := p.opts.metrics; m != nil {
		m.Buffered.Add(float64(delta))
	}
	p.log.Debug().AnErr("reason", err).Msg("closed")
	if cb != nil {
		cb(err)
	}
}

// OnError implements TransportEvents.
func (e *portEvents) OnError(err error) {
	p := e.p
	p.mx.Lock()
	if p.state == stateFaulted {
		p.mx.Unlock()
		return
	}
	p.state = stateClosed
	cb := p.takeCallback()
	p.mx.Unlock()
	p.log.Warn().Err(err).Msg("transport error")
	if cb != nil {
		cb(err)
		return
	}
	p.opts.errs(err)
}
