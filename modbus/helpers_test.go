package modbus

import (
	"encoding/binary"
	"sync"
)

// fakeTransport is an in-memory Transport. Notifications are delivered
// synchronously from the calling goroutine.
type fakeTransport struct {
	mx sync.Mutex

	// manual suppresses the automatic connect notification.
	manual bool

	// connectErr, if set, is reported instead of a connection.
	connectErr error

	events    TransportEvents
	addrs     []string
	written   [][]byte
	ended     int
	destroyed int
}

func (t *fakeTransport) Connect(addr string, events TransportEvents) {
	t.mx.Lock()
	t.events = events
	t.addrs = append(t.addrs, addr)
	manual, connectErr := t.manual, t.connectErr
	t.mx.Unlock()
	switch {
	case connectErr != nil:
		events.OnError(connectErr)
	case !manual:
		events.OnConnect()
	}
}

func (t *fakeTransport) Write(p []byte) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.written = append(t.written, append([]byte(nil), p...))
	return nil
}

func (t *fakeTransport) End() error {
	t.mx.Lock()
	t.ended++
	events := t.events
	t.mx.Unlock()
	events.OnClose(nil)
	return nil
}

func (t *fakeTransport) Destroy() error {
	t.mx.Lock()
	t.destroyed++
	events := t.events
	t.mx.Unlock()
	events.OnClose(ErrDestroyed)
	return nil
}

// deliver feeds data to the port as if received from the socket.
func (t *fakeTransport) deliver(data []byte) {
	t.mx.Lock()
	events := t.events
	t.mx.Unlock()
	events.OnData(data)
}

func (t *fakeTransport) writes() [][]byte {
	t.mx.Lock()
	defer t.mx.Unlock()
	return append([][]byte(nil), t.written...)
}

// frameRecorder collects emitted frames.
type frameRecorder struct {
	mx     sync.Mutex
	frames []Frame
}

func (r *frameRecorder) HandleFrame(f Frame) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) all() []Frame {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]Frame(nil), r.frames...)
}

// readRequest builds an RTU read holding registers request.
func readRequest(unit byte, addr, count uint16) []byte {
	frame := []byte{unit, byte(FunctionReadHoldingRegisters), 0, 0, 0, 0}
	binary.BigEndian.PutUint16(frame[2:4], addr)
	binary.BigEndian.PutUint16(frame[4:6], count)
	return appendCRC(frame)
}

// tcpResponse builds a TCP response frame with the given transaction
// identifier around pdu (unit identifier first).
func tcpResponse(id uint16, pdu ...byte) []byte {
	var header MBAP
	header.SetTransactionID(id)
	header.SetLength(len(pdu))
	return append(header[:], pdu...)
}

// registersPDU builds a read registers response PDU for unit 1.
func registersPDU(values ...uint16) []byte {
	pdu := []byte{1, byte(FunctionReadHoldingRegisters), byte(2 * len(values))}
	for _, v := range values {
		pdu = append(pdu, byte(v>>8), byte(v))
	}
	return pdu
}

// openPort returns an open port over a fake transport.
func openPort(opts ...PortOption) (*TCPPort, *fakeTransport, *frameRecorder) {
	ft := &fakeTransport{}
	rec := &frameRecorder{}
	opts = append([]PortOption{WithTransport(ft), WithFrameHandler(rec)}, opts...)
	p, err := NewTCPPort("192.0.2.1", opts...)
	if err != nil {
		panic(err)
	}
	p.Open(func(err error) {
		if err != nil {
			panic(err)
		}
	})
	return p, ft, rec
}
