package modbus

import (
	"fmt"
)

// reassembler turns a stream of TCP response bytes into RTU frames.
// It is not safe for concurrent use; TCPPort serialises access.
type reassembler struct {
	// buffered holds received bytes not yet consumed by a complete frame.
	// After each feed it is empty or holds the prefix of one frame.
	buffered []byte

	// table is the transaction table shared with the request encoder.
	table transactionTable

	// lastCompleted is the transaction identifier of the last emitted frame.
	lastCompleted uint16
}

// feed appends data to the buffer and returns all frames completed by it, in
// order. On a framing error, the frames completed before the error are
// returned together with the error, and the reassembler must not be fed
// again.
func (r *reassembler) feed(data []byte) (frames []Frame, err error) {
	r.buffered = append(r.buffered, data...)
	for len(r.buffered) >= minFrameLen {
		expected := exceptionFrameLen
		if r.buffered[7] <= byte(FunctionError) {
			var header MBAP
			copy(header[:], r.buffered)
			id := header.TransactionID()
			pduLen, err := r.table.lookup(id)
			if err != nil {
				return frames, err
			}
			if pduLen < 2 || pduLen > maxPDULen {
				return frames, fmt.Errorf(
					"%w: transaction %d expects %d bytes", ErrFrameLength, id, pduLen)
			}
			expected = pduLen + MBAPHeaderLen
		}
		if len(r.buffered) < expected {
			break
		}
		frame := make(Frame, 0, expected-MBAPHeaderLen+2)
		frame = append(frame, r.buffered[MBAPHeaderLen:expected]...)
		frames = append(frames, appendCRC(frame))
		r.lastCompleted = uint16(r.buffered[0])<<8 | uint16(r.buffered[1])
		r.buffered = r.consume(expected)
	}
	return frames, nil
}

// consume drops n bytes from the front of the buffer and returns the rest.
// The remainder is copied so the buffer does not pin consumed frames.
func (r *reassembler) consume(n int) []byte {
	rest := r.buffered[n:]
	if len(rest) == 0 {
		return r.buffered[:0]
	}
	return append([]byte(nil), rest...)
}
