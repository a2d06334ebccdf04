package modbus

import (
	"encoding/binary"
	"errors"
)

const (
	// MBAPHeaderLen is the length of the MBAP header without the unit
	// identifier. The unit identifier is treated as the first PDU byte, just
	// like the slave address of an RTU frame.
	MBAPHeaderLen = 6

	// minFrameLen is the smallest complete TCP frame: header, unit identifier,
	// function code and one more byte.
	minFrameLen = MBAPHeaderLen + 3

	// exceptionFrameLen is the length of an exception response: header, unit
	// identifier, function code and exception code.
	exceptionFrameLen = 9

	// maxPDULen is the maximum length of unit identifier plus PDU.
	maxPDULen = 254
)

// MBAP is the Modbus application protocol header as used on the TCP side of
// the adapter.
type MBAP [MBAPHeaderLen]byte

// TransactionID returns the transaction identifier of this header.
func (m *MBAP) TransactionID() uint16 {
	return binary.BigEndian.Uint16(m[0:2])
}

// SetTransactionID sets the transaction identifier of this header.
func (m *MBAP) SetTransactionID(id uint16) {
	binary.BigEndian.PutUint16(m[0:2], id)
}

// Length returns the number of bytes following the header.
func (m *MBAP) Length() int {
	return int(binary.BigEndian.Uint16(m[4:6]))
}

// SetLength sets the number of bytes following the header. The protocol
// identifier is reset to zero.
func (m *MBAP) SetLength(n int) {
	m[2], m[3] = 0, 0
	binary.BigEndian.PutUint16(m[4:6], uint16(n))
}

// Validate checks protocol identifier and length of this header.
func (m *MBAP) Validate() error {
	if m[2] != 0 || m[3] != 0 {
		return errors.New("bad protocol identifier")
	}
	if l := m.Length(); l < 2 || l > maxPDULen {
		return errors.New("bad length")
	}
	return nil
}
