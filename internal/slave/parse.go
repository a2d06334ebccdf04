package slave

import (
	"encoding/binary"

	"github.com/TheCount/go-rtutcp/modbus"
)

const (
	// maxReadBits is the maximum number of coils or discrete inputs per read.
	maxReadBits = 2000

	// maxWriteBits is the maximum number of coils per WriteMultipleCoils.
	maxWriteBits = 1968

	// maxReadWords is the maximum number of registers per read.
	maxReadWords = 125

	// maxWriteWords is the maximum number of registers per
	// WriteMultipleRegisters.
	maxWriteWords = 123
)

// readRequest is the common shape of the four read functions.
type readRequest struct {
	start uint16
	n     int
}

// parseReadRequest parses a start address followed by a quantity of at most
// max values.
func parseReadRequest(data []byte, max int) (readRequest, error) {
	if len(data) != 4 {
		return readRequest{}, modbus.ExceptionIllegalDataValue
	}
	req := readRequest{
		start: binary.BigEndian.Uint16(data[0:2]),
		n:     int(binary.BigEndian.Uint16(data[2:4])),
	}
	if req.n <= 0 || req.n > max {
		return readRequest{}, modbus.ExceptionIllegalDataValue
	}
	if int(req.start)+req.n > 1<<16 {
		return readRequest{}, modbus.ExceptionIllegalDataAddress
	}
	return req, nil
}

// parseWriteSingleCoil parses a WriteSingleCoil request. The value must be
// 0xFF00 for on or 0x0000 for off.
func parseWriteSingleCoil(data []byte) (addr uint16, on bool, err error) {
	if len(data) != 4 {
		return 0, false, modbus.ExceptionIllegalDataValue
	}
	addr = binary.BigEndian.Uint16(data[0:2])
	switch binary.BigEndian.Uint16(data[2:4]) {
	case 0x0000:
	case 0xFF00:
		on = true
	default:
		return 0, false, modbus.ExceptionIllegalDataValue
	}
	return addr, on, nil
}

// parseWriteSingleRegister parses a WriteSingleRegister request.
func parseWriteSingleRegister(data []byte) (addr, value uint16, err error) {
	if len(data) != 4 {
		return 0, 0, modbus.ExceptionIllegalDataValue
	}
	return binary.BigEndian.Uint16(data[0:2]),
		binary.BigEndian.Uint16(data[2:4]), nil
}

// parseWriteMultipleCoils parses a WriteMultipleCoils request and unpacks
// the coil values, lowest address first.
func parseWriteMultipleCoils(data []byte) (start uint16, bits []uint16, err error) {
	if len(data) < 5 {
		return 0, nil, modbus.ExceptionIllegalDataValue
	}
	start = binary.BigEndian.Uint16(data[0:2])
	n := int(binary.BigEndian.Uint16(data[2:4]))
	numBytes := (n + 7) / 8
	if n <= 0 || n > maxWriteBits ||
		numBytes != int(data[4]) || len(data)-5 != numBytes {
		return 0, nil, modbus.ExceptionIllegalDataValue
	}
	if int(start)+n > 1<<16 {
		return 0, nil, modbus.ExceptionIllegalDataAddress
	}
	return start, unpackBits(data[5:], n), nil
}

// parseWriteMultipleRegisters parses a WriteMultipleRegisters request.
func parseWriteMultipleRegisters(data []byte) (start uint16, values []uint16, err error) {
	if len(data) < 5 {
		return 0, nil, modbus.ExceptionIllegalDataValue
	}
	start = binary.BigEndian.Uint16(data[0:2])
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n <= 0 || n > maxWriteWords ||
		2*n != int(data[4]) || len(data)-5 != 2*n {
		return 0, nil, modbus.ExceptionIllegalDataValue
	}
	if int(start)+n > 1<<16 {
		return 0, nil, modbus.ExceptionIllegalDataAddress
	}
	values = make([]uint16, n)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[5+2*i:])
	}
	return start, values, nil
}

// packBits packs bit values (0 or 1) into bytes, least significant bit
// first, the way coil and discrete input responses carry them.
func packBits(bits []uint16) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// unpackBits is the inverse of packBits for n bits.
func unpackBits(packed []byte, n int) []uint16 {
	bits := make([]uint16, n)
	for i := range bits {
		bits[i] = uint16(packed[i/8]>>(i%8)) & 1
	}
	return bits
}
