package modbus

import (
	"encoding/binary"
	"fmt"
)

// UnitID describes a Modbus unit identifier. On a serial line it is the slave
// address, which RTU frames carry as their first byte.
type UnitID uint8

// Unit identifier constants.
const (
	// UnitBroadcast is the unit identifier used for broadcasts over a serial
	// line.
	UnitBroadcast UnitID = 0

	// UnitIndividualMax is the maximum valid unit ID for an individual serial
	// Modbus device.
	UnitIndividualMax UnitID = 247
)

// ExceptionCode describes a Modbus exception response code.
type ExceptionCode uint8

// Exception code constants.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

var exceptionStrings = map[ExceptionCode]string{
	ExceptionIllegalFunction:                    "illegal function",
	ExceptionIllegalDataAddress:                 "illegal data address",
	ExceptionIllegalDataValue:                   "illegal data value",
	ExceptionServerDeviceFailure:                "server device failure",
	ExceptionAcknowledge:                        "acknowledge",
	ExceptionServerDeviceBusy:                   "server device busy",
	ExceptionMemoryParityError:                  "memory parity error",
	ExceptionGatewayPathUnavailable:             "gateway path unavailable",
	ExceptionGatewayTargetDeviceFailedToRespond: "gateway target failed to respond",
}

// Error implements error.
func (ec ExceptionCode) Error() string {
	s, ok := exceptionStrings[ec]
	if !ok {
		s = fmt.Sprintf("unknown exception %02X", uint8(ec))
	}
	return "Modbus exception: " + s
}

// Frame is an RTU style frame: unit identifier, function code, data and a
// little endian CRC-16. TCPPort emits one Frame per completed response.
// The accessors assume a frame of at least four bytes.
type Frame []byte

// UnitID returns the unit identifier of this frame.
func (f Frame) UnitID() UnitID {
	return UnitID(f[0])
}

// Function returns the function code of this frame, including the error bit
// for exception responses.
func (f Frame) Function() FunctionCode {
	return FunctionCode(f[1])
}

// IsException reports whether this frame is an exception response.
func (f Frame) IsException() bool {
	return f.Function().IsError()
}

// Exception returns the exception code carried by an exception response.
// For other frames it returns zero.
func (f Frame) Exception() ExceptionCode {
	if !f.IsException() || len(f) < 5 {
		return 0
	}
	return ExceptionCode(f[2])
}

// Data returns the frame data between function code and CRC.
func (f Frame) Data() []byte {
	return f[2 : len(f)-2]
}

// CRC returns the checksum stored at the end of this frame.
func (f Frame) CRC() uint16 {
	return binary.LittleEndian.Uint16(f[len(f)-2:])
}

// CheckCRC reports whether the stored checksum matches the frame contents.
func (f Frame) CheckCRC() bool {
	return f.CRC() == CRC16(f[:len(f)-2])
}
