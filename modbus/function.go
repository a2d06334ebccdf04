package modbus

import (
	"encoding/binary"
)

// FunctionCode describes a Modbus function code.
type FunctionCode uint8

// Function code constants.
const (
	FunctionReadCoils                  FunctionCode = 1
	FunctionReadDiscreteInputs         FunctionCode = 2
	FunctionReadHoldingRegisters       FunctionCode = 3
	FunctionReadInputRegisters         FunctionCode = 4
	FunctionWriteSingleCoil            FunctionCode = 5
	FunctionWriteSingleRegister        FunctionCode = 6
	FunctionWriteMultipleCoils         FunctionCode = 15
	FunctionWriteMultipleRegisters     FunctionCode = 16
	FunctionMaskWriteRegister          FunctionCode = 22
	FunctionReadWriteMultipleRegisters FunctionCode = 23
)

// FunctionError is the bit in the function code which determines
// whether the function was successful or not.
const FunctionError FunctionCode = 0x80

// IsError determines whether this function code is from an error
// response.
func (fc FunctionCode) IsError() bool {
	return fc&FunctionError != 0
}

// AsError returns this function code with the error response bit set.
func (fc FunctionCode) AsError() FunctionCode {
	return fc | FunctionError
}

// ResponseSizer predicts the length of the response to an RTU request frame.
// The request frame consists of unit identifier, function code, request data
// and the trailing CRC. The returned length counts the bytes of the response
// without MBAP header and without CRC, i. e., unit identifier, function code
// and response data.
type ResponseSizer func(request []byte) int

// ReadResponseLength is the default ResponseSizer. It interprets bytes 4 and 5
// of the request as the number of registers to read and assumes a register
// read response (unit identifier, function code, byte count, two bytes per
// register). This matches the read holding/input registers functions only.
func ReadResponseLength(request []byte) int {
	return 3 + int(binary.BigEndian.Uint16(request[4:6]))*2
}

// ResponseLength is a ResponseSizer which knows the response layout of the
// common data access functions. Unknown functions fall back to
// ReadResponseLength.
func ResponseLength(request []byte) int {
	n := int(binary.BigEndian.Uint16(request[4:6]))
	switch FunctionCode(request[1]) {
	case FunctionReadCoils, FunctionReadDiscreteInputs:
		return 3 + (n+7)/8
	case FunctionReadHoldingRegisters, FunctionReadInputRegisters,
		FunctionReadWriteMultipleRegisters:
		return 3 + 2*n
	case FunctionWriteSingleCoil, FunctionWriteSingleRegister,
		FunctionWriteMultipleCoils, FunctionWriteMultipleRegisters:
		// echo of address and value/quantity
		return 6
	case FunctionMaskWriteRegister:
		return 8
	default:
		return ReadResponseLength(request)
	}
}
