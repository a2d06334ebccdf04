package slave

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"

	"github.com/TheCount/go-rtutcp/modbus"
)

// DataType enumerates the four tables of the Modbus data model.
type DataType uint8

// Data types
const (
	DataTypeDiscreteInputs DataType = iota
	DataTypeCoils
	DataTypeInputRegisters
	DataTypeHoldingRegisters
	numDataTypes = 4
)

// dataTypeNames are the names of the data types.
var dataTypeNames = [numDataTypes]string{
	"Discrete Inputs",
	"Coils",
	"Input Registers",
	"Holding Registers",
}

// String renders this data type as a string.
func (dt DataType) String() string {
	if int(dt) < len(dataTypeNames) {
		return dataTypeNames[dt]
	}
	return fmt.Sprintf("unknown data type %d", dt)
}

// IsBit returns true for the single-bit data types.
func (dt DataType) IsBit() bool {
	return dt == DataTypeDiscreteInputs || dt == DataTypeCoils
}

// bankFunctions lists the functions a Bank answers.
var bankFunctions = [...]modbus.FunctionCode{
	modbus.FunctionReadCoils,
	modbus.FunctionReadDiscreteInputs,
	modbus.FunctionReadHoldingRegisters,
	modbus.FunctionReadInputRegisters,
	modbus.FunctionWriteSingleCoil,
	modbus.FunctionWriteSingleRegister,
	modbus.FunctionWriteMultipleCoils,
	modbus.FunctionWriteMultipleRegisters,
}

// blockLen is the number of addresses per block.
const blockLen = 256

// block is a stretch of addresses which is locked as a unit.
type block struct {
	mx     sync.RWMutex
	values [blockLen]uint16
}

// Bank is an in-memory Modbus data model. Every data type covers addresses
// 0 through Size()-1. Bits are stored as 0 or 1.
//
// A request touching several blocks locks them all at once, so readers never
// observe a partially applied multiple write.
type Bank struct {
	size   int
	blocks [numDataTypes][]*block
}

// NewBank creates a zeroed bank with size addresses per data type.
func NewBank(size int) (*Bank, error) {
	if size <= 0 || size > 1<<16 {
		return nil, fmt.Errorf("bank size out of range: %d", size)
	}
	b := &Bank{size: size}
	numBlocks := (size + blockLen - 1) / blockLen
	for dt := range b.blocks {
		b.blocks[dt] = make([]*block, numBlocks)
		for i := range b.blocks[dt] {
			b.blocks[dt][i] = &block{}
		}
	}
	return b, nil
}

// Size returns the number of addresses per data type.
func (b *Bank) Size() int {
	return b.size
}

// span returns the blocks holding n values from addr.
func (b *Bank) span(dt DataType, addr uint16, n int) ([]*block, error) {
	if dt >= numDataTypes {
		return nil, fmt.Errorf("unknown data type %d", dt)
	}
	if n <= 0 || int(addr)+n > b.size {
		return nil, modbus.ExceptionIllegalDataAddress
	}
	first := int(addr) / blockLen
	last := (int(addr) + n - 1) / blockLen
	return b.blocks[dt][first : last+1], nil
}

// getLocker returns a locker which atomically locks all given blocks.
func getLocker(blocks []*block, write bool) sync.Locker {
	lockers := make([]sync.Locker, len(blocks))
	for i, blk := range blocks {
		if write {
			lockers[i] = &blk.mx
		} else {
			lockers[i] = blk.mx.RLocker()
		}
	}
	return multilocker.New(lockers...)
}

// Read returns n values of type dt starting at addr.
func (b *Bank) Read(dt DataType, addr uint16, n int) ([]uint16, error) {
	blocks, err := b.span(dt, addr, n)
	if err != nil {
		return nil, err
	}
	l := getLocker(blocks, false)
	l.Lock()
	defer l.Unlock()
	values := make([]uint16, n)
	for i := range values {
		a := int(addr) + i
		values[i] = b.blocks[dt][a/blockLen].values[a%blockLen]
	}
	return values, nil
}

// Write stores values of type dt starting at addr. Any non-zero value sets
// a bit. Unlike requests from the bus, Write may change read-only types.
func (b *Bank) Write(dt DataType, addr uint16, values ...uint16) error {
	blocks, err := b.span(dt, addr, len(values))
	if err != nil {
		return err
	}
	l := getLocker(blocks, true)
	l.Lock()
	defer l.Unlock()
	for i, v := range values {
		if dt.IsBit() && v != 0 {
			v = 1
		}
		a := int(addr) + i
		b.blocks[dt][a/blockLen].values[a%blockLen] = v
	}
	return nil
}

// readBits answers a ReadCoils or ReadDiscreteInputs request.
func (b *Bank) readBits(dt DataType, data []byte) ([]byte, error) {
	req, err := parseReadRequest(data, maxReadBits)
	if err != nil {
		return nil, err
	}
	bits, err := b.Read(dt, req.start, req.n)
	if err != nil {
		return nil, err
	}
	packed := packBits(bits)
	return append([]byte{byte(len(packed))}, packed...), nil
}

// readWords answers a ReadHoldingRegisters or ReadInputRegisters request.
func (b *Bank) readWords(dt DataType, data []byte) ([]byte, error) {
	req, err := parseReadRequest(data, maxReadWords)
	if err != nil {
		return nil, err
	}
	words, err := b.Read(dt, req.start, req.n)
	if err != nil {
		return nil, err
	}
	result := make([]byte, 1+2*len(words))
	result[0] = byte(2 * len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(result[1+2*i:], w)
	}
	return result, nil
}

// FunctionHandler answers the data access functions from this bank.
func (b *Bank) FunctionHandler(_ context.Context, req *Request) ([]byte, error) {
	switch req.Function {
	case modbus.FunctionReadCoils:
		return b.readBits(DataTypeCoils, req.Data)
	case modbus.FunctionReadDiscreteInputs:
		return b.readBits(DataTypeDiscreteInputs, req.Data)
	case modbus.FunctionReadHoldingRegisters:
		return b.readWords(DataTypeHoldingRegisters, req.Data)
	case modbus.FunctionReadInputRegisters:
		return b.readWords(DataTypeInputRegisters, req.Data)
	case modbus.FunctionWriteSingleCoil:
		addr, on, err := parseWriteSingleCoil(req.Data)
		if err != nil {
			return nil, err
		}
		var v uint16
		if on {
			v = 1
		}
		if err := b.Write(DataTypeCoils, addr, v); err != nil {
			return nil, err
		}
		return append([]byte(nil), req.Data...), nil
	case modbus.FunctionWriteSingleRegister:
		addr, value, err := parseWriteSingleRegister(req.Data)
		if err != nil {
			return nil, err
		}
		if err := b.Write(DataTypeHoldingRegisters, addr, value); err != nil {
			return nil, err
		}
		return append([]byte(nil), req.Data...), nil
	case modbus.FunctionWriteMultipleCoils:
		start, bits, err := parseWriteMultipleCoils(req.Data)
		if err != nil {
			return nil, err
		}
		if err := b.Write(DataTypeCoils, start, bits...); err != nil {
			return nil, err
		}
		return append([]byte(nil), req.Data[:4]...), nil
	case modbus.FunctionWriteMultipleRegisters:
		start, values, err := parseWriteMultipleRegisters(req.Data)
		if err != nil {
			return nil, err
		}
		if err := b.Write(DataTypeHoldingRegisters, start, values...); err != nil {
			return nil, err
		}
		return append([]byte(nil), req.Data[:4]...), nil
	default:
		return nil, modbus.ExceptionIllegalFunction
	}
}

// AddToServer registers this bank as the handler of all data access
// functions for unit.
func (b *Bank) AddToServer(srv *Server, unit modbus.UnitID) error {
	return srv.SetFunctionHandler(b.FunctionHandler, unit, bankFunctions[:]...)
}
