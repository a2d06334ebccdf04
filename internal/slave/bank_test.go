package slave

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/TheCount/go-rtutcp/modbus"
)

func handle(t *testing.T, b *Bank, fc modbus.FunctionCode, data ...byte) ([]byte, error) {
	t.Helper()
	return b.FunctionHandler(context.Background(), &Request{
		Unit:     1,
		Function: fc,
		Data:     data,
	})
}

func TestNewBankSize(t *testing.T) {
	_, err := NewBank(0)
	assert.ErrorContains(t, err, "out of range")
	_, err = NewBank(1<<16 + 1)
	assert.ErrorContains(t, err, "out of range")
	b, err := NewBank(1000)
	assert.NilError(t, err)
	assert.Equal(t, b.Size(), 1000)
	assert.Equal(t, len(b.blocks[DataTypeCoils]), 4)
}

func TestBankReadWriteAcrossBlocks(t *testing.T) {
	b, err := NewBank(1024)
	assert.NilError(t, err)
	assert.NilError(t, b.Write(DataTypeHoldingRegisters, 254, 1, 2, 3, 4))
	values, err := b.Read(DataTypeHoldingRegisters, 253, 6)
	assert.NilError(t, err)
	assert.DeepEqual(t, values, []uint16{0, 1, 2, 3, 4, 0})

	// other tables are separate
	values, err = b.Read(DataTypeInputRegisters, 254, 1)
	assert.NilError(t, err)
	assert.DeepEqual(t, values, []uint16{0})

	assert.NilError(t, b.Write(DataTypeCoils, 0, 7, 0, 1))
	values, err = b.Read(DataTypeCoils, 0, 3)
	assert.NilError(t, err)
	assert.DeepEqual(t, values, []uint16{1, 0, 1})
}

func TestBankOutOfRange(t *testing.T) {
	b, err := NewBank(10)
	assert.NilError(t, err)
	_, err = b.Read(DataTypeCoils, 8, 3)
	assert.Equal(t, err, error(modbus.ExceptionIllegalDataAddress))
	err = b.Write(DataTypeHoldingRegisters, 10, 1)
	assert.Equal(t, err, error(modbus.ExceptionIllegalDataAddress))
	_, err = b.Read(DataType(9), 0, 1)
	assert.ErrorContains(t, err, "unknown data type")
}

func TestBankReadHoldingRegisters(t *testing.T) {
	b, err := NewBank(100)
	assert.NilError(t, err)
	assert.NilError(t, b.Write(DataTypeHoldingRegisters, 10, 0x1234, 0xABCD))
	resp, err := handle(t, b, modbus.FunctionReadHoldingRegisters, 0, 10, 0, 2)
	assert.NilError(t, err)
	assert.DeepEqual(t, resp, []byte{4, 0x12, 0x34, 0xAB, 0xCD})
}

func TestBankReadCoilsPacksBits(t *testing.T) {
	b, err := NewBank(100)
	assert.NilError(t, err)
	assert.NilError(t, b.Write(DataTypeCoils, 0, 1, 0, 1, 1, 0, 0, 0, 0, 1, 1))
	resp, err := handle(t, b, modbus.FunctionReadCoils, 0, 0, 0, 10)
	assert.NilError(t, err)
	assert.DeepEqual(t, resp, []byte{2, 0x0D, 0x03})
}

func TestBankWrites(t *testing.T) {
	b, err := NewBank(100)
	assert.NilError(t, err)

	resp, err := handle(t, b, modbus.FunctionWriteSingleRegister, 0, 5, 0xBE, 0xEF)
	assert.NilError(t, err)
	assert.DeepEqual(t, resp, []byte{0, 5, 0xBE, 0xEF})

	resp, err = handle(t, b, modbus.FunctionWriteSingleCoil, 0, 3, 0xFF, 0)
	assert.NilError(t, err)
	assert.DeepEqual(t, resp, []byte{0, 3, 0xFF, 0})

	resp, err = handle(t, b, modbus.FunctionWriteMultipleRegisters,
		0, 6, 0, 2, 4, 0, 1, 0, 2)
	assert.NilError(t, err)
	assert.DeepEqual(t, resp, []byte{0, 6, 0, 2})

	resp, err = handle(t, b, modbus.FunctionWriteMultipleCoils, 0, 8, 0, 3, 1, 0x05)
	assert.NilError(t, err)
	assert.DeepEqual(t, resp, []byte{0, 8, 0, 3})

	regs, err := b.Read(DataTypeHoldingRegisters, 5, 3)
	assert.NilError(t, err)
	assert.DeepEqual(t, regs, []uint16{0xBEEF, 1, 2})
	coils, err := b.Read(DataTypeCoils, 3, 8)
	assert.NilError(t, err)
	assert.DeepEqual(t, coils, []uint16{1, 0, 0, 0, 0, 1, 0, 1})
}

func TestBankExceptions(t *testing.T) {
	b, err := NewBank(100)
	assert.NilError(t, err)
	for _, tc := range []struct {
		name string
		fc   modbus.FunctionCode
		data []byte
		want modbus.ExceptionCode
	}{
		{"zero quantity", modbus.FunctionReadHoldingRegisters, []byte{0, 0, 0, 0}, modbus.ExceptionIllegalDataValue},
		{"too many registers", modbus.FunctionReadInputRegisters, []byte{0, 0, 0, 126}, modbus.ExceptionIllegalDataValue},
		{"beyond bank", modbus.FunctionReadHoldingRegisters, []byte{0, 99, 0, 2}, modbus.ExceptionIllegalDataAddress},
		{"short request", modbus.FunctionReadCoils, []byte{0, 0, 0}, modbus.ExceptionIllegalDataValue},
		{"bad coil value", modbus.FunctionWriteSingleCoil, []byte{0, 0, 0x12, 0x34}, modbus.ExceptionIllegalDataValue},
		{"byte count mismatch", modbus.FunctionWriteMultipleRegisters, []byte{0, 0, 0, 2, 2, 0, 1}, modbus.ExceptionIllegalDataValue},
		{"unsupported", modbus.FunctionMaskWriteRegister, []byte{0, 0, 0, 0, 0, 0}, modbus.ExceptionIllegalFunction},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := handle(t, b, tc.fc, tc.data...)
			var ec modbus.ExceptionCode
			assert.Assert(t, errors.As(err, &ec))
			assert.Equal(t, ec, tc.want)
		})
	}
}

func TestBankMultipleWriteIsAtomic(t *testing.T) {
	b, err := NewBank(blockLen * 2)
	assert.NilError(t, err)
	start := uint16(blockLen - 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint16(0); i < 500; i++ {
			assert.Check(t, b.Write(DataTypeHoldingRegisters, start, i, i, i, i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			values, err := b.Read(DataTypeHoldingRegisters, start, 4)
			if !assert.Check(t, err) {
				return
			}
			for _, v := range values[1:] {
				assert.Check(t, v == values[0], "torn read: %v", values)
			}
		}
	}()
	wg.Wait()
}

func TestPackBits(t *testing.T) {
	bits := []uint16{1, 0, 0, 0, 0, 0, 0, 1, 1}
	packed := packBits(bits)
	assert.DeepEqual(t, packed, []byte{0x81, 0x01})
	assert.DeepEqual(t, unpackBits(packed, len(bits)), bits)
}
