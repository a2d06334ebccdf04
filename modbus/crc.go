package modbus

import (
	"github.com/sigurn/crc16"
)

// crcTable is the lookup table for the Modbus CRC-16 (polynomial 0xA001
// reflected, initial value 0xFFFF).
var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC16 returns the Modbus CRC-16 of data. RTU frames carry it in little
// endian byte order.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// appendCRC appends the little endian CRC-16 of data to data.
func appendCRC(data []byte) []byte {
	crc := CRC16(data)
	return append(data, byte(crc), byte(crc>>8))
}
