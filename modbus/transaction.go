package modbus

import (
	"fmt"
)

// maxTransactions is the number of transaction identifiers in use. Identifiers
// wrap around modulo maxTransactions.
const maxTransactions = 64

// transaction is an entry of the transaction table.
type transaction struct {
	// expected is the expected response length without MBAP header.
	expected int

	// valid is set once a request has been sent with this identifier.
	valid bool
}

// transactionTable maps transaction identifiers to the response lengths they
// expect. Entries are overwritten by new requests, never deleted. An
// identifier must not be reused while its previous response is outstanding.
type transactionTable [maxTransactions]transaction

// set records the expected response length for id.
func (t *transactionTable) set(id uint16, expected int) {
	t[id] = transaction{expected: expected, valid: true}
}

// lookup returns the expected response length for id.
func (t *transactionTable) lookup(id uint16) (int, error) {
	if int(id) >= len(t) || !t[id].valid {
		return 0, fmt.Errorf("%w %d", ErrUnknownTransaction, id)
	}
	return t[id].expected, nil
}

// nextTransactionID returns the identifier following last.
func nextTransactionID(last uint16) uint16 {
	return (last + 1) % maxTransactions
}

// encodeRequest converts an RTU request frame into a TCP request with the
// given transaction identifier. The trailing CRC of the RTU frame is dropped.
func encodeRequest(id uint16, frame []byte) []byte {
	pduLen := len(frame) - 2
	var header MBAP
	header.SetTransactionID(id)
	header.SetLength(pduLen)
	buf := make([]byte, 0, MBAPHeaderLen+pduLen)
	buf = append(buf, header[:]...)
	return append(buf, frame[:pduLen]...)
}
