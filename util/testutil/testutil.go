// Package testutil provides a few small helpers for tests.
package testutil

// CreateDummyBuf creates a byte slice that is `size` big.
// It's filled with the repeating numbers [0...255].
func CreateDummyBuf(size int64) []byte {
	buf := make([]byte, size)

	for i := int64(0); i < size; i++ {
		// Be evil and stripe the data:
		buf[i] = byte(i % 255)
	}

	return buf
}

// CreatePayload creates a dummy page payload of `size` bytes whose
// first byte is `tag`, so payloads of different pages differ.
func CreatePayload(tag byte, size int64) []byte {
	buf := CreateDummyBuf(size)
	if size > 0 {
		buf[0] = tag
	}

	return buf
}
