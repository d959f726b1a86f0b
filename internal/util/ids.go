package util

import "math/rand/v2"

const idHexDigits = 32

// NewJobID returns an id for a durable job row.
func NewJobID() string {
	return rowID("job_")
}

// NewOutboxID returns an id for an outbox message row.
func NewOutboxID() string {
	return rowID("outbox_")
}

// rowID appends idHexDigits random hex digits to prefix. Row ids are not secrets.
func rowID(prefix string) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, len(prefix), len(prefix)+idHexDigits)
	copy(buf, prefix)
	for i := 0; i < idHexDigits; i += 16 {
		v := rand.Uint64()
		for j := 0; j < 16 && i+j < idHexDigits; j++ {
			buf = append(buf, digits[v&0xf])
			v >>= 4
		}
	}
	return string(buf)
}
