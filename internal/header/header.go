// Package header implements the fixed 24-byte prefix carried by every
// benchmark message: sequence number, producer timestamp, and total payload
// size, each a little-endian uint64.
//
// The header is a raw binary prefix rather than a self-describing encoding:
// both endpoints are the harness itself, brokers never inspect payloads, and
// decode cost must stay constant regardless of payload size.
package header

import (
	"encoding/binary"
	"fmt"
)

// Size is the wire size of the header in bytes.
const Size = 24

// Header is the decoded form of the message prefix.
type Header struct {
	Seq         uint64 // per-publisher sequence, strictly increasing
	TimestampNS uint64 // producer clock, nanoseconds
	PayloadSize uint64 // total message length, header included
}

// ErrShort is returned by Decode for buffers below Size bytes. Callers count
// such messages as errors and must not interpret any of their bytes.
var ErrShort = fmt.Errorf("payload shorter than %d-byte header", Size)

// Encode writes h into the first Size bytes of buf. buf must be at least
// Size bytes; the caller validates payload size once at startup, not per send.
func Encode(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], h.TimestampNS)
	binary.LittleEndian.PutUint64(buf[16:24], h.PayloadSize)
}

// Stamp overwrites the header region of buf in place with a fresh sequence
// number and timestamp. PayloadSize is taken from len(buf), which is the
// published message length.
func Stamp(buf []byte, seq, nowNS uint64) {
	Encode(buf, Header{Seq: seq, TimestampNS: nowNS, PayloadSize: uint64(len(buf))})
}

// Decode interprets the first Size bytes of b. Trailing bytes are ignored;
// producers zero- or pattern-fill them and consumers never read them.
func Decode(b []byte) (Header, error) {
	if len(b) < Size {
		return Header{}, ErrShort
	}
	return Header{
		Seq:         binary.LittleEndian.Uint64(b[0:8]),
		TimestampNS: binary.LittleEndian.Uint64(b[8:16]),
		PayloadSize: binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// NewPayload allocates a message buffer of the requested size with the body
// region filled with a repeating printable pattern. A non-zero body keeps
// broker- or transport-level compression from flattering throughput numbers.
// size must be >= Size; roles enforce that as a config error at startup.
func NewPayload(size int) []byte {
	buf := make([]byte, size)
	const pattern = "abcdefghijklmnopqrstuvwxyz0123456789"
	for i := Size; i < size; i++ {
		buf[i] = pattern[(i-Size)%len(pattern)]
	}
	return buf
}
