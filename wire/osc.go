package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/juju/errors"
)

const (
	OSCAlign   = 4
	OSCTagBlob = ",b"
)

var ErrOSCInvalid = errors.New("osc message is invalid")

// AppendOSCString writes UTF-8 s followed by 1..4 zero bytes,
// so the result is aligned and always NUL terminated.
func AppendOSCString(b []byte, s string) []byte {
	b = append(b, s...)
	pad := OSCAlign - len(s)%OSCAlign
	for i := 0; i < pad; i++ {
		b = append(b, 0)
	}
	return b
}

// AppendOSCBlob writes big-endian uint32 length, blob, zero padding to alignment.
func AppendOSCBlob(b []byte, blob []byte) []byte {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(blob)))
	b = append(b, size[:]...)
	b = append(b, blob...)
	if rem := len(blob) % OSCAlign; rem != 0 {
		for i := 0; i < OSCAlign-rem; i++ {
			b = append(b, 0)
		}
	}
	return b
}

// OSCBlobMessage frames blob as single argument message at OSC address,
// e.g. "/dmx/universe/0".
func OSCBlobMessage(address string, blob []byte) []byte {
	n := len(address) + OSCAlign + OSCAlign + 4 + len(blob) + OSCAlign
	b := make([]byte, 0, n)
	b = AppendOSCString(b, address)
	b = AppendOSCString(b, OSCTagBlob)
	return AppendOSCBlob(b, blob)
}

// ParseOSCBlob returns address and blob argument.
// Any padding after the declared blob length is ignored.
func ParseOSCBlob(b []byte) (address string, blob []byte, err error) {
	address, rest, err := readOSCString(b)
	if err != nil {
		return "", nil, errors.Annotate(err, "address")
	}
	tag, rest, err := readOSCString(rest)
	if err != nil {
		return "", nil, errors.Annotate(err, "type tag")
	}
	if tag != OSCTagBlob {
		return "", nil, errors.Annotatef(ErrOSCInvalid, "type tag=%q", tag)
	}
	if len(rest) < 4 {
		return "", nil, errors.Annotate(io.ErrUnexpectedEOF, "blob length")
	}
	size := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if uint64(size) > uint64(len(rest)) {
		return "", nil, errors.Annotatef(io.ErrUnexpectedEOF, "blob length=%d remaining=%d", size, len(rest))
	}
	return address, rest[:size], nil
}

func readOSCString(b []byte) (string, []byte, error) {
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return "", nil, errors.Annotate(ErrOSCInvalid, "missing NUL")
	}
	padded := end + OSCAlign - end%OSCAlign
	if padded > len(b) {
		return "", nil, errors.Annotate(io.ErrUnexpectedEOF, "string padding")
	}
	return string(b[:end]), b[padded:], nil
}
