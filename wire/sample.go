// Package wire implements byte level formats exchanged with the lights server:
// - fixed size binary sensor sample, UDP telemetry
// - OSC-style addressed blob, UDP light uplink framing
// - newline delimited JSON control messages, TCP control session
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Channel order of Sample on the wire.
const (
	ChanGravityX = iota
	ChanGravityY
	ChanGravityZ
	ChanAccelX
	ChanAccelY
	ChanAccelZ
	ChanGyroX
	ChanGyroY
	ChanGyroZ

	SampleChannels
)

const SampleSize = 4 * SampleChannels

var ErrSampleSize = errors.New("sample size mismatch")

var sampleColumns = [SampleChannels]string{
	"gx", "gy", "gz",
	"ax", "ay", "az",
	"rx", "ry", "rz",
}

// Sample is one sensor reading: gravity, accelerometer, gyroscope xyz.
// Opaque to this module, serialized verbatim.
type Sample [SampleChannels]float32

func SampleColumns() []string { return sampleColumns[:] }

func (s *Sample) Gravity() (x, y, z float32) {
	return s[ChanGravityX], s[ChanGravityY], s[ChanGravityZ]
}

func (s *Sample) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, SampleSize)), nil
}

func (s *Sample) AppendBinary(b []byte) []byte {
	return AppendFloats(b, s[:])
}

func (s *Sample) UnmarshalBinary(b []byte) error {
	if len(b) != SampleSize {
		return errors.Annotatef(ErrSampleSize, "expected=%d actual=%d", SampleSize, len(b))
	}
	for i := range s {
		s[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return nil
}

func (s Sample) String() string {
	return fmt.Sprintf("gx=%+.3f gy=%+.3f gz=%+.3f ax=%+.3f ay=%+.3f az=%+.3f rx=%+.3f ry=%+.3f rz=%+.3f",
		s[0], s[1], s[2], s[3], s[4], s[5], s[6], s[7], s[8])
}

// ParseSampleText reads channel values separated by commas or whitespace,
// in SampleColumns order. Used to replay recorded readings.
func ParseSampleText(line string) (Sample, error) {
	var s Sample
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) != SampleChannels {
		return s, errors.Annotatef(ErrSampleSize, "text fields expected=%d actual=%d", SampleChannels, len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return s, errors.Annotatef(err, "sample column=%s", sampleColumns[i])
		}
		s[i] = float32(v)
	}
	return s, nil
}

// AppendFloats writes big-endian float32 per value in order.
func AppendFloats(b []byte, values []float32) []byte {
	var tmp [4]byte
	for _, v := range values {
		binary.BigEndian.PutUint32(tmp[:], math.Float32bits(v))
		b = append(b, tmp[:]...)
	}
	return b
}

func EncodeFloats(values []float32) []byte {
	return AppendFloats(make([]byte, 0, 4*len(values)), values)
}

// DecodeFloats requires exactly 4*channels bytes, there is no partial parse.
func DecodeFloats(b []byte, channels int) ([]float32, error) {
	if channels < 0 || len(b) != 4*channels {
		return nil, errors.Annotatef(ErrSampleSize, "channels=%d expected=%d actual=%d", channels, 4*channels, len(b))
	}
	values := make([]float32, channels)
	for i := range values {
		values[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return values, nil
}
