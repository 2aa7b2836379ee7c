package helpers

import (
	"expvar"
	"io"
)

// StatReader adds bytes read to V.
// Overhead is added once per non-empty Read, e.g. framing not seen by reader.
type StatReader struct {
	R        io.Reader
	V        *expvar.Int
	Overhead int64
}

func NewStatReader(r io.Reader, v *expvar.Int, overhead int64) *StatReader {
	return &StatReader{R: r, V: v, Overhead: overhead}
}

func (sr *StatReader) Read(p []byte) (int, error) {
	n, err := sr.R.Read(p)
	if n > 0 {
		sr.V.Add(int64(n) + sr.Overhead)
	}
	return n, err
}

// StatWriter adds bytes written to V, Overhead once per non-empty Write.
type StatWriter struct {
	W        io.Writer
	V        *expvar.Int
	Overhead int64
}

func NewStatWriter(w io.Writer, v *expvar.Int, overhead int64) *StatWriter {
	return &StatWriter{W: w, V: v, Overhead: overhead}
}

func (sw *StatWriter) Write(p []byte) (int, error) {
	n, err := sw.W.Write(p)
	if n > 0 {
		sw.V.Add(int64(n) + sw.Overhead)
	}
	return n, err
}
