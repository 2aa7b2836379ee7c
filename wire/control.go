package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/juju/errors"
)

const DefaultLineLimit = 16 << 10

var (
	ErrControlParse = errors.New("control message is invalid")
	ErrLineTooLong  = errors.New("line is too long")
)

// HeartbeatLine is sent by client on every heartbeat tick.
var HeartbeatLine = []byte("{}\n")

// ControlState is server view of connected clients.
// Replaced wholesale on every parsed message, never modified.
type ControlState struct {
	Connected   []string `json:"connected"`
	Controlling string   `json:"controlling"`
}

// ParseControlState decodes one line (trailing newline optional).
// Both keys must be present, `controlling` may be empty string or null.
func ParseControlState(line []byte) (*ControlState, error) {
	line = bytes.TrimRight(line, "\r\n")
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, errors.Annotatef(ErrControlParse, "json=%q err=%v", line, err)
	}
	connected, ok := raw["connected"]
	if !ok || isJSONNull(connected) {
		return nil, errors.Annotatef(ErrControlParse, "missing connected json=%q", line)
	}
	controlling, ok := raw["controlling"]
	if !ok {
		return nil, errors.Annotatef(ErrControlParse, "missing controlling json=%q", line)
	}
	cs := &ControlState{}
	if err := json.Unmarshal(connected, &cs.Connected); err != nil {
		return nil, errors.Annotatef(ErrControlParse, "connected=%s err=%v", connected, err)
	}
	if !isJSONNull(controlling) {
		if err := json.Unmarshal(controlling, &cs.Controlling); err != nil {
			return nil, errors.Annotatef(ErrControlParse, "controlling=%s err=%v", controlling, err)
		}
	}
	return cs, nil
}

// ParseHandshake is ParseControlState for the first line of a session.
// Server appends newly connected client to the end of `connected`,
// so last entry is this client address as seen by server.
func ParseHandshake(line []byte) (cs *ControlState, self string, err error) {
	cs, err = ParseControlState(line)
	if err != nil {
		return nil, "", err
	}
	if len(cs.Connected) == 0 {
		return nil, "", errors.Annotate(ErrControlParse, "handshake connected=[]")
	}
	return cs, cs.Connected[len(cs.Connected)-1], nil
}

// InControl reports whether self is the controlling client.
// Empty self is never in control.
func (cs *ControlState) InControl(self string) bool {
	return cs != nil && self != "" && cs.Controlling == self
}

func (cs *ControlState) MarshalLine() ([]byte, error) {
	connected := cs.Connected
	if connected == nil {
		connected = []string{}
	}
	b, err := json.Marshal(ControlState{Connected: connected, Controlling: cs.Controlling})
	if err != nil {
		return nil, errors.Annotate(err, "control marshal")
	}
	return append(b, '\n'), nil
}

func (cs *ControlState) String() string {
	if cs == nil {
		return "(nil)"
	}
	return fmt.Sprintf("(connected=%v controlling=%s)", cs.Connected, cs.Controlling)
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// LineReader reads newline terminated messages up to a size limit.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func (lr *LineReader) Attach(r *bufio.Reader, max int) {
	if max <= 0 {
		max = DefaultLineLimit
	}
	lr.r = r
	lr.max = max
}

func NewLineReader(r io.Reader, max int) *LineReader {
	lr := &LineReader{}
	lr.Attach(bufio.NewReader(r), max)
	return lr
}

// ReadLine returns line without trailing newline.
// Returned slice is only valid until next call.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		switch err {
		case nil:
			if buf == nil {
				buf = chunk
			} else {
				buf = append(buf, chunk...)
			}
			if len(buf) > lr.max+1 {
				return nil, errors.Annotatef(ErrLineTooLong, "length=%d max=%d", len(buf), lr.max)
			}
			return bytes.TrimRight(buf, "\r\n"), nil

		case bufio.ErrBufferFull:
			buf = append(buf, chunk...)
			if len(buf) > lr.max {
				return nil, errors.Annotatef(ErrLineTooLong, "length>%d", lr.max)
			}

		case io.EOF:
			if len(buf)+len(chunk) == 0 {
				return nil, io.EOF
			}
			return nil, errors.Annotate(io.ErrUnexpectedEOF, "line")

		default:
			return nil, errors.Annotate(err, "line")
		}
	}
}
