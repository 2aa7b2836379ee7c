package wire_test

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControlState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		expect    *wire.ControlState
		expectErr string
	}{
		{"nominal", `{"connected":["A","B"],"controlling":"B"}` + "\n",
			&wire.ControlState{Connected: []string{"A", "B"}, Controlling: "B"}, ""},
		{"no-newline", `{"connected":["10.0.0.5"],"controlling":""}`,
			&wire.ControlState{Connected: []string{"10.0.0.5"}, Controlling: ""}, ""},
		{"controlling-null", `{"connected":[],"controlling":null}`,
			&wire.ControlState{Connected: []string{}}, ""},
		{"extra-fields", `{"connected":["A"],"controlling":"A","v":2}`,
			&wire.ControlState{Connected: []string{"A"}, Controlling: "A"}, ""},
		{"truncated", `{"connected":["A","B"],"contr`, nil, "control message is invalid"},
		{"missing-controlling", `{"connected":["A"]}`, nil, "missing controlling"},
		{"missing-connected", `{"controlling":"A"}`, nil, "missing connected"},
		{"connected-null", `{"connected":null,"controlling":"A"}`, nil, "missing connected"},
		{"connected-type", `{"connected":"A","controlling":"A"}`, nil, "connected=\"A\""},
		{"controlling-type", `{"connected":[],"controlling":7}`, nil, "controlling=7"},
		{"heartbeat-echo", `{}`, nil, "missing connected"},
		{"array", `[]`, nil, "control message is invalid"},
		{"empty", ``, nil, "control message is invalid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			cs, err := wire.ParseControlState([]byte(c.input))
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Nil(t, cs)
				assert.Contains(t, err.Error(), c.expectErr)
				assert.Equal(t, wire.ErrControlParse, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, cs)
		})
	}
}

func TestControlStateInControl(t *testing.T) {
	t.Parallel()

	cs, err := wire.ParseControlState([]byte(`{"connected":["A","B"],"controlling":"B"}`))
	require.NoError(t, err)
	assert.True(t, cs.InControl("B"))
	assert.False(t, cs.InControl("A"))
	assert.False(t, cs.InControl(""))

	empty := &wire.ControlState{Connected: []string{"A"}}
	assert.False(t, empty.InControl(""))
	var nilState *wire.ControlState
	assert.False(t, nilState.InControl("A"))
}

func TestParseHandshake(t *testing.T) {
	t.Parallel()

	cs, self, err := wire.ParseHandshake([]byte(`{"connected":["192.168.1.10","192.168.1.23"],"controlling":"192.168.1.10"}`))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.23", self)
	assert.False(t, cs.InControl(self))

	_, _, err = wire.ParseHandshake([]byte(`{"connected":[],"controlling":""}`))
	assert.Equal(t, wire.ErrControlParse, errors.Cause(err))
}

func TestControlStateMarshalLine(t *testing.T) {
	t.Parallel()

	b, err := (&wire.ControlState{Controlling: "A"}).MarshalLine()
	require.NoError(t, err)
	assert.Equal(t, `{"connected":[],"controlling":"A"}`+"\n", string(b))
	assert.Equal(t, "{}\n", string(wire.HeartbeatLine))

	cs, err := wire.ParseControlState(b)
	require.NoError(t, err)
	assert.Equal(t, "A", cs.Controlling)
}

func TestLineReader(t *testing.T) {
	t.Parallel()

	lr := wire.NewLineReader(strings.NewReader("{}\n{\"a\":1}\r\nlast"), 16)
	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(line))
	line, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))
	_, err = lr.ReadLine()
	assert.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))

	lr = wire.NewLineReader(strings.NewReader(""), 16)
	_, err = lr.ReadLine()
	assert.Equal(t, io.EOF, err)
}

func TestLineReaderLimit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 100) + "\n"
	// bufio minimum buffer is 16, exercise both full line and ErrBufferFull paths
	for _, size := range []int{16, 4096} {
		lr := &wire.LineReader{}
		lr.Attach(bufio.NewReaderSize(strings.NewReader(long), size), 32)
		_, err := lr.ReadLine()
		require.Error(t, err)
		assert.Equal(t, wire.ErrLineTooLong, errors.Cause(err))
	}

	lr := &wire.LineReader{}
	lr.Attach(bufio.NewReaderSize(strings.NewReader(long), 16), 200)
	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, 100, len(line))
}
