package mockserver_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/internal/mockserver"
	"github.com/nuru/hellogravity/log2"
	"github.com/nuru/hellogravity/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t testing.TB, opt mockserver.Options) *mockserver.Server {
	t.Helper()
	opt.Log = log2.NewTest(t, log2.LDebug)
	s := mockserver.New(opt)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestControlHandshakeHeartbeat(t *testing.T) {
	t.Parallel()

	s := startServer(t, mockserver.Options{ControlAddr: "127.0.0.1:0", ControlFirst: true})
	conn, err := net.DialTimeout("tcp", s.ControlAddr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	lr := wire.NewLineReader(bufio.NewReader(conn), 0)

	line, err := lr.ReadLine()
	require.NoError(t, err)
	cs, self, err := wire.ParseHandshake(line)
	require.NoError(t, err)
	assert.Equal(t, conn.LocalAddr().String(), self)
	assert.True(t, cs.InControl(self))

	_, err = conn.Write(wire.HeartbeatLine)
	require.NoError(t, err)
	line, err = lr.ReadLine()
	require.NoError(t, err)
	cs, err = wire.ParseControlState(line)
	require.NoError(t, err)
	assert.Equal(t, []string{self}, cs.Connected)

	s.SetControlling("")
	s.SetMalformed(true)
	_, err = conn.Write(wire.HeartbeatLine)
	require.NoError(t, err)
	line, err = lr.ReadLine()
	require.NoError(t, err)
	_, err = wire.ParseControlState(line)
	assert.Equal(t, wire.ErrControlParse, errors.Cause(err))

	assert.Equal(t, 1, s.CloseClients())
	_, err = lr.ReadLine()
	assert.Error(t, err)
	assert.Equal(t, int64(1), s.Stat().Accepts.Value())
}

func TestTelemetrySink(t *testing.T) {
	t.Parallel()

	got := make(chan wire.Sample, 1)
	s := startServer(t, mockserver.Options{
		TelemetryAddr: "127.0.0.1:0",
		OnSample:      func(_ net.Addr, sample *wire.Sample) { got <- *sample },
	})
	conn, err := net.Dial("udp", s.TelemetryAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("short"))
	require.NoError(t, err)
	sample := wire.Sample{1, 2, 3, 4, 5, 6, 7, 8, 9}
	b, _ := sample.MarshalBinary()
	_, err = conn.Write(b)
	require.NoError(t, err)

	select {
	case s2 := <-got:
		assert.Equal(t, sample, s2)
	case <-time.After(3 * time.Second):
		t.Fatal("sample not received")
	}
	assert.Equal(t, int64(1), s.Stat().Invalid.Value())
	last, ok := s.LastSample()
	assert.True(t, ok)
	assert.Equal(t, sample, last)
}

func TestBeacon(t *testing.T) {
	t.Parallel()

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	startServer(t, mockserver.Options{
		BeaconAddr:     sink.LocalAddr().String(),
		BeaconInterval: 20 * time.Millisecond,
	})
	buf := make([]byte, 64)
	require.NoError(t, sink.SetReadDeadline(time.Now().Add(3*time.Second)))
	for i := 0; i < 2; i++ {
		n, _, err := sink.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, "PANTONE1", string(buf[:n]))
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	s := mockserver.New(mockserver.Options{ControlAddr: "127.0.0.1:0", TelemetryAddr: "127.0.0.1:0"})
	require.NoError(t, s.Start(context.Background()))
	conn, err := net.Dial("tcp", s.ControlAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
