package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dualnet/limits"
	"github.com/opd-ai/dualnet/metrics"
)

func startTCPServer(t *testing.T, opts Options, rec *recorder) *TCPServer {
	t.Helper()
	srv := NewTCPServer("127.0.0.1:0", opts)
	srv.SetCallbacks(rec.serverCallbacks())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestTCPRoundTrip(t *testing.T) {
	var srvRec, cliRec recorder
	srv := startTCPServer(t, testOptions(), &srvRec)

	stats := &metrics.Counters{}
	opts := testOptions()
	opts.Stats = stats
	cli := NewTCPClient(srv.Addr().String(), opts)
	cli.SetCallbacks(cliRec.clientCallbacks())
	require.NoError(t, cli.Connect(context.Background()))
	assert.Equal(t, TCPConnected, cli.State())
	assert.ErrorIs(t, cli.Connect(context.Background()), ErrAlreadyStarted)

	for i := 0; i < 20; i++ {
		require.NoError(t, cli.Send([]byte{byte(i), 1, 2, 3}))
	}
	require.Eventually(t, func() bool {
		_, _, n := srvRec.counts()
		return n == 20
	}, waitFor, tick)
	for i := 0; i < 20; i++ {
		assert.Equal(t, []byte{byte(i), 1, 2, 3}, srvRec.packet(i), "stream order is preserved")
	}

	conn := srvRec.firstConn()
	require.NotNil(t, conn)
	require.NoError(t, conn.Send([]byte("pong")))
	require.Eventually(t, func() bool {
		_, _, n := cliRec.counts()
		return n == 1
	}, waitFor, tick)
	assert.Equal(t, []byte("pong"), cliRec.packet(0))
	require.Eventually(t, func() bool { return stats.Snapshot().PacketsSent == 20 }, waitFor, tick)

	require.NoError(t, cli.Disconnect())
	assert.Equal(t, TCPDisconnected, cli.State())
	require.Eventually(t, func() bool {
		_, n, _ := srvRec.counts()
		return n == 1
	}, waitFor, tick)
	assert.Equal(t, 0, srv.Len())

	_, disconnects, _ := cliRec.counts()
	assert.Equal(t, 1, disconnects)

	assert.ErrorIs(t, cli.Send([]byte("late")), ErrNotConnected)
}

func TestTCPClientRejectsOversizedSend(t *testing.T) {
	var rec recorder
	srv := startTCPServer(t, testOptions(), &rec)
	cli := NewTCPClient(srv.Addr().String(), testOptions())
	require.NoError(t, cli.Connect(context.Background()))
	defer cli.Close()

	err := cli.Send(make([]byte, limits.MaxFrameSize(1024)+1))
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
	assert.ErrorIs(t, cli.Send(nil), limits.ErrMessageEmpty)
}

func TestTCPServerDropsOversizedHeader(t *testing.T) {
	var rec recorder
	srv := startTCPServer(t, testOptions(), &rec)

	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, tick)

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 1<<30)
	_, err = raw.Write(header)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, n, _ := rec.counts()
		return n == 1
	}, waitFor, tick)
	assert.Equal(t, 0, srv.Len())
	_ = raw.SetReadDeadline(time.Now().Add(waitFor))
	_, err = raw.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	_, _, packets := rec.counts()
	assert.Equal(t, 0, packets)
}

func TestTCPServerSurvivesBrokenPeers(t *testing.T) {
	var rec recorder
	srv := startTCPServer(t, testOptions(), &rec)

	for i := 0; i < 5; i++ {
		raw, err := net.Dial("tcp", srv.Addr().String())
		require.NoError(t, err)
		_, _ = raw.Write([]byte{0, 0})
		_ = raw.Close()
	}

	cli := NewTCPClient(srv.Addr().String(), testOptions())
	require.NoError(t, cli.Connect(context.Background()))
	defer cli.Close()
	require.NoError(t, cli.Send(bytes.Repeat([]byte{9}, 100)))
	require.Eventually(t, func() bool {
		_, _, n := rec.counts()
		return n == 1
	}, waitFor, tick)
}

func TestTCPServerConnectionLimit(t *testing.T) {
	var rec recorder
	opts := testOptions()
	opts.Config.MaxConnections = 1
	srv := startTCPServer(t, opts, &rec)

	first := NewTCPClient(srv.Addr().String(), testOptions())
	require.NoError(t, first.Connect(context.Background()))
	defer first.Close()
	require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, tick)

	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(waitFor))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 1, srv.Len())
}
