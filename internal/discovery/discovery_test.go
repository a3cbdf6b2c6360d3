package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	probe := Message{Kind: KindProbe, Hostname: "coord", APIPort: 50051}
	raw, err := probe.Marshal()
	require.NoError(t, err)

	got, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, KindProbe, got.Kind)
	assert.Equal(t, 50051, got.APIPort)

	reply := Message{Kind: KindReply, Hostname: "gpu-01", Capabilities: map[string]string{"gpu": "a100", "mem": "80G"}}
	raw, err = reply.Marshal()
	require.NoError(t, err)
	got, err = ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, reply.Capabilities, got.Capabilities)
	assert.Zero(t, got.APIPort)
}

func TestParseForeign(t *testing.T) {
	cases := map[string][]byte{
		"garbage": []byte("hello there, not protobuf \xff\xfe"),
		"empty":   {},
	}
	for name, b := range cases {
		_, err := ParseMessage(b)
		assert.True(t, errors.Is(err, ErrForeignDatagram), name)
	}

	noPort, err := Message{Kind: KindProbe}.Marshal()
	require.NoError(t, err)
	_, err = ParseMessage(noPort)
	assert.True(t, errors.Is(err, ErrForeignDatagram))
}

func newLoopbackResponder(t *testing.T, hostname string) *Responder {
	t.Helper()
	r, err := bindResponder(Config{Hostname: hostname, Capabilities: map[string]string{"gpu": "1"}}.withDefaults(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestProbeAndAwait(t *testing.T) {
	r := newLoopbackResponder(t, "agent-1")

	type result struct {
		addr string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		addr, err := r.AwaitProbe(context.Background(), 2*time.Second)
		done <- result{addr, err}
	}()

	peers, err := Probe(context.Background(), Config{
		Port:          r.LocalAddr().Port,
		BroadcastAddr: "127.0.0.1",
		ProbeTimeout:  500 * time.Millisecond,
		Hostname:      "coord",
		APIPort:       50051,
	})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1", peers[0].Address)
	assert.Equal(t, "agent-1", peers[0].Hostname)
	assert.Equal(t, "1", peers[0].Capabilities["gpu"])

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "127.0.0.1:50051", res.addr)
}

func TestAwaitProbeTimeout(t *testing.T) {
	r := newLoopbackResponder(t, "agent-1")

	start := time.Now()
	_, err := r.AwaitProbe(context.Background(), 100*time.Millisecond)
	assert.True(t, errors.Is(err, ErrNoCoordinator))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAwaitProbeIgnoresForeignDatagrams(t *testing.T) {
	r := newLoopbackResponder(t, "agent-1")

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.LocalAddr().Port})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("SSDP M-SEARCH * HTTP/1.1"))
	require.NoError(t, err)
	probe, err := Message{Kind: KindProbe, Hostname: "coord", APIPort: 6000}.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(probe)
	require.NoError(t, err)

	addr, err := r.AwaitProbe(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", addr)

	// the prober got a reply on its own socket
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	msg, err := ParseMessage(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, KindReply, msg.Kind)
	assert.Equal(t, "agent-1", msg.Hostname)
}

func TestProbeWithoutPeers(t *testing.T) {
	// reserve a port nobody listens on
	tmp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := tmp.LocalAddr().(*net.UDPAddr).Port
	tmp.Close()

	peers, err := Probe(context.Background(), Config{Port: port, BroadcastAddr: "127.0.0.1", ProbeTimeout: 100 * time.Millisecond, APIPort: 1})
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestServeUntilCancelled(t *testing.T) {
	r := newLoopbackResponder(t, "agent-2")
	ctx, cancel := context.WithCancel(context.Background())

	seen := make(chan string, 4)
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, func(c string) { seen <- c }) }()

	for i := 0; i < 2; i++ {
		peers, err := Probe(context.Background(), Config{
			Port: r.LocalAddr().Port, BroadcastAddr: "127.0.0.1",
			ProbeTimeout: 300 * time.Millisecond, APIPort: 7000 + i,
		})
		require.NoError(t, err)
		require.Len(t, peers, 1)
	}
	assert.Equal(t, "127.0.0.1:7000", <-seen)
	assert.Equal(t, "127.0.0.1:7001", <-seen)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
