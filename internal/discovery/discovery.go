// Package discovery implements the connectionless LAN handshake between the
// coordinator and worker agents.
//
// The coordinator broadcasts one probe and collects replies for a bounded
// window. An agent binds the discovery port, answers the first probe it sees
// and learns the coordinator's API address from the sender IP and the probe's
// api_port. Every wait is bounded by a socket read deadline.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"time"
)

const (
	DefaultPort          = 5001
	DefaultBroadcastAddr = "255.255.255.255"
	DefaultProbeTimeout  = 2 * time.Second
	DefaultListenTimeout = 5 * time.Second

	maxDatagram = 64 * 1024
)

// ErrNoCoordinator is returned by Listen when no probe arrives in the window.
var ErrNoCoordinator = errors.New("discovery: no coordinator probe received")

// Config is shared by both sides of the handshake.
type Config struct {
	Port          int
	BroadcastAddr string
	ProbeTimeout  time.Duration
	ListenTimeout time.Duration

	// Hostname and Capabilities are advertised in probes and replies.
	Hostname     string
	Capabilities map[string]string
	// APIPort is the coordinator's gRPC port (prober side).
	APIPort int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = DefaultBroadcastAddr
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ListenTimeout <= 0 {
		c.ListenTimeout = DefaultListenTimeout
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Peer is one agent that answered a probe.
type Peer struct {
	Address      string            `json:"address"`
	Hostname     string            `json:"hostname"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// Probe broadcasts a single probe and returns the distinct peers that
// replied before ProbeTimeout (or ctx) expired. No replies is not an error.
func Probe(ctx context.Context, cfg Config) ([]Peer, error) {
	cfg = cfg.withDefaults()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("discovery: bind probe socket: %w", err)
	}
	defer conn.Close()

	ip := net.ParseIP(cfg.BroadcastAddr)
	if ip == nil {
		return nil, fmt.Errorf("discovery: bad broadcast address %q", cfg.BroadcastAddr)
	}
	payload, err := Message{
		Kind:         KindProbe,
		Hostname:     cfg.Hostname,
		Capabilities: cfg.Capabilities,
		APIPort:      cfg.APIPort,
	}.Marshal()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: cfg.Port}); err != nil {
		return nil, fmt.Errorf("discovery: send probe: %w", err)
	}

	if err := conn.SetReadDeadline(deadline(ctx, cfg.ProbeTimeout)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	seen := make(map[string]Peer)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("discovery: read: %w", err)
		}
		msg, err := ParseMessage(buf[:n])
		if err != nil || msg.Kind != KindReply {
			continue
		}
		addr := from.IP.String()
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = Peer{Address: addr, Hostname: msg.Hostname, Capabilities: msg.Capabilities}
		cfg.Logger.Debug("Discovery reply", "peer", addr, "hostname", msg.Hostname)
	}

	peers := make([]Peer, 0, len(seen))
	for _, p := range seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
	return peers, nil
}

// Listen waits up to ListenTimeout for a probe, answers it and returns the
// coordinator's API address ("ip:port").
func Listen(ctx context.Context, cfg Config) (string, error) {
	r, err := NewResponder(cfg)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return r.AwaitProbe(ctx, r.cfg.ListenTimeout)
}

// Responder owns the bound discovery socket on the agent side.
type Responder struct {
	conn *net.UDPConn
	cfg  Config
}

// NewResponder binds cfg.Port on all interfaces.
func NewResponder(cfg Config) (*Responder, error) {
	cfg = cfg.withDefaults()
	return bindResponder(cfg, cfg.Port)
}

func bindResponder(cfg Config, port int) (*Responder, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("discovery: bind port %d: %w", port, err)
	}
	return &Responder{conn: conn, cfg: cfg}, nil
}

// LocalAddr returns the bound address.
func (r *Responder) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the socket.
func (r *Responder) Close() error { return r.conn.Close() }

// AwaitProbe answers the first probe received within timeout and returns
// the prober's API address. It returns ErrNoCoordinator on timeout.
func (r *Responder) AwaitProbe(ctx context.Context, timeout time.Duration) (string, error) {
	if err := r.conn.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() { r.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		coord, err := r.next()
		if err == nil {
			return coord, nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if errors.Is(ctx.Err(), context.Canceled) {
				return "", ctx.Err()
			}
			return "", ErrNoCoordinator
		}
		if !errors.Is(err, ErrForeignDatagram) {
			return "", err
		}
	}
}

// Serve answers probes until ctx is cancelled. onProbe, if set, is called
// with each prober's API address.
func (r *Responder) Serve(ctx context.Context, onProbe func(coordinator string)) error {
	if err := r.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { r.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		coord, err := r.next()
		switch {
		case err == nil:
			if onProbe != nil {
				onProbe(coord)
			}
		case errors.Is(err, ErrForeignDatagram):
		case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
}

// next reads one datagram and answers it if it is a probe.
func (r *Responder) next() (string, error) {
	buf := make([]byte, maxDatagram)
	n, from, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		return "", err
	}
	msg, err := ParseMessage(buf[:n])
	if err != nil {
		return "", err
	}
	if msg.Kind != KindProbe {
		return "", ErrForeignDatagram
	}

	reply, err := Message{Kind: KindReply, Hostname: r.cfg.Hostname, Capabilities: r.cfg.Capabilities}.Marshal()
	if err != nil {
		return "", err
	}
	if _, err := r.conn.WriteToUDP(reply, from); err != nil {
		r.cfg.Logger.Warn("Failed to answer discovery probe", "from", from.String(), "error", err)
	}
	coord := net.JoinHostPort(from.IP.String(), strconv.Itoa(msg.APIPort))
	r.cfg.Logger.Debug("Discovery probe answered", "coordinator", coord, "prober", msg.Hostname)
	return coord, nil
}

func deadline(ctx context.Context, window time.Duration) time.Time {
	d := time.Now().Add(window)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
