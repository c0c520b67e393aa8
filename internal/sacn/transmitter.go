// Package sacn sends DMX universes over E1.31 (streaming ACN).
package sacn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender transmits one universe worth of channel values.
// Implementations must not block beyond their own write timeout.
type Sender interface {
	Send(ctx context.Context, universe uint16, channels []byte) error
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("sacn transmitter closed")

// Options configures a Transmitter.
type Options struct {
	CID          uuid.UUID     // Component identifier; a random one is generated if zero
	SourceName   string        // Human-readable source name shown by receivers
	Priority     byte          // 0-200, DefaultPriority if zero
	Multicast    bool          // Send to the universe's multicast group
	Destinations []string      // Additional unicast receivers, "host" or "host:port"
	BindAddress  string        // Local address to send from, empty for any
	WriteTimeout time.Duration // Upper bound for one packet write, 100ms if zero
}

// Transmitter is a Sender backed by a UDP socket.
type Transmitter struct {
	conn         net.PacketConn
	cid          [16]byte
	sourceName   string
	priority     byte
	multicast    bool
	destinations []*net.UDPAddr
	writeTimeout time.Duration

	mu       sync.Mutex
	sequence map[uint16]byte
	closed   bool
}

// NewTransmitter opens the UDP socket and resolves unicast destinations.
func NewTransmitter(opts Options) (*Transmitter, error) {
	if !opts.Multicast && len(opts.Destinations) == 0 {
		return nil, fmt.Errorf("no destinations: enable multicast or list unicast receivers")
	}

	cid := opts.CID
	if cid == uuid.Nil {
		cid = uuid.New()
	}
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority > 200 {
		return nil, fmt.Errorf("priority %d out of range (0-200)", priority)
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	var dests []*net.UDPAddr
	for _, d := range opts.Destinations {
		addr, err := resolveDestination(d)
		if err != nil {
			return nil, err
		}
		dests = append(dests, addr)
	}

	bind := net.JoinHostPort(opts.BindAddress, "0")
	conn, err := net.ListenPacket("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to open sACN socket on %s: %w", bind, err)
	}

	return &Transmitter{
		conn:         conn,
		cid:          cid,
		sourceName:   opts.SourceName,
		priority:     priority,
		multicast:    opts.Multicast,
		destinations: dests,
		writeTimeout: timeout,
		sequence:     make(map[uint16]byte),
	}, nil
}

func resolveDestination(d string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(d)
	if err != nil {
		host, port = d, strconv.Itoa(Port)
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("invalid sACN destination %q: %w", d, err)
	}
	return addr, nil
}

// Send transmits the channels to the universe's multicast group and every
// unicast destination. Errors for individual targets are joined; a failure on
// one target does not prevent sending to the others.
func (t *Transmitter) Send(ctx context.Context, universe uint16, channels []byte) error {
	return t.send(ctx, universe, channels, false)
}

func (t *Transmitter) send(ctx context.Context, universe uint16, channels []byte, terminated bool) error {
	t.mu.Lock()
	if t.closed && !terminated {
		t.mu.Unlock()
		return ErrClosed
	}
	seq := t.sequence[universe]
	t.sequence[universe] = seq + 1
	t.mu.Unlock()

	pkt := DataPacket{
		CID:        t.cid,
		SourceName: t.sourceName,
		Priority:   t.priority,
		Sequence:   seq,
		Terminated: terminated,
		Universe:   universe,
		Data:       channels,
	}
	buf, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode sACN packet: %w", err)
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	var errs []error
	for _, addr := range t.targets(universe) {
		if _, err := t.conn.WriteTo(buf, addr); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transmitter) targets(universe uint16) []*net.UDPAddr {
	targets := make([]*net.UDPAddr, 0, len(t.destinations)+1)
	if t.multicast {
		if addr, err := net.ResolveUDPAddr("udp4", MulticastGroup(universe)); err == nil {
			targets = append(targets, addr)
		}
	}
	return append(targets, t.destinations...)
}

// Close tells receivers that every universe this transmitter used is
// terminated, then releases the socket. Termination is best-effort.
func (t *Transmitter) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	universes := make([]uint16, 0, len(t.sequence))
	for u := range t.sequence {
		universes = append(universes, u)
	}
	t.mu.Unlock()

	// E1.31 asks for three terminated packets per universe
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, u := range universes {
		for i := 0; i < 3; i++ {
			if err := t.send(ctx, u, nil, true); err != nil {
				log.Printf("[WARN] Failed to send stream termination for universe %d: %v", u, err)
				break
			}
		}
	}

	return t.conn.Close()
}
