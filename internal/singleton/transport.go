package singleton

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Datagram is one received packet and the address it came from.
type Datagram struct {
	Payload []byte
	Addr    string
}

// Transport is the broadcast medium the coordinator talks over.
type Transport interface {
	// Broadcast sends payload to every listener on the domain, including
	// the sender itself.
	Broadcast(ctx context.Context, payload []byte) error

	// Receive blocks until a datagram arrives or ctx is done.
	Receive(ctx context.Context) (Datagram, error)

	Close() error
}

// UDPTransport broadcasts JSON packets on a fixed UDP port.
type UDPTransport struct {
	conn  *net.UDPConn
	bcast *net.UDPAddr
}

// ListenUDP binds the singleton port with address reuse enabled so that
// several local processes can share it, and resolves the broadcast target.
func ListenUDP(port int, broadcastAddress string) (*UDPTransport, error) {
	if broadcastAddress == "" {
		broadcastAddress = "255.255.255.255"
	}
	bcast, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(broadcastAddress, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("invalid broadcast address %q: %w", broadcastAddress, err)
	}

	lc := net.ListenConfig{Control: controlBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind singleton port %d: %w", port, err)
	}

	return &UDPTransport{conn: pc.(*net.UDPConn), bcast: bcast}, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Broadcast sends payload to the broadcast address.
func (t *UDPTransport) Broadcast(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := t.conn.WriteToUDP(payload, t.bcast)
	return err
}

// Receive reads one datagram. The read is bounded by ctx's deadline, or one
// second if ctx has none; a timeout is reported as context.DeadlineExceeded.
func (t *UDPTransport) Receive(ctx context.Context) (Datagram, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return Datagram{}, err
	}

	buf := make([]byte, 1024)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Datagram{}, context.DeadlineExceeded
		}
		return Datagram{}, err
	}
	return Datagram{Payload: buf[:n], Addr: addr.String()}, nil
}

// Close releases the socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
