package singleton

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// medium is an in-memory broadcast domain. Every attached port receives
// every broadcast, including its own.
type medium struct {
	mu    sync.Mutex
	ports map[*memPort]struct{}
	next  int
}

func newMedium() *medium {
	return &medium{ports: make(map[*memPort]struct{})}
}

func (m *medium) attach() *memPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	p := &memPort{
		medium: m,
		addr:   fmt.Sprintf("10.0.0.%d:%d", m.next, DefaultPort),
		inbox:  make(chan Datagram, 64),
		closed: make(chan struct{}),
	}
	m.ports[p] = struct{}{}
	return p
}

func (m *medium) detach(p *memPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ports, p)
}

type memPort struct {
	medium    *medium
	addr      string
	inbox     chan Datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *memPort) Broadcast(ctx context.Context, payload []byte) error {
	p.medium.mu.Lock()
	defer p.medium.mu.Unlock()
	for port := range p.medium.ports {
		dg := Datagram{Payload: append([]byte(nil), payload...), Addr: p.addr}
		select {
		case port.inbox <- dg:
		default:
		}
	}
	return nil
}

func (p *memPort) Receive(ctx context.Context) (Datagram, error) {
	select {
	case <-p.closed:
		return Datagram{}, net.ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case dg := <-p.inbox:
		return dg, nil
	}
}

func (p *memPort) Close() error {
	p.closeOnce.Do(func() {
		p.medium.detach(p)
		close(p.closed)
	})
	return nil
}

// failingTransport cannot send or receive, like an unplugged interface.
type failingTransport struct {
	closed chan struct{}
}

func newFailingTransport() *failingTransport {
	return &failingTransport{closed: make(chan struct{})}
}

func (f *failingTransport) Broadcast(ctx context.Context, payload []byte) error {
	return errors.New("network is unreachable")
}

func (f *failingTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case <-f.closed:
		return Datagram{}, net.ErrClosed
	case <-ctx.Done():
		return Datagram{}, errors.New("interface down")
	}
}

func (f *failingTransport) Close() error {
	close(f.closed)
	return nil
}
