// Package singleton keeps at most one conductor transmitting on a broadcast
// domain. Instances announce themselves with UDP heartbeats; a starting
// instance probes for an active one and yields if it finds it.
package singleton

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the coordinator's position in its lifecycle.
type State string

const (
	StateIdle       State = "Idle"
	StateProbing    State = "Probing"
	StateStandalone State = "Standalone"
	StateYielding   State = "Yielding"
	StateBypassed   State = "Bypassed"
)

// Defaults for Options.
const (
	DefaultProbeWindow       = 2 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
)

const receiveTimeout = 500 * time.Millisecond

// ErrConflict matches any *ConflictError via errors.Is.
var ErrConflict = errors.New("another conductor instance is active")

// ConflictError describes the peer that made this instance yield.
type ConflictError struct {
	Local    string
	Peer     string
	PeerAddr string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("instance %s at %s is already active: %s", e.Peer, e.PeerAddr, e.Reason)
}

// Is reports ErrConflict as a match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HeartbeatRecord is the latest sighting of a peer.
type HeartbeatRecord struct {
	InstanceID  string    `json:"instance_id"`
	TimestampMs uint64    `json:"timestamp_ms"`
	SourceAddr  string    `json:"source_addr"`
	LastSeen    time.Time `json:"last_seen"`
}

// Options configures a Coordinator.
type Options struct {
	InstanceID        uuid.UUID     // Random if zero
	ProbeWindow       time.Duration // How long to listen before claiming the domain
	HeartbeatInterval time.Duration // Period of self-heartbeats; records expire after 3x
	Bypass            bool          // Skip coordination entirely
}

// Coordinator runs the probe and heartbeat protocol.
// A nil Transport is allowed and means the network is unavailable: the
// coordinator then behaves as if it were alone.
type Coordinator struct {
	id        string
	opts      Options
	transport Transport

	mu         sync.Mutex
	state      State
	peers      map[string]HeartbeatRecord
	conflict   *ConflictError
	advertised bool

	lost     chan struct{}
	lostOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
	// Heartbeat loop only; cancelled before GOODBYE so nothing advertises after it
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// New creates an idle coordinator.
func New(transport Transport, opts Options) *Coordinator {
	if opts.InstanceID == uuid.Nil {
		opts.InstanceID = uuid.New()
	}
	if opts.ProbeWindow <= 0 {
		opts.ProbeWindow = DefaultProbeWindow
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Coordinator{
		id:        opts.InstanceID.String(),
		opts:      opts,
		transport: transport,
		state:     StateIdle,
		peers:     make(map[string]HeartbeatRecord),
		lost:      make(chan struct{}),
	}
}

// InstanceID returns this coordinator's identifier.
func (c *Coordinator) InstanceID() string {
	return c.id
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the conflict that made this instance yield, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conflict == nil {
		return nil
	}
	return c.conflict
}

// Lost is closed when the coordinator yields, whether during the probe or
// later through the tie-break. The host process should then shut down.
func (c *Coordinator) Lost() <-chan struct{} {
	return c.lost
}

// Permit implements the engine gate: transmission is allowed only once this
// instance has claimed the domain or coordination is bypassed.
func (c *Coordinator) Permit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStandalone, StateBypassed:
		return nil
	case StateYielding:
		return c.conflict
	default:
		return fmt.Errorf("singleton state is %s", c.state)
	}
}

// Peers returns the live heartbeat records, ordered by instance ID.
func (c *Coordinator) Peers() []HeartbeatRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HeartbeatRecord, 0, len(c.peers))
	for _, r := range c.peers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Start probes the domain and, if no active instance answers within the
// probe window, claims it and begins heartbeating. Returns a *ConflictError
// if this instance must yield. Background loops run until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.opts.Bypass {
		c.setState(StateBypassed)
		log.Printf("[WARN] Singleton coordination BYPASSED: other conductors on this network will not be detected")
		return nil
	}

	if c.transport == nil {
		c.setState(StateStandalone)
		log.Printf("[WARN] Singleton transport unavailable, assuming no other instance is active")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.setState(StateProbing)
	log.Printf("[INFO] Probing for active instances (instance %s, window %v)", c.id, c.opts.ProbeWindow)

	c.wg.Add(1)
	go c.receiveLoop(runCtx)

	c.broadcast(runCtx, PacketDiscover)

	timer := time.NewTimer(c.opts.ProbeWindow)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.lost:
		return c.Err()
	case <-timer.C:
	}

	c.mu.Lock()
	if c.state != StateProbing {
		err := c.conflict
		c.mu.Unlock()
		return err
	}
	c.state = StateStandalone
	c.advertised = true
	c.mu.Unlock()

	log.Printf("[INFO] No active instance found, running standalone as %s", c.id)

	hbCtx, hbCancel := context.WithCancel(runCtx)
	c.hbCancel = hbCancel
	c.hbDone = make(chan struct{})
	go c.heartbeatLoop(hbCtx)

	return nil
}

// Probe listens for the given window without announcing itself and returns
// every active peer heard, i.e. every instance sending heartbeats. It never claims the domain and never provokes a peer into
// yielding, so it is safe to run next to a live conductor. Probe and Start
// are mutually exclusive; call Stop afterwards to release the transport.
func (c *Coordinator) Probe(ctx context.Context, window time.Duration) ([]HeartbeatRecord, error) {
	if c.transport == nil {
		return nil, fmt.Errorf("singleton transport unavailable")
	}

	probeCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	c.wg.Add(1)
	go c.receiveLoop(probeCtx)

	<-probeCtx.Done()
	c.wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Peers(), nil
}

// Stop halts heartbeating, sends a best-effort GOODBYE if this instance ever
// advertised itself, and releases the transport.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.hbCancel != nil {
		c.hbCancel()
		<-c.hbDone
	}

	c.mu.Lock()
	advertised := c.advertised
	c.advertised = false
	c.mu.Unlock()

	if advertised && c.transport != nil {
		c.broadcast(ctx, PacketGoodbye)
		log.Printf("[INFO] Sent GOODBYE to peers")
	}

	if c.cancel != nil {
		c.cancel()
	}

	var err error
	if c.transport != nil {
		err = c.transport.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Coordinator) broadcast(ctx context.Context, t PacketType) {
	if c.transport == nil {
		return
	}
	p := Packet{Type: t, InstanceID: c.id}
	if t == PacketHeartbeat {
		p.TimestampMs = uint64(time.Now().UnixMilli())
	}
	data, err := EncodePacket(p)
	if err != nil {
		log.Printf("[ERROR] Failed to encode %s packet: %v", t, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := c.transport.Broadcast(sendCtx, data); err != nil {
		log.Printf("[WARN] Failed to broadcast %s: %v", t, err)
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer close(c.hbDone)

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	c.broadcast(ctx, PacketHeartbeat)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateStandalone {
				return
			}
			c.broadcast(ctx, PacketHeartbeat)
			c.sweep(time.Now())
		}
	}
}

func (c *Coordinator) receiveLoop(ctx context.Context) {
	defer c.wg.Done()

	var failures int
	for {
		rctx, cancel := context.WithTimeout(ctx, receiveTimeout)
		dg, err := c.transport.Receive(rctx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			failures++
			if failures == 1 || failures%50 == 0 {
				log.Printf("[WARN] Singleton receive failed (%d failures): %v", failures, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		failures = 0

		pkt, err := DecodePacket(dg.Payload)
		if err != nil {
			log.Printf("[DEBUG] Ignoring malformed singleton packet from %s: %v", dg.Addr, err)
			continue
		}
		c.handle(ctx, pkt, dg.Addr)
	}
}

// handle applies one packet from a peer. Decisions are made under c.mu;
// any reply is sent after the lock is released.
func (c *Coordinator) handle(ctx context.Context, pkt *Packet, addr string) {
	if pkt.InstanceID == c.id {
		return
	}

	var reply PacketType
	c.mu.Lock()
	switch pkt.Type {
	case PacketGoodbye:
		if _, ok := c.peers[pkt.InstanceID]; ok {
			delete(c.peers, pkt.InstanceID)
			log.Printf("[INFO] Peer %s at %s went offline", pkt.InstanceID, addr)
		}

	case PacketHeartbeat:
		c.record(pkt, addr)
		switch c.state {
		case StateProbing:
			c.yield(pkt.InstanceID, addr, "heartbeat received while probing")
		case StateStandalone:
			if pkt.InstanceID < c.id {
				c.yield(pkt.InstanceID, addr, "competing standalone instance has the lower instance ID")
			} else {
				log.Printf("[WARN] Competing instance %s at %s detected; it has the higher instance ID and should yield", pkt.InstanceID, addr)
				reply = PacketHeartbeat
			}
		}

	case PacketDiscover:
		// A prober is not active yet; a passive listener only reports heartbeats
		if c.state != StateIdle {
			c.record(pkt, addr)
		}
		switch c.state {
		case StateProbing:
			if pkt.InstanceID < c.id {
				c.yield(pkt.InstanceID, addr, "simultaneous startup, peer has the lower instance ID")
			} else {
				reply = PacketDiscover
			}
		case StateStandalone:
			reply = PacketHeartbeat
		}
	}
	c.mu.Unlock()

	if reply != "" {
		c.broadcast(ctx, reply)
	}
}

// record stores a peer sighting. Caller holds c.mu.
func (c *Coordinator) record(pkt *Packet, addr string) {
	if _, known := c.peers[pkt.InstanceID]; !known {
		log.Printf("[INFO] Discovered peer %s at %s (%s)", pkt.InstanceID, addr, pkt.Type)
	}
	c.peers[pkt.InstanceID] = HeartbeatRecord{
		InstanceID:  pkt.InstanceID,
		TimestampMs: pkt.TimestampMs,
		SourceAddr:  addr,
		LastSeen:    time.Now(),
	}
}

// yield gives up the domain. Caller holds c.mu.
func (c *Coordinator) yield(peer, addr, reason string) {
	if c.state == StateYielding {
		return
	}
	c.state = StateYielding
	c.conflict = &ConflictError{Local: c.id, Peer: peer, PeerAddr: addr, Reason: reason}
	log.Printf("[ERROR] Singleton conflict: %v", c.conflict)
	c.lostOnce.Do(func() { close(c.lost) })
}

// sweep evicts records not refreshed within three heartbeat intervals.
func (c *Coordinator) sweep(now time.Time) {
	ttl := 3 * c.opts.HeartbeatInterval

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.peers {
		if now.Sub(r.LastSeen) > ttl {
			delete(c.peers, id)
			log.Printf("[INFO] Peer %s at %s expired (last seen %v ago)", id, r.SourceAddr, now.Sub(r.LastSeen).Round(time.Millisecond))
		}
	}
}
