package singleton

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DefaultPort is the well-known UDP port the coordinator broadcasts on.
const DefaultPort = 9001

// PacketType identifies a singleton wire packet.
type PacketType string

const (
	// PacketDiscover asks any active instance to announce itself
	PacketDiscover PacketType = "DISCOVER"

	// PacketHeartbeat asserts that the sender is the active instance
	PacketHeartbeat PacketType = "HEARTBEAT"

	// PacketGoodbye tells peers the sender is going offline
	PacketGoodbye PacketType = "GOODBYE"
)

// Packet is the JSON datagram exchanged between coordinators.
type Packet struct {
	Type        PacketType `json:"type"`
	InstanceID  string     `json:"instanceId"`
	TimestampMs uint64     `json:"timestampMs,omitempty"`
}

// Validate checks that the packet type is known and the instance ID is a UUID.
func (p *Packet) Validate() error {
	switch p.Type {
	case PacketDiscover, PacketHeartbeat, PacketGoodbye:
	default:
		return fmt.Errorf("unknown packet type: %q", p.Type)
	}
	if _, err := uuid.Parse(p.InstanceID); err != nil {
		return fmt.Errorf("invalid instanceId %q: %w", p.InstanceID, err)
	}
	return nil
}

// EncodePacket serialises a packet for the wire.
func EncodePacket(p Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal packet: %w", err)
	}
	return data, nil
}

// DecodePacket parses and validates a datagram.
func DecodePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal packet: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
