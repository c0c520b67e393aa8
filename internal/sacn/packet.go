package sacn

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// E1.31 constants.
const (
	// Port is the UDP port sACN receivers listen on
	Port = 5568

	// DefaultPriority is the per-source priority used unless configured otherwise
	DefaultPriority = 100

	// MaxSlots is the number of DMX slots a universe carries
	MaxSlots = 512

	sourceNameLen = 64
	headerLen     = 126 // root (38) + framing (77) + DMP header (11)
	rootOffset    = 16  // flags/length of the root PDU starts here
	framingOffset = 38
	dmpOffset     = 115

	vectorRootData    = 0x00000004
	vectorFramingData = 0x00000002
	vectorDMPSetProp  = 0x02
	dmpAddressType    = 0xa1

	optionStreamTerminated = 0x40
)

var acnPacketIdentifier = [12]byte{0x41, 0x53, 0x43, 0x2d, 0x45, 0x31, 0x2e, 0x31, 0x37, 0x00, 0x00, 0x00}

// DataPacket is the decoded form of an E1.31 data packet.
type DataPacket struct {
	CID        [16]byte
	SourceName string
	Priority   byte
	Sequence   byte
	Terminated bool
	Universe   uint16
	Data       []byte // DMX slots, without the start code
}

// Encode serialises the packet into wire format.
func (p *DataPacket) Encode() ([]byte, error) {
	if len(p.Data) > MaxSlots {
		return nil, fmt.Errorf("too many slots: %d (max %d)", len(p.Data), MaxSlots)
	}
	if p.Priority > 200 {
		return nil, fmt.Errorf("priority %d out of range (0-200)", p.Priority)
	}

	total := headerLen + len(p.Data)
	buf := make([]byte, total)

	// Root layer
	binary.BigEndian.PutUint16(buf[0:2], 0x0010)
	binary.BigEndian.PutUint16(buf[2:4], 0x0000)
	copy(buf[4:16], acnPacketIdentifier[:])
	binary.BigEndian.PutUint16(buf[16:18], flagsLength(total-rootOffset))
	binary.BigEndian.PutUint32(buf[18:22], vectorRootData)
	copy(buf[22:38], p.CID[:])

	// Framing layer
	binary.BigEndian.PutUint16(buf[38:40], flagsLength(total-framingOffset))
	binary.BigEndian.PutUint32(buf[40:44], vectorFramingData)
	name := []byte(p.SourceName)
	if len(name) > sourceNameLen-1 {
		name = name[:sourceNameLen-1]
	}
	copy(buf[44:44+sourceNameLen], name)
	buf[108] = p.Priority
	binary.BigEndian.PutUint16(buf[109:111], 0) // synchronization address
	buf[111] = p.Sequence
	if p.Terminated {
		buf[112] = optionStreamTerminated
	}
	binary.BigEndian.PutUint16(buf[113:115], p.Universe)

	// DMP layer
	binary.BigEndian.PutUint16(buf[115:117], flagsLength(total-dmpOffset))
	buf[117] = vectorDMPSetProp
	buf[118] = dmpAddressType
	binary.BigEndian.PutUint16(buf[119:121], 0x0000) // first property address
	binary.BigEndian.PutUint16(buf[121:123], 0x0001) // address increment
	binary.BigEndian.PutUint16(buf[123:125], uint16(len(p.Data)+1))
	buf[125] = 0x00 // DMX start code
	copy(buf[headerLen:], p.Data)

	return buf, nil
}

// Decode parses an E1.31 data packet.
func Decode(buf []byte) (*DataPacket, error) {
	if len(buf) < headerLen {
		return nil, errors.New("packet too short")
	}
	if [12]byte(buf[4:16]) != acnPacketIdentifier {
		return nil, errors.New("not an ACN packet")
	}
	if binary.BigEndian.Uint32(buf[18:22]) != vectorRootData {
		return nil, errors.New("not an E1.31 data packet")
	}
	if binary.BigEndian.Uint32(buf[40:44]) != vectorFramingData {
		return nil, errors.New("unexpected framing vector")
	}

	count := int(binary.BigEndian.Uint16(buf[123:125]))
	if count < 1 || headerLen-1+count > len(buf) {
		return nil, fmt.Errorf("property count %d does not match packet length %d", count, len(buf))
	}

	p := &DataPacket{
		Priority:   buf[108],
		Sequence:   buf[111],
		Terminated: buf[112]&optionStreamTerminated != 0,
		Universe:   binary.BigEndian.Uint16(buf[113:115]),
		Data:       append([]byte(nil), buf[headerLen:headerLen-1+count]...),
	}
	copy(p.CID[:], buf[22:38])

	name := buf[44 : 44+sourceNameLen]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	p.SourceName = string(name)

	return p, nil
}

// MulticastGroup returns the multicast address for a universe (239.255.hi.lo).
func MulticastGroup(universe uint16) string {
	return fmt.Sprintf("239.255.%d.%d:%d", universe>>8, universe&0xff, Port)
}

func flagsLength(n int) uint16 {
	return 0x7000 | uint16(n&0x0fff)
}
