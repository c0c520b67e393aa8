package engine

import "fmt"

// EncodeFrame builds a DMX payload of length channels carrying the frame
// number: channel 1 holds the most significant byte, channel 2 the least
// significant byte, every other channel is zero.
func EncodeFrame(frame uint16, length int) []byte {
	if length < 2 {
		length = 2
	}
	channels := make([]byte, length)
	channels[0] = byte(frame >> 8)
	channels[1] = byte(frame & 0xff)
	return channels
}

// DecodeFrame recovers the frame number from a DMX payload.
func DecodeFrame(channels []byte) (uint16, error) {
	if len(channels) < 2 {
		return 0, fmt.Errorf("payload too short: %d channels", len(channels))
	}
	return uint16(channels[0])<<8 | uint16(channels[1]), nil
}
