package turn

import (
	"encoding/binary"

	"github.com/gortc/turnrelay/internal/stun"
)

const channelDataHeaderSize = 4

// IsChannelData reports whether b's leading two bits select the ChannelData
// framing (the complement of stun.IsMessage's check): a STUN header always
// begins with 0b00, a channel number is in [0x4000, 0x7FFF] so its top two
// bits are 0b01.
func IsChannelData(b []byte) bool {
	return len(b) >= channelDataHeaderSize && b[0]&0b1100_0000 != 0
}

// ChannelData is a decoded ChannelData frame (RFC 5766 §11.4): a channel
// number, a
// payload, and (for TCP) 4-byte length alignment. Data aliases the decoding
// buffer.
type ChannelData struct {
	Number ChannelNumber
	Data   []byte
	Raw    []byte
}

// Reset clears c for reuse.
func (c *ChannelData) Reset() {
	c.Number = 0
	c.Data = nil
	c.Raw = nil
}

// Decode parses a ChannelData frame out of b. tcp controls whether the
// total consumed length is rounded up to a 4-byte boundary (TCP framing) or
// left as-is (UDP, where the datagram boundary is authoritative).
func Decode(b []byte, c *ChannelData, tcp bool) error {
	if len(b) < channelDataHeaderSize {
		return stun.ErrInvalidInput
	}
	number := ChannelNumber(binary.BigEndian.Uint16(b[0:2]))
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if !number.Valid() {
		return ErrInvalidChannelNumber
	}
	end := channelDataHeaderSize + length
	if end > len(b) {
		return stun.ErrInvalidInput
	}
	c.Number = number
	c.Data = b[channelDataHeaderSize:end]
	if tcp {
		pad := (4 - (length % 4)) % 4
		end += pad
		if end > len(b) {
			end = len(b)
		}
	}
	c.Raw = b[:end]
	return nil
}

// Encode writes a ChannelData frame for (number, data) into buf[:0],
// returning the encoded bytes. TCP callers must pad to a 4-byte boundary
// themselves before transmitting; UDP frames carry no trailing padding.
func Encode(buf []byte, number ChannelNumber, data []byte) []byte {
	out := buf[:0]
	var hdr [channelDataHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(number))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(data)))
	out = append(out, hdr[:]...)
	out = append(out, data...)
	return out
}
