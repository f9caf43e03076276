// Package wire implements the on-the-wire μTP packet format: the 20-byte
// fixed header, the selective-ACK extension, and the chain of extension
// records that may follow the header.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Type is the μTP packet type, carried in the high nibble of byte 0.
// Numeric values follow the reference μTP wire format (BEP-29) so packets
// captured from this implementation interoperate with other stacks.
type Type byte

const (
	TypeData  Type = 0
	TypeFin   Type = 1
	TypeState Type = 2
	TypeReset Type = 3
	TypeSyn   Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeState:
		return "STATE"
	case TypeReset:
		return "RESET"
	case TypeSyn:
		return "SYN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

func (t Type) valid() bool {
	return t <= TypeSyn
}

// Version is the only version this codec understands.
const Version = 1

// ExtensionSelectiveAck is the sole defined extension type: a 32-bit
// bitmask acknowledging packets beyond ack_nr.
const ExtensionSelectiveAck byte = 1

// HeaderSize is the fixed 20-byte μTP header length, excluding any
// extension chain and payload.
const HeaderSize = 20

// SelectiveAckLen is the length in bytes of the selective-ACK bitmask.
const SelectiveAckLen = 4

// SelectiveAckBits is the number of sequence numbers a selective-ACK
// bitmask can describe, covering ack_nr+2 .. ack_nr+33.
const SelectiveAckBits = SelectiveAckLen * 8

// bitmap is the fixed bit-to-offset remap table named in the
// specification. No concrete permutation was recoverable from the
// specification or the retrieved reference sources (see DESIGN.md); the
// identity permutation is used, so bit i acknowledges ack_nr+2+i. This
// matches the worked example in the specification's selective-ACK test
// (bit 0 / bit 2 / bit 31 correspond to offsets 0, 2 and 31).
var bitmap = [SelectiveAckBits]int{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
}

// Extension is one link of the extension chain following the fixed
// header. Type is implicit from the chain position for all but the first
// extension, but is stored explicitly here for convenience.
type Extension struct {
	Type byte
	Data []byte
}

// Header is a fully decoded μTP packet: fixed header fields, the
// extension chain, and the application payload.
type Header struct {
	Type               Type
	ConnID             uint16
	TimestampMicros    uint32
	TimestampDiffMicros uint32
	WndSize            uint32
	SeqNr              uint16
	AckNr              uint16
	Extensions         []Extension
	Payload            []byte
}

// SelectiveAck builds the 4-byte selective-ACK extension data from the set
// of out-of-order sequence numbers already received, relative to ackNr.
// Sequence numbers outside ack_nr+2..ack_nr+33 are ignored, per spec.
func SelectiveAck(ackNr uint16, received map[uint16]bool) [SelectiveAckLen]byte {
	var mask [SelectiveAckLen]byte
	for i := 0; i < SelectiveAckBits; i++ {
		seq := ackNr + 2 + uint16(bitmap[i]-1)
		if received[seq] {
			mask[i/8] |= 1 << uint(i%8)
		}
	}
	return mask
}

// SelectiveAckSet decodes a selective-ACK bitmask back into the set of
// acknowledged sequence numbers relative to ackNr.
func SelectiveAckSet(ackNr uint16, mask []byte) map[uint16]bool {
	out := make(map[uint16]bool)
	for i := 0; i < SelectiveAckBits && i/8 < len(mask); i++ {
		if mask[i/8]&(1<<uint(i%8)) != 0 {
			seq := ackNr + 2 + uint16(bitmap[i]-1)
			out[seq] = true
		}
	}
	return out
}

// Encode serializes h into wire bytes: fixed header, extension chain,
// then payload.
func Encode(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)<<4 | Version
	if len(h.Extensions) > 0 {
		buf[1] = h.Extensions[0].Type
	}
	binary.BigEndian.PutUint16(buf[2:4], h.ConnID)
	binary.BigEndian.PutUint32(buf[4:8], h.TimestampMicros)
	binary.BigEndian.PutUint32(buf[8:12], h.TimestampDiffMicros)
	binary.BigEndian.PutUint32(buf[12:16], h.WndSize)
	binary.BigEndian.PutUint16(buf[16:18], h.SeqNr)
	binary.BigEndian.PutUint16(buf[18:20], h.AckNr)

	for i, ext := range h.Extensions {
		next := byte(0)
		if i+1 < len(h.Extensions) {
			next = h.Extensions[i+1].Type
		}
		buf = append(buf, next, byte(len(ext.Data)))
		buf = append(buf, ext.Data...)
	}

	buf = append(buf, h.Payload...)
	return buf
}

// Decode parses wire bytes into a Header. It validates version, type, and
// that the extension chain terminates with a zero next-extension byte.
func Decode(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: packet shorter than fixed header (%d bytes)", ErrDecode, len(data))
	}

	typeVersion := data[0]
	version := typeVersion & 0x0F
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, version)
	}
	pktType := Type(typeVersion >> 4)
	if !pktType.valid() {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrDecode, pktType)
	}

	h := &Header{
		Type:                pktType,
		ConnID:              binary.BigEndian.Uint16(data[2:4]),
		TimestampMicros:     binary.BigEndian.Uint32(data[4:8]),
		TimestampDiffMicros: binary.BigEndian.Uint32(data[8:12]),
		WndSize:             binary.BigEndian.Uint32(data[12:16]),
		SeqNr:               binary.BigEndian.Uint16(data[16:18]),
		AckNr:               binary.BigEndian.Uint16(data[18:20]),
	}

	offset := HeaderSize
	extType := data[1]
	for extType != 0 {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated extension chain", ErrDecode)
		}
		next := data[offset]
		length := int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return nil, fmt.Errorf("%w: extension data overruns packet", ErrDecode)
		}
		extData := make([]byte, length)
		copy(extData, data[offset:offset+length])
		offset += length
		h.Extensions = append(h.Extensions, Extension{Type: extType, Data: extData})
		extType = next
	}

	h.Payload = append([]byte(nil), data[offset:]...)
	return h, nil
}
