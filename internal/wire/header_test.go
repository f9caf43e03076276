package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		Type:                TypeData,
		ConnID:              1234,
		TimestampMicros:     567890,
		TimestampDiffMicros: 1000,
		WndSize:             1 << 16,
		SeqNr:               42,
		AckNr:               41,
		Payload:             []byte("hello world"),
	}

	encoded := Encode(h)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Type != h.Type {
		t.Errorf("Type = %v, want %v", decoded.Type, h.Type)
	}
	if decoded.ConnID != h.ConnID {
		t.Errorf("ConnID = %d, want %d", decoded.ConnID, h.ConnID)
	}
	if decoded.SeqNr != h.SeqNr || decoded.AckNr != h.AckNr {
		t.Errorf("SeqNr/AckNr = %d/%d, want %d/%d", decoded.SeqNr, decoded.AckNr, h.SeqNr, h.AckNr)
	}
	if !bytes.Equal(decoded.Payload, h.Payload) {
		t.Errorf("Payload = %q, want %q", decoded.Payload, h.Payload)
	}

	reencoded := Encode(decoded)
	if !bytes.Equal(reencoded, encoded) {
		t.Errorf("re-encoding decoded header produced different bytes")
	}
}

func TestEncodeDecodeWithSelectiveAck(t *testing.T) {
	mask := SelectiveAck(100, map[uint16]bool{102: true, 104: true, 133: true})

	h := &Header{
		Type:   TypeState,
		SeqNr:  5,
		AckNr:  100,
		Extensions: []Extension{
			{Type: ExtensionSelectiveAck, Data: mask[:]},
		},
	}

	encoded := Encode(h)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded.Extensions) != 1 {
		t.Fatalf("expected 1 extension, got %d", len(decoded.Extensions))
	}
	if decoded.Extensions[0].Type != ExtensionSelectiveAck {
		t.Errorf("extension type = %d, want %d", decoded.Extensions[0].Type, ExtensionSelectiveAck)
	}
	if !bytes.Equal(decoded.Extensions[0].Data, mask[:]) {
		t.Errorf("extension data mismatch")
	}

	got := SelectiveAckSet(decoded.AckNr, decoded.Extensions[0].Data)
	want := map[uint16]bool{102: true, 104: true, 133: true}
	if len(got) != len(want) {
		t.Fatalf("got %d acked seqs, want %d", len(got), len(want))
	}
	for seq := range want {
		if !got[seq] {
			t.Errorf("expected seq %d to be selectively acked", seq)
		}
	}
}

func TestSelectiveAckBitPositions(t *testing.T) {
	// Scenario S5 from the specification: ack_nr=100, out-of-order
	// {102, 104, 133} must set bit 0, bit 2, and bit 31.
	mask := SelectiveAck(100, map[uint16]bool{102: true, 104: true, 133: true})

	checkBit := func(i int, want bool) {
		got := mask[i/8]&(1<<uint(i%8)) != 0
		if got != want {
			t.Errorf("bit %d = %v, want %v", i, got, want)
		}
	}
	checkBit(0, true)
	checkBit(2, true)
	checkBit(31, true)
	checkBit(1, false)
	checkBit(3, false)
	checkBit(30, false)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	h := &Header{Type: TypeData}
	encoded := Encode(h)
	encoded[0] = byte(TypeData)<<4 | 0x0F // bogus version
	_, err := Decode(encoded)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	h := &Header{Type: TypeData}
	encoded := Encode(h)
	encoded[0] = 0xF0 | Version // type nibble 15, unknown
	_, err := Decode(encoded)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01, 0x02})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestDecodeRejectsTruncatedExtensionChain(t *testing.T) {
	h := &Header{Type: TypeState, Extensions: []Extension{{Type: ExtensionSelectiveAck, Data: []byte{1, 2, 3, 4}}}}
	encoded := Encode(h)
	truncated := encoded[:HeaderSize+1] // cut into the extension chain
	_, err := Decode(truncated)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		TypeData: "DATA", TypeFin: "FIN", TypeState: "STATE",
		TypeReset: "RESET", TypeSyn: "SYN",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("Type(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
