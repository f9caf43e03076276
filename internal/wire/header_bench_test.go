package wire

import "testing"

func BenchmarkEncode(b *testing.B) {
	h := &Header{
		Type:    TypeData,
		ConnID:  1,
		SeqNr:   100,
		AckNr:   99,
		Payload: make([]byte, 1024),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Encode(h)
	}
}

func BenchmarkDecode(b *testing.B) {
	h := &Header{
		Type:    TypeData,
		ConnID:  1,
		SeqNr:   100,
		AckNr:   99,
		Payload: make([]byte, 1024),
	}
	encoded := Encode(h)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(encoded)
	}
}

func BenchmarkSelectiveAck(b *testing.B) {
	received := map[uint16]bool{102: true, 105: true, 120: true, 130: true}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = SelectiveAck(100, received)
	}
}
