// Package outbuf tracks unacknowledged outbound DATA packets by sequence
// number, recording send timestamps so the socket state machine can derive
// RTT samples and congestion window size.
package outbuf

// Entry is a single outstanding send.
type Entry struct {
	SeqNr           uint16
	SendTimestamp   uint64 // microseconds
	PayloadLen      int
}

// Buffer is the C2 outgoing buffer: map<seq_nr, send_timestamp> plus the
// byte length needed to size cur_window.
type Buffer struct {
	entries map[uint16]Entry
}

// New returns an empty outgoing buffer.
func New() *Buffer {
	return &Buffer{entries: make(map[uint16]Entry)}
}

// Add records a send (or a retransmission, which reuses seqNr but gets a
// fresh timestamp, per spec.md §4.2).
func (b *Buffer) Add(seqNr uint16, sendTimestamp uint64, payloadLen int) {
	b.entries[seqNr] = Entry{SeqNr: seqNr, SendTimestamp: sendTimestamp, PayloadLen: payloadLen}
}

// Get returns the recorded entry for seqNr, if still outstanding.
func (b *Buffer) Get(seqNr uint16) (Entry, bool) {
	e, ok := b.entries[seqNr]
	return e, ok
}

// Remove deletes the entry for seqNr, e.g. on ACK.
func (b *Buffer) Remove(seqNr uint16) {
	delete(b.entries, seqNr)
}

// Len is the number of outstanding (unacknowledged) packets.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// CurWindow is the in-flight byte count: the sum of payload lengths of all
// outstanding entries. This equals |out_buffer| · MTU only while every
// outstanding entry is a full MTU chunk; a short final chunk counts its
// real length, and a zero-length entry (such as a tracked SYN) counts 0.
func (b *Buffer) CurWindow() int {
	total := 0
	for _, e := range b.entries {
		total += e.PayloadLen
	}
	return total
}

// SeqNrs returns the set of outstanding sequence numbers.
func (b *Buffer) SeqNrs() []uint16 {
	out := make([]uint16, 0, len(b.entries))
	for seq := range b.entries {
		out = append(out, seq)
	}
	return out
}
