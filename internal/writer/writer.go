// Package writer implements the C4 Content Writer: it chunks a payload
// into MTU-sized frames, streams them under a caller-supplied window
// budget, and tracks which chunks still await acknowledgement for resend.
package writer

import "github.com/ethereum/portal-utp/internal/seqnum"

// Writer owns a payload and its fixed chunking into ceil(len/mtuPayload)
// data frames. Each chunk is assigned a sequence number lazily, the first
// time Start sends it; the writer never reorders or re-chunks.
type Writer struct {
	chunks   [][]byte
	seqOf    []uint16
	assigned []bool
	acked    map[uint16]bool
	finNr    uint16
	finIsSet bool
	finAcked bool
}

// New chunks payload into frames no larger than mtuPayload bytes. A
// zero-length payload yields zero chunks (the caller should go straight to
// FIN).
func New(payload []byte, mtuPayload int) *Writer {
	if mtuPayload <= 0 {
		mtuPayload = 1
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += mtuPayload {
		end := off + mtuPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunk := append([]byte(nil), payload[off:end]...)
		chunks = append(chunks, chunk)
	}
	return &Writer{
		chunks:   chunks,
		seqOf:    make([]uint16, len(chunks)),
		assigned: make([]bool, len(chunks)),
		acked:    make(map[uint16]bool),
	}
}

// NumChunks is the total number of data frames this payload was split
// into.
func (w *Writer) NumChunks() int { return len(w.chunks) }

// Start emits as many not-yet-sent chunks as fit into availableBytes,
// assigning each a sequence number via nextSeq (expected to return the
// socket's current seq_nr and then advance it) and handing it to send.
// It stops at the first chunk that would not fit, or on the first send
// error. It returns the number of chunks newly sent.
func (w *Writer) Start(nextSeq func() uint16, availableBytes int, send func(seqNr uint16, payload []byte) error) (int, error) {
	sentBytes := 0
	sentCount := 0
	for i := range w.chunks {
		if w.assigned[i] {
			continue
		}
		if sentBytes+len(w.chunks[i]) > availableBytes {
			break
		}
		seq := nextSeq()
		w.seqOf[i] = seq
		w.assigned[i] = true
		if err := send(seq, w.chunks[i]); err != nil {
			return sentCount, err
		}
		sentBytes += len(w.chunks[i])
		sentCount++
	}
	return sentCount, nil
}

// AllAssigned reports whether every chunk has been given a sequence
// number (i.e. sent at least once).
func (w *Writer) AllAssigned() bool {
	for _, a := range w.assigned {
		if !a {
			return false
		}
	}
	return true
}

// Ack marks seqNr as acknowledged. It is a no-op for sequence numbers the
// writer did not assign.
func (w *Writer) Ack(seqNr uint16) {
	if _, ok := w.Payload(seqNr); !ok {
		return
	}
	w.acked[seqNr] = true
}

// PendingResend returns the assigned-but-not-yet-acked sequence numbers:
// data_nrs \ ack_nrs, the set eligible for retransmission. Use Payload to
// look up the chunk for each.
func (w *Writer) PendingResend() []uint16 {
	var out []uint16
	for i, a := range w.assigned {
		if a && !w.acked[w.seqOf[i]] {
			out = append(out, w.seqOf[i])
		}
	}
	return out
}

// Payload returns the chunk payload for an already-assigned sequence
// number, for retransmission.
func (w *Writer) Payload(seqNr uint16) ([]byte, bool) {
	for i, a := range w.assigned {
		if a && w.seqOf[i] == seqNr {
			return w.chunks[i], true
		}
	}
	return nil, false
}

// DataNrs returns every sequence number assigned so far, sorted by
// numeric value (the same order AckNrs uses). After a wrap past 65535 this
// is not transmission order: 0, 1, ... sort before 65530, 65531, ....
func (w *Writer) DataNrs() []uint16 {
	var out []uint16
	for i, a := range w.assigned {
		if a {
			out = append(out, w.seqOf[i])
		}
	}
	return seqnum.Sort(0, out)
}

// AckNrs returns every sequence number acknowledged so far, sorted.
func (w *Writer) AckNrs() []uint16 {
	out := make([]uint16, 0, len(w.acked))
	for seq := range w.acked {
		out = append(out, seq)
	}
	return seqnum.Sort(0, out)
}

// ReadyForFin reports whether every chunk has been assigned and every
// assigned chunk has been acknowledged: sort(data_nrs) == sort(ack_nrs)
// and all chunks are accounted for.
func (w *Writer) ReadyForFin() bool {
	if !w.AllAssigned() {
		return false
	}
	for i := range w.chunks {
		if !w.acked[w.seqOf[i]] {
			return false
		}
	}
	return true
}

// AssignFin records the sequence number used for the FIN packet, one past
// the writer's last data sequence number.
func (w *Writer) AssignFin(seqNr uint16) {
	w.finNr = seqNr
	w.finIsSet = true
}

// FinAssigned reports whether AssignFin has been called.
func (w *Writer) FinAssigned() bool { return w.finIsSet }

// FinNr returns the sequence number used for FIN, if assigned.
func (w *Writer) FinNr() uint16 { return w.finNr }

// AckFin records that the FIN packet's sequence number has been
// acknowledged (ack_nr == fin_nr observed on a STATE packet).
func (w *Writer) AckFin() { w.finAcked = true }

// Done reports whether the writer has finished: every chunk sent and
// acked, FIN sent and acked. Matches spec.md §8 invariant 6, extended to
// include the terminal FIN handshake.
func (w *Writer) Done() bool {
	return w.ReadyForFin() && w.finIsSet && w.finAcked
}
