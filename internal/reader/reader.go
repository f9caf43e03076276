// Package reader implements the C3 Content Reader: a gap buffer that
// reassembles an ordered payload from out-of-order DATA packets and
// concatenates it when FIN closes the stream.
package reader

import (
	"errors"
	"fmt"

	"github.com/ethereum/portal-utp/internal/seqnum"
)

// ErrIncompleteStream is returned by Run when a gap remains in the
// received range at FIN time (spec.md §7).
var ErrIncompleteStream = errors.New("utp: incomplete stream")

// Reader buffers received DATA payloads by sequence number and reassembles
// them into the original content once FIN is observed.
type Reader struct {
	received map[uint16][]byte
	start    uint16
	started  bool
	finNr    uint16
	gotFin   bool
}

// New returns an empty Reader.
func New() *Reader {
	return &Reader{received: make(map[uint16][]byte)}
}

// AddPacket buffers a DATA packet's payload by seqNr. Redelivery of an
// already-buffered sequence number is idempotent.
func (r *Reader) AddPacket(seqNr uint16, payload []byte) {
	if !r.started {
		r.start = seqNr
		r.started = true
	} else if seqnum.Less(seqNr, r.start) {
		r.start = seqNr
	}
	if _, exists := r.received[seqNr]; exists {
		return
	}
	cp := append([]byte(nil), payload...)
	r.received[seqNr] = cp
}

// SetFin records the sequence number carried by a FIN packet.
func (r *Reader) SetFin(finNr uint16) {
	r.finNr = finNr
	r.gotFin = true
}

// ContiguousThrough returns the highest sequence number such that every
// packet from the reader's first received sequence number through it has
// arrived, i.e. the value ack_nr should advance to on in-order delivery.
func (r *Reader) ContiguousThrough() (uint16, bool) {
	if !r.started {
		return 0, false
	}
	seq := r.start
	if _, ok := r.received[seq]; !ok {
		return 0, false
	}
	for {
		next := seq + 1
		if _, ok := r.received[next]; !ok {
			return seq, true
		}
		seq = next
	}
}

// Has reports whether seqNr has already been buffered (used to detect and
// drop duplicate DATA packets before reprocessing them).
func (r *Reader) Has(seqNr uint16) bool {
	_, ok := r.received[seqNr]
	return ok
}

// ReceivedSet returns the buffered sequence numbers as a set, for building
// the selective-ACK bitmask.
func (r *Reader) ReceivedSet() map[uint16]bool {
	out := make(map[uint16]bool, len(r.received))
	for seq := range r.received {
		out[seq] = true
	}
	return out
}

// Run concatenates payloads from the first received sequence number
// through fin_nr-1 inclusive (modular) and returns the assembled content.
// It must be called exactly once, after FIN has been observed via SetFin.
// It fails with ErrIncompleteStream if any gap remains.
func (r *Reader) Run() ([]byte, error) {
	if !r.gotFin {
		return nil, fmt.Errorf("%w: Run called before FIN observed", ErrIncompleteStream)
	}
	if !r.started {
		return []byte{}, nil
	}

	var out []byte
	seq := r.start
	for seq != r.finNr {
		payload, ok := r.received[seq]
		if !ok {
			return nil, fmt.Errorf("%w: gap at seq %d", ErrIncompleteStream, seq)
		}
		out = append(out, payload...)
		seq++
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
