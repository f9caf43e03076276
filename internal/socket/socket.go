// Package socket implements the C5 Socket State Machine: per-connection
// state, sequence numbers, RTT/RTO estimation, LEDBAT congestion control,
// and selective-ACK generation, as described in spec.md §4.5.
package socket

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/portal-utp/internal/outbuf"
	"github.com/ethereum/portal-utp/internal/reader"
	"github.com/ethereum/portal-utp/internal/telemetry"
	"github.com/ethereum/portal-utp/internal/wire"
	"github.com/ethereum/portal-utp/internal/writer"
)

// Role is fixed at construction.
type Role int

const (
	RoleReader Role = iota
	RoleWriter
)

// State is one of the seven socket states of spec.md §4.5.
type State int

const (
	StateNone State = iota
	StateSynSent
	StateSynRecv
	StateConnected
	StateGotFin
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateSynSent:
		return "SynSent"
	case StateSynRecv:
		return "SynRecv"
	case StateConnected:
		return "Connected"
	case StateGotFin:
		return "GotFin"
	case StateClosed:
		return "Closed"
	case StateReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// Wire and congestion-control constants (spec.md §6, §4.5).
const (
	MTU                         = 1280
	MaxDataPayload              = MTU - wire.HeaderSize
	MaxCwndIncreasePacketsPerRTT = 8
	MinRTOMicros                = 500_000
	BaseDelayWindowMicros        = 120_000_000
	MaxConsecutiveTimeouts       = 7
	advertisedWindow             = 1 << 20
)

// Clock returns the current time in microseconds. Injected so tests can
// control timing deterministically.
type Clock func() uint64

// SendFunc hands a fully encoded packet to the host session / multiplexer.
type SendFunc func(payload []byte) error

// ArmTimer schedules fire to run after d, returning a cancel function.
// Injected so the single-threaded event loop (spec.md §5) controls actual
// timer delivery.
type ArmTimer func(d time.Duration, fire func()) (cancel func())

// ReaderDone is called exactly once when a reader socket reaches a
// terminal outcome: content on success, or a non-nil error
// (ErrIncompleteStream, ErrPeerReset, ErrTimeout, ErrCancelled).
type ReaderDone func(content []byte, err error)

// WriterDone is called exactly once when a writer socket reaches a
// terminal outcome.
type WriterDone func(err error)

// Socket is one μTP connection endpoint.
type Socket struct {
	Role       Role
	RemoteID   string
	RecvConnID uint16
	SendConnID uint16
	State      State

	SeqNr uint16
	AckNr uint16
	FinNr uint16
	HasFin bool

	MaxWindow uint32
	Out       *outbuf.Buffer

	RTT                 uint64
	RTTVar              uint64
	RTO                 uint64
	consecutiveTimeouts int

	baseDelay    uint64
	baseDelaySet bool
	baseDelayAt  uint64
	lastDelay    uint32

	Reader *reader.Reader
	Writer *writer.Writer

	done bool

	send        SendFunc
	now         Clock
	randSeq     func() uint16
	armTimer    ArmTimer
	timerCancel func()

	Metrics *telemetry.Metrics

	OnReaderDone ReaderDone
	OnWriterDone WriterDone
}

// NewWriter constructs the initiating side of a transfer: it allocates
// send_conn_id = recv_conn_id+1 per spec.md §3 and starts in StateNone.
// Call SendSyn to emit the SYN packet and move to SynSent once wired into
// a multiplexer.
func NewWriter(remoteID string, recvConnID uint16, payload []byte, now Clock, send SendFunc, armTimer ArmTimer, randSeq func() uint16) *Socket {
	s := newSocket(RoleWriter, remoteID, recvConnID, recvConnID+1, now, send, armTimer, randSeq)
	s.Writer = writer.New(payload, MaxDataPayload)
	return s
}

// NewReaderPending constructs a reader socket awaiting the SYN for a
// connection ID negotiated out-of-band (spec.md §4.6 create_reader). Its
// recv/send IDs are finalized by AcceptSyn once the SYN arrives.
func NewReaderPending(remoteID string, now Clock, send SendFunc, armTimer ArmTimer, randSeq func() uint16) *Socket {
	s := newSocket(RoleReader, remoteID, 0, 0, now, send, armTimer, randSeq)
	s.Reader = reader.New()
	s.State = StateNone
	return s
}

func newSocket(role Role, remoteID string, recvConnID, sendConnID uint16, now Clock, send SendFunc, armTimer ArmTimer, randSeq func() uint16) *Socket {
	return &Socket{
		Role:       role,
		RemoteID:   remoteID,
		RecvConnID: recvConnID,
		SendConnID: sendConnID,
		State:      StateNone,
		MaxWindow:  MTU,
		RTO:        MinRTOMicros,
		Out:        outbuf.New(),
		now:        now,
		send:       send,
		armTimer:   armTimer,
		randSeq:    randSeq,
	}
}

func (s *Socket) nextSeqNr() uint16 {
	n := s.SeqNr
	s.SeqNr++
	return n
}

// SendSyn emits the initial SYN packet for a writer socket and transitions
// to SynSent. Per the μTP wire bootstrap convention, the SYN packet's
// connection_id field carries the initiator's own RecvConnID (not
// SendConnID as every later packet does) — it is the value the acceptor
// must use as its SendConnID once the connection is established.
func (s *Socket) SendSyn() error {
	s.SeqNr = s.randSeq()
	s.State = StateSynSent
	seq := s.nextSeqNr()
	s.Out.Add(seq, s.now(), 0)
	s.rearmRTO()

	h := &wire.Header{
		Type:            wire.TypeSyn,
		ConnID:          s.RecvConnID,
		TimestampMicros: uint32(s.now()),
		WndSize:         advertisedWindow,
		SeqNr:           seq,
		AckNr:           s.AckNr,
	}
	return s.emit(h)
}

// AcceptSyn handles an inbound SYN on a pending reader socket: it
// finalizes recv/send connection IDs, sets ack_nr = seq_nr, picks a fresh
// random seq_nr, transitions to SynRecv, and replies with STATE (spec.md
// §4.5 inbound dispatch table).
func (s *Socket) AcceptSyn(h *wire.Header) error {
	if s.State != StateNone {
		return nil
	}
	s.RecvConnID = h.ConnID + 1
	s.SendConnID = h.ConnID
	s.AckNr = h.SeqNr
	s.SeqNr = s.randSeq()
	s.State = StateSynRecv
	s.updateDelay(h)
	if err := s.sendPlainState(); err != nil {
		return err
	}
	s.State = StateConnected
	s.rearmRTO()
	return nil
}

// HandleInbound dispatches a decoded, non-SYN packet already matched to
// this socket by the multiplexer.
func (s *Socket) HandleInbound(h *wire.Header) error {
	if s.State == StateClosed || s.State == StateReset {
		return ErrStaleConnection
	}
	s.Metrics.PacketReceived(h.Type.String())
	s.updateDelay(h)

	switch h.Type {
	case wire.TypeState:
		return s.handleState(h)
	case wire.TypeData:
		return s.handleData(h)
	case wire.TypeFin:
		return s.handleFin(h)
	case wire.TypeReset:
		return s.handleReset()
	default:
		return fmt.Errorf("%w: unexpected packet type %s for established socket", ErrUnknownConnection, h.Type)
	}
}

func (s *Socket) handleState(h *wire.Header) error {
	if s.HasFin && h.AckNr == s.FinNr {
		if s.Role == RoleWriter {
			s.Writer.AckFin()
		}
		s.transitionClosed()
		s.finishWriter(nil)
		return nil
	}

	if entry, ok := s.Out.Get(h.AckNr); ok {
		s.updateRTT(entry)
		s.Out.Remove(h.AckNr)
		if s.Role == RoleWriter {
			s.Writer.Ack(h.AckNr)
		}
	}

	var ackSet map[uint16]bool
	for _, ext := range h.Extensions {
		if ext.Type != wire.ExtensionSelectiveAck {
			continue
		}
		ackSet = wire.SelectiveAckSet(h.AckNr, ext.Data)
		for seq := range ackSet {
			if entry, ok := s.Out.Get(seq); ok {
				s.updateRTT(entry)
				s.Out.Remove(seq)
				if s.Role == RoleWriter {
					s.Writer.Ack(seq)
				}
			}
		}
		s.retransmitLost(h.AckNr, ext.Data)
	}

	if s.Role == RoleWriter && s.State == StateSynSent {
		s.State = StateConnected
	}

	if s.Role == RoleWriter {
		if s.Writer.ReadyForFin() && !s.Writer.FinAssigned() {
			finSeq := s.nextSeqNr()
			s.Writer.AssignFin(finSeq)
			s.FinNr = finSeq
			s.HasFin = true
			if err := s.sendHeader(wire.TypeFin, finSeq, nil); err != nil {
				return err
			}
		} else if !s.Writer.ReadyForFin() {
			if err := s.startWriter(); err != nil {
				return err
			}
		}
	}
	return nil
}

// retransmitLost scans the selective-ACK bitmask for gaps: a cleared bit
// followed by a later set bit marks the earlier sequence number lost, and
// it is retransmitted immediately (spec.md §4.4 "Loss detection"). The
// bitmask only covers ack_nr+2 .. ack_nr+33; the hole at ack_nr+1 itself is
// never represented inside it — its loss is implied by the cumulative ack
// not having advanced past it while later sequence numbers are acked, so it
// is checked and retransmitted directly rather than from the bitmap.
func (s *Socket) retransmitLost(ackNr uint16, mask []byte) {
	if s.Role != RoleWriter {
		return
	}
	s.retransmitIfLost(ackNr + 1)

	bits := make([]bool, wire.SelectiveAckBits)
	for i := 0; i < wire.SelectiveAckBits && i/8 < len(mask); i++ {
		bits[i] = mask[i/8]&(1<<uint(i%8)) != 0
	}
	anyLaterSet := false
	for i := wire.SelectiveAckBits - 1; i >= 0; i-- {
		if bits[i] {
			anyLaterSet = true
			continue
		}
		if !anyLaterSet {
			continue
		}
		s.retransmitIfLost(ackNr + 2 + uint16(i))
	}
}

// retransmitIfLost resends seq if the writer still has it buffered and it
// has not already been acked.
func (s *Socket) retransmitIfLost(seq uint16) {
	if payload, ok := s.Writer.Payload(seq); ok {
		if !s.writerAcked(seq) {
			s.Out.Add(seq, s.now(), len(payload))
			s.Metrics.Retransmit()
			s.sendHeader(wire.TypeData, seq, payload)
		}
	}
}

func (s *Socket) writerAcked(seq uint16) bool {
	for _, acked := range s.Writer.AckNrs() {
		if acked == seq {
			return true
		}
	}
	return false
}

func (s *Socket) handleData(h *wire.Header) error {
	if s.State == StateSynRecv {
		s.State = StateConnected
	}
	s.consecutiveTimeouts = 0
	s.rearmRTO()
	duplicate := s.Reader.Has(h.SeqNr)
	if !duplicate {
		s.Reader.AddPacket(h.SeqNr, h.Payload)
	}

	if h.SeqNr == s.AckNr+1 {
		if contig, ok := s.Reader.ContiguousThrough(); ok {
			s.AckNr = contig
		}
		return s.sendPlainState()
	}
	return s.sendSelectiveAckState()
}

func (s *Socket) handleFin(h *wire.Header) error {
	if s.done {
		return s.sendPlainState()
	}
	s.FinNr = h.SeqNr
	s.HasFin = true
	s.Reader.SetFin(h.SeqNr)

	content, err := s.Reader.Run()
	if err == nil {
		s.AckNr = h.SeqNr
	} else if errors.Is(err, reader.ErrIncompleteStream) {
		err = ErrIncompleteStream
	}
	sendErr := s.sendPlainState()
	s.State = StateGotFin
	s.transitionClosed()
	s.finishReader(content, err)
	return sendErr
}

func (s *Socket) handleReset() error {
	s.transitionReset()
	if s.Role == RoleReader {
		s.finishReader(nil, ErrPeerReset)
	} else {
		s.finishWriter(ErrPeerReset)
	}
	return nil
}

// Cancel implements the coordinator's cancellation path (spec.md §5): it
// sends RESET, cancels timers, drops the outgoing and reassembly buffers,
// and resolves the pending handle with ErrCancelled.
func (s *Socket) Cancel() error {
	if s.State == StateClosed || s.State == StateReset {
		return nil
	}
	err := s.sendHeader(wire.TypeReset, s.SeqNr, nil)
	s.transitionReset()
	s.Out = outbuf.New()
	if s.Reader != nil {
		s.Reader = reader.New()
	}
	if s.Role == RoleReader {
		s.finishReader(nil, ErrCancelled)
	} else {
		s.finishWriter(ErrCancelled)
	}
	return err
}

func (s *Socket) transitionClosed() {
	s.State = StateClosed
	s.cancelRTOTimer()
	s.Metrics.SocketClosed()
}

func (s *Socket) transitionReset() {
	s.State = StateReset
	s.cancelRTOTimer()
	s.Metrics.SocketClosed()
}

func (s *Socket) finishReader(content []byte, err error) {
	if s.done {
		return
	}
	s.done = true
	if s.OnReaderDone != nil {
		s.OnReaderDone(content, err)
	}
}

func (s *Socket) finishWriter(err error) {
	if s.done {
		return
	}
	s.done = true
	if s.OnWriterDone != nil {
		s.OnWriterDone(err)
	}
}

// Throttle implements spec.md §4.5 "Timeout / throttle": it clamps
// max_window to one MTU, doubles the RTO, and resumes the writer.
// Consecutive timeouts back off exponentially via the doubled RTO itself;
// after MaxConsecutiveTimeouts the socket gives up and resets.
func (s *Socket) Throttle() {
	if s.State == StateClosed || s.State == StateReset {
		return
	}
	s.Metrics.Throttled()
	s.MaxWindow = MTU
	s.RTO *= 2
	s.consecutiveTimeouts++

	if s.consecutiveTimeouts > MaxConsecutiveTimeouts {
		s.transitionReset()
		if s.Role == RoleReader {
			s.finishReader(nil, ErrTimeout)
		} else {
			s.finishWriter(ErrTimeout)
		}
		return
	}

	if s.Role == RoleWriter {
		for _, seq := range s.Writer.PendingResend() {
			if payload, ok := s.Writer.Payload(seq); ok {
				s.Out.Add(seq, s.now(), len(payload))
				s.Metrics.Retransmit()
				s.sendHeader(wire.TypeData, seq, payload)
			}
		}
		s.startWriter()
	}
	s.rearmRTO()
}

func (s *Socket) startWriter() error {
	budget := int(s.MaxWindow) - s.Out.CurWindow()
	if budget <= 0 {
		return nil
	}
	_, err := s.Writer.Start(s.nextSeqNr, budget, func(seq uint16, payload []byte) error {
		s.Out.Add(seq, s.now(), len(payload))
		return s.sendHeader(wire.TypeData, seq, payload)
	})
	if err == nil {
		s.rearmRTO()
	}
	return err
}

// updateRTT applies the smoothed RTT/RTO estimators of spec.md §4.5 for a
// single acknowledged packet.
func (s *Socket) updateRTT(entry outbuf.Entry) {
	now := s.now()
	if now < entry.SendTimestamp {
		return
	}
	packetRTT := now - entry.SendTimestamp

	if s.RTT == 0 {
		s.RTT = packetRTT
		s.RTTVar = packetRTT / 2
	} else {
		delta := int64(s.RTT) - int64(packetRTT)
		if delta < 0 {
			delta = -delta
		}
		s.RTTVar = s.RTTVar + (uint64(delta)-s.RTTVar)/4
		rttDelta := int64(packetRTT) - int64(s.RTT)
		s.RTT = uint64(int64(s.RTT) + rttDelta/8)
	}

	rto := s.RTT + 4*s.RTTVar
	if rto < MinRTOMicros {
		rto = MinRTOMicros
	}
	s.RTO = rto
	s.consecutiveTimeouts = 0
	s.rearmRTO()
}

// updateDelay applies the LEDBAT one-way-delay congestion control of
// spec.md §4.5, run on every incoming packet.
func (s *Socket) updateDelay(h *wire.Header) {
	now := s.now()
	delay := now - uint64(h.TimestampMicros)

	if !s.baseDelaySet || now-s.baseDelayAt > BaseDelayWindowMicros || delay < s.baseDelay {
		s.baseDelay = delay
		s.baseDelayAt = now
		s.baseDelaySet = true
	}
	s.lastDelay = uint32(delay)

	if s.baseDelay == 0 {
		return
	}
	ourDelay := int64(delay) - int64(s.baseDelay)
	offTarget := int64(s.baseDelay) - ourDelay
	delayFactor := float64(offTarget) / float64(s.baseDelay)

	maxWindow := s.MaxWindow
	if maxWindow == 0 {
		return
	}
	windowFactor := float64(s.Out.CurWindow()) / float64(maxWindow)
	scaledGain := MaxCwndIncreasePacketsPerRTT * delayFactor * windowFactor

	newWindow := float64(s.MaxWindow) + scaledGain
	if newWindow < 0 {
		newWindow = 0
	}
	s.MaxWindow = uint32(newWindow)
	s.Metrics.SetWindow(s.connLabel(), s.Out.CurWindow(), int(s.MaxWindow))
}

func (s *Socket) connLabel() string {
	return fmt.Sprintf("%s/%d", s.RemoteID, s.RecvConnID)
}

func (s *Socket) rearmRTO() {
	s.cancelRTOTimer()
	if s.armTimer == nil {
		return
	}
	s.timerCancel = s.armTimer(time.Duration(s.RTO)*time.Microsecond, s.Throttle)
}

func (s *Socket) cancelRTOTimer() {
	if s.timerCancel != nil {
		s.timerCancel()
		s.timerCancel = nil
	}
}

func (s *Socket) sendPlainState() error {
	return s.sendHeader(wire.TypeState, s.SeqNr, nil)
}

func (s *Socket) sendSelectiveAckState() error {
	mask := wire.SelectiveAck(s.AckNr, s.Reader.ReceivedSet())
	h := &wire.Header{
		Type:                wire.TypeState,
		ConnID:              s.SendConnID,
		TimestampMicros:     uint32(s.now()),
		TimestampDiffMicros: s.lastDelay,
		WndSize:             advertisedWindow,
		SeqNr:               s.SeqNr,
		AckNr:               s.AckNr,
		Extensions:          []wire.Extension{{Type: wire.ExtensionSelectiveAck, Data: mask[:]}},
	}
	return s.emit(h)
}

func (s *Socket) sendHeader(typ wire.Type, seqNr uint16, payload []byte) error {
	h := &wire.Header{
		Type:                typ,
		ConnID:              s.SendConnID,
		TimestampMicros:     uint32(s.now()),
		TimestampDiffMicros: s.lastDelay,
		WndSize:             advertisedWindow,
		SeqNr:               seqNr,
		AckNr:               s.AckNr,
		Payload:             payload,
	}
	return s.emit(h)
}

func (s *Socket) emit(h *wire.Header) error {
	s.Metrics.PacketSent(h.Type.String())
	return s.send(wire.Encode(h))
}
