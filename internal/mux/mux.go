// Package mux implements the C6 Transport Multiplexer: the bridge
// between the host discv5 session and per-connection sockets. It
// demultiplexes inbound datagrams by (remote, connection id), drives
// socket creation for both the initiating and accepting sides of a
// transfer, and periodically sweeps idle connections — mirroring the
// teacher's Server/RakNetHandler pairing in source/server/server.go,
// generalized from a single net.UDPAddr key to μTP's (remote, conn id)
// pair (spec.md §3).
package mux

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/ethereum/portal-utp/internal/discv5"
	"github.com/ethereum/portal-utp/internal/socket"
	"github.com/ethereum/portal-utp/internal/telemetry"
	"github.com/ethereum/portal-utp/internal/wire"
)

// ConnKey identifies one socket: the remote peer plus the connection id
// this side receives on, per spec.md §3.
type ConnKey struct {
	Remote string
	ConnID uint16
}

type trackedSocket struct {
	sock     *socket.Socket
	lastSeen time.Time
	traceID  string // correlates log lines across a reused connection id
}

// Multiplexer owns every live socket for one local discv5 identity. It
// implements discv5.Listener so the host session can hand it inbound
// datagrams directly.
type Multiplexer struct {
	session discv5.Session
	metrics *telemetry.Metrics

	mu       sync.Mutex
	sockets  map[ConnKey]*trackedSocket
	pendingSyn map[uint16]*trackedSocket // reader sockets awaiting a SYN, keyed by the connection id that SYN carries (negotiated id - 1)

	now func() uint64
}

// New builds a Multiplexer that sends through session. metrics may be
// nil.
func New(session discv5.Session, metrics *telemetry.Metrics) *Multiplexer {
	return &Multiplexer{
		session:    session,
		metrics:    metrics,
		sockets:    make(map[ConnKey]*trackedSocket),
		pendingSyn: make(map[uint16]*trackedSocket),
		now:        nowMicros,
	}
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// OnDatagram implements discv5.Listener: it decodes the packet and
// routes it to the matching socket, creating a new reader socket on an
// inbound SYN whose connection id was pre-registered via CreateReader.
// Undecodable packets and packets for unknown connections are logged and
// dropped.
func (m *Multiplexer) OnDatagram(remote string, payload []byte) {
	h, err := wire.Decode(payload)
	if err != nil {
		telemetry.Warn("dropping undecodable packet", map[string]interface{}{"remote": remote, "error": err.Error()})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h.Type == wire.TypeSyn {
		m.acceptSyn(remote, h)
		return
	}

	key := ConnKey{Remote: remote, ConnID: h.ConnID}
	ts, ok := m.sockets[key]
	if !ok {
		telemetry.Warn("packet for unknown connection", map[string]interface{}{"remote": remote, "conn_id": h.ConnID})
		return
	}
	ts.lastSeen = time.Now()
	if err := ts.sock.HandleInbound(h); err != nil {
		telemetry.Debug("socket rejected inbound packet", map[string]interface{}{"remote": remote, "conn_id": h.ConnID, "error": err.Error()})
	}
}

// acceptSyn promotes a reader pre-registered via CreateReader, keyed on
// the SYN's own connection id, into a live socket keyed by (remote,
// recv_conn_id) per the scheme of spec.md §4.6: the initiator's SYN
// carries ConnID = X (its recv id); the acceptor's recv id is X+1, send
// id is X.
func (m *Multiplexer) acceptSyn(remote string, h *wire.Header) {
	ts, ok := m.pendingSyn[h.ConnID]
	if !ok {
		telemetry.Warn("SYN for unregistered connection id", map[string]interface{}{"remote": remote, "conn_id": h.ConnID})
		return
	}
	delete(m.pendingSyn, h.ConnID)

	if err := ts.sock.AcceptSyn(h); err != nil {
		telemetry.Error("failed to accept SYN", map[string]interface{}{"remote": remote, "error": err.Error()})
		return
	}
	ts.lastSeen = time.Now()
	m.metrics.SocketOpened()
	key := ConnKey{Remote: remote, ConnID: ts.sock.RecvConnID}
	m.sockets[key] = ts
	telemetry.Info("socket opened", map[string]interface{}{"remote": remote, "conn_id": key.ConnID, "trace": ts.traceID})
}

// Handle is a live reference to one socket, returned by CreateReader and
// CreateWriter so a caller (typically the coordinator) can cancel it
// without needing to know which connection id it is currently keyed
// under — important for a reader handle, whose key changes from a
// pendingSyn entry to a sockets entry the moment its SYN arrives.
type Handle struct {
	mux        *Multiplexer
	ts         *trackedSocket
	pendingKey *uint16 // set for a reader handle; Cancel uses it only while the socket is still pending
}

// Cancel tears down the underlying socket (spec.md §5 cancellation:
// RESET sent, timers cancelled, pending handle resolved with Cancelled).
// It holds the multiplexer's lock for the whole call, since Cancel can
// synchronously resolve the socket's done callback, which in turn drops
// it from the multiplexer's own maps.
func (h *Handle) Cancel() {
	h.mux.mu.Lock()
	defer h.mux.mu.Unlock()
	h.ts.sock.Cancel()
	if h.pendingKey != nil && h.mux.pendingSyn[*h.pendingKey] == h.ts {
		delete(h.mux.pendingSyn, *h.pendingKey)
	}
}

// CreateReader registers a pending reader socket for an inbound transfer
// whose connection_id was pre-negotiated out-of-band (spec.md §4.6,
// e.g. via a FindContent/Offer acceptance). connID is the same value
// CreateWriter returned to the peer that will initiate this transfer
// (the writer's send_conn_id); the wire-level SYN it sends instead
// carries connID-1 (the writer's recv_conn_id), so the pending
// registration is keyed on that value.
func (m *Multiplexer) CreateReader(remote string, connID uint16, onDone socket.ReaderDone) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := socket.NewReaderPending(remote, m.now, m.sendTo(remote), m.armTimer, m.randSeq)
	s.Metrics = m.metrics
	s.OnReaderDone = func(content []byte, err error) {
		m.drop(ConnKey{Remote: remote, ConnID: s.RecvConnID})
		onDone(content, err)
	}
	pendingKey := connID - 1
	ts := &trackedSocket{sock: s, lastSeen: time.Now(), traceID: xid.New().String()}
	m.pendingSyn[pendingKey] = ts
	return &Handle{mux: m, ts: ts, pendingKey: &pendingKey}
}

// CreateWriter starts a new outbound transfer to remote: it allocates a
// fresh random recv_conn_id, constructs a writer socket, and sends the
// initial SYN immediately. It returns send_conn_id (recv_conn_id+1), the
// value the coordinator shares with the peer for a matching CreateReader
// call, per spec.md §4.6.
func (m *Multiplexer) CreateWriter(remote string, payload []byte, onDone socket.WriterDone) (uint16, *Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recvConnID := m.randSeq()
	s := socket.NewWriter(remote, recvConnID, payload, m.now, m.sendTo(remote), m.armTimer, m.randSeq)
	s.Metrics = m.metrics
	s.OnWriterDone = func(err error) {
		m.drop(ConnKey{Remote: remote, ConnID: recvConnID})
		onDone(err)
	}

	key := ConnKey{Remote: remote, ConnID: recvConnID}
	ts := &trackedSocket{sock: s, lastSeen: time.Now(), traceID: xid.New().String()}
	m.sockets[key] = ts
	m.metrics.SocketOpened()
	telemetry.Info("socket opened", map[string]interface{}{"remote": remote, "conn_id": recvConnID, "trace": ts.traceID})

	if err := s.SendSyn(); err != nil {
		delete(m.sockets, key)
		return 0, nil, fmt.Errorf("send syn: %w", err)
	}
	return s.SendConnID, &Handle{mux: m, ts: ts}, nil
}

// drop removes a socket from the live-connection map. Every call path
// that can reach it (OnDatagram, an armTimer fire, Handle.Cancel, Sweep)
// already holds m.mu for its whole duration, so drop assumes the lock is
// held rather than acquiring it itself — acquiring it here too would
// self-deadlock the non-reentrant mutex the moment a socket resolves its
// done callback synchronously from within one of those call paths.
func (m *Multiplexer) drop(key ConnKey) {
	delete(m.sockets, key)
}

func (m *Multiplexer) sendTo(remote string) socket.SendFunc {
	return func(payload []byte) error {
		return m.session.Send(context.Background(), remote, payload)
	}
}

// armTimer is the Multiplexer's socket.ArmTimer: it schedules fire on a
// standard time.Timer and returns a cancel func, giving each socket
// exactly one live RTO timer as required by spec.md §8 invariant 2.
func (m *Multiplexer) armTimer(d time.Duration, fire func()) func() {
	t := time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		fire()
	})
	return func() { t.Stop() }
}

func (m *Multiplexer) randSeq() uint16 {
	return uint16(rand.Intn(1 << 16))
}

// Sweep resets any socket that has not seen inbound traffic for at least
// idleAfter, generalizing the teacher's periodic CleanupStaleSessions
// (source/server/server.go) from a player/session timeout to μTP's
// Cancelled/Timeout escalation path (spec.md §5, §7). It holds the lock
// for the whole sweep, since each Cancel call can synchronously drop its
// own entry via the socket's done callback.
func (m *Multiplexer) Sweep(idleAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleAfter)
	for key, ts := range m.sockets {
		if ts.lastSeen.Before(cutoff) {
			delete(m.sockets, key)
			ts.sock.Cancel()
		}
	}
}

// ActiveCount reports the number of live sockets, for metrics/tests.
func (m *Multiplexer) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sockets)
}
