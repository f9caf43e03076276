// Package coordinator implements the C7 Request Coordinator: it bridges
// higher-level FindContent/Offer results to socket lifecycles on the
// multiplexer and resolves a pending handle with the reassembled bytes
// or a terminal error, per spec.md §4.7. It is grounded on the teacher's
// handleGamePacket dispatch in source/server/server.go, generalized from
// a fixed packet-ID switch to two explicit request verbs (fetch/serve).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/portal-utp/internal/mux"
	"github.com/ethereum/portal-utp/internal/socket"
	"github.com/ethereum/portal-utp/internal/store"
	"github.com/ethereum/portal-utp/internal/telemetry"
)

// DefaultIdleTimeout is the fetch idle timeout of spec.md §4.7: if no
// μTP handoff resolves assembly within this window, fetch returns empty
// bytes.
const DefaultIdleTimeout = 2 * time.Second

// FindContentFunc issues the application-level FindContent request. An
// inline result is returned directly; a handoff reports the connection
// id the peer's writer will push DATA on.
type FindContentFunc func(ctx context.Context, remote string, contentKey []byte) (inline []byte, connID uint16, handoff bool, err error)

// AcceptFunc issues the application-level Offer/Accept exchange for an
// outbound push and reports whether the peer wants the content.
type AcceptFunc func(ctx context.Context, remote string, contentKey []byte, size int) (accepted bool, err error)

// AnnounceFunc communicates the connection id this node's writer
// allocated (via create_writer, spec.md §4.6) back to the peer, so its
// own create_reader call binds to the same id. How this is carried (an
// RPC field, a follow-up message) is a host-protocol concern outside
// this module's scope.
type AnnounceFunc func(ctx context.Context, remote string, contentKey []byte, connID uint16) error

// SubProtocol lets a higher application layer observe completed
// transfers. Fetch passes content a reader has just assembled to Store.
// Serve does not call into SubProtocol, and FindContentLocally is not
// called anywhere in this package.
type SubProtocol interface {
	Store(contentType byte, key []byte, value []byte) error
	FindContentLocally(key []byte) ([]byte, bool)
}

// ErrDeclined is returned by Serve when the peer does not accept the
// offered content.
var ErrDeclined = errors.New("utp: peer declined offer")

type fetchResult struct {
	content []byte
	err     error
}

// Coordinator owns the pending-request bookkeeping layered over one
// Multiplexer.
type Coordinator struct {
	mux         *mux.Multiplexer
	store       store.Store
	sub         SubProtocol
	findContent FindContentFunc
	accept      AcceptFunc
	announce    AnnounceFunc
	idleTimeout time.Duration
	networkID   uint8
	contentType byte
}

// New builds a Coordinator. findContent, accept and announce are the
// application's hooks into the host protocol's FindContent/Offer
// exchange; sub may be nil if no sub-protocol callback is needed.
func New(m *mux.Multiplexer, contentStore store.Store, sub SubProtocol, findContent FindContentFunc, accept AcceptFunc, announce AnnounceFunc, networkID uint8, contentType byte) *Coordinator {
	return &Coordinator{
		mux:         m,
		store:       contentStore,
		sub:         sub,
		findContent: findContent,
		accept:      accept,
		announce:    announce,
		idleTimeout: DefaultIdleTimeout,
		networkID:   networkID,
		contentType: contentType,
	}
}

// SetIdleTimeout overrides the default 2s fetch idle timeout, for tests.
func (c *Coordinator) SetIdleTimeout(d time.Duration) {
	c.idleTimeout = d
}

// Fetch implements spec.md §4.7 fetch: it issues FindContent; an inline
// result is returned immediately, while a μTP handoff opens a reader
// socket bound to the negotiated connection id and waits for assembly to
// complete, a peer RESET, or the idle timeout, whichever comes first.
func (c *Coordinator) Fetch(ctx context.Context, remote string, contentKey []byte) ([]byte, error) {
	if local, ok := c.store.Get(c.networkID, contentKey); ok {
		return local, nil
	}

	inline, connID, handoff, err := c.findContent(ctx, remote, contentKey)
	if err != nil {
		return nil, fmt.Errorf("find content: %w", err)
	}
	if !handoff {
		return inline, nil
	}

	done := make(chan fetchResult, 1)
	handle := c.mux.CreateReader(remote, connID, func(content []byte, err error) {
		done <- fetchResult{content: content, err: err}
	})

	timer := time.NewTimer(c.idleTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, socket.ErrIncompleteStream) {
				return []byte{}, nil
			}
			return nil, res.err
		}
		if err := c.store.Put(c.networkID, contentKey, res.content); err != nil {
			telemetry.Warn("failed to persist fetched content", map[string]interface{}{"remote": remote, "error": err.Error()})
		}
		if c.sub != nil {
			if err := c.sub.Store(c.contentType, contentKey, res.content); err != nil {
				telemetry.Warn("sub-protocol store failed", map[string]interface{}{"remote": remote, "error": err.Error()})
			}
		}
		return res.content, nil
	case <-timer.C:
		handle.Cancel()
		telemetry.Warn("fetch idle timeout", map[string]interface{}{"remote": remote})
		return []byte{}, nil
	case <-ctx.Done():
		handle.Cancel()
		return nil, ctx.Err()
	}
}

// Serve implements spec.md §4.7 serve: on Accept, it opens a writer
// socket (allocating a fresh connection id per create_writer's contract,
// spec.md §4.6), announces that id to the peer so its create_reader
// binds to the same connection, streams bytes, and resolves once FIN is
// acknowledged.
func (c *Coordinator) Serve(ctx context.Context, remote string, contentKey []byte, content []byte) error {
	accepted, err := c.accept(ctx, remote, contentKey, len(content))
	if err != nil {
		return fmt.Errorf("offer/accept: %w", err)
	}
	if !accepted {
		return ErrDeclined
	}

	done := make(chan error, 1)
	connID, handle, err := c.mux.CreateWriter(remote, content, func(err error) { done <- err })
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	if err := c.announce(ctx, remote, contentKey, connID); err != nil {
		handle.Cancel()
		return fmt.Errorf("announce connection id: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		handle.Cancel()
		return ctx.Err()
	}
}
