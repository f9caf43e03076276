// Command portal-utp is a demo harness for the μTP transport: it wires
// two in-process peers together over an in-memory discv5 stand-in, has
// one serve a chunk of content and the other fetch it, and reports the
// result. It mirrors the teacher's core/main.go shape (banner, config
// load, graceful shutdown on signal) generalized from a game server
// bootstrap to a transport demo.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum/portal-utp/internal/config"
	"github.com/ethereum/portal-utp/internal/coordinator"
	"github.com/ethereum/portal-utp/internal/discv5"
	"github.com/ethereum/portal-utp/internal/mux"
	"github.com/ethereum/portal-utp/internal/store"
	"github.com/ethereum/portal-utp/internal/telemetry"
)

const (
	VERSION = "0.1.0"

	networkID   = 1
	contentType = 1
)

func main() {
	telemetry.Banner("portal-utp demo", VERSION)

	cfg := config.Load()
	telemetry.Info("configuration loaded", map[string]interface{}{
		"mtu":                cfg.MTU,
		"max_retries":        cfg.MaxRetries,
		"idle_fetch_timeout": cfg.IdleFetchTimeout.String(),
	})

	metrics := telemetry.NewMetrics()
	if addr := os.Getenv("UTP_METRICS_ADDR"); addr != "" {
		go serveMetrics(addr, metrics)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		telemetry.Warn("received signal, shutting down", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	if err := runDemoTransfer(ctx, cfg, metrics); err != nil {
		telemetry.Fatal("demo transfer failed", map[string]interface{}{"error": err.Error()})
	}
	telemetry.Success("demo transfer complete", nil)
}

func serveMetrics(addr string, metrics *telemetry.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	telemetry.Info("serving metrics", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		telemetry.Error("metrics server stopped", map[string]interface{}{"error": err.Error()})
	}
}

// runDemoTransfer wires a serving peer ("bob") and a fetching peer
// ("alice") over a LossyBus, runs bob.Serve and alice.Fetch concurrently
// via an errgroup, and verifies the fetched bytes round-tripped intact.
func runDemoTransfer(ctx context.Context, cfg config.Config, metrics *telemetry.Metrics) error {
	telemetry.Section("starting demo transfer")

	bus := discv5.NewLossyBus(0.05, 20*time.Millisecond, time.Now().UnixNano())

	muxAlice := mux.New(bus.Register("alice", nil), metrics)
	muxBob := mux.New(bus.Register("bob", nil), metrics)
	bus.Register("alice", muxAlice)
	bus.Register("bob", muxBob)

	storeAlice := store.NewMemory()
	storeBob := store.NewMemory()

	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	contentKey := []byte("demo-content-key")
	storeBob.Put(networkID, contentKey, content)

	connIDCh := make(chan uint16, 1)
	announce := func(ctx context.Context, remote string, key []byte, connID uint16) error {
		connIDCh <- connID
		return nil
	}
	accept := func(ctx context.Context, remote string, key []byte, size int) (bool, error) {
		telemetry.Info("offer accepted", map[string]interface{}{"remote": remote, "size": size})
		return true, nil
	}
	coordBob := coordinator.New(muxBob, storeBob, nil, nil, accept, announce, networkID, contentType)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return coordBob.Serve(egCtx, "alice", contentKey, content)
	})

	var connID uint16
	select {
	case connID = <-connIDCh:
	case <-egCtx.Done():
		return egCtx.Err()
	}

	findContent := func(ctx context.Context, remote string, key []byte) ([]byte, uint16, bool, error) {
		return nil, connID, true, nil
	}
	coordAlice := coordinator.New(muxAlice, storeAlice, nil, findContent, nil, nil, networkID, contentType)
	coordAlice.SetIdleTimeout(cfg.IdleFetchTimeout)

	var fetched []byte
	eg.Go(func() error {
		data, err := coordAlice.Fetch(egCtx, "bob", contentKey)
		fetched = data
		return err
	})

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("demo transfer: %w", err)
	}
	if !bytes.Equal(fetched, content) {
		return fmt.Errorf("fetched %d bytes do not match served %d bytes", len(fetched), len(content))
	}

	telemetry.Info("transfer verified", map[string]interface{}{"bytes": len(fetched)})
	return nil
}
