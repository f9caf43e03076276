// Package config loads transport tunables from environment variables,
// mirroring the teacher's loadConfig() in core/main.go: a flat struct of
// named fields with sensible defaults, no external config file format.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the transport tunables a demo binary or host application
// may want to override without touching code.
type Config struct {
	MTU              int
	InitialRTOMicros uint64
	MaxRetries       int
	IdleFetchTimeout time.Duration
	SocketIdleSweep  time.Duration
}

// Default returns the tunables spec.md's formulas assume: a 1280-byte
// MTU, a 1s initial RTO, seven retransmission attempts before giving up
// (spec.md §5 MaxConsecutiveTimeouts), a 2s fetch idle timeout, and a 30s
// sweep interval for abandoned sockets.
func Default() Config {
	return Config{
		MTU:              1280,
		InitialRTOMicros: 1_000_000,
		MaxRetries:       7,
		IdleFetchTimeout: 2 * time.Second,
		SocketIdleSweep:  30 * time.Second,
	}
}

// Load returns Default() with any recognized UTP_* environment variable
// overridden. Malformed values are ignored and the default is kept, so a
// bad environment never prevents startup.
func Load() Config {
	cfg := Default()

	if v, ok := getenvInt("UTP_MTU"); ok {
		cfg.MTU = v
	}
	if v, ok := getenvUint64("UTP_INITIAL_RTO_MICROS"); ok {
		cfg.InitialRTOMicros = v
	}
	if v, ok := getenvInt("UTP_MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := getenvDuration("UTP_IDLE_FETCH_TIMEOUT"); ok {
		cfg.IdleFetchTimeout = v
	}
	if v, ok := getenvDuration("UTP_SOCKET_IDLE_SWEEP"); ok {
		cfg.SocketIdleSweep = v
	}

	return cfg
}

func getenvInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getenvUint64(key string) (uint64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getenvDuration(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
