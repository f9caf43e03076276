package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	cfg := Default()
	if cfg.MTU != 1280 {
		t.Errorf("MTU = %d, want 1280", cfg.MTU)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
	if cfg.IdleFetchTimeout != 2*time.Second {
		t.Errorf("IdleFetchTimeout = %v, want 2s", cfg.IdleFetchTimeout)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	os.Setenv("UTP_MTU", "1000")
	os.Setenv("UTP_MAX_RETRIES", "3")
	os.Setenv("UTP_IDLE_FETCH_TIMEOUT", "500ms")
	defer func() {
		os.Unsetenv("UTP_MTU")
		os.Unsetenv("UTP_MAX_RETRIES")
		os.Unsetenv("UTP_IDLE_FETCH_TIMEOUT")
	}()

	cfg := Load()
	if cfg.MTU != 1000 {
		t.Errorf("MTU = %d, want 1000", cfg.MTU)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.IdleFetchTimeout != 500*time.Millisecond {
		t.Errorf("IdleFetchTimeout = %v, want 500ms", cfg.IdleFetchTimeout)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	os.Setenv("UTP_MTU", "not-a-number")
	defer os.Unsetenv("UTP_MTU")

	cfg := Load()
	if cfg.MTU != Default().MTU {
		t.Errorf("MTU = %d, want default %d when env value is malformed", cfg.MTU, Default().MTU)
	}
}
