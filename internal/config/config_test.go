package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.CheckpointDebounce != 500*time.Millisecond {
		t.Fatalf("unexpected debounce: %v", cfg.CheckpointDebounce)
	}
	if cfg.LoadTimeout != 3*time.Second {
		t.Fatalf("unexpected load timeout: %v", cfg.LoadTimeout)
	}
	if cfg.EvictionGrace != 10*time.Second {
		t.Fatalf("unexpected eviction grace: %v", cfg.EvictionGrace)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadRejectsNonPositiveDurations(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "test-secret")
	configViper.Set("persistence.debounce_ms", 0)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero debounce")
	}
}
