package config

import (
	"strings"
	"testing"
)

type envTestConfig struct {
	MaxBalance int64 `env:"DESPERADO_TEST_MAX_BALANCE" envDefault:"1000"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.MaxBalance != 1000 {
		t.Fatalf("expected default max balance 1000, got %d", cfg.MaxBalance)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("DESPERADO_TEST_MAX_BALANCE", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
