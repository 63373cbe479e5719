package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		key, _, ok := strings.Cut(e, "=")
		if ok && strings.HasPrefix(key, envPrefix) {
			os.Unsetenv(key)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ContainerImage != "python:3.11-slim" {
		t.Fatalf("unexpected default image: %q", cfg.ContainerImage)
	}
	if cfg.MemoryLimitBytes != 256*1024*1024 {
		t.Fatalf("unexpected default memory: %d", cfg.MemoryLimitBytes)
	}
	if cfg.ExecutionTimeout != 30*time.Second {
		t.Fatalf("unexpected default timeout: %v", cfg.ExecutionTimeout)
	}
	if cfg.AllowUnsafeRuntime {
		t.Fatal("default must be fail-closed (AllowUnsafeRuntime=false)")
	}
	if cfg.NetworkEnabled {
		t.Fatal("default must have network disabled")
	}
}

func TestLoadMemoryLimitParsing(t *testing.T) {
	clearEnv(t)
	os.Setenv(envPrefix+"MEMORY_LIMIT", "1g")
	defer os.Unsetenv(envPrefix + "MEMORY_LIMIT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MemoryLimitBytes != 1024*1024*1024 {
		t.Fatalf("expected 1 GiB, got %d", cfg.MemoryLimitBytes)
	}
}

func TestLoadRejectsInvalidRuntime(t *testing.T) {
	clearEnv(t)
	os.Setenv(envPrefix+"RUNTIME", "bogus")
	defer os.Unsetenv(envPrefix + "RUNTIME")

	_, err := Load()
	if err == nil {
		t.Fatal("expected Configuration error for invalid runtime")
	}
}

func TestLoadRejectsNonPositiveBudget(t *testing.T) {
	clearEnv(t)
	os.Setenv(envPrefix+"MAX_BUDGET_DOLLARS", "0")
	defer os.Unsetenv(envPrefix + "MAX_BUDGET_DOLLARS")

	_, err := Load()
	if err == nil {
		t.Fatal("expected Configuration error for non-positive budget")
	}
}
