package sandboxexec

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"agentbox/internal/apperror"
)

// skipIfNoDocker skips the test if a Docker daemon is not reachable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	cmd := exec.Command("docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("Docker not available, skipping sandbox execution tests")
	}
}

func TestDefaultConfigIsFailClosed(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.AllowUnsafeRuntime {
		t.Fatal("default config must not allow the unsafe runtime")
	}
	if cfg.NetworkEnabled {
		t.Fatal("default config must not enable network access")
	}
	if cfg.Runtime != RuntimeAuto {
		t.Fatalf("expected RuntimeAuto by default, got %v", cfg.Runtime)
	}
}

func TestApplyTemplateReplacesEntrypointOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryBytes = 123
	tmpl := DefaultLanguageTemplates()["javascript"]
	out := cfg.ApplyTemplate(tmpl)

	if out.Image != tmpl.Image || out.FileName != tmpl.FileName {
		t.Fatalf("expected template image/filename applied, got %+v", out)
	}
	if out.MemoryBytes != 123 {
		t.Fatal("ApplyTemplate must not touch resource limits")
	}
}

func TestRenderCommandSubstitutesFile(t *testing.T) {
	got := renderCommand([]string{"python3", "-u", "{{file}}"}, "/work/main.py")
	want := []string{"python3", "-u", "/work/main.py"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLimitedWriterTruncates(t *testing.T) {
	var buf strings.Builder
	lw := &limitedWriter{w: &buf, limit: 5}
	n, err := lw.Write([]byte("hello world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len("hello world") {
		t.Fatalf("expected writer to report full consumption, got %d", n)
	}
	if buf.String() != "hello" {
		t.Fatalf("expected truncated write, got %q", buf.String())
	}
}

func TestSeccompProfileJSONWellFormed(t *testing.T) {
	profile, err := seccompProfileJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(profile, "SCMP_ACT_ERRNO") || !strings.Contains(profile, "SCMP_ACT_ALLOW") {
		t.Fatalf("expected both default-deny and allowlist actions present, got %q", profile)
	}
}

func TestResolveRuntimeRejectsUnsafeWithoutOptIn(t *testing.T) {
	skipIfNoDocker(t)
	sup, err := NewSupervisor("")
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Close()

	cfg := DefaultConfig()
	cfg.Runtime = RuntimeStandard
	cfg.AllowUnsafeRuntime = false

	_, err = sup.resolveRuntime(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected fail-closed error for standard runtime without opt-in")
	}
	var appErr *apperror.Error
	if e, ok := err.(*apperror.Error); ok {
		appErr = e
	}
	if appErr == nil || appErr.Kind.Kind != apperror.KindSecurityViolation {
		t.Fatalf("expected SecurityViolation, got %v", err)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	skipIfNoDocker(t)
	sup, err := NewSupervisor("")
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Close()

	cfg := DefaultConfig()
	cfg.AllowUnsafeRuntime = true // CI docker hosts rarely ship gVisor
	cfg.Timeout = 15 * time.Second

	result, err := sup.Execute(context.Background(), cfg, "print('hello from sandbox')", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success() {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.Contains(result.Stdout, "hello from sandbox") {
		t.Fatalf("expected stdout to contain program output, got %q", result.Stdout)
	}
}

func TestExecuteTimeout(t *testing.T) {
	skipIfNoDocker(t)
	sup, err := NewSupervisor("")
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Close()

	cfg := DefaultConfig()
	cfg.AllowUnsafeRuntime = true
	cfg.Timeout = 2 * time.Second

	result, err := sup.Execute(context.Background(), cfg, "import time\ntime.sleep(30)", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.TimedOut || result.ExitCode != 124 {
		t.Fatalf("expected timeout with exit code 124, got %+v", result)
	}
}

func TestExecuteNetworkDisabled(t *testing.T) {
	skipIfNoDocker(t)
	sup, err := NewSupervisor("")
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Close()

	cfg := DefaultConfig()
	cfg.AllowUnsafeRuntime = true
	cfg.Timeout = 10 * time.Second

	code := "import socket\ntry:\n    socket.create_connection(('1.1.1.1', 80), timeout=3)\n    print('CONNECTED')\nexcept Exception as e:\n    print('BLOCKED')"
	result, err := sup.Execute(context.Background(), cfg, code, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(result.Stdout, "CONNECTED") {
		t.Fatal("network must be disabled by default")
	}
}
