// Package sandboxexec implements the Sandbox Supervisor: it builds one
// disposable, resource-constrained, network-isolated container per call,
// runs untrusted code inside it, and returns the exit status, captured
// output, and timeout/OOM flags. The supervisor owns the container from
// create to removal on every exit path — normal completion, timeout,
// cancellation, or internal error.
package sandboxexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentbox/internal/apperror"
	"agentbox/internal/logging"
	"agentbox/internal/metrics"
)

// Result is the outcome of one sandboxed execution.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	OOMKilled bool
	Duration  time.Duration
}

// Success reports whether the run exited cleanly: exit 0, no timeout, no
// OOM kill.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.OOMKilled
}

// Supervisor runs sandboxed executions against a single Docker daemon
// connection. The client is safe for concurrent use, so one Supervisor can
// serve many concurrent Execute calls; no mutable state is shared between
// runs beyond the client itself.
type Supervisor struct {
	client  *client.Client
	auditMu sync.Mutex
	metrics *metrics.Metrics
}

// SetMetrics attaches a Metrics bundle; passing nil disables recording. Not
// safe to call concurrently with Execute.
func (s *Supervisor) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// NewSupervisor connects to the Docker daemon at dockerHost (empty string
// uses the environment default, e.g. DOCKER_HOST or the local socket).
func NewSupervisor(dockerHost string) (*Supervisor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperror.Sandbox(apperror.SandboxDaemon, 0, "docker client init failed", err)
	}
	return &Supervisor{client: cli}, nil
}

// Close releases the underlying Docker client.
func (s *Supervisor) Close() error {
	return s.client.Close()
}

// Execute runs code under cfg, optionally mounting contextPath read-only
// at cfg.ContextMountPath. Exactly one container is created and it is
// always removed before Execute returns, on every exit path.
func (s *Supervisor) Execute(ctx context.Context, cfg Config, code, contextPath string) (*Result, error) {
	runtimeName, err := s.resolveRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}

	execID := uuid.New().String()
	scratchDir, err := os.MkdirTemp("", "agentbox-sandbox-"+execID)
	if err != nil {
		return nil, apperror.Sandbox(apperror.SandboxInternal, 0, "create scratch dir", err)
	}
	defer os.RemoveAll(scratchDir)

	fileName := cfg.FileName
	if fileName == "" {
		fileName = "main.py"
	}
	if err := os.WriteFile(filepath.Join(scratchDir, fileName), []byte(code), 0o644); err != nil {
		return nil, apperror.Sandbox(apperror.SandboxInternal, 0, "write entry file", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hostCfg, err := s.buildHostConfig(cfg, runtimeName, scratchDir, contextPath)
	if err != nil {
		return nil, err
	}

	cmd := renderCommand(cfg.Command, "/work/"+fileName)
	if len(cmd) == 0 {
		return nil, apperror.Configuration("sandbox config has an empty command template")
	}

	created, err := s.client.ContainerCreate(execCtx, &container.Config{
		Image:           cfg.Image,
		WorkingDir:      "/work",
		Cmd:             cmd,
		Env:             []string{"HOME=/tmp", "GOCACHE=/tmp/go-build"},
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !cfg.NetworkEnabled,
	}, hostCfg, &network.NetworkingConfig{}, nil, "agentbox-sandbox-"+execID[:12])
	if err != nil {
		return nil, apperror.Sandbox(apperror.SandboxImage, 0, "container create failed", err)
	}
	containerID := created.ID

	defer func() {
		_ = s.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := s.client.ContainerStart(execCtx, containerID, container.StartOptions{}); err != nil {
		return nil, apperror.Sandbox(apperror.SandboxRuntime, 0, "container start failed", err)
	}

	startedAt := time.Now()
	result := &Result{}

	waitCh, errCh := s.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-execCtx.Done():
		_ = s.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = 124
		} else {
			result.ExitCode = 137
		}
	case waitErr := <-errCh:
		return nil, apperror.Sandbox(apperror.SandboxDaemon, 0, "container wait failed", waitErr)
	case resp := <-waitCh:
		result.ExitCode = int(resp.StatusCode)
	}
	result.Duration = time.Since(startedAt)

	inspect, inspectErr := s.client.ContainerInspect(context.Background(), containerID)
	if inspectErr == nil {
		result.OOMKilled = inspect.State.OOMKilled
		if !result.TimedOut {
			result.ExitCode = inspect.State.ExitCode
		}
	}

	stdout, stderr, logErr := s.readLogs(context.Background(), containerID, cfg.MaxOutputBytes)
	if logErr != nil {
		logging.L().Warn("sandbox log read warning", zap.Error(logErr))
	}
	result.Stdout = stdout
	result.Stderr = stderr

	s.metrics.RecordExecution(outcomeLabel(result), result.Duration)
	return result, nil
}

func outcomeLabel(r *Result) string {
	switch {
	case r.OOMKilled:
		return "oom_killed"
	case r.TimedOut:
		return "timed_out"
	case r.ExitCode == 0:
		return "success"
	default:
		return "nonzero_exit"
	}
}

// resolveRuntime picks the container runtime fail-closed: a secure
// (user-space-kernel) runtime is used when the daemon reports it
// installed; a standard-runtime fallback is only permitted when the caller
// has explicitly opted in via AllowUnsafeRuntime, and is always logged as
// a security-relevant event.
func (s *Supervisor) resolveRuntime(ctx context.Context, cfg Config) (string, error) {
	info, err := s.client.Info(ctx)
	if err != nil {
		return "", apperror.Sandbox(apperror.SandboxDaemon, 0, "docker info failed", err)
	}

	secureName := cfg.GVisorRuntimeName
	if secureName == "" {
		secureName = "runsc"
	}
	_, secureAvailable := info.Runtimes[secureName]
	if !secureAvailable && secureName == info.DefaultRuntime {
		secureAvailable = true
	}

	refuse := func(reason string) (string, error) {
		logging.L().Warn("sandbox refused to run (fail-closed)", zap.String("reason", reason))
		s.audit(cfg, "fail_closed_refusal", reason)
		return "", apperror.SecurityViolation(reason)
	}

	switch cfg.Runtime {
	case RuntimeSecure:
		if !secureAvailable {
			return refuse("secure runtime " + secureName + " requested but not available")
		}
		return secureName, nil

	case RuntimeStandard:
		if !cfg.AllowUnsafeRuntime {
			return refuse("standard runtime explicitly requested without allow_unsafe_runtime")
		}
		s.logUnsafeFallback(cfg, "explicit standard runtime request")
		return "", nil

	case RuntimeAuto, "":
		if secureAvailable {
			return secureName, nil
		}
		if !cfg.AllowUnsafeRuntime {
			return refuse("secure runtime unavailable and allow_unsafe_runtime is false")
		}
		s.logUnsafeFallback(cfg, "secure runtime unavailable")
		return "", nil

	default:
		return "", apperror.Configuration("unknown runtime selector: " + string(cfg.Runtime))
	}
}

func (s *Supervisor) logUnsafeFallback(cfg Config, reason string) {
	logging.L().Warn("sandbox falling back to standard (unsafe) runtime",
		zap.String("reason", reason))
	s.audit(cfg, "runtime_fallback", reason)
}

func (s *Supervisor) buildHostConfig(cfg Config, runtimeName, scratchDir, contextPath string) (*container.HostConfig, error) {
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: scratchDir, Target: "/work", ReadOnly: true},
	}
	if contextPath != "" {
		target := cfg.ContextMountPath
		if target == "" {
			target = "/context/data"
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: contextPath, Target: target, ReadOnly: true})
	}

	memoryBytes := cfg.MemoryBytes
	if memoryBytes <= 0 {
		memoryBytes = 256 * 1024 * 1024
	}
	nanoCPUs := int64(cfg.CPUCores * 1_000_000_000)
	if nanoCPUs <= 0 {
		nanoCPUs = 500_000_000
	}
	pidsLimit := cfg.PidsLimit
	if pidsLimit <= 0 {
		pidsLimit = 50
	}

	securityOpt := []string{"no-new-privileges:true"}
	if runtimeName == "" && cfg.AllowUnsafeRuntime {
		// Defense in depth on the unsafe fallback path: gVisor already
		// intercepts syscalls when selected; a seccomp profile is the
		// mitigation when the operator has explicitly accepted the risk
		// of running without it.
		if profile, err := seccompProfileJSON(); err == nil {
			securityOpt = append(securityOpt, "seccomp="+profile)
		}
	}

	networkMode := container.NetworkMode("none")
	if cfg.NetworkEnabled {
		networkMode = "bridge"
		s.audit(cfg, "network_enabled", "network explicitly enabled for this run")
		logging.L().Warn("sandbox run has network enabled", zap.String("image", cfg.Image))
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		SecurityOpt:    securityOpt,
		CapDrop:        []string{"ALL"},
		Runtime:        runtimeName,
		Mounts:         mounts,
		NetworkMode:    networkMode,
		IpcMode:        "none",
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}
	return hostCfg, nil
}

func (s *Supervisor) readLogs(ctx context.Context, containerID string, limit int64) (string, string, error) {
	if limit <= 0 {
		limit = 4000
	}
	rc, err := s.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(&limitedWriter{w: &stdout, limit: limit}, &limitedWriter{w: &stderr, limit: limit}, rc)
	return stdout.String(), stderr.String(), err
}

// audit appends a JSON-lines security-relevant event when cfg.AuditLogPath
// is configured. Off by default; additive to the zap log line that is
// always emitted regardless.
func (s *Supervisor) audit(cfg Config, event, detail string) {
	if cfg.AuditLogPath == "" {
		return
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	f, err := os.OpenFile(cfg.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	entry := map[string]interface{}{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"event":  event,
		"detail": detail,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = f.Write(b)
}

func renderCommand(cmd []string, file string) []string {
	out := make([]string, 0, len(cmd))
	for _, part := range cmd {
		out = append(out, strings.ReplaceAll(part, "{{file}}", file))
	}
	return out
}

type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.limit <= 0 {
		return lw.w.Write(p)
	}
	if lw.written >= lw.limit {
		return len(p), nil
	}
	consumed := len(p)
	remaining := lw.limit - lw.written
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return n, err
	}
	return consumed, nil
}

