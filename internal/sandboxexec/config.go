package sandboxexec

import "time"

// Runtime selects which container runtime family a run prefers.
type Runtime string

const (
	RuntimeAuto     Runtime = "auto"
	RuntimeSecure   Runtime = "secure"
	RuntimeStandard Runtime = "standard"
)

// LanguageTemplate generalizes the single configured container image into
// a per-language entry point. A detected fenced-block language selects a
// template; when none is registered the Config's own Image/Command/FileName
// apply unchanged.
type LanguageTemplate struct {
	Language string
	FileName string
	Image    string
	Command  []string // "{{file}}" is substituted with the in-container file path
}

// Config is the immutable per-execution sandbox configuration. A Config,
// once passed to Execute, is never mutated; a restart requires building a
// fresh one.
type Config struct {
	Image    string
	FileName string
	Command  []string

	Timeout     time.Duration
	MemoryBytes int64 // swap ceiling is always set equal to this (no swap)
	CPUCores    float64
	PidsLimit   int64

	Runtime            Runtime
	GVisorRuntimeName  string
	AllowUnsafeRuntime bool

	NetworkEnabled bool

	// ContextMountPath, if set, is the fixed in-container path at which an
	// optional read-only context file is mounted.
	ContextMountPath string

	MaxOutputBytes int64

	// AuditLogPath, if set, appends JSON-lines security-relevant audit
	// entries (runtime fallback, network enablement, fail-closed refusal)
	// in addition to the structured zap log line always emitted.
	AuditLogPath string
}

// DefaultConfig returns the supervisor's documented defaults.
func DefaultConfig() Config {
	return Config{
		Image:    "python:3.11-slim",
		FileName: "main.py",
		Command:  []string{"python3", "-u", "{{file}}"},

		Timeout:     30 * time.Second,
		MemoryBytes: 256 * 1024 * 1024,
		CPUCores:    0.5,
		PidsLimit:   50,

		Runtime:            RuntimeAuto,
		GVisorRuntimeName:  "runsc",
		AllowUnsafeRuntime: false,

		NetworkEnabled: false,

		MaxOutputBytes: 4000,
	}
}

// DefaultLanguageTemplates returns the built-in per-language execution
// templates. Python is the default language; the others are opt-in
// overrides a caller can register.
func DefaultLanguageTemplates() map[string]LanguageTemplate {
	return map[string]LanguageTemplate{
		"python": {Language: "python", FileName: "main.py", Image: "python:3.11-slim", Command: []string{"python3", "-u", "{{file}}"}},
		"javascript": {Language: "javascript", FileName: "main.js", Image: "node:20-slim", Command: []string{"node", "{{file}}"}},
		"go":  {Language: "go", FileName: "main.go", Image: "golang:1.22-bookworm", Command: []string{"sh", "-c", "go run {{file}}"}},
	}
}

// ApplyTemplate returns a copy of cfg with Image/FileName/Command replaced
// from tmpl. Resource limits, runtime policy, and network settings are
// untouched — those remain governed by the caller's Config, not the
// per-language template.
func (c Config) ApplyTemplate(tmpl LanguageTemplate) Config {
	out := c
	out.Image = tmpl.Image
	out.FileName = tmpl.FileName
	out.Command = append([]string(nil), tmpl.Command...)
	return out
}
