// Package egress implements the Egress Filter: a streaming content
// inspector that sanitizes every byte leaving a sandbox before it reaches
// the model. The pipeline is a strict sequence of stages — binary gate,
// truncation, pattern redaction, entropy redaction, context-echo
// redaction — each of which may shorten or rewrite the buffer and emit an
// Event. The filter is CPU-bound and is run on a bounded worker pool so it
// never stalls whatever cooperative scheduler is driving the orchestrator.
package egress

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"agentbox/internal/apperror"
	"agentbox/internal/contextfile"
	"agentbox/internal/entropy"
)

// EventKind is the closed set of redaction/rejection causes.
type EventKind string

const (
	Truncated     EventKind = "truncated"
	HighEntropy   EventKind = "high_entropy"
	SecretPattern EventKind = "secret_pattern"
	ContextEcho   EventKind = "context_echo"
	BinaryPayload EventKind = "binary_payload"
)

// Event is one sanitization rule firing. Start and End are byte offsets for
// Truncated, BinaryPayload, and token-level HighEntropy events;
// SecretPattern, ContextEcho, and whole-line HighEntropy events leave them
// zero.
type Event struct {
	Kind        EventKind
	Start, End  int
	Placeholder string
	Detail      string // e.g. the matched pattern name
}

// Config carries the filter's tunable thresholds.
type Config struct {
	MaxStdoutBytes      int
	MinEntropyLength    int
	EntropyThreshold    float64
	SimilarityThreshold float64
	RaiseOnLeak         bool

	// MaxWorkers bounds the filter's worker pool. Zero or negative means the
	// default of 4 workers.
	MaxWorkers int
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxStdoutBytes:      4000,
		MinEntropyLength:    20,
		EntropyThreshold:    4.5,
		SimilarityThreshold: 0.8,
		RaiseOnLeak:         false,
		MaxWorkers:          4,
	}
}

// Filter runs the egress pipeline under a bounded worker pool.
type Filter struct {
	cfg Config
	sem chan struct{}
}

// New constructs a Filter. A zero Config is replaced with DefaultConfig.
func New(cfg Config) *Filter {
	if cfg.MaxStdoutBytes == 0 {
		cfg = DefaultConfig()
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Filter{cfg: cfg, sem: make(chan struct{}, workers)}
}

// Filter sanitizes data, optionally comparing against handle's fingerprint
// for context-echo detection. The CPU-bound work runs on the filter's
// worker pool; Filter blocks the calling goroutine until that work has
// finished (or ctx is done while waiting for a worker), so a caller
// already inside a cooperative scheduler should await this call at one of its defined suspension
// points. Returns a *apperror.Error of kind DataLeakage if RaiseOnLeak is
// set and a non-Truncated event fired.
func (f *Filter) Filter(ctx context.Context, data []byte, handle *contextfile.Handle) (string, []Event, error) {
	g, gctx := errgroup.WithContext(ctx)

	var text string
	var events []Event
	var leakErr error

	g.Go(func() error {
		select {
		case f.sem <- struct{}{}:
		case <-gctx.Done():
			return gctx.Err()
		}
		defer func() { <-f.sem }()

		text, events, leakErr = f.run(data, handle)
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", nil, err
	}
	if leakErr != nil {
		return "", events, leakErr
	}
	return text, events, nil
}

func (f *Filter) run(data []byte, handle *contextfile.Handle) (string, []Event, error) {
	if kind, ok := entropy.MatchMagicByte(data); ok {
		ev := Event{Kind: BinaryPayload, Start: 0, End: len(data), Placeholder: "[BINARY PAYLOAD REJECTED]", Detail: kind.Name}
		return ev.Placeholder, []Event{ev}, f.maybeRaise([]Event{ev})
	}

	var events []Event
	text, truncEv := f.truncate(string(data))
	if truncEv != nil {
		events = append(events, *truncEv)
	}

	text, patEvents := f.redactPatterns(text)
	events = append(events, patEvents...)

	text, entEvents := f.redactEntropy(text)
	events = append(events, entEvents...)

	if handle != nil {
		text2, echoEvents := f.redactEcho(text, handle)
		text = text2
		events = append(events, echoEvents...)
	}

	return text, events, f.maybeRaise(events)
}

func (f *Filter) maybeRaise(events []Event) error {
	if !f.cfg.RaiseOnLeak {
		return nil
	}
	var names []string
	for _, e := range events {
		if e.Kind != Truncated {
			names = append(names, string(e.Kind))
		}
	}
	if len(names) == 0 {
		return nil
	}
	return apperror.DataLeakage(names)
}

func (f *Filter) truncate(s string) (string, *Event) {
	max := f.cfg.MaxStdoutBytes
	if max <= 0 || len(s) <= max {
		return s, nil
	}
	// Keep the first quarter and the last three quarters of the ceiling
	// (1000/3000 at the default 4000), so the tail of the output — usually
	// the part that matters — survives.
	head := max / 4
	tail := max - head
	if head > len(s) {
		head = len(s)
	}
	if tail > len(s)-head {
		tail = len(s) - head
	}
	skipped := len(s) - head - tail
	marker := fmt.Sprintf("\n...[truncated %d bytes]...\n", skipped)
	out := s[:head] + marker + s[len(s)-tail:]
	return out, &Event{Kind: Truncated, Start: head, End: len(s) - tail, Placeholder: marker}
}

func (f *Filter) redactPatterns(s string) (string, []Event) {
	var events []Event
	for _, p := range entropy.SecretPatterns {
		s = p.Re.ReplaceAllStringFunc(s, func(m string) string {
			placeholder := "[REDACTED: " + p.Name + "]"
			events = append(events, Event{Kind: SecretPattern, Placeholder: placeholder, Detail: p.Name})
			return placeholder
		})
	}
	return s, events
}

func (f *Filter) redactEntropy(s string) (string, []Event) {
	minLen := f.cfg.MinEntropyLength
	if minLen <= 0 {
		minLen = 20
	}
	threshold := f.cfg.EntropyThreshold
	if threshold <= 0 {
		threshold = 4.5
	}

	toks := entropy.Tokens(s)
	var b strings.Builder
	var events []Event
	last := 0
	for _, tok := range toks {
		if len(tok.Text) < minLen || entropy.Allowlisted(tok.Text) || strings.HasPrefix(tok.Text, "REDACTED") {
			continue
		}
		if entropy.Shannon(tok.Text) < threshold {
			continue
		}
		b.WriteString(s[last:tok.Start])
		placeholder := "[REDACTED: high entropy]"
		b.WriteString(placeholder)
		events = append(events, Event{Kind: HighEntropy, Start: tok.Start, End: tok.End, Placeholder: placeholder})
		last = tok.End
	}
	b.WriteString(s[last:])
	out := s
	if len(events) > 0 {
		out = b.String()
	}

	// Whole-line pass: a secret interleaved with punctuation outside the
	// token alphabet splits into short runs the token pass cannot see, but
	// the line as a whole still measures hot.
	lines := strings.Split(out, "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < minLen || strings.Contains(line, "[REDACTED") {
			continue
		}
		if entropy.Allowlisted(trimmed) || entropy.Shannon(trimmed) < threshold {
			continue
		}
		placeholder := "[REDACTED: high entropy]"
		lines[i] = placeholder
		events = append(events, Event{Kind: HighEntropy, Placeholder: placeholder})
		changed = true
	}
	if changed {
		out = strings.Join(lines, "\n")
	}
	if len(events) == 0 {
		return s, nil
	}
	return out, events
}

func (f *Filter) redactEcho(s string, handle *contextfile.Handle) (string, []Event) {
	threshold := f.cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	ref := handle.Shingles()
	if len(ref) == 0 {
		return s, nil
	}

	lines := strings.Split(s, "\n")
	var events []Event
	for i, line := range lines {
		if len(strings.Fields(line)) < 5 {
			continue
		}
		sim := entropy.Containment(entropy.Shingles(line, 5), ref)
		if sim >= threshold {
			placeholder := "[REDACTED: context echo]"
			lines[i] = placeholder
			events = append(events, Event{Kind: ContextEcho, Placeholder: placeholder})
		}
	}
	if len(events) == 0 {
		return s, nil
	}
	return strings.Join(lines, "\n"), events
}
