// Package budget implements the Budget Manager: a per-orchestrator,
// in-memory running total of LLM token usage and dollar cost, checked
// before every LLM request and updated after every response. Costs are
// looked up in a model pricing table loaded once at construction.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"agentbox/internal/apperror"
)

// ModelPricing is the per-million-token cost of one model.
type ModelPricing struct {
	InputPer1M  float64 `json:"input_cost_per_m"`
	OutputPer1M float64 `json:"output_cost_per_m"`
}

// pricingFile is the on-disk shape of a pricing-path override:
// `{"models": {"<name>": {"input_cost_per_m": ..., "output_cost_per_m": ...}}}`.
type pricingFile struct {
	Models map[string]ModelPricing `json:"models"`
}

// fallbackPricing is the built-in minimal table used when no pricing_path
// override is configured or the override fails to load. It intentionally
// covers only a handful of well-known models; recording an unlisted model
// marks that Step's StalePricing and sets Summary.StaleWarning.
var fallbackPricing = map[string]ModelPricing{
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"claude-3-5-sonnet": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku":  {InputPer1M: 0.80, OutputPer1M: 4.00},
}

// Step is one recorded LLM call.
type Step struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostDelta    float64
	StalePricing bool
}

// Summary is the Budget Manager's cumulative state, safe to read after
// Manager has released its lock (a value copy).
type Summary struct {
	TotalCost    float64
	TotalInput   int
	TotalOutput  int
	Ceiling      float64
	Steps        []Step
	StaleWarning bool
}

// Manager tracks cumulative cost for exactly one orchestrator run. Nothing
// mutable is shared across orchestrator instances; the pricing table is
// the only read-only exception, and Manager copies it at construction.
type Manager struct {
	mu        sync.Mutex
	pricing   map[string]ModelPricing
	ceiling   float64
	total     float64
	inTokens  int
	outTokens int
	steps     []Step
	stale     bool
}

// New constructs a Manager with the given dollar ceiling. pricingPath, if
// non-empty, is a JSON file in the pricingFile shape (a top-level "models"
// object mapping model name to ModelPricing) that overrides and extends
// the built-in fallback table; a load failure is non-fatal and
// falls back to the built-in table with StaleWarning set.
func New(ceiling float64, pricingPath string) *Manager {
	m := &Manager{
		ceiling: ceiling,
		pricing: make(map[string]ModelPricing, len(fallbackPricing)),
	}
	for k, v := range fallbackPricing {
		m.pricing[k] = v
	}

	if pricingPath == "" {
		return m
	}
	data, err := os.ReadFile(pricingPath)
	if err != nil {
		m.stale = true
		return m
	}
	var override pricingFile
	if err := json.Unmarshal(data, &override); err != nil {
		m.stale = true
		return m
	}
	for k, v := range override.Models {
		m.pricing[k] = v
	}
	return m
}

// EnforceBeforeRequest returns a Budget error when the running total has
// reached the ceiling, or when the remaining headroom would not cover a
// request billed like the previous one. Call this immediately before
// requesting a completion, so an exhausted budget refuses the request
// rather than billing one more call and discovering the overrun after the
// money is spent.
func (m *Manager) EnforceBeforeRequest() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ceiling <= 0 {
		return nil
	}
	if m.total >= m.ceiling {
		return apperror.Budget(m.total, m.ceiling)
	}
	if n := len(m.steps); n > 0 {
		if projected := m.steps[n-1].CostDelta; m.total+projected > m.ceiling {
			return apperror.Budget(m.total, m.ceiling)
		}
	}
	return nil
}

// Record looks up model's pricing, computes the cost delta for the given
// token counts, and adds it to the running total. The running total is
// monotonically non-decreasing.
func (m *Manager) Record(model string, inputTokens, outputTokens int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pricing, known := m.pricing[model]
	stale := !known
	if !known {
		// No pricing entry at all: treat as zero-cost but flag it loudly —
		// silently under-billing would violate the ceiling invariant.
		pricing = ModelPricing{}
	}

	delta := float64(inputTokens)/1_000_000*pricing.InputPer1M + float64(outputTokens)/1_000_000*pricing.OutputPer1M
	m.total += delta
	m.inTokens += inputTokens
	m.outTokens += outputTokens
	if stale {
		m.stale = true
	}
	m.steps = append(m.steps, Step{Model: model, InputTokens: inputTokens, OutputTokens: outputTokens, CostDelta: delta, StalePricing: stale})

	if m.ceiling > 0 && m.total > m.ceiling {
		return delta, apperror.Budget(m.total, m.ceiling)
	}
	return delta, nil
}

// Total returns the cumulative dollar cost recorded so far.
func (m *Manager) Total() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Remaining returns the ceiling minus the running total; a non-positive
// ceiling means unlimited, reported as +Inf-free: callers should treat
// ceiling<=0 as "no ceiling" rather than reading Remaining.
func (m *Manager) Remaining() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ceiling <= 0 {
		return 0
	}
	return m.ceiling - m.total
}

// Summary returns a point-in-time copy of the manager's full state.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make([]Step, len(m.steps))
	copy(steps, m.steps)
	return Summary{
		TotalCost:    m.total,
		TotalInput:   m.inTokens,
		TotalOutput:  m.outTokens,
		Ceiling:      m.ceiling,
		Steps:        steps,
		StaleWarning: m.stale,
	}
}

// String renders a one-line human-readable summary of cost, ceiling, token
// counts, step count, and the stale-pricing flag.
func (s Summary) String() string {
	return fmt.Sprintf("cost=$%.4f/%.4f tokens_in=%d tokens_out=%d steps=%d stale_pricing=%v",
		s.TotalCost, s.Ceiling, s.TotalInput, s.TotalOutput, len(s.Steps), s.StaleWarning)
}
