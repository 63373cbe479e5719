// Package agent implements the Agent Loop / Orchestrator: the single
// component that drives external LLM round-trips against the sandbox,
// applying the Code Extractor, Budget Manager, and Egress Filter at each
// step. One Orchestrator instance serves exactly one query and is not
// reentrant.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"agentbox/internal/apperror"
	"agentbox/internal/budget"
	"agentbox/internal/codeextract"
	"agentbox/internal/contextfile"
	"agentbox/internal/egress"
	"agentbox/internal/llm"
	"agentbox/internal/logging"
	"agentbox/internal/metrics"
	"agentbox/internal/sandboxexec"
)

// Sandbox is the narrow surface the agent loop depends on: the
// orchestrator never reaches into Docker directly, only through this seam,
// so a test double can stand in for a live daemon.
type Sandbox interface {
	Execute(ctx context.Context, cfg sandboxexec.Config, code, contextPath string) (*sandboxexec.Result, error)
}

// ActionKind is the closed set of Agent Step action kinds.
type ActionKind string

const (
	ActionLLMRequest ActionKind = "llm_request"
	ActionCodeExec   ActionKind = "code_exec"
	ActionFilter     ActionKind = "filter"
	ActionFinal      ActionKind = "final"
)

// Step is one append-only log entry in a run's step history.
type Step struct {
	Iteration     int
	Action        ActionKind
	InputSummary  string
	OutputSummary string
	Err           error
	CostDelta     float64
}

// Result is the terminal outcome of one orchestrator run.
type Result struct {
	FinalAnswer   string
	HasFinal      bool
	Success       bool
	Iterations    int
	Steps         []Step
	BudgetSummary budget.Summary
	TerminalError error
}

// systemPrompt tells the model the four rules the loop relies on: fenced
// code blocks, the FINAL marker, handle-only context access, no network.
const systemPrompt = "You solve problems by writing and running short code snippets.\n\n" +
	"Rules:\n" +
	"1. Put the code you want executed in a single fenced code block (```python or unlabeled).\n" +
	"2. When you have the final answer, emit FINAL(<answer>) somewhere in your reply.\n" +
	"3. If a context file is mounted, interact with it only through the handle API provided to your code — never attempt to read it whole.\n" +
	"4. Your code runs with no network access and cannot install packages."

// Orchestrator wires the four core subsystems together for one query.
type Orchestrator struct {
	llmClient llm.Client
	sandbox   Sandbox
	filter    *egress.Filter
	budgetMgr *budget.Manager

	sandboxCfg    sandboxexec.Config
	maxIterations int
	templates     map[string]sandboxexec.LanguageTemplate
	metrics       *metrics.Metrics
}

// SetTemplates replaces the per-language execution template table used to
// select a non-default image when an extracted block carries a language
// tag. Not safe to call concurrently with Run.
func (o *Orchestrator) SetTemplates(templates map[string]sandboxexec.LanguageTemplate) {
	o.templates = templates
}

// SetMetrics attaches a Metrics bundle; passing nil disables recording. Not
// safe to call concurrently with Run.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) { o.metrics = m }

// New constructs an Orchestrator. The caller owns sandbox's lifecycle
// (Close) independently — a single Supervisor may back many Orchestrators.
func New(llmClient llm.Client, sandbox Sandbox, filter *egress.Filter, budgetMgr *budget.Manager, sandboxCfg sandboxexec.Config, maxIterations int) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &Orchestrator{
		llmClient:     llmClient,
		sandbox:       sandbox,
		filter:        filter,
		budgetMgr:     budgetMgr,
		sandboxCfg:    sandboxCfg,
		maxIterations: maxIterations,
		templates:     sandboxexec.DefaultLanguageTemplates(),
	}
}

// Run drives the orchestrator body to completion for one query, optionally
// mounting a context file. Cancelling ctx stops any in-flight sandbox
// execution and returns a terminal cancellation error; no background work
// continues past Run's return.
func (o *Orchestrator) Run(ctx context.Context, query string, contextPath string) Result {
	var handle *contextfile.Handle
	if contextPath != "" {
		h, err := contextfile.Open(contextPath)
		if err != nil {
			return Result{Success: false, TerminalError: err, BudgetSummary: o.budgetMgr.Summary()}
		}
		handle = h
		defer handle.Close()
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: query}}
	var steps []Step

	for iter := 1; iter <= o.maxIterations; iter++ {
		select {
		case <-ctx.Done():
			return o.terminal(steps, iter-1, apperror.Wrapf(apperror.KindConfiguration, "orchestrator cancelled: %v", ctx.Err()))
		default:
		}

		// Step 1: enforce budget before every LLM request (invariant 4).
		if err := o.budgetMgr.EnforceBeforeRequest(); err != nil {
			steps = append(steps, Step{Iteration: iter, Action: ActionLLMRequest, Err: err})
			return o.terminal(steps, iter-1, err)
		}

		// Step 2: request a completion. A transient provider failure gets
		// exactly one retry after a jittered backoff; a second failure is
		// terminal.
		completion, err := o.completeWithRetry(ctx, messages)
		if err != nil {
			steps = append(steps, Step{Iteration: iter, Action: ActionLLMRequest, Err: err})
			return o.terminal(steps, iter-1, err)
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: completion.Text})

		// Step 3: record token usage.
		delta, err := o.budgetMgr.Record(completion.Model, completion.InputTokens, completion.OutputTokens)
		o.metrics.RecordAIRequest(completion.Model, "ok", completion.InputTokens, completion.OutputTokens, delta)
		o.metrics.SetBudgetSpent(o.budgetMgr.Total())
		steps = append(steps, Step{
			Iteration:     iter,
			Action:        ActionLLMRequest,
			InputSummary:  summarize(query, 80),
			OutputSummary: summarize(completion.Text, 80),
			CostDelta:     delta,
		})
		if err != nil {
			return o.terminal(steps, iter, err)
		}

		// Step 4: scan for a final-answer marker (a FINAL inside the code
		// block is the program's output-to-be, not the model's answer),
		// extract code.
		parsed, parseErr := codeextract.Extract(completion.Text, true)
		if parsed.HasFinal {
			steps = append(steps, Step{Iteration: iter, Action: ActionFinal, OutputSummary: parsed.FinalAnswer})
			return Result{
				FinalAnswer:   parsed.FinalAnswer,
				HasFinal:      true,
				Success:       true,
				Iterations:    iter,
				Steps:         steps,
				BudgetSummary: o.budgetMgr.Summary(),
			}
		}

		if parseErr != nil || !parsed.HasCode {
			// Step 5 (no code found): append guidance and continue.
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: "No code block or FINAL marker found. Please provide one fenced code block or emit FINAL(answer)."})
			steps = append(steps, Step{Iteration: iter, Action: ActionCodeExec, Err: parseErr})
			continue
		}

		// Step 6: execute in the sandbox, under the block's language
		// template when one is registered.
		execCfg := o.sandboxCfg
		if tmpl, ok := o.templates[parsed.Language]; ok {
			execCfg = execCfg.ApplyTemplate(tmpl)
		}
		execResult, execErr := o.sandbox.Execute(ctx, execCfg, parsed.Code, contextPath)
		if execErr != nil {
			// Fatal sandbox classes (daemon/image/runtime/security) terminate
			// the run. A security refusal means no execution happened, so the
			// reported iteration count stays at zero.
			steps = append(steps, Step{Iteration: iter, Action: ActionCodeExec, Err: execErr})
			return o.terminal(steps, 0, execErr)
		}
		observation := renderExecutionObservation(execResult)
		steps = append(steps, Step{Iteration: iter, Action: ActionCodeExec, OutputSummary: observation})

		// Step 7: filter stdout+stderr before it reaches the model.
		combined := execResult.Stdout
		if execResult.Stderr != "" {
			combined += "\n--- stderr ---\n" + execResult.Stderr
		}
		sanitized, events, filterErr := o.filter.Filter(ctx, []byte(combined), handle)
		if filterErr != nil {
			steps = append(steps, Step{Iteration: iter, Action: ActionFilter, Err: filterErr})
			return o.terminal(steps, iter, filterErr)
		}
		steps = append(steps, Step{Iteration: iter, Action: ActionFilter, OutputSummary: fmt.Sprintf("%d event(s)", len(events))})
		for _, e := range events {
			o.metrics.RecordEgressEvent(string(e.Kind))
		}

		logging.L().Debug("sandbox observation", zap.Int("iteration", iter), zap.Bool("timed_out", execResult.TimedOut), zap.Bool("oom_killed", execResult.OOMKilled))

		// Step 8: append the sanitized observation and loop. OOM and timeout
		// are reported as their status line — partial output from a killed
		// run is noise the model would chase.
		observationText := sanitized
		if execResult.OOMKilled || execResult.TimedOut || sanitized == "" {
			observationText = observation
		}

		// A final marker printed by the executed code terminates the run;
		// the scan runs on the sanitized observation, so the answer has
		// already passed the egress filter.
		if answer, found := codeextract.FindFinal(observationText); found {
			steps = append(steps, Step{Iteration: iter, Action: ActionFinal, OutputSummary: answer})
			return Result{
				FinalAnswer:   answer,
				HasFinal:      true,
				Success:       true,
				Iterations:    iter,
				Steps:         steps,
				BudgetSummary: o.budgetMgr.Summary(),
			}
		}

		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: observationText})
	}

	return Result{
		Success:       false,
		Iterations:    o.maxIterations,
		Steps:         steps,
		BudgetSummary: o.budgetMgr.Summary(),
		TerminalError: apperror.Wrapf(apperror.KindConfiguration, "exceeded max_iterations=%d without a final answer", o.maxIterations),
	}
}

func (o *Orchestrator) completeWithRetry(ctx context.Context, messages []llm.Message) (llm.CompletionResult, error) {
	completion, err := o.llmClient.Complete(ctx, messages, systemPrompt)
	if err == nil {
		return completion, nil
	}
	logging.L().Warn("llm request failed, retrying once", zap.Error(err))

	backoff := time.Duration(500+rand.Intn(500)) * time.Millisecond
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return llm.CompletionResult{}, err
	}
	return o.llmClient.Complete(ctx, messages, systemPrompt)
}

func (o *Orchestrator) terminal(steps []Step, iterations int, err error) Result {
	return Result{
		Success:       false,
		Iterations:    iterations,
		Steps:         steps,
		BudgetSummary: o.budgetMgr.Summary(),
		TerminalError: err,
	}
}

// renderExecutionObservation turns an execution result into the textual
// observation fed back to the model. Timeout, OOM, and non-zero exit are
// normal observations the model can react to, not errors.
func renderExecutionObservation(r *sandboxexec.Result) string {
	if r.OOMKilled {
		return "Memory Limit Exceeded"
	}
	if r.TimedOut {
		return fmt.Sprintf("Execution timed out after %s", r.Duration)
	}
	if r.ExitCode != 0 {
		return fmt.Sprintf("Process exited with status %d", r.ExitCode)
	}
	return r.Stdout
}

func summarize(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
