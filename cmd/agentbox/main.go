package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"agentbox/internal/agent"
	"agentbox/internal/budget"
	"agentbox/internal/config"
	"agentbox/internal/egress"
	"agentbox/internal/llm"
	"agentbox/internal/logging"
	"agentbox/internal/metrics"
	"agentbox/internal/sandboxexec"
)

func main() {
	var (
		query       = flag.String("query", "", "the question to answer")
		contextPath = flag.String("context", "", "optional host file to mount read-only into the sandbox")
	)
	flag.Parse()

	if *query == "" {
		fmt.Fprintln(os.Stderr, "usage: agentbox -query \"<question>\" [-context <file>]")
		os.Exit(2)
	}

	logging.Init()
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("configuration invalid", zap.Error(err))
	}

	supervisor, err := sandboxexec.NewSupervisor(cfg.DockerHost)
	if err != nil {
		logging.L().Fatal("sandbox supervisor init failed", zap.Error(err))
	}
	defer supervisor.Close()

	sandboxCfg := sandboxexec.DefaultConfig()
	sandboxCfg.Image = cfg.ContainerImage
	sandboxCfg.Timeout = cfg.ExecutionTimeout
	sandboxCfg.MemoryBytes = cfg.MemoryLimitBytes
	sandboxCfg.CPUCores = cfg.CPULimit
	sandboxCfg.PidsLimit = cfg.PIDsLimit
	sandboxCfg.Runtime = sandboxexec.Runtime(cfg.Runtime)
	sandboxCfg.GVisorRuntimeName = cfg.GVisorName
	sandboxCfg.AllowUnsafeRuntime = cfg.AllowUnsafeRuntime
	sandboxCfg.NetworkEnabled = cfg.NetworkEnabled
	sandboxCfg.MaxOutputBytes = int64(cfg.MaxStdoutBytes)
	sandboxCfg.AuditLogPath = cfg.AuditLogPath
	sandboxCfg.ContextMountPath = "/context/data"

	filter := egress.New(egress.Config{
		MaxStdoutBytes:      cfg.MaxStdoutBytes,
		MinEntropyLength:    cfg.MinEntropyLength,
		EntropyThreshold:    cfg.EntropyThreshold,
		SimilarityThreshold: cfg.SimilarityThreshold,
		RaiseOnLeak:         cfg.RaiseOnLeak,
		MaxWorkers:          4,
	})

	budgetMgr := budget.New(cfg.MaxBudgetDollars, cfg.PricingPath)
	llmClient := llm.NewOpenAICompatibleClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)

	m := metrics.New(prometheus.NewRegistry())
	supervisor.SetMetrics(m)

	orchestrator := agent.New(llmClient, supervisor, filter, budgetMgr, sandboxCfg, cfg.MaxIterations)
	orchestrator.SetMetrics(m)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result := orchestrator.Run(ctx, *query, *contextPath)

	summary := result.BudgetSummary
	logging.L().Info("run finished",
		zap.Bool("success", result.Success),
		zap.Int("iterations", result.Iterations),
		zap.Float64("cost_dollars", summary.TotalCost),
		zap.Bool("stale_pricing", summary.StaleWarning))

	if !result.Success {
		if result.TerminalError != nil {
			fmt.Fprintln(os.Stderr, "error:", result.TerminalError)
		} else {
			fmt.Fprintln(os.Stderr, "no final answer within iteration limit")
		}
		os.Exit(1)
	}
	fmt.Println(result.FinalAnswer)
}
