// Command llmosd is the LLMOS Bridge daemon: it wires the parser, module
// registry, security pipeline, DAG scheduler, and persistent stores into an
// orchestrator.Facade and keeps it alive until asked to stop. This binary
// has no HTTP/REST listener of its own (spec.md §1 marks that adapter out
// of scope); it exists so the core can be started, inspected with the
// verify-plan dry-run subcommand, and exercised by an external adapter
// process embedding this package.
//
// Configuration (spec.md §6): built-in defaults, layered under a system
// config file, a user config file, and LLMOS_-prefixed environment
// variables, in ascending priority.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"goa.design/clue/log"

	"github.com/llmos-bridge/llmos-bridge/approval"
	"github.com/llmos-bridge/llmos-bridge/audit"
	"github.com/llmos-bridge/llmos-bridge/config"
	"github.com/llmos-bridge/llmos-bridge/engine"
	"github.com/llmos-bridge/llmos-bridge/engine/inmem"
	"github.com/llmos-bridge/llmos-bridge/engine/temporal"
	"github.com/llmos-bridge/llmos-bridge/llm"
	"github.com/llmos-bridge/llmos-bridge/memorystore"
	"github.com/llmos-bridge/llmos-bridge/module"
	"github.com/llmos-bridge/llmos-bridge/orchestrator"
	"github.com/llmos-bridge/llmos-bridge/parser"
	"github.com/llmos-bridge/llmos-bridge/permission"
	"github.com/llmos-bridge/llmos-bridge/planstate"
	"github.com/llmos-bridge/llmos-bridge/scanner"
	"github.com/llmos-bridge/llmos-bridge/scheduler"
	"go.temporal.io/sdk/client"

	"github.com/llmos-bridge/llmos-bridge/verifier"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	systemConfig string
	userConfig   string
	debug        bool
	dataDir      string
	auditLog     string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:   "llmosd",
		Short: "LLMOS Bridge daemon: plan orchestrator core",
	}
	root.PersistentFlags().StringVar(&flags.systemConfig, "system-config", "/etc/llmos-bridge/config.yaml", "system-wide config file")
	root.PersistentFlags().StringVar(&flags.userConfig, "user-config", "", "user config file, overrides system-config")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "./data", "directory holding plans.db, memory.db, and audit.log")
	root.PersistentFlags().StringVar(&flags.auditLog, "audit-log", "", "audit log file path, defaults to <data-dir>/audit.log")

	root.AddCommand(newServeCmd(&flags))
	root.AddCommand(newVerifyPlanCmd(&flags))
	return root
}

func newLogContext(flags *rootFlags) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if flags.debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.systemConfig, flags.userConfig)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// composition is every long-lived dependency the daemon wires together,
// kept so Close can unwind them in reverse order.
type composition struct {
	facade *orchestrator.Facade
	deps   scheduler.Deps
	mem    *memorystore.Store
	plans  *planstate.Store
	auditL *audit.Logger
	eng    engine.Engine
}

func (c *composition) Close() error {
	if closer, ok := c.eng.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	_ = c.auditL.Close()
	_ = c.plans.Close()
	_ = c.mem.Close()
	return nil
}

// compose builds every dependency the scheduler and orchestrator need from
// cfg, registering capability modules with reg beforehand (spec.md §1
// treats module internals as out of scope; the caller supplies whatever
// modules the deployment needs).
func compose(ctx context.Context, cfg config.Config, reg *module.Registry, flags *rootFlags) (*composition, error) {
	if err := os.MkdirAll(flags.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store := permission.NewMemoryStore()
	guard := permission.NewGuard(permission.Profile(cfg.Security.PermissionProfile), cfg.Security.RequireApprovalFor, cfg.Security.SandboxPaths, store)
	gate := approval.NewGate()

	mem, err := memorystore.Open(ctx, flags.dataDir+"/memory.db")
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	plans, err := planstate.Open(ctx, flags.dataDir+"/plans.db")
	if err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("open plan state store: %w", err)
	}

	auditFilePath := flags.auditLog
	if auditFilePath == "" {
		auditFilePath = flags.dataDir + "/audit.log"
	}
	auditLogger, err := audit.NewLogger(audit.NewBus(), auditFilePath)
	if err != nil {
		_ = plans.Close()
		_ = mem.Close()
		return nil, fmt.Errorf("open audit logger: %w", err)
	}

	var pipelineScanners []scanner.Scanner
	if cfg.Scanner.HeuristicEnabled {
		pipelineScanners = append(pipelineScanners, scanner.NewHeuristicScanner(nil, cfg.Scanner.HeuristicDisabledRules))
	}
	pipeline := scanner.NewPipeline(scanner.PipelineConfig{
		Enabled:         cfg.Scanner.Enabled,
		FailFast:        cfg.Scanner.FailFast,
		RejectThreshold: cfg.Scanner.RejectThreshold,
		WarnThreshold:   cfg.Scanner.WarnThreshold,
	}, pipelineScanners...)

	categories := verifier.NewRegistry(nil)
	var llmClient llm.Client
	if cfg.Verifier.Enabled {
		anthropicClient, clientErr := llm.NewAnthropicClientFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), cfg.Verifier.Model)
		if clientErr != nil {
			log.Error(ctx, clientErr, log.KV{K: "component", V: "verifier"})
		} else {
			llmClient = anthropicClient
		}
	}
	ver := verifier.New(verifier.Config{
		Enabled:         cfg.Verifier.Enabled,
		Strict:          cfg.Verifier.Strict,
		Model:           cfg.Verifier.Model,
		TimeoutSeconds:  cfg.Verifier.TimeoutSeconds,
		CacheSize:       cfg.Verifier.CacheSize,
		CacheTTLSeconds: cfg.Verifier.CacheTTLSeconds,
	}, llmClient, categories, nil)

	eng, err := newEngine(cfg.Engine)
	if err != nil {
		_ = auditLogger.Close()
		_ = plans.Close()
		_ = mem.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	deps := scheduler.Deps{
		Modules:                  reg,
		Guard:                    guard,
		Approvals:                gate,
		Memory:                   mem,
		Plans:                    plans,
		Audit:                    auditLogger,
		Scanners:                 pipeline,
		Verifier:                 ver,
		Engine:                   eng,
		DefaultApprovalTimeout:   durationFromSeconds(cfg.Security.ApprovalTimeoutSeconds, 5*time.Minute),
		DefaultApprovalOnTimeout: approval.TimeoutBehavior(cfg.Security.ApprovalTimeoutBehavior),
		AllowedEnvVars:           cfg.Security.AllowedEnvVars,
	}

	sched := scheduler.New(deps)
	if err := sched.Register(ctx); err != nil {
		_ = auditLogger.Close()
		_ = plans.Close()
		_ = mem.Close()
		return nil, fmt.Errorf("register scheduler: %w", err)
	}

	facade := orchestrator.New(deps, categories, orchestrator.Config{
		MaxConcurrentPlans: cfg.Security.MaxConcurrentPlans,
		SyncPlanTimeout:    cfg.Server.SyncPlanTimeout,
	})

	return &composition{facade: facade, deps: deps, mem: mem, plans: plans, auditL: auditLogger, eng: eng}, nil
}

func newEngine(cfg config.EngineConfig) (engine.Engine, error) {
	switch cfg.Backend {
	case "temporal":
		c, err := client.Dial(client.Options{HostPort: cfg.TemporalHostPort})
		if err != nil {
			return nil, fmt.Errorf("dial temporal at %q: %w", cfg.TemporalHostPort, err)
		}
		return temporal.New(temporal.Options{
			Client:        c,
			WorkerOptions: temporal.WorkerOptions{TaskQueue: cfg.TaskQueue},
		})
	default:
		return inmem.New(), nil
	}
}

func durationFromSeconds(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the daemon and block until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := newLogContext(flags)
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			reg := module.NewRegistry(cfg.Resources.ModuleLimits)
			comp, err := compose(ctx, cfg, reg, flags)
			if err != nil {
				return err
			}
			defer comp.Close()

			log.Print(ctx, log.KV{K: "msg", V: "llmosd started"}, log.KV{K: "engine", V: cfg.Engine.Backend})

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigc
			log.Printf(ctx, "stopping (%v)", sig)
			return nil
		},
	}
}

func newVerifyPlanCmd(flags *rootFlags) *cobra.Command {
	var planFile string
	cmd := &cobra.Command{
		Use:   "verify-plan",
		Short: "parse and dry-run verify a plan file without scheduling it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := newLogContext(flags)
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(planFile)
			if err != nil {
				return fmt.Errorf("read plan file: %w", err)
			}
			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("decode plan json: %w", err)
			}

			reg := module.NewRegistry(cfg.Resources.ModuleLimits)
			p, err := parser.New(reg).Parse(doc)
			if err != nil {
				return fmt.Errorf("parse plan: %w", err)
			}

			comp, err := compose(ctx, cfg, reg, flags)
			if err != nil {
				return err
			}
			defer comp.Close()

			result, err := comp.facade.VerifyDryRun(ctx, p)
			if err != nil {
				return fmt.Errorf("verify plan: %w", err)
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "path to a plan JSON file")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
