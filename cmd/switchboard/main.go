package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"switchboard/internal/adapter/gateway"
	"switchboard/internal/adapter/store"
	"switchboard/internal/infra/config"
	"switchboard/internal/infra/logger"
	"switchboard/internal/infra/middleware"
	"switchboard/internal/infra/tracer"
	"switchboard/internal/security"
	"switchboard/internal/usecase/eventbus"
	"switchboard/internal/usecase/scheduling"
	"switchboard/internal/usecase/supervisor"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(configPath(os.Args[1:])); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`switchboard - supervisor orchestration engine

USAGE:
    switchboard [--config PATH]
    switchboard encrypt VALUE

COMMANDS:
    encrypt     Encrypt a secret for use as "enc:..." in the config file.
                The passphrase is read from SWITCHBOARD_CONFIG_KEY.

    (no command) - Run the supervisor with the given config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./switchboard.yaml)

CONFIGURATION:
    Environment: SWITCHBOARD_* variables override the config file`)
}

// configPath extracts --config from args, falling back to
// SWITCHBOARD_CONFIG and then ./switchboard.yaml.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(args[i], "--config="):
			return strings.TrimPrefix(args[i], "--config=")
		}
	}
	if p := os.Getenv("SWITCHBOARD_CONFIG"); p != "" {
		return p
	}
	return "switchboard.yaml"
}

func runEncrypt(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: switchboard encrypt VALUE")
	}
	passphrase := os.Getenv("SWITCHBOARD_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("SWITCHBOARD_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func run(cfgPath string) error {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Store
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return fmt.Errorf("store dir: %w", err)
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	// 4. Event bus
	bus := eventbus.New(logger.Component(log, "eventbus"))
	defer bus.Close()

	// 5. Gateway
	var tokens []gateway.TokenEntry
	for _, t := range cfg.Gateway.Auth.Tokens {
		tokens = append(tokens, gateway.TokenEntry{Name: t.Name, Token: t.Token})
	}
	gw := gateway.NewServer(gateway.Config{
		Addr:              cfg.Gateway.Addr,
		MessagesPerMinute: cfg.Gateway.MessagesPerMinute,
		MessageBurst:      cfg.Gateway.MessageBurst,
		Connect: middleware.ConnectLimitConfig{
			PerMinute:      cfg.Gateway.ConnectsPerMinute,
			Burst:          cfg.Gateway.ConnectBurst,
			TrustedProxies: cfg.Gateway.TrustedProxies,
		},
		OriginPatterns: cfg.Gateway.AllowedOrigins,
	}, gateway.NewStaticTokenAuth(tokens), logger.Component(log, "gateway"))

	// 6. LLM providers
	llmComp, err := initLLM(cfg, logger.Component(log, "llm"))
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 7. Tools, specialists and the broker
	agents, err := initAgents(cfg, db, bus, gw, llmComp, log)
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	defer agents.Registry.Shutdown(context.Background())

	// Audit trail for delegation decisions and rejected connections.
	if cfg.Store.AuditPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.AuditPath), 0o700); err != nil {
			return fmt.Errorf("audit dir: %w", err)
		}
		audit, err := security.NewFileAuditLogger(cfg.Store.AuditPath)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer audit.Close()
		if removed, err := audit.EnforceRetention(cfg.Store.AuditRetention); err != nil {
			log.Warn("audit retention failed", "error", err)
		} else if removed > 0 {
			log.Info("audit entries expired", "removed", removed)
		}
		agents.Broker.SetAuditor(audit)
		gw.SetAuditor(audit)
	}

	// 8. Supervisor
	dispatcher := supervisor.NewDispatcher(supervisor.Config{
		ID:                 cfg.Supervisor.ID,
		SystemPrompt:       cfg.Supervisor.SystemPrompt,
		Model:              cfg.Supervisor.Model,
		MaxToolIterations:  cfg.Supervisor.MaxToolIterations,
		MaxTokens:          cfg.Supervisor.MaxTokens,
		Temperature:        cfg.Supervisor.Temperature,
		ReuseWindow:        cfg.Supervisor.ReuseWindow,
		HistoryTokenBudget: cfg.Supervisor.HistoryTokenBudget,
	}, supervisor.Deps{
		Registry:      agents.Registry,
		Broker:        agents.Broker,
		Provider:      llmComp.Default,
		Tools:         agents.Hub,
		Channel:       gw,
		Events:        agents.Events,
		Messages:      db.Messages(),
		Conversations: db.Conversations(),
		Logger:        logger.Component(log, "supervisor"),
	})
	dispatcher.Attach(gw)

	// 9. Scheduler
	var sched *scheduling.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = initScheduler(cfg, agents.Events, dispatcher, logger.Component(log, "scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	// 10. Serve until a signal arrives.
	log.Info("switchboard starting",
		"supervisor_id", dispatcher.ID(),
		"provider", llmComp.Default.Name(),
		"specialists", len(agents.Registry.SpecialistTypes()),
	)
	serveErr := gw.Start(ctx)
	cancel()

	// 11. Graceful shutdown: stop producers, then drain in-flight turns.
	if sched != nil {
		sched.Stop()
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Warn("gateway stop", "error", err)
	}
	drained := make(chan struct{})
	go func() {
		gw.Wait()
		dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out with messages in flight")
	}

	log.Info("switchboard stopped")
	return serveErr
}
