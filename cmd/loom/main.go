package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/loomhq/loom/internal/adapters"
	"github.com/loomhq/loom/internal/credentials"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/internal/secrets"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/validation"
	"github.com/loomhq/loom/pkg/schema"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "schedule":
		err = cmdSchedule(cfg, logger)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  loom run <workflow.json> [trigger.json]   execute a workflow once
  loom validate <workflow.json>             pre-flight a workflow
  loom schedule                             run the cron scheduler loop`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}

// buildResolver wires the full execution stack: store, cipher, credential
// manager, adapters, and resolver.
func buildResolver(cfg Config, logger *slog.Logger) (*engine.Resolver, store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	var cipher secrets.Cipher = secrets.Plaintext{}
	if cfg.VaultPassphrase != "" {
		cipher, err = secrets.NewAESCipher(secrets.AESConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
	} else {
		logger.Warn("no vault passphrase configured, credentials stored unencrypted")
	}

	manager := credentials.NewManager(st, cipher, logger)

	registry := adapters.NewRegistry()
	adapters.RegisterBuiltins(registry, adapters.DefaultDeps(logger), adapters.BuiltinOptions{})

	resolver := engine.NewResolver(registry, manager, logger, engine.WithHistory(st))
	return resolver, st, nil
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("run requires a workflow file")
	}
	content, err := readWorkflow(args[0])
	if err != nil {
		return err
	}

	var triggerInput map[string]any
	if len(args) > 1 {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read trigger input: %w", err)
		}
		if err := json.Unmarshal(data, &triggerInput); err != nil {
			return fmt.Errorf("parse trigger input: %w", err)
		}
	}

	resolver, st, err := buildResolver(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workflowID := filepath.Base(args[0])
	result := resolver.Execute(ctx, cfg.UserID, workflowID, content, triggerInput)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !result.Success {
		os.Exit(1)
	}
	return nil
}

func cmdValidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("validate requires a workflow file")
	}
	content, err := readWorkflow(args[0])
	if err != nil {
		return err
	}

	registry := adapters.NewRegistry()
	adapters.RegisterBuiltins(registry, adapters.DefaultDeps(slog.Default()), adapters.BuiltinOptions{})

	validator, err := validation.NewValidator(registry)
	if err != nil {
		return err
	}
	result := validator.Validate(content)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !result.Valid() {
		os.Exit(1)
	}
	return nil
}

func cmdSchedule(cfg Config, logger *slog.Logger) error {
	resolver, st, err := buildResolver(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(st, resolver, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return sched.Stop()
}

func readWorkflow(path string) (*schema.WorkflowContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	content := &schema.WorkflowContent{}
	if err := json.Unmarshal(data, content); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return content, nil
}
