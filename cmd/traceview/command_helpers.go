package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/ongoingai/traceview/internal/client"
	"github.com/ongoingai/traceview/internal/config"
	"github.com/ongoingai/traceview/internal/observability"
	"github.com/ongoingai/traceview/internal/store"
	"github.com/ongoingai/traceview/internal/workbench"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

const (
	formatText     = "text"
	formatJSON     = "json"
	formatLogfmt   = "logfmt"
	formatMarkdown = "markdown"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	return normalizeFormat(command, rawValue, defaultValue, formatText, formatJSON)
}

func normalizeFormat(command, rawValue, defaultValue string, allowed ...string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	for _, candidate := range allowed {
		if normalized == candidate {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("invalid %s format %q: expected %s", strings.TrimSpace(command), rawValue, strings.Join(allowed, " or "))
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func reportConfigError(errOut io.Writer, stage string, err error) {
	if stage == configStageLoad {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return
	}
	fmt.Fprintf(errOut, "config is invalid: %v\n", err)
}

func openCache(cfg config.Config) (store.Store, error) {
	return store.Open(store.Options{
		Driver:      cfg.Cache.Driver,
		Path:        cfg.Cache.Path,
		DSN:         cfg.Cache.DSN,
		MemoryBytes: int(cfg.Cache.MemorySize.Bytes()),
	})
}

func newUpstreamClient(cfg config.Config, transport http.RoundTripper, logger *slog.Logger) (*client.Client, error) {
	return client.New(client.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		Timeout:       cfg.Upstream.Timeout(),
		RetryAttempts: cfg.Upstream.RetryAttempts,
		RetryDelay:    cfg.Upstream.RetryDelay(),
		MaxFrameBytes: int(cfg.Stream.MaxFrameSize.Bytes()),
		Transport:     transport,
		Logger:        logger,
	})
}

// cliLogger writes to errOut so command output stays parseable. Info records
// are suppressed unless the config asks for debug.
func cliLogger(errOut io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if level < slog.LevelWarn && level > slog.LevelDebug {
		cfg.Level = "warn"
	}
	return observability.NewLogger(errOut, cfg)
}

// commandEnv is what a one-shot command needs: its config, a workbench
// backed by the configured cache, and a logger on errOut.
type commandEnv struct {
	cfg    config.Config
	bench  *workbench.Workbench
	cache  store.Store
	logger *slog.Logger
}

func (e *commandEnv) Close() {
	if e == nil || e.cache == nil {
		return
	}
	if err := e.cache.Close(); err != nil {
		e.logger.Warn("failed to close trace cache", "error", err)
	}
}

// newCommandEnv loads config and builds a workbench without a background
// writer, so live runs are persisted before the command exits. Errors are
// reported on errOut and returned as an exit code.
func newCommandEnv(configPath string, errOut io.Writer) (*commandEnv, int) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return nil, 1
	}
	logger, err := cliLogger(errOut, cfg.Logging)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize logging: %v\n", err)
		return nil, 1
	}
	cache, err := openCache(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s cache: %v\n", cfg.Cache.Driver, err)
		return nil, 1
	}
	upstream, err := newUpstreamClient(cfg, http.DefaultTransport, logger)
	if err != nil {
		_ = cache.Close()
		fmt.Fprintf(errOut, "failed to configure upstream client: %v\n", err)
		return nil, 1
	}
	bench, err := workbench.New(workbench.Options{
		Upstream: upstream,
		Cache:    cache,
		Logger:   logger,
	})
	if err != nil {
		_ = cache.Close()
		fmt.Fprintf(errOut, "failed to initialize workbench: %v\n", err)
		return nil, 1
	}
	return &commandEnv{cfg: cfg, bench: bench, cache: cache, logger: logger}, 0
}

// commandContext is cancelled by an interrupt so streaming commands stop
// cleanly.
func commandContext() (context.Context, context.CancelFunc) {
	return signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseInterspersed lets positional arguments precede flags, which the flag
// package stops at.
func parseInterspersed(flagSet *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := flagSet.Parse(args); err != nil {
			return nil, err
		}
		rest := flagSet.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}
