// ABOUTME: Entry point for mcp-router
// ABOUTME: Loads config, starts the Backend Supervisors and Router Engine, and runs the stdio adapter

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"

	"github.com/2389/mcp-router/internal/appconfig"
	"github.com/2389/mcp-router/internal/backend"
	"github.com/2389/mcp-router/internal/mcpfront"
	"github.com/2389/mcp-router/internal/router"
	"github.com/2389/mcp-router/internal/routerconfig"
	"github.com/2389/mcp-router/internal/sandbox"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _ __ ___   ___ _ __         _ __ ___  _   _| |_ ___ _ __
 | '_ ' _ \ / _ \ '_ \ _____ | '__/ _ \| | | | __/ _ \ '__|
 | | | | | |  __/ |_) |_____| | | (_) | |_| | ||  __/ |
 |_| |_| |_|\___| .__/      |_|  \___/ \__,_|\__\___|_|
                |_|
`

// getConfigPath returns the path to the ambient process config file.
// Priority: MCP_ROUTER_CONFIG env var > XDG_CONFIG_HOME/mcp-router/config.yaml > ~/.config/mcp-router/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_ROUTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcp-router", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcp-router <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the router, reading MCP requests on stdin")
		fmt.Println("  validate   Load and validate the config without starting any backend")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "validate":
		err = runValidate()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runValidate loads the ambient config and the router config document and
// reports the first error encountered, without starting any Supervisor —
// this is how a disallowed command or malformed document is caught before
// a child is ever spawned.
func runValidate() error {
	configPath := getConfigPath()

	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	doc, err := routerconfig.Load(cfg.RouterConfig)
	if err != nil {
		return fmt.Errorf("loading router config: %w", err)
	}
	for _, w := range doc.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	fmt.Println("config OK")
	return nil
}

func runServe(ctx context.Context) error {
	// Every human-facing print in this command goes to stderr: stdout is
	// the MCP JSON-RPC stream the adapter owns, and a stray banner byte
	// ahead of the first frame would corrupt it for the client reading it.
	cyan := color.New(color.FgCyan)
	cyan.Fprint(os.Stderr, banner)

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "    version: %s\n\n", version)

	configPath := getConfigPath()
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	mcpfront.SetVersion(version)

	doc, err := routerconfig.Load(cfg.RouterConfig)
	if err != nil {
		return fmt.Errorf("loading router config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprint(os.Stderr, "    ▶ ")
	fmt.Fprintf(os.Stderr, "Config:        %s\n", configPath)
	green.Fprint(os.Stderr, "    ▶ ")
	fmt.Fprintf(os.Stderr, "Router config: %s\n", cfg.RouterConfig)
	green.Fprint(os.Stderr, "    ▶ ")
	fmt.Fprintf(os.Stderr, "Backends:      %d\n", len(doc.Servers))
	fmt.Fprintln(os.Stderr)

	logger.Info("starting mcp-router",
		"config", configPath,
		"router_config", cfg.RouterConfig,
		"backend_count", len(doc.Servers),
	)
	for _, w := range doc.Warnings {
		logger.Warn(w)
	}

	prober := sandbox.NewProber()
	supervisors := make([]*backend.Supervisor, 0, len(doc.Servers))
	for _, sc := range doc.Servers {
		supervisors = append(supervisors, backend.New(sc, prober, logger))
	}

	engine := router.New(doc, supervisors, nil, logger)
	engine.Start(ctx)

	if cfg.ReloadOnWrite {
		go watchConfigReload(ctx, cfg.RouterConfig, logger)
	}

	adapter := mcpfront.New(engine, logger, os.Stdin, os.Stdout)
	runErr := adapter.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	engine.Stop(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("adapter: %w", runErr)
	}
	return nil
}

// watchConfigReload re-validates the router config document whenever the
// file is written, so a bad edit is reported immediately instead of on the
// next restart. It does not hot-swap the running backend topology — that
// would require tearing down and rebuilding every Supervisor mid-flight,
// which is a bigger change than a config-reload watcher should make
// unattended; applying a validated change still requires a restart.
func watchConfigReload(ctx context.Context, routerConfigPath string, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config reload watcher disabled", "error", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(routerConfigPath)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("config reload watcher disabled", "error", err, "dir", dir)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(routerConfigPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := routerconfig.Load(routerConfigPath); err != nil {
				logger.Warn("router config changed but failed to validate; still running the previous topology", "error", err)
				continue
			}
			logger.Info("router config changed and validated; restart to apply", "path", routerConfigPath)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config reload watcher error", "error", err)
		}
	}
}

func setupLogger(cfg appconfig.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
