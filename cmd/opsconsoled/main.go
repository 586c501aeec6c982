// ABOUTME: Entry point for the opsconsoled backend daemon
// ABOUTME: Wires stores, session registry, agent engine, and the HTTP API

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/eshell/opsconsole/internal/agent"
	"github.com/eshell/opsconsole/internal/api"
	"github.com/eshell/opsconsole/internal/auth"
	"github.com/eshell/opsconsole/internal/config"
	"github.com/eshell/opsconsole/internal/convo"
	"github.com/eshell/opsconsole/internal/events"
	"github.com/eshell/opsconsole/internal/profiles"
	"github.com/eshell/opsconsole/internal/session"
	"github.com/eshell/opsconsole/internal/status"
	"github.com/eshell/opsconsole/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _
  ___  _ __  ___  ___ ___  _ __  ___  ___ | | ___
 / _ \| '_ \/ __|/ __/ _ \| '_ \/ __|/ _ \| |/ _ \
| (_) | |_) \__ \ (_| (_) | | | \__ \ (_) | |  __/
 \___/| .__/|___/\___\___/|_| |_|___/\___/|_|\___|
      |_|
`

// getConfigPath returns the path to the daemon config file.
// Priority: OPSCONSOLE_CONFIG env var > XDG_CONFIG_HOME/opsconsole/config.yaml > ~/.config/opsconsole/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("OPSCONSOLE_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "opsconsole", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: opsconsoled <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the console backend")
		fmt.Println("  health   Check backend health")
		fmt.Println("  token    Issue an operator bearer token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Profiles: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Store:    %s\n", cfg.Store.Root)
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Print("Auth:     ")
		yellow.Println("disabled")
	}

	fmt.Println()

	logger.Info("starting opsconsoled",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	profileStore, err := profiles.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening profile store: %w", err)
	}
	defer profileStore.Close()

	store, err := convo.NewStore(cfg.Store.Root, logger)
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}

	dialer := &transport.SSHDialer{Timeout: cfg.SSH.DialTimeout}
	registry := session.NewRegistry(dialer, profileStore, logger)
	defer registry.CloseAll()

	statusCache := status.NewCache(registry, logger)

	broadcaster := events.NewBroadcaster(logger)
	defer broadcaster.Close()

	dispatcher := agent.NewDispatcher(store, registry, broadcaster, logger)
	engine := agent.NewEngine(store, dispatcher, broadcaster, agent.NewOpenAIClient(nil), agent.EngineOptions{
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		ModelTimeout:  cfg.Agent.ModelTimeout,
	}, logger)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	server := api.NewServer(api.Config{
		Addr:     cfg.Server.HTTPAddr,
		Verifier: verifier,
	}, registry, statusCache, store, engine, profileStore, broadcaster, logger)

	return server.Start(ctx)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/v1/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints a bearer token for ops-admin and other API clients.
// Usage: opsconsoled token <subject> [ttl]
func runToken() error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth is disabled: set auth.jwt_secret in %s", configPath)
	}

	subject := "operator"
	if len(os.Args) > 2 {
		subject = os.Args[2]
	}
	ttl := 30 * 24 * time.Hour
	if len(os.Args) > 3 {
		ttl, err = time.ParseDuration(os.Args[3])
		if err != nil {
			return fmt.Errorf("parsing ttl: %w", err)
		}
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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
		handler = slog.NewJSONHandler(os.Stdout, opts)
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
	fmt.Print(buf.String())
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
