package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"colloquy/internal/infra/config"
	"colloquy/internal/infra/logger"
	"colloquy/internal/infra/middleware"
	"colloquy/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		exitOn("fatal", runServe(args))
		return
	}

	switch args[0] {
	case "serve":
		exitOn("serve", runServe(args[1:]))
	case "encrypt":
		exitOn("encrypt", runEncrypt(args[1:]))
	case "version":
		fmt.Println("colloquy " + version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'colloquy --help' for usage information.\n", args[0])
		os.Exit(1)
	}
}

func exitOn(prefix string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
	os.Exit(1)
}

func showUsage() {
	fmt.Println(`colloquy - resilient multi-agent orchestration over MCP

USAGE:
    colloquy [COMMAND] [FLAGS]

COMMANDS:
    serve       Serve the MCP tools on stdio, or HTTP with --http (default)
    encrypt     Encrypt a secret for use as an enc: config value
                Reads COLLOQUY_CONFIG_KEY as the passphrase
    version     Print the version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./colloquy.yaml)
    --http ADDR        Serve streamable HTTP on ADDR instead of stdio

CONFIGURATION:
    Config file: ./colloquy.yaml (missing file means defaults)
    Environment: COLLOQUY_* variables override config

EXAMPLES:
    colloquy                                   # Serve with ./colloquy.yaml
    colloquy serve --config /etc/colloquy.yaml
    colloquy serve --http :8080                # MCP endpoint at /mcp
    COLLOQUY_CONFIG_KEY=... colloquy encrypt sk-ant-...`)
}

// flagValue returns the value of --name VALUE or --name=VALUE.
func flagValue(args []string, name string) (string, bool) {
	flag := "--" + name
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == flag && i+1 < len(args):
			return args[i+1], true
		case strings.HasPrefix(args[i], flag+"="):
			return strings.TrimPrefix(args[i], flag+"="), true
		}
	}
	return "", false
}

// configPath returns the --config flag value, then $COLLOQUY_CONFIG, then
// the default file in the working directory.
func configPath(args []string) string {
	if p, ok := flagValue(args, "config"); ok {
		return p
	}
	if p := os.Getenv("COLLOQUY_CONFIG"); p != "" {
		return p
	}
	return "colloquy.yaml"
}

func runServe(args []string) error {
	// 1. Config
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if addr, ok := flagValue(args, "http"); ok {
		cfg.HTTP.Addr = addr
	}

	// 2. Logger & Tracer. Stdout carries the MCP protocol.
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Components
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("colloquy starting",
		"version", version,
		"agents", a.agents.Names(),
		"store", cfg.Store.Type,
		"fallback", cfg.Fallback.Type,
	)

	// 4. Serve until stdin closes or a signal arrives.
	if cfg.HTTP.Addr != "" {
		err = a.server.ListenHTTP(ctx, cfg.HTTP.Addr, httpHandler(ctx, a, cfg.HTTP))
	} else {
		err = a.server.Serve(ctx, os.Stdin, os.Stdout)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("colloquy stopped")
	return nil
}

// httpHandler throttles before authenticating so token guessing is rate limited too.
func httpHandler(ctx context.Context, a *app, cfg config.HTTPConfig) http.Handler {
	limiter := middleware.NewClientLimiter(ctx, middleware.RateLimitConfig{
		RequestsPerMin: cfg.RequestsPerMin,
		BurstSize:      cfg.Burst,
		TrustedProxies: cfg.TrustedProxies,
	})
	return a.server.Handler(
		middleware.SecurityHeaders,
		limiter.Middleware,
		middleware.BearerAuth(cfg.AuthToken),
	)
}

func runEncrypt(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: colloquy encrypt <value>")
	}
	passphrase := os.Getenv("COLLOQUY_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("COLLOQUY_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
