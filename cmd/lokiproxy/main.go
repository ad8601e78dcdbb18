// Command lokiproxy runs the local intercepting HTTP(S) proxy, or
// materializes its certificate authority ahead of a run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/kewlzin/lokiproxy/internal/bus"
	"github.com/kewlzin/lokiproxy/internal/ca"
	"github.com/kewlzin/lokiproxy/internal/config"
	"github.com/kewlzin/lokiproxy/internal/flow"
	"github.com/kewlzin/lokiproxy/internal/proxyserver"
	"github.com/kewlzin/lokiproxy/internal/redact"
	"github.com/kewlzin/lokiproxy/internal/rules"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "ca":
			handleCACommand(os.Args[2:])
			return
		case "run":
			handleRunCommand(os.Args[2:])
			return
		case "-version", "--version":
			fmt.Printf("lokiproxy %s (%s)\n", version, commit)
			return
		}
	}
	printHelp()
	os.Exit(1)
}

func printHelp() {
	fmt.Println(`lokiproxy — local HTTP(S) intercepting proxy for authorized testing

Usage:
  lokiproxy ca init              Generate (or reuse) the local certificate authority
  lokiproxy run [--host H] [--port P] [--config path]

For authorized local security testing only.`)
}

func handleCACommand(args []string) {
	fs := flag.NewFlagSet("ca", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 || fs.Arg(0) != "init" {
		fmt.Println("usage: lokiproxy ca init")
		os.Exit(1)
	}

	dir, err := config.ConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lokiproxy: %v\n", err)
		os.Exit(1)
	}

	if _, err := ca.EnsureRoot(dir); err != nil {
		fmt.Fprintf(os.Stderr, "lokiproxy: generating CA: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("CA generated at:\n  %s\n  %s\n", filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca.key"))
	fmt.Println("Install ca.pem manually in your test browser. Local scope, ethical use only —")
	fmt.Println("only intercept traffic you are authorized to test.")
}

// printBanner writes a short startup summary to stdout. The full
// box-drawing banner is only worth the screen space on an interactive
// terminal; piped/redirected output gets a single plain line instead.
func printBanner(cfg *config.Config) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("lokiproxy listening on %s (flow capacity %d)\n", cfg.Proxy.ListenAddr(), cfg.FlowStore.Capacity)
		return
	}
	fmt.Println("┌─────────────────────────────────────────┐")
	fmt.Printf("│ lokiproxy — %s\n", cfg.Proxy.ListenAddr())
	fmt.Printf("│ flow capacity: %s flows\n", humanize.Comma(int64(cfg.FlowStore.Capacity)))
	fmt.Printf("│ observer websocket: ws://%s%s\n", cfg.Observer.Addr, cfg.Observer.Path)
	fmt.Println("└─────────────────────────────────────────┘")
}

func handleRunCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	host := fs.String("host", "", "bind host (overrides config)")
	port := fs.Int("port", 0, "bind port (overrides config)")
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Proxy.Host = *host
	}
	if *port != 0 {
		cfg.Proxy.Port = *port
	}

	dir, err := config.ConfigDir()
	if err != nil {
		logger.Error("resolving config directory", "error", err)
		os.Exit(1)
	}
	if _, err := ca.EnsureRoot(dir); err != nil {
		logger.Error("loading CA", "error", err, "hint", "run `lokiproxy ca init` first")
		os.Exit(1)
	}

	var ruleset rules.Ruleset
	if cfg.Rules.Path != "" {
		ruleset, err = rules.LoadYAMLFile(cfg.Rules.Path)
		if err != nil {
			logger.Error("loading rules document", "error", err)
			os.Exit(1)
		}
	}

	eventBus := bus.New()
	wsBridge := bus.NewWSBridge(eventBus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go wsBridge.Run(ctx)
	if cfg.Rules.Path != "" && cfg.Rules.WatchFile {
		go watchRulesFile(ctx, cfg.Rules.Path, eventBus, logger)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Observer.Path, wsBridge.Handler())
	observerSrv := &http.Server{Addr: cfg.Observer.Addr, Handler: mux}
	go func() {
		if err := observerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observer websocket server exited", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = observerSrv.Close()
	}()

	srv := proxyserver.New(proxyserver.Options{
		Host:            cfg.Proxy.Host,
		Port:            cfg.Proxy.Port,
		Flows:           flow.NewStore(cfg.FlowStore.Capacity),
		Bus:             eventBus,
		Pending:         bus.NewPendingDecisions(),
		Engine:          rules.NewEngine(ruleset),
		Logger:          logger,
		Redactor:        redact.New(cfg.Redaction),
		InterceptOn:     cfg.Proxy.InterceptByDefault,
		TunnelIdle:      secondsToDuration(cfg.Proxy.TunnelIdleTimeoutS),
		DecisionTimeout: millisToDuration(cfg.Proxy.DecisionTimeoutMs),
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner(cfg)
	logger.Info("starting lokiproxy", "listen", cfg.Proxy.ListenAddr())
	if err := srv.Serve(sigCtx); err != nil {
		logger.Error("proxy server exited", "error", err)
		os.Exit(1)
	}
}
