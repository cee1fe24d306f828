package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dray-io/scavd/internal/config"
	"github.com/dray-io/scavd/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("scavd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "serve":
		runServe(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "version":
		fmt.Printf("scavd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: scavd <command> [options]

Commands:
  serve       Run the scavenge coordinator and its admin API
  admin       Control scavenges on a running node
  version     Print version information

Run 'scavd <command> --help' for more information on a command.`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	adminAddr := fs.String("admin-addr", "", "Override admin/health listen address (e.g., :2113)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics listen address (e.g., :9090)")
	nodeID := fs.String("node-id", "", "Override node ID (default: hostname)")
	initialState := fs.String("initial-state", "", "Override the node state announced at startup (Leader, Follower, ...)")

	fs.Usage = func() {
		fmt.Println(`Usage: scavd serve [options]

Start a scavd node. The node accepts scavenge start, stop and status
requests on its admin API and runs at most one scavenge at a time.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *adminAddr != "" {
		cfg.Admin.ListenAddr = *adminAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *nodeID != "" {
		cfg.Node.NodeID = *nodeID
	}
	if *initialState != "" {
		cfg.Node.InitialState = *initialState
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := NewNode(ctx, NodeOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})
	if err != nil {
		logger.Errorf("failed to create node", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	if err := node.Start(ctx); err != nil {
		logger.Errorf("failed to start node", map[string]any{"error": err.Error()})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		node.Shutdown(shutdownCtx)
		cancel()
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("node shutdown complete")
}

func loadConfig(path string, validate bool) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.DefaultPathEnv)
	}
	if validate {
		return config.LoadFromPath(path)
	}
	return config.LoadFromPathNoValidate(path)
}
