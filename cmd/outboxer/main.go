package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayfan/outboxer/internal/config"
	"github.com/relayfan/outboxer/internal/engine"
	"github.com/relayfan/outboxer/internal/ops"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

// statusInterval is how often connection health is logged while running
const statusInterval = 60 * time.Second

func main() {
	// Define subcommands
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("outboxer %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("outboxer - Nostr outbox-model broadcast router")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  outboxer init              Generate example configuration")
		fmt.Println("  outboxer --version         Show version information")
		fmt.Println("  outboxer --config <path>   Start with configuration file")
		os.Exit(1)
	}

	// Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting outboxer %s\n", version)
	fmt.Printf("  Identity: %s\n", cfg.Identity.Npub)
	fmt.Printf("  Store: %s\n", cfg.Store.Driver)
	fmt.Println()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)

	fmt.Println("Initializing engine...")
	eng, err := engine.New(ctx, cfg, logger, clock.New())
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer eng.Close(context.Background())

	fmt.Println("Logging in...")
	if err := eng.Login(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	st := eng.Status(ctx)
	fmt.Printf("  Connected to %d relays, %d contacts\n", st.Connected, st.Contacts)
	fmt.Println()
	fmt.Println("✓ Engine running")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	for {
		select {
		case <-ticker.C:
			st := eng.Status(ctx)
			logger.Info("status",
				"connected", st.Connected,
				"pending", st.PendingBroadcasts,
				"history", st.HistorySize,
				"events_seen", st.Stats[ops.StatEventsSeen],
				"accepted", st.Stats[ops.StatBroadcastsAccepted])

		case sig := <-sigChan:
			// SIGUSR1 triggers an immediate relay-set rescan
			if sig == syscall.SIGUSR1 {
				fmt.Println("Rescanning relay set...")
				if err := eng.ScanNow(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
				}
				continue
			}

			fmt.Println()
			fmt.Println("Shutting down gracefully...")
			if err := eng.Logout(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Error during logout: %v\n", err)
			}
			fmt.Println("✓ Shutdown complete")
			return nil
		}
	}
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	// Write to stdout
	fmt.Print(string(exampleConfig))
}
