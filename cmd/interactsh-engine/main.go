package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/interactsh-engine/engine"
	"github.com/R3E-Network/interactsh-engine/infrastructure/logging"
	"github.com/R3E-Network/interactsh-engine/infrastructure/metrics"
	"github.com/R3E-Network/interactsh-engine/pkg/version"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	_ = godotenv.Load()

	root := flag.NewFlagSet("interactsh-engine", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	serverFlag := root.String("server", getenv("INTERACTSH_SERVER_URL", ""), "Interactsh server base URL (env INTERACTSH_SERVER_URL)")
	tokenFlag := root.String("token", os.Getenv("INTERACTSH_TOKEN"), "Bearer token for the Interactsh server (env INTERACTSH_TOKEN)")
	masterKeyFlag := root.String("master-key", os.Getenv("INTERACTSH_MASTER_KEY"), "32-byte master key for encrypting persisted state (env INTERACTSH_MASTER_KEY)")
	showVersion := root.Bool("version", false, "Print build information and exit")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	if *showVersion {
		fmt.Println(version.FullVersion())
		return nil
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	log := logging.NewFromEnv("interactsh-engine")
	if metrics.Enabled() {
		metrics.Init("interactsh-engine")
	}

	masterKey := []byte(*masterKeyFlag)
	if len(masterKey) != 32 {
		return fmt.Errorf("master key must be exactly 32 bytes, got %d (set INTERACTSH_MASTER_KEY or -master-key)", len(masterKey))
	}

	eng, err := engine.New(engine.Options{
		MasterKey: masterKey,
		Token:     strings.TrimSpace(*tokenFlag),
		Logger:    log,
		Metrics:   metrics.Global(),
	})
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}

	switch remaining[0] {
	case "generate-url":
		return cmdGenerateURL(ctx, eng, *serverFlag, engine.Options{Token: strings.TrimSpace(*tokenFlag)})
	case "serve":
		return cmdServe(ctx, eng, *serverFlag, engine.Options{Token: strings.TrimSpace(*tokenFlag)})
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func cmdGenerateURL(ctx context.Context, eng *engine.Engine, serverURL string, startOpts engine.Options) error {
	if serverURL == "" {
		return errors.New("-server is required")
	}
	if err := eng.Start(ctx, startOpts); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Stop(ctx)

	fullURL, uniqueID, err := eng.GenerateURL(ctx, serverURL, "")
	if err != nil {
		return fmt.Errorf("minting url: %w", err)
	}
	fmt.Printf("%s\t%s\n", fullURL, uniqueID)
	return nil
}

func cmdServe(ctx context.Context, eng *engine.Engine, serverURL string, startOpts engine.Options) error {
	if serverURL == "" {
		return errors.New("-server is required")
	}
	if err := eng.Start(ctx, startOpts); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	fullURL, uniqueID, err := eng.GenerateURL(ctx, serverURL, "")
	if err != nil {
		_ = eng.Stop(ctx)
		return fmt.Errorf("minting url: %w", err)
	}
	fmt.Printf("listening on %s (%s)\n", fullURL, uniqueID)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	last := 0
	for {
		select {
		case <-sigCtx.Done():
			return eng.Stop(context.Background())
		case <-ticker.C:
			for _, it := range eng.GetNewInteractions(last) {
				fmt.Printf("[%s] %s %s\n", it.Timestamp, it.Protocol, it.UniqueID)
			}
			last = len(eng.GetInteractions())
		}
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func usageError(err error) error {
	return fmt.Errorf("usage: interactsh-engine [-server url] [-token token] [-master-key key] <generate-url|serve>: %w", err)
}
