// Package main is the entry point for the dispatch service.
//
// Usage:
//
//	inferdispatch [serve]          run the HTTP service
//	inferdispatch models           print the normalized model catalog
//	inferdispatch route "<query>"  show the intent and model a query gets
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inferdispatch/config"
	"inferdispatch/internal/app"
	"inferdispatch/internal/intent"
	"inferdispatch/internal/logging"
	"inferdispatch/internal/providers"
	"inferdispatch/internal/selector"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("inferdispatch %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		// Logging is not configured yet.
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(logging.New(cfg.Logging.Format, cfg.Logging.Level)))

	cmd := flag.Arg(0)
	switch cmd {
	case "", "serve":
		err = serve(cfg)
	case "models":
		err = listModels(cfg)
	case "route":
		err = route(cfg, strings.Join(flag.Args()[1:], " "))
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	slog.Info("starting inferdispatch", "version", version, "commit", commit)

	application, err := app.New(context.Background(), app.Config{AppConfig: cfg})
	if err != nil {
		return err
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := application.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	return application.Start(":" + cfg.Server.Port)
}

// loadCatalog builds providers without a snapshot and refreshes once.
func loadCatalog(cfg *config.Config) (*providers.InitResult, error) {
	cfg.Catalog.Snapshot = "none"
	factory := providers.NewProviderFactory(providers.ProviderOptions{})
	factory.Add(app.Registrations...)

	ctx := context.Background()
	result, err := providers.Init(ctx, cfg, factory)
	if err != nil {
		return nil, err
	}
	refreshCtx, cancel := context.WithTimeout(ctx, config.Seconds(cfg.Catalog.RefreshTimeout))
	defer cancel()
	if err := result.Catalog.Refresh(refreshCtx); err != nil {
		slog.Warn("catalog refresh incomplete", "error", err)
	}
	return result, nil
}

func listModels(cfg *config.Config) error {
	result, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = result.Close() }()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result.Catalog.Models(context.Background()))
}

func route(cfg *config.Config, query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("route needs a query")
	}
	result, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = result.Close() }()

	res := intent.Classify(query, false, 0)
	sel := selector.New(selector.Options{SupportedBackends: result.Registry.Backends()})
	model := cfg.Dispatch.DefaultModel
	if m := sel.Select(res, result.Catalog.Models(context.Background())); m != nil {
		model = m.ID
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"intent": res.Intent,
		"score":  res.Score,
		"model":  model,
	})
}
