// streamtest connects to the configured price feed and prints normalized ticks.
// Usage: go run ./cmd/streamtest --config configs/engine.local.yaml
//
// Nothing is stored or settled. Use it to check a feed URL and wire format
// before pointing an engine at them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/binary-engine/internal/catalog"
	"github.com/rickgao/binary-engine/internal/config"
	"github.com/rickgao/binary-engine/internal/feed"
	"github.com/rickgao/binary-engine/internal/market"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/engine.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full tick JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Feed.Mode != "websocket" || cfg.Feed.URL == "" {
		logger.Error("streamtest needs feed.mode websocket and feed.url")
		os.Exit(1)
	}
	format, err := feed.ParseFormat(cfg.Feed.Format)
	if err != nil {
		logger.Error("invalid feed format", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Instruments come from the static list only
	registry := market.NewRegistry(market.Config{
		ReconcileInterval: time.Hour,
		StaleAfter:        cfg.Feed.StaleAfter,
	}, catalog.NewStatic(cfg.Catalog.Instruments), logger)
	if err := registry.Start(ctx); err != nil {
		logger.Error("failed to start registry", "error", err)
		os.Exit(1)
	}
	logger.Info("instruments loaded", "active", len(registry.ActiveInstruments()))

	feedCfg := feed.DefaultClientConfig()
	feedCfg.URL = cfg.Feed.URL
	feedCfg.APIKey = cfg.Feed.APIKey
	feedCfg.Format = format
	client := feed.NewClient(feedCfg, registry, nil, logger)

	rtr := router.NewRouter(router.DefaultConfig(), client.Messages(), feed.NewNormalizer(format), nil, registry, nil, logger)

	logger.Info("connecting to feed", "url", cfg.Feed.URL, "format", format)
	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start feed client", "error", err)
		os.Exit(1)
	}
	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	go printTicks(ctx, rtr.Buffers().Price, *verbose)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := rtr.Stats()
				logger.Info("stats",
					"connected", client.IsConnected(),
					"received", s.MessagesReceived,
					"routed", s.TicksRouted,
					"duplicates", s.Duplicates,
					"parse_errors", s.ParseErrors,
					"ignored", s.Ignored,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down...")
	client.Stop(shutdownCtx)
	rtr.Stop(shutdownCtx)
	registry.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func printTicks(ctx context.Context, buf *router.GrowableBuffer[model.PriceTick], verbose bool) {
	for ctx.Err() == nil {
		tick, ok := buf.TryReceive()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if verbose {
			data, _ := json.MarshalIndent(tick, "", "  ")
			fmt.Printf("[TICK] %s\n", data)
			continue
		}
		fmt.Printf("[TICK] instrument=%s price=%s ts=%s\n",
			tick.Instrument, tick.Price, time.UnixMilli(tick.Timestamp).UTC().Format(time.RFC3339Nano))
	}
}
