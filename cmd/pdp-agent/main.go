// Command pdp-agent runs the local read-only replica of §4.9: it mirrors
// one policy store from a central service and serves decisions against
// its own periodically-refreshed cache, trading strict freshness for
// latency and availability. Token-based decisions are not supported here.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hodei/verified-permissions/pkg/agent"
	"github.com/hodei/verified-permissions/pkg/config"
	"github.com/hodei/verified-permissions/pkg/repository/memory"
)

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	storeID := os.Getenv("PDP_AGENT_STORE_ID")
	if storeID == "" {
		log.Fatal("PDP_AGENT_STORE_ID is required")
	}

	interval := cfg.ReloadInterval
	if interval <= 0 {
		interval = agent.DefaultSyncInterval
	}

	// A real deployment backs this with an RPC client reaching the
	// central service; the in-process memory repository stands in as the
	// CentralClient shape (policyengine.PolicySource) since no wire
	// transport is wired in this build.
	client := memory.New()

	ctx := context.Background()
	a, err := agent.New(ctx, client, storeID, logger)
	if err != nil {
		log.Fatalf("build initial replica cache: %v", err)
	}

	syncCtx, cancelSync := context.WithCancel(ctx)
	a.StartSync(syncCtx, interval)
	defer func() {
		cancelSync()
		a.Stop()
	}()

	logger.Info("pdp-agent ready", "store", storeID, "sync_interval", interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("pdp-agent stopped")
}
