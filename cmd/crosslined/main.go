package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/crossline/crossline/params"
	"github.com/crossline/crossline/pkg/api"
	"github.com/crossline/crossline/pkg/engine"
	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/instrument"
	"github.com/crossline/crossline/pkg/ledger"
	"github.com/crossline/crossline/pkg/markprice"
	"github.com/crossline/crossline/pkg/position"
	"github.com/crossline/crossline/pkg/risk"
	"github.com/crossline/crossline/pkg/storage"
	"github.com/crossline/crossline/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger(cfg.Log.Level, cfg.Log.Path)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Stores ----
	ledgerStore, err := storage.New(filepath.Join(cfg.Storage.DataDir, "ledger"), "ledger")
	if err != nil {
		logger.Fatal("ledger store", zap.Error(err))
	}
	defer ledgerStore.Close()

	positionStore, err := storage.New(filepath.Join(cfg.Storage.DataDir, "positions"), "position")
	if err != nil {
		logger.Fatal("position store", zap.Error(err))
	}
	defer positionStore.Close()

	// ---- Core components ----
	reg := instrument.Default()
	bus := events.NewBus(256)
	defer bus.Close()

	suspensions := risk.NewSuspensionList()
	eng := engine.New(logger, reg, suspensions, bus, engine.WithDepthLevels(cfg.API.DepthLevels))
	led := ledger.New(ledgerStore, reg, bus, logger)
	proj := position.NewProjection(positionStore, bus, logger)
	feed := markprice.New(logger, reg, eng, bus, cfg.MarkPrice.Interval)

	eng.Start()
	defer eng.Stop()

	// ---- Event consumers ----
	// Settlement and projection read the same trade stream through
	// independent subscriptions; each keeps its own applied-event ids,
	// so a redelivery to one never skips the other. Consumers drain
	// until the bus closes their channels, which keeps the shutdown
	// order sound: deferred eng.Stop runs before deferred bus.Close, so
	// in-flight publishes always find a reader.
	go events.Consume(ctx, bus.SubscribeTrades(), func(ctx context.Context, t events.TradeExecution) error {
		_, err := led.SettleTrade(ctx, t)
		return err
	}, logger, "settlement")

	go events.Consume(ctx, bus.SubscribeTrades(), func(ctx context.Context, t events.TradeExecution) error {
		_, err := proj.ApplyTrade(ctx, t)
		return err
	}, logger, "positions")

	go events.Consume(ctx, bus.SubscribeMarkPrices(), func(ctx context.Context, m events.MarkPriceUpdate) error {
		_, err := proj.ApplyMarkPrice(ctx, m)
		return err
	}, logger, "markprices")

	go events.Consume(ctx, bus.SubscribeBooks(), led.ApplyOrderUpdate, logger, "margin")

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("mark price feed stopped", zap.Error(err))
		}
	}()

	// ---- Kafka egress (optional) ----
	if cfg.Kafka.Enabled {
		bridge := events.NewKafkaBridge(cfg.Kafka.Brokers, logger)
		defer bridge.Close()
		go bridge.Run(ctx, bus)
		logger.Info("kafka bridge enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	// ---- API ----
	server := api.NewServer(logger, eng, reg, led, proj, bus, cfg.API.DepthLevels)
	if err := server.Run(ctx, cfg.API.Addr); err != nil && ctx.Err() == nil {
		logger.Fatal("api server", zap.Error(err))
	}
}
