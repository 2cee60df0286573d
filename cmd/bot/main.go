package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
	"github.com/Schmoll86/options-trading-bot-2026/internal/config"
	"github.com/Schmoll86/options-trading-bot-2026/internal/dashboard"
	"github.com/Schmoll86/options-trading-bot-2026/internal/engine"
	"github.com/Schmoll86/options-trading-bot-2026/internal/mock"
	"github.com/Schmoll86/options-trading-bot-2026/internal/news"
	"github.com/Schmoll86/options-trading-bot-2026/internal/retry"
	"github.com/Schmoll86/options-trading-bot-2026/internal/risk"
	"github.com/Schmoll86/options-trading-bot-2026/internal/screener"
	"github.com/Schmoll86/options-trading-bot-2026/internal/strategy"
)

const shutdownGrace = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting trading bot in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - Real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped successfully")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	client, cleanup, err := buildClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	value, err := client.GetAccountValue(broker.TagNetLiquidation)
	if err != nil {
		return fmt.Errorf("verifying broker connection: %w", err)
	}
	logger.Printf("Connected to broker. Account value: $%.2f", value)

	gate := risk.NewManager(cfg.Risk, logger)
	gate.SetPortfolioValue(value)
	exits := risk.NewExitTracker(cfg.Risk, logger)

	analyzer := news.NewAnalyzer(client, logger)
	scr := screener.New(client, cfg.Screener, logger)
	strategies := []strategy.Strategy{
		strategy.NewBull(client, gate, logger),
		strategy.NewBear(client, gate, logger),
		strategy.NewVolatile(client, gate, logger),
	}
	orders := retry.NewClient(client, logger)

	eng := engine.New(analyzer, scr, gate, strategies, cfg.CycleInterval(), logger)
	eng.SetTradingHours(cfg.IsWithinTradingHours)

	monitor := engine.NewMonitor(client, gate, exits, orders, cfg.MonitorInterval(), logger)
	monitor.SetStrategies(strategies)
	eng.SetTracker(monitor)
	if !cfg.Schedule.AfterHoursChecks {
		monitor.SetTradingHours(cfg.IsWithinTradingHours)
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, newDashboardLogger(cfg.Environment.LogLevel))
		eng.SetSink(srv)
		monitor.SetSink(srv)

		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })

	return g.Wait()
}

// buildClient returns the broker client for the configured mode and a
// cleanup that tears the session down.
func buildClient(ctx context.Context, cfg *config.Config, logger *log.Logger) (broker.Client, func(), error) {
	if cfg.IsPaperTrading() {
		paper := mock.NewClient(cfg.Risk.InitialPortfolioValue, logger)
		if err := paper.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return paper, func() { _ = paper.Disconnect() }, nil
	}

	gw := broker.NewGatewayClient(cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.APIKey, cfg.Gateway.AccountID).
		WithTimeout(cfg.CallTimeout())

	// The gateway session is single threaded; every caller goes through
	// the bridge, and the breaker sits between the bridge and the wire.
	bridge := broker.NewBridge(broker.NewCircuitBreakerClient(gw), cfg.BridgeTimeout(), logger)
	bridge.Start()

	if err := bridge.Connect(ctx); err != nil {
		bridge.Stop()
		return nil, nil, fmt.Errorf("connecting to gateway: %w", err)
	}

	cleanup := func() {
		if err := bridge.Disconnect(); err != nil {
			logger.Printf("disconnect failed: %v", err)
		}
		bridge.Stop()
	}
	return bridge, cleanup, nil
}

func newDashboardLogger(level string) *logrus.Logger {
	l := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}
