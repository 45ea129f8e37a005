package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"tradeops/internal/broker"
	"tradeops/internal/config"
	"tradeops/internal/engine"
	"tradeops/internal/events"
	"tradeops/internal/util"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tradeops <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  order-cycle  Buy, replace and cancel orders, cycle a stop-loss, close out\n")
	fmt.Fprintf(os.Stderr, "  report       Generate a report once and wait until it is ready\n")
	fmt.Fprintf(os.Stderr, "  operations   Page through the operations history\n")
	fmt.Fprintf(os.Stderr, "  version      Print the version\n")
	fmt.Fprintf(os.Stderr, "\nConfiguration is read from $TRADEOPS_CONFIG (default config/tradeops.yaml).\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var run func(context.Context, *app, []string) error
	switch cmd {
	case "version":
		fmt.Printf("tradeops %s\n", version)
		return
	case "order-cycle":
		run = runOrderCycle
	case "report":
		run = runReport
	case "operations":
		run = runOperations
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer a.Close()

	if err := run(ctx, a, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error(cmd+" failed", "error", err)
		a.Close()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := "config/tradeops.yaml"
	if p := os.Getenv("TRADEOPS_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && os.Getenv("TRADEOPS_CONFIG") == "" {
		return config.FromEnv(), nil
	}
	return cfg, err
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

// venue is what every gateway offers. Report jobs are optional.
type venue interface {
	broker.OrderGateway
	broker.OperationsGateway
}

type app struct {
	cfg    *config.Config
	log    *slog.Logger
	venue  venue
	pub    events.Publisher
	closed bool
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	switch cfg.Broker.Kind {
	case "alpaca":
		a.venue = broker.NewAlpacaBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.BaseURL,
			broker.WithRateLimit(cfg.Broker.RateLimitPerMin, cfg.Broker.RateBurst),
			broker.WithReadRetries(cfg.Broker.ReadRetries),
		)
	case "simulator":
		sim := broker.NewSimulatorBroker()
		seedSimulator(sim, cfg.Broker.Account)
		a.venue = sim
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}

	if len(cfg.Events.Brokers) > 0 {
		a.pub = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
	} else {
		a.pub = events.NewLogPublisher(logger)
	}
	return a, nil
}

func (a *app) coordinator() *engine.Coordinator {
	rm := engine.NewRiskManager(
		decimal.NewFromFloat(a.cfg.Trading.MaxOrderQty),
		decimal.NewFromFloat(a.cfg.Trading.MaxNotional),
	)
	return engine.NewCoordinator(a.venue, a.cfg.Broker.Account,
		engine.WithLogger(a.log),
		engine.WithPublisher(a.pub),
		engine.WithRiskManager(rm),
	)
}

func (a *app) Close() {
	if a.closed {
		return
	}
	a.closed = true
	if err := a.pub.Close(); err != nil {
		a.log.Warn("closing publisher", "error", err)
	}
}
