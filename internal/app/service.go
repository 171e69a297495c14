package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thuanavasosoft/bitbot-sub001/config"
	"github.com/thuanavasosoft/bitbot-sub001/internal/adapters/binanceclient"
	"github.com/thuanavasosoft/bitbot-sub001/internal/adapters/signaling"
	"github.com/thuanavasosoft/bitbot-sub001/internal/adapters/sqlite"
	"github.com/thuanavasosoft/bitbot-sub001/internal/adapters/telegram"
	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/fillwatcher"
	"github.com/thuanavasosoft/bitbot-sub001/internal/lifecycle"
	"github.com/thuanavasosoft/bitbot-sub001/internal/monitoring"
	"github.com/thuanavasosoft/bitbot-sub001/internal/pnl"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
	"github.com/thuanavasosoft/bitbot-sub001/internal/risk"
	"github.com/thuanavasosoft/bitbot-sub001/internal/signal"
	"github.com/thuanavasosoft/bitbot-sub001/internal/trendwatcher"
)

const (
	shutdownTimeout   = 10 * time.Second
	reportTradeLimit  = 200 // Journal rows summarized in the performance report
	signalPrimePeriod = 30 * time.Second
)

// App wires the exchange adapter, watchers, signaling channel, journal and
// the lifecycle machine into one runnable trading bot.
type App struct {
	cfg    *config.Config
	logger ports.Logger

	exchange   *binanceclient.Client
	trend      *trendwatcher.Watcher
	machine    *lifecycle.Machine
	state      *domain.BotRunState
	notifier   *telegram.Notifier
	signaling  *signaling.Server
	journal    *sqlite.Repository
	metrics    *monitoring.Metrics
	metricsSrv *monitoring.Server
}

// New builds the full dependency graph from configuration. Nothing touches
// the network yet; connections are established when Run starts.
func New(cfg *config.Config, logger ports.Logger) (*App, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for app")
	}

	exchange, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               logger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize exchange client: %w", err)
	}

	trend, err := trendwatcher.New(trendwatcher.Config{
		Symbol:        cfg.Symbol,
		CheckInterval: cfg.CheckInterval,
		CheckOffset:   cfg.CheckOffset,
		BufferPct:     cfg.BufferPct,
		Params: signal.Params{
			N:             cfg.Signal.N,
			ATRLen:        cfg.Signal.ATRLen,
			K:             cfg.Signal.K,
			Eps:           cfg.Signal.Eps,
			MAtr:          cfg.Signal.MAtr,
			RocMin:        cfg.Signal.RocMin,
			EMAPeriod:     cfg.Signal.EMAPeriod,
			NeedTwoCloses: cfg.Signal.NeedTwoCloses,
			VolMult:       cfg.Signal.VolMult,
		},
	}, logger, exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trend watcher: %w", err)
	}

	fills, err := fillwatcher.New(fillwatcher.Config{Symbol: cfg.Symbol}, logger, exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fill watcher: %w", err)
	}

	state := &domain.BotRunState{State: domain.StateStarting}

	accountant, err := pnl.New(cfg.QuoteAsset, logger, exchange, state)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize accountant: %w", err)
	}

	guard, err := risk.New(risk.Config{
		MinQuoteBalance: cfg.MinQuoteBalance,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize risk guard: %w", err)
	}

	notifier, err := telegram.New(cfg.TelegramToken, cfg.TelegramChatID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	var sigServer *signaling.Server
	if cfg.SignalingListenAddr != "" {
		sigServer, err = signaling.New(cfg.SignalingListenAddr, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize signaling server: %w", err)
		}
	}

	journal, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trade journal: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.New(registry)
	var metricsSrv *monitoring.Server
	if cfg.MetricsListenAddr != "" {
		metricsSrv = monitoring.NewServer(cfg.MetricsListenAddr, registry, logger)
	}

	deps := lifecycle.Deps{
		Logger:     logger,
		Market:     exchange,
		Trading:    exchange,
		Notifier:   notifier,
		Trend:      trend,
		Fills:      fills,
		Accountant: accountant,
		Guard:      guard,
		State:      state,
		Journal:    journal,
		Metrics:    metrics,
	}
	if sigServer != nil {
		deps.Signaling = sigServer
	}

	machine, err := lifecycle.New(lifecycle.Config{
		Symbol:              cfg.Symbol,
		Variant:             cfg.Variant,
		EntryMode:           cfg.EntryMode,
		ExitMode:            cfg.ExitMode,
		Leverage:            cfg.Leverage,
		BetSize:             cfg.BetSize,
		TakeProfitPct:       cfg.TakeProfitPct,
		LiquidationCooldown: cfg.LiquidationCooldown,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize lifecycle machine: %w", err)
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		exchange:   exchange,
		trend:      trend,
		machine:    machine,
		state:      state,
		notifier:   notifier,
		signaling:  sigServer,
		journal:    journal,
		metrics:    metrics,
		metricsSrv: metricsSrv,
	}, nil
}

// Run connects to the exchange, starts the auxiliary servers and drives the
// lifecycle machine until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.shutdown()

	if err := a.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange is unreachable: %w", err)
	}
	if err := a.exchange.SetServerTime(ctx); err != nil {
		a.logger.Warn(ctx, "Failed to sync server time, signed requests may be rejected", map[string]interface{}{"error": err.Error()})
	}

	if a.signaling != nil {
		go a.signaling.Start(ctx)
	}
	if a.metricsSrv != nil {
		go a.metricsSrv.Start(ctx)
	}

	go a.trend.Run(ctx)
	a.primeSignalView(ctx)

	a.logger.Info(ctx, "Bot starting", map[string]interface{}{
		"symbol":   a.cfg.Symbol,
		"variant":  string(a.cfg.Variant),
		"leverage": a.cfg.Leverage,
		"betSize":  a.cfg.BetSize,
		"testnet":  a.cfg.IsTestnet,
	})

	err := a.machine.Run(ctx)

	a.reportPerformance()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// primeSignalView runs the first signal evaluation immediately so the machine
// does not wait out a full check interval before arming triggers. Failures
// are retried on a short cadence until a snapshot exists or the watcher loop
// produces one on its own.
func (a *App) primeSignalView(ctx context.Context) {
	err := a.trend.CheckNow(ctx)
	if err == nil {
		return
	}
	a.logger.Warn(ctx, "Initial signal evaluation failed, will retry", map[string]interface{}{"error": err.Error()})
	go func() {
		ticker := time.NewTicker(signalPrimePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if snap, _ := a.trend.Last(); snap != nil {
					return
				}
				if err := a.trend.CheckNow(ctx); err == nil {
					return
				}
			}
		}
	}()
}

// reportPerformance summarizes the journaled trades and pushes the report to
// the notification channel. Called once on the way out.
func (a *App) reportPerformance() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	trades, err := a.journal.FindBySymbol(ctx, a.cfg.Symbol, reportTradeLimit)
	if err != nil {
		a.logger.Error(ctx, "Failed to load trade history for performance report", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(trades) == 0 {
		return
	}
	report := pnl.Summarize(trades).Report(a.cfg.Symbol)
	a.logger.Info(ctx, "Performance summary", map[string]interface{}{"report": report})
	a.notifier.QueueMessage(report)
}

// shutdown stops the auxiliary servers and releases resources. The machine
// has already returned by the time this runs.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(ctx); err != nil {
			a.logger.Warn(ctx, "Metrics server shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.signaling != nil {
		if err := a.signaling.Stop(ctx); err != nil {
			a.logger.Warn(ctx, "Signaling server shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := a.journal.Close(); err != nil {
		a.logger.Warn(ctx, "Trade journal close failed", map[string]interface{}{"error": err.Error()})
	}
	a.notifier.Close()
	a.logger.Info(ctx, "Bot stopped")
}
