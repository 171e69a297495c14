package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

// Metrics exposes the bot's operational counters and gauges to Prometheus.
type Metrics struct {
	tradesTotal     *prometheus.CounterVec
	realizedPnl     prometheus.Counter
	calculatedPnl   prometheus.Gauge
	quoteBalance    prometheus.Gauge
	slippage        prometheus.Gauge
	botState        *prometheus.GaugeVec
	liquidations    prometheus.Counter
	tradeDuration   prometheus.Histogram
	signalingPeers  prometheus.Gauge
	lastSignalCheck prometheus.Gauge
}

// New registers the bot metric set on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitbot_trades_total",
			Help: "Number of executed trades by direction (entry or exit).",
		}, []string{"direction"}),
		realizedPnl: factory.NewCounter(prometheus.CounterOpts{
			Name: "bitbot_realized_pnl_events_total",
			Help: "Number of realized PnL settlements recorded.",
		}),
		calculatedPnl: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bitbot_calculated_profit_quote",
			Help: "Running fee-adjusted profit in quote currency.",
		}),
		quoteBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bitbot_quote_balance",
			Help: "Last observed free quote-asset balance.",
		}),
		slippage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bitbot_accumulated_slippage_quote",
			Help: "Signed accumulated slippage; negative means better-than-trigger fills.",
		}),
		botState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bitbot_state",
			Help: "Current lifecycle state (1 for the active state, 0 otherwise).",
		}, []string{"state"}),
		liquidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "bitbot_liquidations_total",
			Help: "Number of confirmed liquidations.",
		}),
		tradeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bitbot_trade_duration_seconds",
			Help:    "Time between position entry and resolution.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12),
		}),
		signalingPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bitbot_signaling_clients",
			Help: "Connected signaling websocket clients.",
		}),
		lastSignalCheck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bitbot_last_signal_check_timestamp_seconds",
			Help: "Unix time of the last completed signal evaluation.",
		}),
	}
}

func (m *Metrics) RecordTrade(direction string) { m.tradesTotal.WithLabelValues(direction).Inc() }

func (m *Metrics) RecordSettlement(metrics domain.TradeMetrics, liquidated bool) {
	m.realizedPnl.Inc()
	if liquidated {
		m.liquidations.Inc()
	}
}

func (m *Metrics) SetCalculatedProfit(v float64) { m.calculatedPnl.Set(v) }
func (m *Metrics) SetQuoteBalance(v float64)     { m.quoteBalance.Set(v) }
func (m *Metrics) SetSlippage(v float64)         { m.slippage.Set(v) }
func (m *Metrics) SetSignalingClients(n int)     { m.signalingPeers.Set(float64(n)) }
func (m *Metrics) SignalCheckCompleted()         { m.lastSignalCheck.SetToCurrentTime() }

func (m *Metrics) ObserveTradeDuration(d time.Duration) {
	m.tradeDuration.Observe(d.Seconds())
}

// SetState flips the state gauge so exactly one state reports 1.
func (m *Metrics) SetState(s domain.BotState) {
	for _, known := range []domain.BotState{domain.StateStarting, domain.StateWaitForEntry, domain.StateWaitForResolve} {
		v := 0.0
		if known == s {
			v = 1.0
		}
		m.botState.WithLabelValues(string(known)).Set(v)
	}
}

// Server serves the /metrics endpoint.
type Server struct {
	srv    *http.Server
	logger ports.Logger
}

// NewServer builds an HTTP server exposing the given gatherer on /metrics.
func NewServer(addr string, gatherer prometheus.Gatherer, logger ports.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start runs the server until Stop is called. Intended to run in its own goroutine.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info(ctx, "Metrics server listening", map[string]interface{}{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error(ctx, "Metrics server failed", map[string]interface{}{"error": err.Error()})
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
