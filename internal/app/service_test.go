package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thuanavasosoft/bitbot-sub001/config"
	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		APIKey:               "test-key",
		SecretKey:            "test-secret",
		IsTestnet:            true,
		Symbol:               "BTCUSDT",
		QuoteAsset:           "USDT",
		Leverage:             10,
		BetSize:              50,
		EntryMode:            domain.ModeFollow,
		ExitMode:             domain.ModeFollow,
		Variant:              domain.VariantBreakout,
		CheckInterval:        5 * time.Minute,
		CheckOffset:          3 * time.Second,
		BufferPct:            0.05,
		Signal:               config.SignalParams{N: 10, ATRLen: 14, K: 3, Eps: 0.0005, MAtr: 0.25, RocMin: 0.001, EMAPeriod: 20},
		TakeProfitPct:        0.01,
		MinQuoteBalance:      10,
		LiquidationCooldown:  4 * time.Hour,
		DBPath:               filepath.Join(t.TempDir(), "test.db"),
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 3,
	}
}

func TestNew_WiresFullGraph(t *testing.T) {
	cfg := testConfig(t)
	cfg.SignalingListenAddr = "127.0.0.1:0"
	cfg.MetricsListenAddr = "127.0.0.1:0"

	a, err := New(cfg, &mockLogger{})
	require.NoError(t, err)
	assert.NotNil(t, a.exchange)
	assert.NotNil(t, a.trend)
	assert.NotNil(t, a.machine)
	assert.NotNil(t, a.notifier)
	assert.NotNil(t, a.signaling)
	assert.NotNil(t, a.journal)
	assert.NotNil(t, a.metrics)
	assert.NotNil(t, a.metricsSrv)
	assert.Equal(t, domain.StateStarting, a.state.State)

	require.NoError(t, a.journal.Close())
}

func TestNew_OptionalServersDisabled(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg, &mockLogger{})
	require.NoError(t, err)
	assert.Nil(t, a.signaling)
	assert.Nil(t, a.metricsSrv)
	assert.NotNil(t, a.metrics)

	require.NoError(t, a.journal.Close())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &mockLogger{})
	require.Error(t, err)

	_, err = New(testConfig(t), nil)
	require.Error(t, err)

	cfg := testConfig(t)
	cfg.BetSize = 0
	_, err = New(cfg, &mockLogger{})
	require.Error(t, err)
}
