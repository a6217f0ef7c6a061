package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	cfg := Config{}
	require.False(t, cfg.Enabled())

	tel, err := Setup(context.Background(), "foiatool-test", cfg)
	require.NoError(t, err)
	require.Nil(t, tel.TracerProvider)
	require.Nil(t, tel.MeterProvider)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestEnabled(t *testing.T) {
	cfg := Config{Otlp: OtlpConfig{Metrics: OtlpConnConfig{HttpEndpoint: "localhost:4318"}}}
	require.True(t, cfg.Enabled())
}

func TestInstrumentPerfStatsStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	InstrumentPerfStats(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
}
