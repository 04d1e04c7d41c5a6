package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.Registry)
	require.Empty(t, tel.MetricsAddr())
	_, span := tel.Tracer.Start(context.Background(), "op")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, MetricsAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	counter, err := tel.Meter.Int64Counter("graphstore.test.events_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	resp, err := http.Get("http://" + tel.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "graphstore_test_events_total")

	require.NoError(t, shutdown(context.Background()))
	_, err = http.Get("http://" + tel.MetricsAddr() + "/metrics")
	require.Error(t, err)
}
