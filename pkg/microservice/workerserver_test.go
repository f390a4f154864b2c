package microservice_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-speechflow/pkg/microservice"
)

func TestWorkerServer_Probes(t *testing.T) {
	server := microservice.NewWorkerServer(zerolog.Nop(), ":0")
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	baseURL := fmt.Sprintf("http://localhost%s", server.GetHTTPPort())

	get := func(path string) (int, string) {
		resp, err := http.Get(baseURL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := get("/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	// Readiness stays off until the stage loop is wired up.
	status, body = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "NOT READY", body)

	server.SetReady(true)
	status, body = get("/readyz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "READY", body)

	server.SetReady(false)
	status, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestWorkerServer_ShutdownStopsServing(t *testing.T) {
	server := microservice.NewWorkerServer(zerolog.Nop(), ":0")
	require.NoError(t, server.Start())
	baseURL := fmt.Sprintf("http://localhost%s", server.GetHTTPPort())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(shutdownCtx))

	_, err := http.Get(baseURL + "/healthz")
	assert.Error(t, err, "the listener must be closed after shutdown")
}
