package a2a_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow-io/secflow/pkg/a2a"
)

func echoServer(t *testing.T, status int) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)

			return
		}

		var env a2a.Envelope

		err := json.NewDecoder(r.Body).Decode(&env)
		require.NoError(t, err)

		response := a2a.NewEnvelope(env.Receiver, env.Sender, env.CorrelationID, json.RawMessage(`{"ok":true}`))

		w.Header().Set("Content-Type", "application/json")

		err = json.NewEncoder(w).Encode(response)
		require.NoError(t, err)
	}))
	t.Cleanup(server.Close)

	return server
}

func newCaller(t *testing.T, url string, timeout time.Duration) *a2a.HTTPCaller {
	t.Helper()

	caller, err := a2a.NewHTTPCaller(slog.Default(), []a2a.Target{
		{Name: "risk-assessment", URL: url, Timeout: timeout},
	})
	require.NoError(t, err)

	return caller
}

func TestHTTPCallerRoundTrip(t *testing.T) {
	t.Parallel()

	server := echoServer(t, http.StatusOK)
	caller := newCaller(t, server.URL, time.Second)

	env := a2a.NewEnvelope("engine", "risk-assessment", "corr-1", json.RawMessage(`{"q":1}`))

	response, err := caller.Call(context.Background(), "risk-assessment", env)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", response.CorrelationID)
	assert.Equal(t, a2a.ProtocolVersion, response.ProtocolVersion)
}

func TestHTTPCallerStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		expected error
	}{
		{"server error maps to unreachable", http.StatusInternalServerError, a2a.ErrUnreachable},
		{"unauthorized maps to unauthorized", http.StatusUnauthorized, a2a.ErrUnauthorized},
		{"forbidden maps to unauthorized", http.StatusForbidden, a2a.ErrUnauthorized},
		{"unprocessable maps to bad request", http.StatusUnprocessableEntity, a2a.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := echoServer(t, tt.status)
			caller := newCaller(t, server.URL, time.Second)

			env := a2a.NewEnvelope("engine", "risk-assessment", "corr-2", json.RawMessage(`{}`))

			_, err := caller.Call(context.Background(), "risk-assessment", env)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestHTTPCallerTimesOut(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	caller := newCaller(t, server.URL, 20*time.Millisecond)

	env := a2a.NewEnvelope("engine", "risk-assessment", "corr-3", json.RawMessage(`{}`))

	_, err := caller.Call(context.Background(), "risk-assessment", env)
	require.Error(t, err)
	assert.ErrorIs(t, err, a2a.ErrTimedOut)
}

func TestHTTPCallerRejectsUnknownTarget(t *testing.T) {
	t.Parallel()

	caller := newCaller(t, "http://localhost:0", time.Second)

	env := a2a.NewEnvelope("engine", "nowhere", "corr-4", json.RawMessage(`{}`))

	_, err := caller.Call(context.Background(), "nowhere", env)
	require.Error(t, err)
}

func TestHTTPCallerRequiresTimeout(t *testing.T) {
	t.Parallel()

	_, err := a2a.NewHTTPCaller(slog.Default(), []a2a.Target{
		{Name: "risk-assessment", URL: "http://localhost:1"},
	})
	require.Error(t, err)
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env := a2a.NewEnvelope("engine", "remediation", "corr-5", json.RawMessage(`{"a":1}`))

	assert.Equal(t, a2a.ProtocolVersion, env.ProtocolVersion)
	assert.Equal(t, "engine", env.Sender)
	assert.Equal(t, "remediation", env.Receiver)
	assert.Equal(t, "corr-5", env.CorrelationID)
	assert.NotEmpty(t, env.MessageID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestResponseCacheRetention(t *testing.T) {
	t.Parallel()

	cache := a2a.NewResponseCache(30 * time.Millisecond)

	env := a2a.NewEnvelope("a", "b", "corr-6", json.RawMessage(`{}`))
	cache.Put("corr-6", env)

	cached, ok := cache.Get("corr-6")
	require.True(t, ok)
	assert.Equal(t, env.MessageID, cached.MessageID)

	time.Sleep(50 * time.Millisecond)

	_, ok = cache.Get("corr-6")
	assert.False(t, ok, "entries must age out after the retention window")
}
