package resilience_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow-io/secflow/pkg/a2a"
	"github.com/secflow-io/secflow/pkg/resilience"
)

type stubCaller struct {
	calls int
	err   error
}

func (s *stubCaller) Call(_ context.Context, _ string, env a2a.Envelope) (*a2a.Envelope, error) {
	s.calls++

	if s.err != nil {
		return nil, s.err
	}

	response := a2a.NewEnvelope("collaborator", env.Sender, env.CorrelationID, json.RawMessage(`{}`))

	return &response, nil
}

func newTestClient(caller a2a.Caller, cache *a2a.ResponseCache) *resilience.Client {
	registry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold:   3,
		InitialCooldown:    time.Minute,
		MaxCooldown:        time.Minute,
		CooldownMultiplier: 2.0,
	}, slog.Default())

	return resilience.NewClient(caller, nil, registry, fastPolicy(), cache, slog.Default())
}

func TestClientCallFailsFastWhenBreakerOpen(t *testing.T) {
	t.Parallel()

	caller := &stubCaller{err: fmt.Errorf("%w: down", a2a.ErrUnreachable)}
	client := newTestClient(caller, nil)

	env := a2a.NewEnvelope("engine", "risk-assessment", "corr-1", json.RawMessage(`{}`))

	// One exhausted retry round records three failures and opens the breaker.
	_, err := client.Call(context.Background(), "risk-assessment", env)
	require.Error(t, err)
	assert.Equal(t, 3, caller.calls)
	assert.Equal(t, resilience.StateOpen, client.BreakerState("risk-assessment"))

	// The next call fails fast without touching the transport.
	_, err = client.Call(context.Background(), "risk-assessment", env)
	require.Error(t, err)
	assert.ErrorIs(t, err, a2a.ErrUnreachable)
	assert.Equal(t, 3, caller.calls)
}

func TestClientCallDoesNotTripBreakerOnBadRequest(t *testing.T) {
	t.Parallel()

	caller := &stubCaller{err: fmt.Errorf("%w: rejected", a2a.ErrBadRequest)}
	client := newTestClient(caller, nil)

	env := a2a.NewEnvelope("engine", "risk-assessment", "corr-2", json.RawMessage(`{}`))

	_, err := client.Call(context.Background(), "risk-assessment", env)
	require.Error(t, err)
	assert.Equal(t, 1, caller.calls)
	assert.Equal(t, resilience.StateClosed, client.BreakerState("risk-assessment"))
}

func TestClientCallReleasesProbeAfterNonRetryableResult(t *testing.T) {
	t.Parallel()

	caller := &stubCaller{err: fmt.Errorf("%w: down", a2a.ErrUnreachable)}

	registry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold:   3,
		InitialCooldown:    time.Millisecond,
		MaxCooldown:        time.Millisecond,
		CooldownMultiplier: 2.0,
	}, slog.Default())
	client := resilience.NewClient(caller, nil, registry, fastPolicy(), nil, slog.Default())

	env := a2a.NewEnvelope("engine", "risk-assessment", "corr-4", json.RawMessage(`{}`))

	_, err := client.Call(context.Background(), "risk-assessment", env)
	require.Error(t, err)
	require.Equal(t, resilience.StateOpen, client.BreakerState("risk-assessment"))

	time.Sleep(5 * time.Millisecond)

	// The half-open probe reaches the collaborator but gets rejected. The
	// collaborator answered, so the probe slot must be released rather than
	// left reserved forever.
	caller.err = fmt.Errorf("%w: rejected", a2a.ErrBadRequest)
	_, err = client.Call(context.Background(), "risk-assessment", env)
	require.Error(t, err)
	assert.ErrorIs(t, err, a2a.ErrBadRequest)
	assert.Equal(t, resilience.StateClosed, client.BreakerState("risk-assessment"))

	// A healthy call now goes straight through.
	caller.err = nil
	_, err = client.Call(context.Background(), "risk-assessment", env)
	require.NoError(t, err)
}

func TestClientCallReturnsCachedResponseForReissuedCorrelationID(t *testing.T) {
	t.Parallel()

	caller := &stubCaller{}
	client := newTestClient(caller, a2a.NewResponseCache(time.Minute))

	env := a2a.NewEnvelope("engine", "risk-assessment", "corr-3", json.RawMessage(`{}`))

	first, err := client.Call(context.Background(), "risk-assessment", env)
	require.NoError(t, err)
	assert.Equal(t, 1, caller.calls)

	reissued, err := client.Call(context.Background(), "risk-assessment", env)
	require.NoError(t, err)
	assert.Equal(t, 1, caller.calls, "reissued call must not hit the transport")
	assert.Equal(t, first.MessageID, reissued.MessageID)
}
