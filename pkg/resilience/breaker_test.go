package resilience_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/secflow-io/secflow/pkg/resilience"
)

func testBreaker(cooldown time.Duration) *resilience.Breaker {
	return resilience.NewBreaker("test-target", resilience.BreakerConfig{
		FailureThreshold:   3,
		InitialCooldown:    cooldown,
		MaxCooldown:        time.Minute,
		CooldownMultiplier: 2.0,
	}, slog.Default())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	breaker := testBreaker(time.Minute)

	assert.True(t, breaker.Allow())
	breaker.RecordFailure()
	assert.Equal(t, resilience.StateClosed, breaker.State())

	breaker.RecordFailure()
	assert.Equal(t, resilience.StateClosed, breaker.State())

	breaker.RecordFailure()
	assert.Equal(t, resilience.StateOpen, breaker.State())

	// Open breaker fails fast.
	assert.False(t, breaker.Allow())
	assert.False(t, breaker.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	breaker := testBreaker(time.Minute)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()
	breaker.RecordFailure()
	breaker.RecordFailure()

	// Failures are no longer consecutive, so the breaker stays closed.
	assert.Equal(t, resilience.StateClosed, breaker.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	breaker := testBreaker(10 * time.Millisecond)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.Equal(t, resilience.StateOpen, breaker.State())

	time.Sleep(20 * time.Millisecond)

	// One probe is allowed through; a second concurrent call is not.
	assert.True(t, breaker.Allow())
	assert.Equal(t, resilience.StateHalfOpen, breaker.State())
	assert.False(t, breaker.Allow())

	breaker.RecordSuccess()
	assert.Equal(t, resilience.StateClosed, breaker.State())
	assert.True(t, breaker.Allow())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	breaker := testBreaker(10 * time.Millisecond)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordFailure()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, breaker.Allow())

	breaker.RecordFailure()
	assert.Equal(t, resilience.StateOpen, breaker.State())

	// Cooldown doubled, so the original window is not enough.
	time.Sleep(15 * time.Millisecond)
	assert.False(t, breaker.Allow())
}

func TestRegistryReturnsSameBreakerPerTarget(t *testing.T) {
	t.Parallel()

	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig(), slog.Default())

	a := registry.For("risk-assessment")
	b := registry.For("risk-assessment")
	c := registry.For("remediation")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
