package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, SuccessThreshold: 1, CooldownPeriod: time.Hour, MaxHalfOpen: 1})

	for i := 0; i < 2; i++ {
		err := b.Execute(func() error { return errors.New("boom") })
		require.Error(t, err)
	}
	state, _ := b.Stats()
	assert.Equal(t, StateClosed, state)

	err := b.Execute(func() error { return errors.New("boom") })
	require.Error(t, err)
	state, _ = b.Stats()
	assert.Equal(t, StateOpen, state)

	err = b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_RecoversAfterCooldown(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, CooldownPeriod: 10 * time.Millisecond, MaxHalfOpen: 1})

	err := b.Execute(func() error { return errors.New("boom") })
	require.Error(t, err)
	state, _ := b.Stats()
	require.Equal(t, StateOpen, state)

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	state, _ = b.Stats()
	assert.Equal(t, StateHalfOpen, state)

	require.NoError(t, b.Execute(func() error { return nil }))
	state, _ = b.Stats()
	assert.Equal(t, StateClosed, state)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, CooldownPeriod: 10 * time.Millisecond, MaxHalfOpen: 1})

	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, b.Execute(func() error { return errors.New("still failing") }))
	state, _ := b.Stats()
	assert.Equal(t, StateOpen, state)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, SuccessThreshold: 1, CooldownPeriod: time.Hour, MaxHalfOpen: 1})

	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	require.NoError(t, b.Execute(func() error { return nil }))

	_, failures := b.Stats()
	assert.Equal(t, 0, failures)
}
