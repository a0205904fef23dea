package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errHandshake = errors.New("no key for rank")

func fail() error    { return errHandshake }
func succeed() error { return nil }

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		threshold     uint32
		attempts      []func() error
		expectedState State
	}{
		{"stays closed on successes", 3, []func() error{succeed, succeed, succeed}, StateClosed},
		{"opens after consecutive failures", 3, []func() error{fail, fail, fail}, StateOpen},
		{"success resets the run", 3, []func() error{fail, fail, succeed, fail, fail}, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("connect", Settings{Threshold: tt.threshold, Timeout: time.Minute})
			for _, fn := range tt.attempts {
				_ = b.Do(fn)
			}
			assert.Equal(t, tt.expectedState, b.State())
		})
	}
}

func TestBreakerFailsFastWhenOpen(t *testing.T) {
	b := New("connect", Settings{Threshold: 2, Timeout: time.Minute})
	require.ErrorIs(t, b.Do(fail), errHandshake)
	require.ErrorIs(t, b.Do(fail), errHandshake)

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Do(succeed))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	var transitions []string
	b := New("connect", Settings{
		Threshold: 1,
		Timeout:   20 * time.Millisecond,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = b.Do(fail)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// the probe fails, back to open
	_ = b.Do(fail)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Do(succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"closed->open", "open->half-open", "half-open->open",
		"open->half-open", "half-open->closed",
	}, transitions)
}

func TestBreakerIgnoresUncountedErrors(t *testing.T) {
	b := New("connect", Settings{
		Threshold: 1,
		IsFailure: func(err error) bool { return errors.Is(err, errHandshake) },
	})

	_ = b.Do(func() error { return context.Canceled })
	_ = b.Do(func() error { return errors.New("pipeline refused a port") })
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(2), b.Counts().Attempts)
	assert.Equal(t, uint32(0), b.Counts().Failures)

	_ = b.Do(fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCountsPanics(t *testing.T) {
	b := New("connect", Settings{Threshold: 1})
	assert.Panics(t, func() {
		_ = b.Do(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}
