package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "slack"})
	assert.Equal(t, StateClosed, b.GetState())
	assert.Equal(t, "slack", b.Name())
	assert.Equal(t, 5, b.failureThreshold)
	assert.Equal(t, 2, b.successThreshold)
	assert.Equal(t, 30*time.Second, b.openTimeout)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow(), "should still be closed below threshold")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenLifecycle(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
		Now:              clock.Now,
	})

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Minute + time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState(), "not yet at success threshold")
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	type transition struct {
		name     string
		from, to State
	}
	var transitions []transition
	b := New(Config{
		Name:             "webhook",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, transition{name, from, to})
		},
	})

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(2 * time.Minute)
	_ = b.Allow()
	b.RecordSuccess()

	assert.Equal(t, []transition{
		{"webhook", StateClosed, StateOpen},
		{"webhook", StateOpen, StateHalfOpen},
		{"webhook", StateHalfOpen, StateClosed},
	}, transitions)
}

func TestBreaker_Execute(t *testing.T) {
	b := New(Config{FailureThreshold: 2, OpenTimeout: time.Hour})
	boom := errors.New("boom")

	calls := 0
	fail := func(context.Context) error { calls++; return boom }
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.ErrorIs(t, b.Execute(ctx, fail), ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker must not invoke fn")
}

func TestBreaker_ExecuteIgnoresCancelledCalls(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.GetState(), "shutdown must not trip the breaker")
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(2 * time.Minute)

	require.NoError(t, b.Allow(), "first probe admitted")
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "second caller waits for the probe outcome")

	b.RecordSuccess()
	require.NoError(t, b.Allow(), "next probe admitted after success")
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow(), "closed breaker admits concurrent calls")
}

func TestBreaker_CancelledProbeFreesSlot(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Minute, Now: clock.Now})
	b.RecordFailure()
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })

	assert.Equal(t, StateHalfOpen, b.GetState())
	require.NoError(t, b.Allow(), "abandoned probe must not hold the slot")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{FailureThreshold: 10, SuccessThreshold: 5, OpenTimeout: time.Millisecond})

	const goroutines = 20
	const iterations = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				switch id % 4 {
				case 0:
					b.RecordSuccess()
				case 1:
					b.RecordFailure()
				case 2:
					_ = b.Allow()
				case 3:
					_ = b.GetState()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, b.GetState())
}
