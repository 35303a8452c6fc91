package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Success(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return NonRetryable(errors.New("bad credentials"))
	})

	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
	assert.Nil(t, NonRetryable(nil))
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_MaxDelay(t *testing.T) {
	cfg := Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   10.0,
	}

	start := time.Now()
	_ = Do(context.Background(), cfg, func() error {
		return errors.New("error")
	})
	elapsed := time.Since(start)

	// 10ms + 25ms + 25ms
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestRetry_InvalidConfig(t *testing.T) {
	fn := func() error { return nil }

	assert.Error(t, Do(context.Background(), Config{InitialDelay: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{MaxDelay: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{Multiplier: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, fn))
}

func TestRetry_WithResult(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	result, err := DoWithResult(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not ready")
		}
		return "success", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 3, attempts)
}

func TestRetry_Presets(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.AddJitter)

	quick := Quick()
	assert.Equal(t, 10, quick.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, quick.InitialDelay)
	assert.Equal(t, 1*time.Second, quick.MaxDelay)
}

func TestForever_RetriesUntilSuccess(t *testing.T) {
	var seen []int
	attempts := 0
	err := Forever(context.Background(), time.Millisecond, func() error {
		attempts++
		if attempts < 4 {
			return errors.New("stream not found")
		}
		return nil
	}, func(_ error, attempt int) {
		seen = append(seen, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestForever_FixedInterval(t *testing.T) {
	attempts := 0
	start := time.Now()
	_ = Forever(context.Background(), 20*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not ready")
		}
		return nil
	}, nil)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestForever_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := Forever(ctx, 5*time.Millisecond, func() error {
		return errors.New("still missing")
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForever_NoAttemptAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Forever(ctx, time.Millisecond, func() error {
		called = true
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestForever_NonRetryable(t *testing.T) {
	err := Forever(context.Background(), time.Millisecond, func() error {
		return NonRetryable(errors.New("stop"))
	}, nil)
	assert.True(t, IsNonRetryable(err))

	assert.Error(t, Forever(context.Background(), -1, func() error { return nil }, nil))
}

func TestForeverWithResult(t *testing.T) {
	n := 0
	v, err := ForeverWithResult(context.Background(), time.Millisecond, func() (int, error) {
		n++
		if n < 2 {
			return 0, errors.New("again")
		}
		return 42, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReporter_ReportsOncePerTransition(t *testing.T) {
	r := NewReporter(nil)

	notFound := errors.New("not found")
	notReady := errors.New("not ready")

	assert.True(t, r.ShouldReport(notFound))
	assert.False(t, r.ShouldReport(notFound))
	assert.False(t, r.ShouldReport(errors.New("not found")))
	assert.True(t, r.ShouldReport(notReady))
	assert.True(t, r.ShouldReport(notFound))
	assert.False(t, r.ShouldReport(nil))

	r.Reset()
	assert.True(t, r.ShouldReport(notFound))
}

func TestReporter_CustomKey(t *testing.T) {
	r := NewReporter(func(error) string { return "same" })

	assert.True(t, r.ShouldReport(errors.New("a")))
	assert.False(t, r.ShouldReport(errors.New("b")))
}

func BenchmarkRetry_Success(b *testing.B) {
	ctx := context.Background()
	cfg := Config{MaxAttempts: 1, InitialDelay: time.Millisecond}

	for i := 0; i < b.N; i++ {
		_ = Do(ctx, cfg, func() error {
			return nil
		})
	}
}
