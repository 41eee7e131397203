package throttle_test

import (
	"context"
	"testing"
	"time"

	"mcptelegram/internal/infra/throttle"
)

func TestSleepCompletes(t *testing.T) {
	t.Parallel()

	start := time.Now()
	if !throttle.Sleep(context.Background(), 10*time.Millisecond) {
		t.Fatal("Sleep() reported interruption without cancellation")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Sleep() returned after %v, want >= 10ms", elapsed)
	}
}

func TestSleepInterruptedByCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if throttle.Sleep(ctx, time.Hour) {
		t.Fatal("Sleep() was not interrupted by cancellation")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("interrupted Sleep() took %v", elapsed)
	}
}

func TestSleepZeroDuration(t *testing.T) {
	t.Parallel()

	if !throttle.Sleep(context.Background(), 0) {
		t.Fatal("Sleep(0) must succeed on a live context")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if throttle.Sleep(ctx, 0) {
		t.Fatal("Sleep(0) must fail on a cancelled context")
	}
}

func TestSleepJitterStaysInRange(t *testing.T) {
	t.Parallel()

	base, spread := 5*time.Millisecond, 10*time.Millisecond
	for i := 0; i < 5; i++ {
		start := time.Now()
		if !throttle.SleepJitter(context.Background(), base, spread) {
			t.Fatal("SleepJitter() reported interruption")
		}
		if elapsed := time.Since(start); elapsed < base {
			t.Fatalf("SleepJitter() returned after %v, want >= %v", elapsed, base)
		}
	}
}
