package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/predictd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestRealSleepHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := clock.Real{}.Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancelled sleep took %v", elapsed)
	}
}

func TestRealSleepSleepsAtLeastDuration(t *testing.T) {
	t.Parallel()

	start := time.Now()
	if err := (clock.Real{}).Sleep(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("sleep duration too short: %v", elapsed)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	early := m.After(10 * time.Millisecond)
	late := m.After(time.Second)
	if got := m.Pending(); got != 2 {
		t.Fatalf("pending=%d want 2", got)
	}
	m.Advance(10 * time.Millisecond)
	select {
	case at := <-early:
		if !at.Equal(start.Add(10 * time.Millisecond)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("pending=%d want 1", got)
	}
}

func TestManualSleepUnblocksOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Now())
	done := make(chan error, 1)
	go func() {
		done <- m.Sleep(context.Background(), 50*time.Millisecond)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.WaitForTimer(ctx); err != nil {
		t.Fatalf("wait for timer: %v", err)
	}
	m.Advance(50 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sleep: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleep did not return after advance")
	}
}
