//go:build unix

package pidfile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictd.pid")
	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*File
		refused int
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			f, err := Acquire(context.Background(), path)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, f)
			case errors.Is(err, ErrRunning):
				refused++
			default:
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(winners) != 1 || refused != contenders-1 {
		t.Fatalf("winners=%d refused=%d, want 1 and %d", len(winners), refused, contenders-1)
	}
	if err := winners[0].Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAcquireRefusedWhileHeldAndFreeAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictd.pid")
	first, err := Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := Acquire(context.Background(), path); !errors.Is(err, ErrRunning) {
		t.Fatalf("second acquire while held: expected ErrRunning, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := again.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
