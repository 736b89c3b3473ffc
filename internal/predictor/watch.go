package predictor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/predictd/internal/loggingutil"
)

// DefaultReloadDebounce coalesces bursts of file events from editors and
// atomic renames into one reload.
const DefaultReloadDebounce = 200 * time.Millisecond

// ModelSetter receives reloaded models.
type ModelSetter interface {
	SetModel(*Model) error
}

// Watcher reloads a model file when it changes on disk. A model that fails to
// load or validate is logged and the previous model stays active.
type Watcher struct {
	path     string
	gateway  *Gateway
	target   ModelSetter
	logger   pslog.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// WatchModel starts watching path. The parent directory is watched so renames
// over the file are seen. Swaps run under the gateway lock.
func WatchModel(ctx context.Context, path string, gateway *Gateway, target ModelSetter, logger pslog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("predictor: resolve model path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("predictor: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("predictor: watch %q: %w", filepath.Dir(abs), err)
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:     abs,
		gateway:  gateway,
		target:   target,
		logger:   loggingutil.WithSubsystem(logger, "predictor.watch"),
		debounce: DefaultReloadDebounce,
		fsw:      fsw,
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	w.logger.Info("predictd.predictor.watching", "path", abs)
	go w.run(ctx)
	return w, nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		}
		timerCh = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("predictd.predictor.watch_error", "error", err)
		case <-timerCh:
			timerCh = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	model, err := LoadModel(w.path)
	if err != nil {
		w.gateway.metrics.recordReload(ctx, false)
		w.logger.Warn("predictd.predictor.reload_failed", "path", w.path, "error", err)
		return
	}
	w.gateway.Exclusive(func() {
		err = w.target.SetModel(model)
	})
	if err != nil {
		w.gateway.metrics.recordReload(ctx, false)
		w.logger.Warn("predictd.predictor.reload_rejected", "path", w.path, "error", err)
		return
	}
	w.gateway.metrics.recordReload(ctx, true)
	w.logger.Info("predictd.predictor.reloaded", "path", w.path, "name", model.Name)
}
