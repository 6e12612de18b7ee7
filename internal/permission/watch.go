package permission

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultPolicyDebounce = 200 * time.Millisecond

// PolicyWatcher reloads a gate whenever its policy file changes on disk.
// An edit that fails to parse is logged and the previous role table stays.
type PolicyWatcher struct {
	path     string
	gate     *Gate
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatchPolicyFile starts watching path. The parent directory is watched so
// that editors which replace the file by rename are noticed too.
func WatchPolicyFile(path string, gate *Gate, logger *slog.Logger) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch policy directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pw := &PolicyWatcher{
		path:     abs,
		gate:     gate,
		watcher:  w,
		debounce: defaultPolicyDebounce,
		logger:   logger.With("component", "policy_watcher", "path", abs),
		cancel:   cancel,
	}
	pw.wg.Add(1)
	go pw.run(ctx)
	return pw, nil
}

func (pw *PolicyWatcher) run(ctx context.Context) {
	defer pw.wg.Done()

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		target = filepath.Clean(pw.path)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit bursts; reload once they settle.
			if timer == nil {
				timer = time.NewTimer(pw.debounce)
			} else {
				timer.Reset(pw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			pw.reload()

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (pw *PolicyWatcher) reload() {
	roles, err := LoadPolicyFile(pw.path)
	if err != nil {
		pw.logger.Error("policy reload rejected, keeping previous roles", "error", err)
		return
	}
	pw.gate.Reload(roles)
}

// Close stops watching.
func (pw *PolicyWatcher) Close() error {
	pw.cancel()
	err := pw.watcher.Close()
	pw.wg.Wait()
	return err
}
