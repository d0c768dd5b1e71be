package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadable names the files under the home directory whose edits
// trigger a reload event. Everything else in the directory is ignored.
var reloadable = map[string]bool{
	"config.yaml": true,
	"PERSONA.md":  true,
}

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits reload events when config.yaml or PERSONA.md change on disk.
// The orchestrator subscribes to pick up persona edits without a restart.
//
// It watches the home directory rather than the files themselves: editors
// that save via rename-replace (vim, sed -i) swap the inode, and a watch on
// the old inode would go silent after the first save.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		debounce: 200 * time.Millisecond,
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		// A save can surface as a burst of Create/Write/Rename events.
		// Hold the latest one until the burst goes quiet, then emit once.
		var pending *ReloadEvent
		var timer *time.Timer
		var fire <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !reloadable[filepath.Base(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = &ReloadEvent{Path: ev.Name, Op: ev.Op}
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
				fire = timer.C
			case <-fire:
				fire = nil
				if pending == nil {
					continue
				}
				select {
				case w.events <- *pending:
				default:
				}
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
				pending = nil
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
