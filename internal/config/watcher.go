package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadKind says which watched file changed.
type ReloadKind int

const (
	ReloadConfig ReloadKind = iota + 1
	ReloadPrompt
)

func (k ReloadKind) String() string {
	switch k {
	case ReloadConfig:
		return "config"
	case ReloadPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

type ReloadEvent struct {
	Path string
	Kind ReloadKind
	Op   fsnotify.Op
}

// Watcher watches the home directory and reports writes to config.yaml and
// PROMPT.md. Watching the directory instead of the files keeps working when
// an editor replaces the file by rename.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
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
		_ = fsw.Close()
		return err
	}

	kinds := map[string]ReloadKind{
		filepath.Clean(ConfigPath(w.homeDir)): ReloadConfig,
		filepath.Clean(PromptPath(w.homeDir)): ReloadPrompt,
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				kind, watched := kinds[filepath.Clean(ev.Name)]
				if !watched {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Kind: kind, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "kind", kind.String(), "op", ev.Op.String())
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
