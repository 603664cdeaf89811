package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/tlsession/pkg/tlsession"
)

const reloadDebounce = 100 * time.Millisecond

// FileSettingsProvider serves tlsession settings from a file and republishes
// them whenever the file changes.
type FileSettingsProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	settings    tlsession.Settings
	subscribers []chan tlsession.Settings
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewFileSettingsProvider loads path and starts watching it. Unlike a
// reload, the initial load must succeed.
func NewFileSettingsProvider(path string, logger *slog.Logger) (*FileSettingsProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileSettingsProvider{
		path:   absPath,
		logger: logger.With("component", "settings_provider", "path", absPath),
	}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// The directory is watched so that editors replacing the file are seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the most recently loaded settings.
func (p *FileSettingsProvider) Current() tlsession.Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append(tlsession.Settings(nil), p.settings...)
}

// Subscribe returns a channel that receives the current settings
// immediately and every reload after that. A subscriber that has not drained
// its previous value misses the update.
func (p *FileSettingsProvider) Subscribe() <-chan tlsession.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan tlsession.Settings, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- append(tlsession.Settings(nil), p.settings...)
	return ch
}

// Close stops the watcher.
func (p *FileSettingsProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileSettingsProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(reloadDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.load(); err != nil {
						p.logger.Warn("Settings reload failed; keeping previous settings", "error", err)
						return
					}
					p.logger.Info("Settings reloaded")
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (p *FileSettingsProvider) load() error {
	settings, err := LoadSettings(p.path)
	if err != nil {
		return err
	}
	settings, err = ApplyEnv(settings, os.LookupEnv)
	if err != nil {
		return err
	}
	if err := ValidateSettings(settings); err != nil {
		return fmt.Errorf("invalid settings in %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.settings = settings
	subscribers := make([]chan tlsession.Settings, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- append(tlsession.Settings(nil), settings...):
		default:
		}
	}
	return nil
}
