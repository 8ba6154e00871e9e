package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HotConfig holds the live Config and swaps it in place when the file on
// disk changes, so long-running games pick up operator edits without a
// restart.
type HotConfig struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
	subs []func(*Config)
}

func NewHotConfig(path string) (*HotConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &HotConfig{cfg: cfg, path: path}, nil
}

func (hc *HotConfig) Get() *Config {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.cfg
}

// OnReload registers a callback invoked with each successfully reloaded
// Config. Register before calling Watch.
func (hc *HotConfig) OnReload(fn func(*Config)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.subs = append(hc.subs, fn)
}

func (hc *HotConfig) reload() {
	cfg, err := Load(hc.path)
	if err != nil {
		// A half-saved or invalid edit keeps the previous config live.
		slog.Error("config reload failed, keeping previous config", "path", hc.path, "err", err)
		return
	}

	hc.mu.Lock()
	hc.cfg = cfg
	subs := hc.subs
	hc.mu.Unlock()

	slog.Info("config reloaded", "path", hc.path, "games", len(cfg.Games))
	for _, fn := range subs {
		fn(cfg)
	}
}

// Watch starts watching the config file and reloads on every write,
// debounced so editors that write in multiple syscalls trigger one reload.
func (hc *HotConfig) Watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("config watcher failed", "err", err)
		return
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(200*time.Millisecond, hc.reload)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "err", err)
			}
		}
	}()

	if err := watcher.Add(hc.path); err != nil {
		slog.Error("watch config file failed", "path", hc.path, "err", err)
	}
}
