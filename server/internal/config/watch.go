package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Runtime holds the settings that may change while the server runs. Sessions
// read them when they are created, so a reload never alters a live session.
type Runtime struct {
	level *slog.LevelVar
	rate  atomic.Pointer[RateLimitConfig]
}

// NewRuntime seeds a Runtime from cfg. The returned LevelVar should back the
// process logger so reloads change verbosity in place.
func NewRuntime(cfg *Config) *Runtime {
	rt := &Runtime{level: new(slog.LevelVar)}
	rt.Apply(cfg)
	return rt
}

// Level returns the LevelVar to hand to a slog handler.
func (rt *Runtime) Level() *slog.LevelVar { return rt.level }

// RateLimit returns the rate limit for newly created sessions.
func (rt *Runtime) RateLimit() RateLimitConfig { return *rt.rate.Load() }

// Apply copies the reloadable settings of cfg into rt.
func (rt *Runtime) Apply(cfg *Config) {
	lvl, err := ParseLevel(cfg.Server.LogLevel)
	if err == nil {
		rt.level.Set(lvl)
	}
	rl := cfg.Server.WebSocket.RateLimit
	rt.rate.Store(&rl)
}

// Watch monitors path and applies every successfully parsed revision to rt
// until ctx is cancelled. The parent directory is watched so that editors
// saving via rename are picked up. A revision that fails to parse or validate
// is logged and ignored; the previous settings stay active.
func Watch(ctx context.Context, path string, rt *Runtime) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(abs)
			if err != nil {
				slog.Error("config: reload failed, keeping previous settings",
					"path", abs, "err", err)
				continue
			}

			before := rt.RateLimit()
			rt.Apply(cfg)
			slog.Info("config: reloaded",
				"path", abs,
				"log_level", rt.level.Level().String(),
				"rate_burst", cfg.Server.WebSocket.RateLimit.Burst,
				"rate_changed", before != cfg.Server.WebSocket.RateLimit,
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
