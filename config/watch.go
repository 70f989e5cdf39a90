package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Watch polls path and calls onChange with the freshly loaded config
// whenever the file's modification time moves. The first call happens only
// after a change; load the initial config with Load. Parse errors keep the
// previous config in effect.
func Watch(ctx context.Context, path string, interval time.Duration, logger *slog.Logger, onChange func(*Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("system", "config")

	var lastMod time.Time
	if st, err := os.Stat(path); err == nil {
		lastMod = st.ModTime()
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		st, err := os.Stat(path)
		if err != nil {
			logger.Warn("config file stat failed", "path", path, "err", err)
			continue
		}
		if !st.ModTime().After(lastMod) {
			continue
		}
		lastMod = st.ModTime()

		cfg, err := Load(path)
		if err != nil {
			logger.Error("config reload failed, keeping previous", "err", err)
			continue
		}
		logger.Info("config reloaded", "rooms", len(cfg.Rooms))
		onChange(cfg)
	}
}
