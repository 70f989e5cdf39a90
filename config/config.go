// Package config loads the capture configuration from a JSONC file: the
// room list, filter command sets, upload endpoints, and retention windows.
// The file is read-only to the daemon; edits are picked up by the watcher
// and drive room-set reconciliation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/roomcap/roomcap/models"
)

type Room struct {
	ID       int64 `json:"id"`
	Disabled bool  `json:"disabled,omitempty"`
	Notify   bool  `json:"notify,omitempty"`
}

type Config struct {
	Rooms []Room `json:"rooms"`

	IgnoreCommands []string `json:"ignore_commands"`
	DedupCommands  []string `json:"dedup_commands"`

	Endpoints           []string `json:"endpoints"`
	PageSize            int      `json:"page_size"`
	FetchTimeoutSeconds int      `json:"fetch_timeout_seconds"`

	// archive retention per record kind, in days
	RetentionDays          map[string]int `json:"retention_days"`
	UploadLogRetentionDays int            `json:"upload_log_retention_days"`
	SnapshotRetentionDays  int            `json:"snapshot_retention_days"`

	// viewer identity; zero values fall back to network resolution
	UID      int64  `json:"uid"`
	DeviceID string `json:"device_id"`
}

func DefaultConfig() *Config {
	return &Config{
		IgnoreCommands:      []string{"promo_broadcast"},
		DedupCommands:       []string{"online_count", "watched_change", "online_rank"},
		PageSize:            20000,
		FetchTimeoutSeconds: 25,
		RetentionDays: map[string]int{
			models.KindDirect:  14,
			models.KindRelayed: 7,
		},
		UploadLogRetentionDays: 7,
		SnapshotRetentionDays:  14,
	}
}

// Load reads path and overlays it on the defaults. Comments and trailing
// commas are allowed.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(jsonc.ToJSON(raw), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive")
	}
	if c.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch_timeout_seconds must be positive")
	}
	seen := make(map[int64]bool, len(c.Rooms))
	for _, r := range c.Rooms {
		if r.ID <= 0 {
			return fmt.Errorf("room id %d is not valid", r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("room %d listed twice", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// EnabledRoomIDs returns the ids of rooms not marked disabled, in file
// order.
func (c *Config) EnabledRoomIDs() []int64 {
	out := make([]int64, 0, len(c.Rooms))
	for _, r := range c.Rooms {
		if !r.Disabled {
			out = append(out, r.ID)
		}
	}
	return out
}

// NotifyRooms returns the ids with live-start notifications enabled.
func (c *Config) NotifyRooms() map[int64]bool {
	out := make(map[int64]bool)
	for _, r := range c.Rooms {
		if r.Notify && !r.Disabled {
			out[r.ID] = true
		}
	}
	return out
}

// FetchTimeout returns the configured fetch bound as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}
