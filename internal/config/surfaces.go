package config

import (
	"encoding/json"
	"io"
	"os"
)

// DefaultInFlightCap is used when no level of the resolution chain names a
// cap for the requester, matching the original's DEFAULT_IN_FLIGHT_GEN_CAP.
const DefaultInFlightCap = 3

// SurfaceRecord is one entry in the channels/categories/guilds maps: a
// small per-surface policy record.
type SurfaceRecord struct {
	InFlightCap    *int `json:"in_flight_cap,omitempty"`
	RequiresSpoiler bool `json:"requires_spoiler,omitempty"`
	Supported      bool `json:"supported"`
}

// SurfaceConfig is the static, read-only-for-process-lifetime mapping of
// channel/category/guild ids to caps and per-surface policy, loaded once
// at startup (spec.md §3's Config data model). Grounded on the original's
// discord_config.py, extended one level (category between channel and
// guild) per SPEC_FULL.md §6.
type SurfaceConfig struct {
	Channels  map[string]SurfaceRecord `json:"channels"`
	Categories map[string]SurfaceRecord `json:"categories"`
	Guilds    map[string]SurfaceRecord `json:"guilds"`

	// UserInFlightCap overrides resolution entirely when present for a
	// given user id — the original's top-level `in_flight_cap` map keyed
	// by user id (plus the literal key "default").
	UserInFlightCap map[string]int `json:"in_flight_cap"`
}

// LoadSurfaceConfig reads and parses a SurfaceConfig from a JSON file. It
// is read once at startup and never written by this process.
func LoadSurfaceConfig(path string) (*SurfaceConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSurfaceConfig(f)
}

// ParseSurfaceConfig decodes a SurfaceConfig from an arbitrary reader, used
// by LoadSurfaceConfig and directly by tests.
func ParseSurfaceConfig(r io.Reader) (*SurfaceConfig, error) {
	var cfg SurfaceConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Channels == nil {
		cfg.Channels = map[string]SurfaceRecord{}
	}
	if cfg.Categories == nil {
		cfg.Categories = map[string]SurfaceRecord{}
	}
	if cfg.Guilds == nil {
		cfg.Guilds = map[string]SurfaceRecord{}
	}
	if cfg.UserInFlightCap == nil {
		cfg.UserInFlightCap = map[string]int{}
	}
	return &cfg, nil
}

// IsSupported reports whether the given channel id is configured for
// generation at all.
func (c *SurfaceConfig) IsSupported(channelID string) bool {
	rec, ok := c.Channels[channelID]
	return ok && rec.Supported
}

// RequiresSpoilerTag reports whether results posted to this channel must
// be wrapped in a spoiler marker (spec.md §4.6).
func (c *SurfaceConfig) RequiresSpoilerTag(channelID string) bool {
	return c.Channels[channelID].RequiresSpoiler
}

// InFlightCap resolves the per-user in-flight generation cap in priority
// order: user-specific -> channel-specific -> category-specific ->
// guild-specific -> default (spec.md §3, tested by SPEC_FULL.md's config
// lookup scenario).
func (c *SurfaceConfig) InFlightCap(userID, channelID, categoryID, guildID string) int {
	if cap, ok := c.UserInFlightCap[userID]; ok {
		return cap
	}
	if rec, ok := c.Channels[channelID]; ok && rec.InFlightCap != nil {
		return *rec.InFlightCap
	}
	if rec, ok := c.Categories[categoryID]; ok && rec.InFlightCap != nil {
		return *rec.InFlightCap
	}
	if rec, ok := c.Guilds[guildID]; ok && rec.InFlightCap != nil {
		return *rec.InFlightCap
	}
	if def, ok := c.UserInFlightCap["default"]; ok {
		return def
	}
	return DefaultInFlightCap
}
