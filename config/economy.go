package config

import (
	"sync"
	"time"
)

// Economy defaults applied when a guild has no override.
const (
	DefaultMessageReward   = 0.5
	DefaultEarnCooldownSec = 60
)

// GuildEconomy is the per-guild earning tuning.
type GuildEconomy struct {
	EarningEnabled bool    `json:"earning_enabled"`
	MessageReward  float64 `json:"message_reward"`
	CooldownSec    int     `json:"cooldown_sec"`
}

// EconomyConfig persists per-guild economy overrides plus the global
// defaults used when no override exists.
type EconomyConfig struct {
	mu   sync.Mutex
	path string
	doc  economyDoc
}

type economyDoc struct {
	Default GuildEconomy            `json:"default"`
	Guilds  map[string]GuildEconomy `json:"guilds"`
}

// OpenEconomyConfig loads (or initializes) the economy config at path.
func OpenEconomyConfig(path string) (*EconomyConfig, error) {
	c := &EconomyConfig{
		path: path,
		doc: economyDoc{
			Default: GuildEconomy{
				EarningEnabled: true,
				MessageReward:  DefaultMessageReward,
				CooldownSec:    DefaultEarnCooldownSec,
			},
			Guilds: make(map[string]GuildEconomy),
		},
	}
	if err := loadJSON(path, &c.doc); err != nil {
		return nil, err
	}
	if c.doc.Guilds == nil {
		c.doc.Guilds = make(map[string]GuildEconomy)
	}
	if c.doc.Default.MessageReward <= 0 {
		c.doc.Default.MessageReward = DefaultMessageReward
	}
	if c.doc.Default.CooldownSec <= 0 {
		c.doc.Default.CooldownSec = DefaultEarnCooldownSec
	}
	return c, nil
}

// Guild returns the effective settings for a guild, falling back to the
// defaults when no override exists or an override field is unset.
func (c *EconomyConfig) Guild(guildID string) GuildEconomy {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.doc.Guilds[guildID]
	if !ok {
		return c.doc.Default
	}
	if g.MessageReward <= 0 {
		g.MessageReward = c.doc.Default.MessageReward
	}
	if g.CooldownSec <= 0 {
		g.CooldownSec = c.doc.Default.CooldownSec
	}
	return g
}

// Cooldown returns the effective earning cooldown for a guild.
func (c *EconomyConfig) Cooldown(guildID string) time.Duration {
	return time.Duration(c.Guild(guildID).CooldownSec) * time.Second
}

// SetGuild stores a guild override and persists immediately.
func (c *EconomyConfig) SetGuild(guildID string, g GuildEconomy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc.Guilds[guildID] = g
	return saveJSON(c.path, &c.doc)
}
