// Package config loads and validates the gateway's YAML configuration.
// Decoding is strict: unknown keys fail fast so a typo in an allowlist or
// limit never silently becomes "no limit".
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const SupportedVersion = 1

type Config struct {
	Version int      `yaml:"version"`
	Gateway Gateway  `yaml:"gateway"`
	Tenants []Tenant `yaml:"tenants"`
}

type Gateway struct {
	Listen              string    `yaml:"listen"`
	PingIntervalMS      int       `yaml:"ping_interval_ms"`
	IdleTimeoutMS       int       `yaml:"idle_timeout_ms"`
	WriterSendTimeoutMS int       `yaml:"writer_send_timeout_ms"`
	DrainGraceMS        int       `yaml:"drain_grace_ms"`
	SendQueueLen        int       `yaml:"send_queue_len"`
	Handshake           Handshake `yaml:"handshake"`
	Guard               Guard     `yaml:"guard"`
}

// Handshake configures the pre-upgrade DoS defender.
type Handshake struct {
	Enabled      bool `yaml:"enabled"`
	GlobalRPS    int  `yaml:"global_rps"`
	GlobalBurst  int  `yaml:"global_burst"`
	PerIPRPS     int  `yaml:"per_ip_rps"`
	PerIPBurst   int  `yaml:"per_ip_burst"`
	MaxIPEntries int  `yaml:"max_ip_entries"`
}

// Guard configures host-resource admission (CPU/memory sampling).
type Guard struct {
	Enabled          bool    `yaml:"enabled"`
	CPUThreshold     float64 `yaml:"cpu_threshold"`
	MemoryLimitBytes uint64  `yaml:"memory_limit_bytes"`
	SampleIntervalMS int     `yaml:"sample_interval_ms"`
}

type Tenant struct {
	ID     string       `yaml:"id"`
	Limits TenantLimits `yaml:"limits"`
	Policy TenantPolicy `yaml:"policy"`
}

type TenantLimits struct {
	MaxFrameBytes    int `yaml:"max_frame_bytes"`
	MaxSessionsTotal int `yaml:"max_sessions_total"`
	MaxUsersPerRoom  int `yaml:"max_users_per_room"`
	MaxRoomsPerUser  int `yaml:"max_rooms_per_user"`
	MaxRoomsTotal    int `yaml:"max_rooms_total"`
}

type TenantPolicy struct {
	RateLimitRPS          int           `yaml:"rate_limit_rps"`
	RateLimitBurst        int           `yaml:"rate_limit_burst"`
	RateLimitScope        string        `yaml:"rate_limit_scope"` // tenant | conn | tenant+conn
	ExtAllowlist          []string      `yaml:"ext_allowlist"`
	HotAllowlist          []string      `yaml:"hot_allowlist"`
	Sessions              SessionPolicy `yaml:"sessions"`
	HotErrorMode          string        `yaml:"hot_error_mode"` // drop | close
	HotRequiresActiveRoom bool          `yaml:"hot_requires_active_room"`
}

type SessionPolicy struct {
	Mode               string `yaml:"mode"` // single | multi
	MaxSessionsPerUser int    `yaml:"max_sessions_per_user"`
	OnExceed           string `yaml:"on_exceed"` // deny | kick_oldest
}

// Load reads, strictly decodes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	g := &c.Gateway
	if g.Listen == "" {
		g.Listen = ":8080"
	}
	if g.PingIntervalMS == 0 {
		g.PingIntervalMS = 15000
	}
	if g.IdleTimeoutMS == 0 {
		g.IdleTimeoutMS = 60000
	}
	if g.WriterSendTimeoutMS == 0 {
		g.WriterSendTimeoutMS = 5000
	}
	if g.DrainGraceMS == 0 {
		g.DrainGraceMS = 10000
	}
	if g.SendQueueLen == 0 {
		g.SendQueueLen = 256
	}
	if g.Handshake.MaxIPEntries == 0 {
		g.Handshake.MaxIPEntries = 10000
	}
	if g.Guard.SampleIntervalMS == 0 {
		g.Guard.SampleIntervalMS = 5000
	}
	for i := range c.Tenants {
		p := &c.Tenants[i].Policy
		if p.RateLimitScope == "" {
			p.RateLimitScope = "tenant+conn"
		}
		if p.HotErrorMode == "" {
			p.HotErrorMode = "drop"
		}
		if p.Sessions.Mode == "" {
			p.Sessions.Mode = "multi"
		}
		if p.Sessions.MaxSessionsPerUser == 0 {
			p.Sessions.MaxSessionsPerUser = 1
		}
		if p.Sessions.OnExceed == "" {
			p.Sessions.OnExceed = "deny"
		}
	}
}

func (c *Config) Validate() error {
	if c.Version != SupportedVersion {
		return fmt.Errorf("unsupported config version: %d (want %d)", c.Version, SupportedVersion)
	}
	g := c.Gateway
	if g.PingIntervalMS < 100 {
		return fmt.Errorf("ping_interval_ms must be >= 100, got %d", g.PingIntervalMS)
	}
	if g.IdleTimeoutMS <= g.PingIntervalMS {
		return fmt.Errorf("idle_timeout_ms (%d) must exceed ping_interval_ms (%d)", g.IdleTimeoutMS, g.PingIntervalMS)
	}
	if g.WriterSendTimeoutMS < 0 {
		return fmt.Errorf("writer_send_timeout_ms must be >= 0, got %d", g.WriterSendTimeoutMS)
	}
	if g.SendQueueLen < 1 {
		return fmt.Errorf("send_queue_len must be >= 1, got %d", g.SendQueueLen)
	}
	if g.Handshake.Enabled {
		if g.Handshake.GlobalRPS < 1 || g.Handshake.PerIPRPS < 1 {
			return fmt.Errorf("handshake limiter rates must be >= 1")
		}
		if g.Handshake.GlobalBurst < 1 || g.Handshake.PerIPBurst < 1 {
			return fmt.Errorf("handshake limiter bursts must be >= 1")
		}
	}
	if g.Guard.Enabled {
		if g.Guard.CPUThreshold <= 0 || g.Guard.CPUThreshold > 100 {
			return fmt.Errorf("guard cpu_threshold must be in (0,100], got %.1f", g.Guard.CPUThreshold)
		}
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("at least one tenant is required")
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant id must not be empty")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id: %s", t.ID)
		}
		seen[t.ID] = true
		if err := t.validate(); err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}
	return nil
}

func (t Tenant) validate() error {
	l := t.Limits
	if l.MaxFrameBytes < 1 {
		return fmt.Errorf("max_frame_bytes must be >= 1, got %d", l.MaxFrameBytes)
	}
	if l.MaxSessionsTotal < 1 {
		return fmt.Errorf("max_sessions_total must be >= 1, got %d", l.MaxSessionsTotal)
	}
	if l.MaxUsersPerRoom < 1 || l.MaxRoomsPerUser < 1 || l.MaxRoomsTotal < 1 {
		return fmt.Errorf("room limits must be >= 1")
	}
	p := t.Policy
	if p.RateLimitRPS < 1 || p.RateLimitBurst < 1 {
		return fmt.Errorf("rate_limit_rps and rate_limit_burst must be >= 1")
	}
	switch p.RateLimitScope {
	case "tenant", "conn", "tenant+conn":
	default:
		return fmt.Errorf("rate_limit_scope must be tenant, conn or tenant+conn, got %q", p.RateLimitScope)
	}
	switch p.HotErrorMode {
	case "drop", "close":
	default:
		return fmt.Errorf("hot_error_mode must be drop or close, got %q", p.HotErrorMode)
	}
	switch p.Sessions.Mode {
	case "single":
		if p.Sessions.MaxSessionsPerUser != 1 {
			return fmt.Errorf("sessions.mode single requires max_sessions_per_user = 1, got %d", p.Sessions.MaxSessionsPerUser)
		}
	case "multi":
	default:
		return fmt.Errorf("sessions.mode must be single or multi, got %q", p.Sessions.Mode)
	}
	if p.Sessions.MaxSessionsPerUser < 1 {
		return fmt.Errorf("max_sessions_per_user must be >= 1, got %d", p.Sessions.MaxSessionsPerUser)
	}
	switch p.Sessions.OnExceed {
	case "deny", "kick_oldest":
	default:
		return fmt.Errorf("sessions.on_exceed must be deny or kick_oldest, got %q", p.Sessions.OnExceed)
	}
	return nil
}
