// Package config holds the root configuration for the OmniDesk engine.
// Config files are JSON5; secrets come from OMNIDESK_* env vars only and are
// never written to disk.
package config

import (
	"encoding/json"
	"sync"
)

// Config is the root configuration for the engine.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Auth       AuthConfig       `json:"auth"`
	Providers  ProvidersConfig  `json:"providers"`
	Agents     AgentsConfig     `json:"agents"`
	NLU        NLUConfig        `json:"nlu"`
	Handover   HandoverConfig   `json:"handover,omitempty"`
	Scheduling SchedulingConfig `json:"scheduling"`
	Calendar   CalendarConfig   `json:"calendar"`
	Storage    StorageConfig    `json:"storage"`
	Channels   ChannelsConfig   `json:"channels"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// GatewayConfig configures the HTTP and WebSocket listener.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	MaxMessageChars int      `json:"max_message_chars"`
	RateLimitRPS    int      `json:"rate_limit_rps"` // per-connection event budget
	RateLimitBurst  int      `json:"rate_limit_burst"`
}

// AuthConfig configures token issuance.
// JWTSecret is NEVER read from config.json, only from env OMNIDESK_JWT_SECRET.
type AuthConfig struct {
	JWTSecret   string `json:"-"` // from env OMNIDESK_JWT_SECRET only
	TokenTTLMin int    `json:"token_ttl_min,omitempty"`
}

// ProvidersConfig holds LLM provider credentials (env only).
type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai,omitempty"`
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
}

// ProviderConfig is one LLM provider endpoint.
type ProviderConfig struct {
	APIKey  string `json:"-"` // from env only
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// AgentsConfig tunes the built-in agent roster.
type AgentsConfig struct {
	DefaultKey      string  `json:"default_key"` // concierge agent addressed when nothing else matches
	Model           string  `json:"model,omitempty"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	ReplyTimeoutSec int     `json:"reply_timeout_sec"`
	HistoryDepth    int     `json:"history_depth"` // turns of context kept per (user, agent)
}

// NLUConfig selects the classifier mode.
type NLUConfig struct {
	Mode               string  `json:"mode"` // "rules" (default) or "model"
	LowConfidence      float64 `json:"low_confidence"`      // handover trigger threshold
	FallbackConfidence float64 `json:"fallback_confidence"` // below this the rules fallback wins
}

// HandoverConfig tunes the human takeover policy.
type HandoverConfig struct {
	// EscalateOutsideHours opens a ticket for customer traffic outside
	// working hours. Off by default: the bot serves alone at night.
	EscalateOutsideHours bool `json:"escalate_outside_hours,omitempty"`
}

// SchedulingConfig tunes the scheduling sub-protocol.
type SchedulingConfig struct {
	WorkingHourStart int    `json:"working_hour_start"` // 24h local hour, inclusive
	WorkingHourEnd   int    `json:"working_hour_end"`   // exclusive
	SlotMinutes      int    `json:"slot_minutes"`
	DaysAhead        int    `json:"days_ahead"`
	Timezone         string `json:"timezone"`
	AutoCommit       bool   `json:"auto_commit"` // commit without the confirmation turn
	DefaultTitle     string `json:"default_title,omitempty"`
}

// CalendarConfig points at the external calendar service.
type CalendarConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`
	Token      string `json:"-"` // from env OMNIDESK_CALENDAR_TOKEN only
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// StorageConfig configures the S3-compatible object store for uploads.
type StorageConfig struct {
	Endpoint      string `json:"endpoint,omitempty"` // empty = AWS
	Region        string `json:"region,omitempty"`
	Bucket        string `json:"bucket"`
	AccessKey     string `json:"-"` // env OMNIDESK_S3_ACCESS_KEY
	SecretKey     string `json:"-"` // env OMNIDESK_S3_SECRET_KEY
	UsePathStyle  bool   `json:"use_path_style,omitempty"` // MinIO needs this
	MaxUploadMB   int64  `json:"max_upload_mb"`
	GrantTTLMin   int    `json:"grant_ttl_min"`
	ReadURLTTLMin int    `json:"read_url_ttl_min"`
	SweepSchedule string `json:"sweep_schedule,omitempty"` // cron spec for the grant GC
}

// ChannelsConfig enables external messaging surfaces.
type ChannelsConfig struct {
	WhatsApp   MetaChannelConfig `json:"whatsapp,omitempty"`
	Instagram  MetaChannelConfig `json:"instagram,omitempty"`
	Facebook   MetaChannelConfig `json:"facebook,omitempty"`
	WPPConnect WPPConnectConfig  `json:"wppconnect,omitempty"`
}

// MetaChannelConfig is one Meta Graph API surface.
type MetaChannelConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	AccessToken   string `json:"-"` // env only
	PhoneNumberID string `json:"phone_number_id,omitempty"` // WhatsApp Cloud only
	PageID        string `json:"page_id,omitempty"`
	VerifyToken   string `json:"-"` // webhook subscription check, env only
	APIBase       string `json:"api_base,omitempty"`
}

// WPPConnectConfig points at an external device-session WhatsApp bridge.
type WPPConnectConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Session string `json:"session,omitempty"`
	Token   string `json:"-"` // env OMNIDESK_WPP_TOKEN only
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from config.json, only from env OMNIDESK_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true when the engine persists to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ApplyTunables copies the hot-reloadable sections of fresh onto c.
// Listeners, credentials and backend selection are fixed at startup and
// deliberately not touched here.
func (c *Config) ApplyTunables(fresh *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway.MaxMessageChars = fresh.Gateway.MaxMessageChars
	c.Gateway.RateLimitRPS = fresh.Gateway.RateLimitRPS
	c.Gateway.RateLimitBurst = fresh.Gateway.RateLimitBurst
	c.Agents.MaxTokens = fresh.Agents.MaxTokens
	c.Agents.Temperature = fresh.Agents.Temperature
	c.Agents.ReplyTimeoutSec = fresh.Agents.ReplyTimeoutSec
	c.Agents.HistoryDepth = fresh.Agents.HistoryDepth
	c.NLU.LowConfidence = fresh.NLU.LowConfidence
	c.NLU.FallbackConfidence = fresh.NLU.FallbackConfidence
	c.Handover.EscalateOutsideHours = fresh.Handover.EscalateOutsideHours
	c.Scheduling.WorkingHourStart = fresh.Scheduling.WorkingHourStart
	c.Scheduling.WorkingHourEnd = fresh.Scheduling.WorkingHourEnd
	c.Scheduling.DaysAhead = fresh.Scheduling.DaysAhead
	c.Scheduling.AutoCommit = fresh.Scheduling.AutoCommit
}

const secretMask = "***"

// MaskedCopy returns a deep copy with all secret fields masked, for the
// config inspection endpoint.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Auth.JWTSecret)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Calendar.Token)
	maskNonEmpty(&cp.Storage.AccessKey)
	maskNonEmpty(&cp.Storage.SecretKey)
	maskNonEmpty(&cp.Channels.WhatsApp.AccessToken)
	maskNonEmpty(&cp.Channels.WhatsApp.VerifyToken)
	maskNonEmpty(&cp.Channels.Instagram.AccessToken)
	maskNonEmpty(&cp.Channels.Instagram.VerifyToken)
	maskNonEmpty(&cp.Channels.Facebook.AccessToken)
	maskNonEmpty(&cp.Channels.Facebook.VerifyToken)
	maskNonEmpty(&cp.Channels.WPPConnect.Token)
	maskNonEmpty(&cp.Database.PostgresDSN)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
