package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18850,
			MaxMessageChars: 8000,
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Auth: AuthConfig{
			TokenTTLMin: 12 * 60,
		},
		Agents: AgentsConfig{
			DefaultKey:      "guru",
			MaxTokens:       600,
			Temperature:     0.7,
			ReplyTimeoutSec: 30,
			HistoryDepth:    10,
		},
		NLU: NLUConfig{
			Mode:               "rules",
			LowConfidence:      0.5,
			FallbackConfidence: 0.5,
		},
		Scheduling: SchedulingConfig{
			WorkingHourStart: 9,
			WorkingHourEnd:   18,
			SlotMinutes:      60,
			DaysAhead:        7,
			Timezone:         "America/Sao_Paulo",
			DefaultTitle:     "Consulta",
		},
		Calendar: CalendarConfig{
			CalendarID: "primary",
			TimeoutSec: 10,
		},
		Storage: StorageConfig{
			Region:        "us-east-1",
			Bucket:        "omnidesk-media",
			MaxUploadMB:   15,
			GrantTTLMin:   10,
			ReadURLTTLMin: 10,
			SweepSchedule: "@every 15m",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; env-only deployments are supported.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Secrets come exclusively from env.
	envStr("OMNIDESK_JWT_SECRET", &c.Auth.JWTSecret)
	envStr("OMNIDESK_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OMNIDESK_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("OMNIDESK_CALENDAR_TOKEN", &c.Calendar.Token)
	envStr("OMNIDESK_S3_ACCESS_KEY", &c.Storage.AccessKey)
	envStr("OMNIDESK_S3_SECRET_KEY", &c.Storage.SecretKey)
	envStr("OMNIDESK_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("OMNIDESK_HOST", &c.Gateway.Host)
	envInt("OMNIDESK_PORT", &c.Gateway.Port)
	envStr("OMNIDESK_MODE", &c.Database.Mode)

	envStr("OMNIDESK_OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)
	envStr("OMNIDESK_NLU_MODE", &c.NLU.Mode)
	if v := os.Getenv("OMNIDESK_ESCALATE_OUTSIDE_HOURS"); v != "" {
		c.Handover.EscalateOutsideHours = v == "true" || v == "1"
	}
	envStr("OMNIDESK_CALENDAR_URL", &c.Calendar.BaseURL)
	envStr("OMNIDESK_S3_ENDPOINT", &c.Storage.Endpoint)
	envStr("OMNIDESK_S3_REGION", &c.Storage.Region)
	envStr("OMNIDESK_S3_BUCKET", &c.Storage.Bucket)

	// Channel credentials. Providing them enables the surface.
	envStr("OMNIDESK_WHATSAPP_TOKEN", &c.Channels.WhatsApp.AccessToken)
	envStr("OMNIDESK_WHATSAPP_PHONE_ID", &c.Channels.WhatsApp.PhoneNumberID)
	envStr("OMNIDESK_WHATSAPP_VERIFY_TOKEN", &c.Channels.WhatsApp.VerifyToken)
	envStr("OMNIDESK_INSTAGRAM_TOKEN", &c.Channels.Instagram.AccessToken)
	envStr("OMNIDESK_INSTAGRAM_VERIFY_TOKEN", &c.Channels.Instagram.VerifyToken)
	envStr("OMNIDESK_FACEBOOK_TOKEN", &c.Channels.Facebook.AccessToken)
	envStr("OMNIDESK_FACEBOOK_VERIFY_TOKEN", &c.Channels.Facebook.VerifyToken)
	envStr("OMNIDESK_WPP_URL", &c.Channels.WPPConnect.BaseURL)
	envStr("OMNIDESK_WPP_SESSION", &c.Channels.WPPConnect.Session)
	envStr("OMNIDESK_WPP_TOKEN", &c.Channels.WPPConnect.Token)

	if c.Channels.WhatsApp.AccessToken != "" && c.Channels.WhatsApp.PhoneNumberID != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.Instagram.AccessToken != "" {
		c.Channels.Instagram.Enabled = true
	}
	if c.Channels.Facebook.AccessToken != "" {
		c.Channels.Facebook.Enabled = true
	}
	if c.Channels.WPPConnect.BaseURL != "" {
		c.Channels.WPPConnect.Enabled = true
	}

	// Telemetry
	envStr("OMNIDESK_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OMNIDESK_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("OMNIDESK_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OMNIDESK_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Allowed origins (comma-separated)
	if v := os.Getenv("OMNIDESK_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config, for use after a hot reload replaced file-derived values.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}
