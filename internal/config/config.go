package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

// Config holds every runtime setting of the service.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	StoreDriver    string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	WhatsAppEnabled   bool
	WhatsAppStorePath string
	WhatsAppLogLevel  string
	RankingChatJID    string

	WebhookUsernameMD5 string
	WebhookPasswordMD5 string
	AdminToken         string
	CORSAllowedOrigins []string

	VoiceRewardInterval  time.Duration
	VoiceReward          int64
	MessageMilestone     int64
	MessageReward        int64
	RankingSchedule      string
	RankingSize          int
	ResetConfirmTimeout  time.Duration
	WithdrawMinimum      int64
	CoinsPerCurrencyUnit int64
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		AppEnv:               "development",
		LogLevel:             "info",
		LogFormat:            "text",
		HTTPListenAddr:       ":8080",
		MetricsNamespace:     "economy",
		StoreDriver:          "sqlite",
		SQLitePath:           "economy.db",
		WhatsAppStorePath:    "whatsmeow.db",
		WhatsAppLogLevel:     "INFO",
		VoiceRewardInterval:  60 * time.Second,
		VoiceReward:          600,
		MessageMilestone:     10,
		MessageReward:        300,
		RankingSchedule:      "@every 24h",
		RankingSize:          10,
		ResetConfirmTimeout:  30 * time.Second,
		WithdrawMinimum:      5_000_000,
		CoinsPerCurrencyUnit: 1000,
	}
}

// Load builds the configuration from defaults, the TOML file named by
// CONFIG_FILE, then environment variables, in increasing precedence.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.VoiceRewardInterval <= 0 {
		return fmt.Errorf("VOICE_REWARD_INTERVAL must be positive")
	}
	if c.ResetConfirmTimeout <= 0 {
		return fmt.Errorf("RESET_CONFIRM_TIMEOUT must be positive")
	}
	for key, v := range map[string]int64{
		"VOICE_REWARD":            c.VoiceReward,
		"MESSAGE_MILESTONE":       c.MessageMilestone,
		"MESSAGE_REWARD":          c.MessageReward,
		"RANKING_SIZE":            int64(c.RankingSize),
		"COINS_PER_CURRENCY_UNIT": c.CoinsPerCurrencyUnit,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.WithdrawMinimum < 0 {
		return fmt.Errorf("WITHDRAW_MINIMUM must not be negative")
	}
	if _, err := cron.ParseStandard(c.RankingSchedule); err != nil {
		return fmt.Errorf("RANKING_SCHEDULE: %w", err)
	}
	return nil
}

type setter func(c *Config, v string) error

var settings = map[string]setter{
	"APP_ENV":                      str(func(c *Config) *string { return &c.AppEnv }),
	"LOG_LEVEL":                    str(func(c *Config) *string { return &c.LogLevel }),
	"LOG_FORMAT":                   lower(func(c *Config) *string { return &c.LogFormat }),
	"HTTP_LISTEN_ADDR":             str(func(c *Config) *string { return &c.HTTPListenAddr }),
	"PUBLIC_BASE_PATH":             str(func(c *Config) *string { return &c.PublicBasePath }),
	"METRICS_NAMESPACE":            str(func(c *Config) *string { return &c.MetricsNamespace }),
	"STORE_DRIVER":                 lower(func(c *Config) *string { return &c.StoreDriver }),
	"DATABASE_URL":                 str(func(c *Config) *string { return &c.DatabaseURL }),
	"DATABASE_SCHEMA":              str(func(c *Config) *string { return &c.DatabaseSchema }),
	"SQLITE_PATH":                  str(func(c *Config) *string { return &c.SQLitePath }),
	"REDIS_ADDR":                   str(func(c *Config) *string { return &c.RedisAddr }),
	"REDIS_PASSWORD":               str(func(c *Config) *string { return &c.RedisPassword }),
	"REDIS_DB":                     integer(func(c *Config) *int { return &c.RedisDB }),
	"REDIS_TLS":                    boolean(func(c *Config) *bool { return &c.RedisTLS }),
	"WHATSAPP_ENABLED":             boolean(func(c *Config) *bool { return &c.WhatsAppEnabled }),
	"WHATSAPP_STORE_PATH":          str(func(c *Config) *string { return &c.WhatsAppStorePath }),
	"WHATSAPP_LOG_LEVEL":           str(func(c *Config) *string { return &c.WhatsAppLogLevel }),
	"RANKING_CHAT_JID":             str(func(c *Config) *string { return &c.RankingChatJID }),
	"PAYMENT_WEBHOOK_USERNAME_MD5": str(func(c *Config) *string { return &c.WebhookUsernameMD5 }),
	"PAYMENT_WEBHOOK_PASSWORD_MD5": str(func(c *Config) *string { return &c.WebhookPasswordMD5 }),
	"ADMIN_TOKEN":                  str(func(c *Config) *string { return &c.AdminToken }),
	"CORS_ALLOWED_ORIGINS":         list(func(c *Config) *[]string { return &c.CORSAllowedOrigins }),
	"VOICE_REWARD_INTERVAL":        duration(func(c *Config) *time.Duration { return &c.VoiceRewardInterval }),
	"VOICE_REWARD":                 int64s(func(c *Config) *int64 { return &c.VoiceReward }),
	"MESSAGE_MILESTONE":            int64s(func(c *Config) *int64 { return &c.MessageMilestone }),
	"MESSAGE_REWARD":               int64s(func(c *Config) *int64 { return &c.MessageReward }),
	"RANKING_SCHEDULE":             str(func(c *Config) *string { return &c.RankingSchedule }),
	"RANKING_SIZE":                 integer(func(c *Config) *int { return &c.RankingSize }),
	"RESET_CONFIRM_TIMEOUT":        duration(func(c *Config) *time.Duration { return &c.ResetConfirmTimeout }),
	"WITHDRAW_MINIMUM":             int64s(func(c *Config) *int64 { return &c.WithdrawMinimum }),
	"COINS_PER_CURRENCY_UNIT":      int64s(func(c *Config) *int64 { return &c.CoinsPerCurrencyUnit }),
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, key := range sortedKeys() {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		if err := settings[key](cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

// applyFile reads a flat TOML document whose keys are the lower-case
// environment variable names, e.g. voice_reward = 600.
func applyFile(cfg *Config, path string) error {
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToUpper(k)
		set, ok := settings[key]
		if !ok {
			return fmt.Errorf("config file %s: unknown key %q", path, k)
		}
		if err := set(cfg, fileValue(raw[k])); err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, k, err)
		}
	}
	return nil
}

// fileValue renders a TOML value in the form its environment variable takes.
// Arrays become comma separated lists.
func fileValue(v interface{}) string {
	items, ok := v.([]interface{})
	if !ok {
		return fmt.Sprint(v)
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprint(item)
	}
	return strings.Join(parts, ",")
}

func sortedKeys() []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func str(field func(*Config) *string) setter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func list(field func(*Config) *[]string) setter {
	return func(c *Config, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*field(c) = out
		return nil
	}
}

func lower(field func(*Config) *string) setter {
	return func(c *Config, v string) error {
		*field(c) = strings.ToLower(v)
		return nil
	}
}

func integer(field func(*Config) *int) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*field(c) = n
		return nil
	}
}

func int64s(field func(*Config) *int64) setter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*field(c) = n
		return nil
	}
}

func boolean(field func(*Config) *bool) setter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		*field(c) = b
		return nil
	}
}

func duration(field func(*Config) *time.Duration) setter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		*field(c) = d
		return nil
	}
}
