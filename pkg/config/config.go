package config

import "time"

// Config is the immutable runtime configuration. It is loaded once at startup
// and passed explicitly into constructors; there is no process-wide singleton.
type Config struct {
	Server   ServerConfig   `koanf:"server"   json:"server"`
	Store    StoreConfig    `koanf:"store"    json:"store"`
	Redis    RedisConfig    `koanf:"redis"    json:"redis"`
	Tracker  TrackerConfig  `koanf:"tracker"  json:"tracker"`
	NLU      NLUConfig      `koanf:"nlu"      json:"nlu"`
	Telegram TelegramConfig `koanf:"telegram" json:"telegram"`
	Twilio   TwilioConfig   `koanf:"twilio"   json:"twilio"`
	Reminder ReminderConfig `koanf:"reminder" json:"reminder"`
	Audit    AuditConfig    `koanf:"audit"    json:"audit"`
}

type ServerConfig struct {
	Host string `koanf:"host" json:"host"`
	Port int    `koanf:"port" json:"port" validate:"gt=0,lt=65536"`
	// WebhookSecret enables HMAC verification of voice/SMS webhooks when set.
	WebhookSecret string `koanf:"webhook_secret" json:"webhook_secret"`
}

type StoreConfig struct {
	Driver string `koanf:"driver" json:"driver" validate:"oneof=memory postgres"`
	// DSN is required when driver is postgres.
	DSN string `koanf:"dsn" json:"dsn" validate:"required_if=Driver postgres"`
}

type RedisConfig struct {
	// Addr empty disables Redis; provider-id mapping falls back to memory.
	Addr     string `koanf:"addr"     json:"addr"`
	Password string `koanf:"password" json:"password"`
	DB       int    `koanf:"db"       json:"db"`
}

type TrackerConfig struct {
	BaseURL  string        `koanf:"base_url"  json:"base_url" validate:"required,url"`
	APIKey   string        `koanf:"api_key"   json:"api_key"  validate:"required"`
	ListName string        `koanf:"list_name" json:"list_name" validate:"required"`
	TeamID   string        `koanf:"team_id"   json:"team_id"`
	Timeout  time.Duration `koanf:"timeout"   json:"timeout"`
}

type NLUConfig struct {
	BaseURL string `koanf:"base_url" json:"base_url"`
	APIKey  string `koanf:"api_key"  json:"api_key"`
	// ConfidenceThreshold below which a classification is treated as
	// unrecognized rather than guessed.
	ConfidenceThreshold float64       `koanf:"confidence_threshold" json:"confidence_threshold" validate:"gte=0,lte=1"`
	Timeout             time.Duration `koanf:"timeout"              json:"timeout"`
}

type TelegramConfig struct {
	BotToken     string        `koanf:"bot_token"     json:"bot_token"`
	BaseURL      string        `koanf:"base_url"      json:"base_url"`
	PollInterval time.Duration `koanf:"poll_interval" json:"poll_interval"`
}

type TwilioConfig struct {
	AccountSID string `koanf:"account_sid" json:"account_sid"`
	AuthToken  string `koanf:"auth_token"  json:"auth_token"`
	FromPhone  string `koanf:"from_phone"  json:"from_phone"`
	BaseURL    string `koanf:"base_url"    json:"base_url"`
}

// AssigneeConfig holds per-assignee contact info and channel escalation order.
type AssigneeConfig struct {
	ChatID   string   `koanf:"chat_id"  json:"chat_id"`
	Phone    string   `koanf:"phone"    json:"phone"`
	Channels []string `koanf:"channels" json:"channels" validate:"dive,oneof=telegram voice sms"`
}

type WorkingHoursConfig struct {
	Start    int    `koanf:"start"    json:"start"    validate:"gte=0,lte=23"`
	End      int    `koanf:"end"      json:"end"      validate:"gte=0,lte=24"`
	Timezone string `koanf:"timezone" json:"timezone"`
}

type ReminderConfig struct {
	ResponseWindow   time.Duration             `koanf:"response_window"   json:"response_window"   validate:"gt=0"`
	SweepInterval    time.Duration             `koanf:"sweep_interval"    json:"sweep_interval"    validate:"gt=0"`
	DispatchInterval time.Duration             `koanf:"dispatch_interval" json:"dispatch_interval" validate:"gt=0"`
	MaxAttempts      int                       `koanf:"max_attempts"      json:"max_attempts"      validate:"gte=1"`
	DefaultChannels  []string                  `koanf:"default_channels"  json:"default_channels"  validate:"min=1,dive,oneof=telegram voice sms"`
	WorkingHours     WorkingHoursConfig        `koanf:"working_hours"     json:"working_hours"`
	Assignees        map[string]AssigneeConfig `koanf:"assignees"         json:"assignees"`
	Retention        time.Duration             `koanf:"retention"         json:"retention"`
	WriteBackRetries int                       `koanf:"write_back_retries" json:"write_back_retries" validate:"gte=0"`
}

type AuditConfig struct {
	Path string `koanf:"path" json:"path"`
}

// Default returns the built-in defaults applied beneath file and env sources.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8095},
		Store:  StoreConfig{Driver: "memory"},
		Tracker: TrackerConfig{
			Timeout: 15 * time.Second,
		},
		NLU: NLUConfig{
			ConfidenceThreshold: 0.7,
			Timeout:             20 * time.Second,
		},
		Telegram: TelegramConfig{
			BaseURL:      "https://api.telegram.org",
			PollInterval: 30 * time.Second,
		},
		Twilio: TwilioConfig{
			BaseURL: "https://api.twilio.com",
		},
		Reminder: ReminderConfig{
			ResponseWindow:   30 * time.Minute,
			SweepInterval:    time.Minute,
			DispatchInterval: 30 * time.Minute,
			MaxAttempts:      3,
			DefaultChannels:  []string{"telegram", "voice", "sms"},
			WorkingHours:     WorkingHoursConfig{Start: 9, End: 18, Timezone: "Local"},
			Retention:        30 * 24 * time.Hour,
			WriteBackRetries: 3,
		},
		Audit: AuditConfig{Path: "taskping-audit.log"},
	}
}
