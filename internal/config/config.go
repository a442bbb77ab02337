// Package config loads ScriptPipe settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Transport names accepted in TRANSPORT.
const (
	TransportCloudAPI  = "cloudapi"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

// Default configuration constants.
const (
	// DefaultStateDir is the default directory for ScriptPipe state data.
	DefaultStateDir = "/var/lib/scriptpipe"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "scriptpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every environment setting.
type Config struct {
	StateDir    string `env:"SCRIPTPIPE_STATE_DIR" envDefault:"/var/lib/scriptpipe"`
	DatabaseURL string `env:"DATABASE_URL"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	Transport   string `env:"TRANSPORT" envDefault:"cloudapi"`
	CourseFile  string `env:"COURSE_FILE"`

	// WhatsApp Business Cloud API
	GraphAPIVersion    string `env:"GRAPH_API_VERSION" envDefault:"v22.0"`
	PhoneNumberID      string `env:"PHONE_NUMBER_ID"`
	AccessToken        string `env:"ACCESS_TOKEN"`
	AppSecret          string `env:"APP_SECRET"`
	WebhookVerifyToken string `env:"WEBHOOK_VERIFY_TOKEN"`

	// Twilio
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	// TwilioWebhookURL is the public URL Twilio calls; it enables signature checks.
	TwilioWebhookURL string `env:"TWILIO_WEBHOOK_URL"`

	// whatsmeow
	WhatsAppDSN string `env:"WHATSAPP_DB_DSN"`

	// OpenAI
	OpenAIKey           string `env:"OPENAI_API_KEY"`
	OpenAIModel         string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIFallbackModel string `env:"OPENAI_FALLBACK_MODEL"`
	OpenAIBaseURL       string `env:"OPENAI_BASE_URL"`

	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`
	AITimeout       time.Duration `env:"AI_TIMEOUT" envDefault:"30s"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"60s"`

	// Processed dedup records older than DedupRetention are pruned on PruneSchedule.
	DedupRetention time.Duration `env:"DEDUP_RETENTION" envDefault:"168h"`
	PruneSchedule  string        `env:"DEDUP_PRUNE_SCHEDULE" envDefault:"0 * * * *"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}

	slog.Debug("config.Load: environment loaded",
		"state_dir", cfg.StateDir,
		"database_url_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr,
		"transport", cfg.Transport,
		"course_file", cfg.CourseFile,
		"phone_number_id_set", cfg.PhoneNumberID != "",
		"access_token_set", cfg.AccessToken != "",
		"app_secret_set", cfg.AppSecret != "",
		"twilio_sid_set", cfg.TwilioAccountSID != "",
		"openai_key_set", cfg.OpenAIKey != "",
		"openai_model", cfg.OpenAIModel,
		"openai_fallback_model", cfg.OpenAIFallbackModel)
	return &cfg, nil
}

// StoreDSN returns DATABASE_URL, or a SQLite file in the state directory.
func (c *Config) StoreDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// WhatsAppStoreDSN returns WHATSAPP_DB_DSN, or a SQLite device store in the
// state directory with foreign keys enabled.
func (c *Config) WhatsAppStoreDSN() string {
	if c.WhatsAppDSN != "" {
		return c.WhatsAppDSN
	}
	return "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// Validate checks that the selected transport has its credentials.
func (c *Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	switch c.Transport {
	case TransportCloudAPI:
		require("PHONE_NUMBER_ID", c.PhoneNumberID)
		require("ACCESS_TOKEN", c.AccessToken)
		require("WEBHOOK_VERIFY_TOKEN", c.WebhookVerifyToken)
	case TransportTwilio:
		require("TWILIO_ACCOUNT_SID", c.TwilioAccountSID)
		require("TWILIO_AUTH_TOKEN", c.TwilioAuthToken)
		require("TWILIO_FROM_NUMBER", c.TwilioFromNumber)
	case TransportWhatsmeow:
	default:
		return fmt.Errorf("%w: unknown TRANSPORT %q (want %s, %s or %s)", ErrInvalidConfig, c.Transport,
			TransportCloudAPI, TransportTwilio, TransportWhatsmeow)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: transport %s requires %v", ErrInvalidConfig, c.Transport, missing)
	}
	for name, d := range map[string]time.Duration{
		"SEND_TIMEOUT":     c.SendTimeout,
		"AI_TIMEOUT":       c.AITimeout,
		"DISPATCH_TIMEOUT": c.DispatchTimeout,
		"DEDUP_RETENTION":  c.DedupRetention,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, d)
		}
	}
	return nil
}
