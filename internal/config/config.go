// Package config defines the configuration contract and handles loading and
// validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken        = "TELEGRAM_TOKEN"
	KeySuperadminID         = "SUPERADMIN_ID"
	KeyMongoURI             = "MONGO_URI"
	KeyMongoDB              = "MONGO_DB"
	KeyAppEnv               = "APP_ENV"
	KeyLogLevel             = "LOG_LEVEL"
	KeyHTTPPort             = "HTTP_PORT"
	KeyWindowMinutes        = "DEFAULT_WINDOW_MINUTES"
	KeyRateCeilingMutation  = "RATE_CEILING_MUTATION"
	KeyRateCeilingSearch    = "RATE_CEILING_SEARCH"
	KeyRateCeilingImport    = "RATE_CEILING_IMPORT"
	KeyRateCeilingMaterials = "RATE_CEILING_MATERIALS"
	KeyRecipientEmail       = "DEFAULT_RECIPIENT_EMAIL"
	KeySMTPHost             = "SMTP_HOST"
	KeySMTPPort             = "SMTP_PORT"
	KeySMTPUsername         = "SMTP_USERNAME"
	KeySMTPPassword         = "SMTP_PASSWORD"
	KeyMailSender           = "MAIL_SENDER"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv               = EnvProduction
	DefaultLogLevel             = "info"
	DefaultHTTPPort             = 8080
	DefaultWindowMinutes        = 30
	DefaultRateCeilingMutation  = 10
	DefaultRateCeilingSearch    = 20
	DefaultRateCeilingImport    = 2
	DefaultRateCeilingMaterials = 1
	DefaultSMTPPort             = 587

	// Recommended database names by environment.
	DefaultMongoDBProd = "object_registry"
	DefaultMongoDBDev  = "object_registry_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Secret      bool   // redacted in human-readable dumps
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Secret:      true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeySuperadminID,
		Example:     "123456789",
		Required:    true,
		Description: "Telegram user_id bootstrapped with the superadmin role.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Secret:      true,
		Description: "MongoDB connection string.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health/diagnostics port.",
	},
	{
		Key:         KeyWindowMinutes,
		Example:     strconv.Itoa(DefaultWindowMinutes),
		Default:     strconv.Itoa(DefaultWindowMinutes),
		Description: "Rate-limit window length in minutes until overridden via /time.",
	},
	{
		Key:         KeyRateCeilingMutation,
		Example:     strconv.Itoa(DefaultRateCeilingMutation),
		Default:     strconv.Itoa(DefaultRateCeilingMutation),
		Description: "Mutation-class commands allowed per user per window.",
	},
	{
		Key:         KeyRateCeilingSearch,
		Example:     strconv.Itoa(DefaultRateCeilingSearch),
		Default:     strconv.Itoa(DefaultRateCeilingSearch),
		Description: "Search-class commands allowed per user per window.",
	},
	{
		Key:         KeyRateCeilingImport,
		Example:     strconv.Itoa(DefaultRateCeilingImport),
		Default:     strconv.Itoa(DefaultRateCeilingImport),
		Description: "Import-class commands allowed per user per window.",
	},
	{
		Key:         KeyRateCeilingMaterials,
		Example:     strconv.Itoa(DefaultRateCeilingMaterials),
		Default:     strconv.Itoa(DefaultRateCeilingMaterials),
		Description: "Materials requests allowed per user per window.",
	},
	{
		Key:         KeyRecipientEmail,
		Example:     "reports@example.com",
		Description: "Initial report recipient until overridden via /recipient_email.",
	},
	{
		Key:         KeySMTPHost,
		Example:     "smtp.example.com",
		Description: "SMTP relay host; mail dispatch is disabled when empty.",
	},
	{
		Key:         KeySMTPPort,
		Example:     strconv.Itoa(DefaultSMTPPort),
		Default:     strconv.Itoa(DefaultSMTPPort),
		Description: "SMTP relay port.",
	},
	{
		Key:         KeySMTPUsername,
		Example:     "bot@example.com",
		Description: "SMTP auth username.",
	},
	{
		Key:         KeySMTPPassword,
		Example:     "secret",
		Secret:      true,
		Description: "SMTP auth password.",
	},
	{
		Key:         KeyMailSender,
		Example:     "bot@example.com",
		Description: "From address on outbound report mail.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken        string
	SuperadminID         int64
	MongoURI             string
	MongoDB              string
	AppEnv               string
	LogLevel             string
	HTTPPort             int
	WindowMinutes        int
	RateCeilingMutation  int
	RateCeilingSearch    int
	RateCeilingImport    int
	RateCeilingMaterials int
	RecipientEmail       string
	SMTPHost             string
	SMTPPort             int
	SMTPUsername         string
	SMTPPassword         string
	MailSender           string
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:         firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken:  strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		MongoURI:       strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:        strings.TrimSpace(os.Getenv(KeyMongoDB)),
		LogLevel:       firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		RecipientEmail: strings.TrimSpace(os.Getenv(KeyRecipientEmail)),
		SMTPHost:       strings.TrimSpace(os.Getenv(KeySMTPHost)),
		SMTPUsername:   strings.TrimSpace(os.Getenv(KeySMTPUsername)),
		SMTPPassword:   os.Getenv(KeySMTPPassword),
		MailSender:     strings.TrimSpace(os.Getenv(KeyMailSender)),
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	superadminRaw := strings.TrimSpace(os.Getenv(KeySuperadminID))
	if superadminRaw == "" {
		missing = append(missing, KeySuperadminID)
	} else {
		superadminID, parseErr := strconv.ParseInt(superadminRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeySuperadminID, parseErr)
		}
		cfg.SuperadminID = superadminID
	}

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if cfg.HTTPPort, err = positiveInt(KeyHTTPPort, DefaultHTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.WindowMinutes, err = positiveInt(KeyWindowMinutes, DefaultWindowMinutes); err != nil {
		return Config{}, err
	}
	if cfg.RateCeilingMutation, err = positiveInt(KeyRateCeilingMutation, DefaultRateCeilingMutation); err != nil {
		return Config{}, err
	}
	if cfg.RateCeilingSearch, err = positiveInt(KeyRateCeilingSearch, DefaultRateCeilingSearch); err != nil {
		return Config{}, err
	}
	if cfg.RateCeilingImport, err = positiveInt(KeyRateCeilingImport, DefaultRateCeilingImport); err != nil {
		return Config{}, err
	}
	if cfg.RateCeilingMaterials, err = positiveInt(KeyRateCeilingMaterials, DefaultRateCeilingMaterials); err != nil {
		return Config{}, err
	}
	if cfg.SMTPPort, err = positiveInt(KeySMTPPort, DefaultSMTPPort); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// MailEnabled reports whether outbound mail dispatch is configured.
func (c Config) MailEnabled() bool {
	return c.SMTPHost != "" && c.MailSender != ""
}

// FormatRedacted renders resolved configuration for diagnostics with secret
// values masked.
func FormatRedacted(cfg Config) string {
	values := map[string]string{
		KeyTelegramToken:        cfg.TelegramToken,
		KeySuperadminID:         strconv.FormatInt(cfg.SuperadminID, 10),
		KeyMongoURI:             cfg.MongoURI,
		KeyMongoDB:              cfg.MongoDB,
		KeyAppEnv:               cfg.AppEnv,
		KeyLogLevel:             cfg.LogLevel,
		KeyHTTPPort:             strconv.Itoa(cfg.HTTPPort),
		KeyWindowMinutes:        strconv.Itoa(cfg.WindowMinutes),
		KeyRateCeilingMutation:  strconv.Itoa(cfg.RateCeilingMutation),
		KeyRateCeilingSearch:    strconv.Itoa(cfg.RateCeilingSearch),
		KeyRateCeilingImport:    strconv.Itoa(cfg.RateCeilingImport),
		KeyRateCeilingMaterials: strconv.Itoa(cfg.RateCeilingMaterials),
		KeyRecipientEmail:       cfg.RecipientEmail,
		KeySMTPHost:             cfg.SMTPHost,
		KeySMTPPort:             strconv.Itoa(cfg.SMTPPort),
		KeySMTPUsername:         cfg.SMTPUsername,
		KeySMTPPassword:         cfg.SMTPPassword,
		KeyMailSender:           cfg.MailSender,
	}

	var b strings.Builder
	for _, spec := range Contract {
		value := values[spec.Key]
		if spec.Secret && value != "" {
			value = "***"
		}
		if value == "" {
			value = "(unset)"
		}
		fmt.Fprintf(&b, "%s=%s\n", spec.Key, value)
	}

	return strings.TrimRight(b.String(), "\n")
}

func positiveInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}

	return value, nil
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
