package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"
)

const (
	RegistryCouchDB = "couchdb"
	RegistrySQLite  = "sqlite"
	RegistryMemory  = "memory"

	defaultJWTSecret = "dev-secret-change-in-production"
)

type Config struct {
	Server      ServerConfig
	Registry    RegistryConfig
	Issuer      IssuerConfig
	Wallet      WalletConfig
	PassBuilder PassBuilderConfig
	CORS        CORSConfig
	Logging     LoggingConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	Env             string
	ShutdownTimeout time.Duration
}

func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

type RegistryConfig struct {
	Driver     string
	CouchDB    CouchDBConfig
	SQLitePath string
}

type CouchDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func (c CouchDBConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port)
}

type IssuerConfig struct {
	JWTSecret     string
	JWTExpiration time.Duration
}

// WalletConfig describes the passes this service issues. WebService and Push
// are nil when the corresponding feature is not configured.
type WalletConfig struct {
	PassTypeID       string
	TeamID           string
	OrganizationName string
	WebService       *WebServiceConfig
	Push             *PushConfig
}

type WebServiceConfig struct {
	URL string
}

type PushConfig struct {
	KeyID       string
	PrivateKey  []byte
	Host        string
	Concurrency int
	Timeout     time.Duration
	QueueSize   int
	JobTimeout  time.Duration
}

type PassBuilderConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

func (t TelemetryConfig) Enabled() bool {
	return t.OTLPEndpoint != ""
}

type rawConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Env             string        `env:"ENV" envDefault:"development"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	RegistryDriver string `env:"REGISTRY_DRIVER" envDefault:"couchdb"`
	DBHost         string `env:"DB_HOST" envDefault:"localhost"`
	DBPort         string `env:"DB_PORT" envDefault:"5984"`
	DBUser         string `env:"DB_USER" envDefault:"admin"`
	DBPassword     string `env:"DB_PASSWORD" envDefault:"password"`
	DBName         string `env:"DB_NAME" envDefault:"wallet"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"wallet.db"`

	JWTSecret     string        `env:"JWT_SECRET" envDefault:"dev-secret-change-in-production"`
	JWTExpiration time.Duration `env:"JWT_EXPIRATION" envDefault:"24h"`

	PassTypeID       string `env:"PASS_TYPE_ID"`
	TeamID           string `env:"PASS_TEAM_ID"`
	OrganizationName string `env:"PASS_ORGANIZATION_NAME" envDefault:"European Student Card"`
	WebServiceURL    string `env:"WEB_SERVICE_URL"`

	APNsKeyID       string        `env:"APNS_KEY_ID"`
	APNsPrivateKey  string        `env:"APNS_PRIVATE_KEY"`
	APNsKeyFile     string        `env:"APNS_PRIVATE_KEY_FILE"`
	APNsHost        string        `env:"APNS_HOST" envDefault:"https://api.push.apple.com"`
	APNsConcurrency int           `env:"APNS_CONCURRENCY" envDefault:"8"`
	APNsTimeout     time.Duration `env:"APNS_TIMEOUT" envDefault:"10s"`
	PushQueueSize   int           `env:"PUSH_QUEUE_SIZE" envDefault:"256"`
	PushJobTimeout  time.Duration `env:"PUSH_JOB_TIMEOUT" envDefault:"2m"`

	PassBuilderURL     string        `env:"PASS_BUILDER_URL"`
	PassBuilderAPIKey  string        `env:"PASS_BUILDER_API_KEY"`
	PassBuilderTimeout time.Duration `env:"PASS_BUILDER_TIMEOUT" envDefault:"15s"`

	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	CORSAllowedMethods string `env:"CORS_ALLOWED_METHODS" envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	CORSAllowedHeaders string `env:"CORS_ALLOWED_HEADERS" envDefault:"Content-Type,Authorization"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"esc-native-wallet"`
}

// Load reads envFile (or .env when empty and present) and the process
// environment. Any inconsistency is reported as a configuration error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, configurationError(fmt.Sprintf("failed to read env file %s", envFile), err)
		}
	} else {
		_ = godotenv.Load()
	}

	var raw rawConfig
	if err := env.Parse(&raw); err != nil {
		return nil, configurationError("failed to parse environment", err)
	}
	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            raw.Port,
			Host:            raw.Host,
			Env:             raw.Env,
			ShutdownTimeout: raw.ShutdownTimeout,
		},
		Registry: RegistryConfig{
			Driver: strings.ToLower(strings.TrimSpace(raw.RegistryDriver)),
			CouchDB: CouchDBConfig{
				Host:     raw.DBHost,
				Port:     raw.DBPort,
				User:     raw.DBUser,
				Password: raw.DBPassword,
				Name:     raw.DBName,
			},
			SQLitePath: raw.SQLitePath,
		},
		Issuer: IssuerConfig{
			JWTSecret:     raw.JWTSecret,
			JWTExpiration: raw.JWTExpiration,
		},
		Wallet: WalletConfig{
			PassTypeID:       raw.PassTypeID,
			TeamID:           raw.TeamID,
			OrganizationName: raw.OrganizationName,
		},
		PassBuilder: PassBuilderConfig{
			URL:     raw.PassBuilderURL,
			APIKey:  raw.PassBuilderAPIKey,
			Timeout: raw.PassBuilderTimeout,
		},
		CORS: CORSConfig{
			AllowedOrigins: raw.CORSAllowedOrigins,
			AllowedMethods: raw.CORSAllowedMethods,
			AllowedHeaders: raw.CORSAllowedHeaders,
		},
		Logging: LoggingConfig{
			Level:  raw.LogLevel,
			Format: strings.ToLower(strings.TrimSpace(raw.LogFormat)),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: raw.OTLPEndpoint,
			ServiceName:  raw.OTelServiceName,
		},
	}

	switch cfg.Registry.Driver {
	case RegistryCouchDB, RegistryMemory:
	case RegistrySQLite:
		if strings.TrimSpace(cfg.Registry.SQLitePath) == "" {
			return nil, configurationError("SQLITE_PATH is required for the sqlite registry", nil)
		}
	default:
		return nil, configurationError(fmt.Sprintf("unknown REGISTRY_DRIVER %q", raw.RegistryDriver), nil)
	}

	switch cfg.Logging.Format {
	case "console", "json", "pretty":
	default:
		return nil, configurationError(fmt.Sprintf("unknown LOG_FORMAT %q", raw.LogFormat), nil)
	}

	if cfg.Server.Env == "production" && cfg.Issuer.JWTSecret == defaultJWTSecret {
		return nil, configurationError("JWT_SECRET must be set in production", nil)
	}

	if cfg.Wallet.PassTypeID == "" || cfg.Wallet.TeamID == "" {
		return nil, configurationError("PASS_TYPE_ID and PASS_TEAM_ID are required", nil)
	}
	if cfg.PassBuilder.URL == "" {
		return nil, configurationError("PASS_BUILDER_URL is required", nil)
	}

	if raw.WebServiceURL != "" {
		u, err := url.Parse(raw.WebServiceURL)
		if err != nil || u.Scheme != "https" && u.Scheme != "http" || u.Host == "" {
			return nil, configurationError("WEB_SERVICE_URL must be an absolute http(s) URL", err)
		}
		cfg.Wallet.WebService = &WebServiceConfig{URL: strings.TrimRight(raw.WebServiceURL, "/")}
	}

	push, err := buildPush(raw)
	if err != nil {
		return nil, err
	}
	if push != nil && cfg.Wallet.WebService == nil {
		return nil, configurationError("push delivery requires WEB_SERVICE_URL", nil)
	}
	cfg.Wallet.Push = push

	return cfg, nil
}

// buildPush returns nil when no push setting is present and an error when
// only some of them are.
func buildPush(raw rawConfig) (*PushConfig, error) {
	if raw.APNsKeyID == "" && raw.APNsPrivateKey == "" && raw.APNsKeyFile == "" {
		return nil, nil
	}
	if raw.APNsKeyID == "" {
		return nil, configurationError("APNS_KEY_ID is required when a push signing key is configured", nil)
	}
	if raw.APNsPrivateKey != "" && raw.APNsKeyFile != "" {
		return nil, configurationError("set only one of APNS_PRIVATE_KEY and APNS_PRIVATE_KEY_FILE", nil)
	}

	key := []byte(raw.APNsPrivateKey)
	if raw.APNsKeyFile != "" {
		data, err := os.ReadFile(raw.APNsKeyFile)
		if err != nil {
			return nil, configurationError("failed to read APNS_PRIVATE_KEY_FILE", err)
		}
		key = data
	}
	if len(key) == 0 {
		return nil, configurationError("APNS_PRIVATE_KEY or APNS_PRIVATE_KEY_FILE is required when APNS_KEY_ID is set", nil)
	}

	return &PushConfig{
		KeyID:       raw.APNsKeyID,
		PrivateKey:  key,
		Host:        raw.APNsHost,
		Concurrency: raw.APNsConcurrency,
		Timeout:     raw.APNsTimeout,
		QueueSize:   raw.PushQueueSize,
		JobTimeout:  raw.PushJobTimeout,
	}, nil
}

func configurationError(message string, source error) error {
	if source == nil {
		return goerrors.New(message, goerrors.CategoryBadInput).
			WithCode(http.StatusInternalServerError).
			WithTextCode("CONFIGURATION_ERROR")
	}
	return goerrors.Wrap(source, goerrors.CategoryBadInput, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode("CONFIGURATION_ERROR")
}
