package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

// Config captures runtime settings for the wallet sync service.
type Config struct {
	Env             string
	Addr            string
	DatabaseURL     string
	Store           string
	DebugToken      string
	AllowDebugToken bool
	LogLevel        string
	LogFormat       string

	// PublicBaseURL prefixes fallback card links handed to holders.
	PublicBaseURL string
	// WebServiceURL is advertised in pass.json and hosts the /wallet routes.
	WebServiceURL string
	IconBaseURL   string
	CORSOrigins   []string
	Platforms     []models.Platform

	Workers         int
	BuildTimeout    time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
	Retention       time.Duration
	JanitorInterval time.Duration
	PollInterval    time.Duration
	WaitTimeout     time.Duration
	MaxBodyBytes    int

	PassTypeID       string
	TeamID           string
	AppleCert        string
	AppleKey         string
	AppleKeyPassword string
	AppleWWDR        string
	SignerMode       string
	OpenSSLPath      string
	SignerURL        string
	SignerID         string

	GoogleServiceAccountEmail string
	GooglePrivateKey          string
	GoogleIssuerID            string
	GoogleAPIBaseURL          string
	GoogleTokenURL            string
	GoogleOrigins             []string
	GoogleLogoURL             string

	NATSURL     string
	NATSToken   string
	NATSSubject string
	NATSQueue   string

	KafkaBrokers []string
	KafkaTopic   string

	S3Bucket    string
	S3Prefix    string
	S3URLExpiry time.Duration
}

const (
	defaultAddr         = ":8052"
	defaultWorkers      = 3
	defaultBuildTimeout = 30 * time.Second
	defaultRetention    = 24 * time.Hour
	defaultJanitor      = 10 * time.Minute
	defaultPoll         = time.Second
	defaultWaitTimeout  = 20 * time.Second
	defaultBodyLimit    = 64 * 1024
	defaultKafkaTopic   = "wallet.provisioning"
	defaultNATSSubject  = "cards.updated"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	SignerOpenSSL = "openssl"
	SignerRemote  = "remote"
)

// fileConfig is the optional YAML overlay. It holds non-secret settings only;
// environment variables win over it.
type fileConfig struct {
	Addr          string   `yaml:"addr"`
	PublicBaseURL string   `yaml:"publicBaseUrl"`
	WebServiceURL string   `yaml:"webServiceUrl"`
	IconBaseURL   string   `yaml:"iconBaseUrl"`
	CORSOrigins   []string `yaml:"corsOrigins"`
	Platforms     []string `yaml:"platforms"`
	Workers       int      `yaml:"workers"`
	BuildTimeout  string   `yaml:"buildTimeout"`
	RetryAttempts int      `yaml:"retryAttempts"`
	RetryBackoff  string   `yaml:"retryBackoff"`
	Retention     string   `yaml:"retention"`
	WaitTimeout   string   `yaml:"waitTimeout"`

	Apple struct {
		PassTypeID string `yaml:"passTypeId"`
		TeamID     string `yaml:"teamId"`
		Signer     string `yaml:"signer"`
		SignerURL  string `yaml:"signerUrl"`
	} `yaml:"apple"`

	Google struct {
		IssuerID   string   `yaml:"issuerId"`
		APIBaseURL string   `yaml:"apiBaseUrl"`
		Origins    []string `yaml:"origins"`
		LogoURL    string   `yaml:"logoUrl"`
	} `yaml:"google"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
		Queue   string `yaml:"queue"`
	} `yaml:"nats"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	S3 struct {
		Bucket string `yaml:"bucket"`
		Prefix string `yaml:"prefix"`
	} `yaml:"s3"`
}

// Load reads WALLET_ENV_FILE (dotenv) and WALLET_CONFIG_FILE (YAML) when set,
// then environment variables, and validates the result.
func Load() (Config, error) {
	if path := os.Getenv("WALLET_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	var fc fileConfig
	if path := os.Getenv("WALLET_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return fromEnv(fc)
}

func fromEnv(fc fileConfig) (Config, error) {
	cfg := Config{
		Env:             firstNonEmpty(os.Getenv("WALLET_ENV"), os.Getenv("NODE_ENV"), "development"),
		Addr:            getEnv("WALLET_ADDR", firstNonEmpty(fc.Addr, defaultAddr)),
		DatabaseURL:     firstNonEmpty(os.Getenv("WALLET_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		Store:           strings.ToLower(getEnv("WALLET_STORE", StorePostgres)),
		DebugToken:      os.Getenv("WALLET_DEBUG_TOKEN"),
		AllowDebugToken: getBool("WALLET_ALLOW_DEBUG_TOKEN", false),
		LogLevel:        getEnv("WALLET_LOG_LEVEL", "info"),
		LogFormat:       getEnv("WALLET_LOG_FORMAT", "json"),

		PublicBaseURL: getEnv("WALLET_PUBLIC_BASE_URL", fc.PublicBaseURL),
		WebServiceURL: getEnv("WALLET_WEB_SERVICE_URL", fc.WebServiceURL),
		IconBaseURL:   getEnv("WALLET_ICON_BASE_URL", fc.IconBaseURL),
		CORSOrigins:   getList("WALLET_CORS_ORIGINS", fc.CORSOrigins),

		Workers:         getInt("WALLET_WORKERS", positive(fc.Workers, defaultWorkers)),
		BuildTimeout:    getDuration("WALLET_BUILD_TIMEOUT", parseDuration(fc.BuildTimeout, defaultBuildTimeout)),
		RetryAttempts:   getInt("WALLET_RETRY_ATTEMPTS", positive(fc.RetryAttempts, 1)),
		RetryBackoff:    getDuration("WALLET_RETRY_BACKOFF", parseDuration(fc.RetryBackoff, 500*time.Millisecond)),
		Retention:       getDuration("WALLET_RETENTION", parseDuration(fc.Retention, defaultRetention)),
		JanitorInterval: getDuration("WALLET_JANITOR_INTERVAL", defaultJanitor),
		PollInterval:    getDuration("WALLET_POLL_INTERVAL", defaultPoll),
		WaitTimeout:     getDuration("WALLET_WAIT_TIMEOUT", parseDuration(fc.WaitTimeout, defaultWaitTimeout)),
		MaxBodyBytes:    getInt("WALLET_MAX_BODY_BYTES", defaultBodyLimit),

		PassTypeID:       getEnv("APPLE_PASS_TYPE_ID", fc.Apple.PassTypeID),
		TeamID:           getEnv("APPLE_TEAM_ID", fc.Apple.TeamID),
		AppleCert:        os.Getenv("APPLE_PASS_CERT"),
		AppleKey:         os.Getenv("APPLE_PASS_KEY"),
		AppleKeyPassword: os.Getenv("APPLE_PASS_KEY_PASSWORD"),
		AppleWWDR:        os.Getenv("APPLE_WWDR_CERT"),
		SignerMode:       strings.ToLower(getEnv("WALLET_SIGNER", firstNonEmpty(fc.Apple.Signer, SignerOpenSSL))),
		OpenSSLPath:      os.Getenv("WALLET_OPENSSL_PATH"),
		SignerURL:        getEnv("WALLET_SIGNER_URL", fc.Apple.SignerURL),
		SignerID:         getEnv("WALLET_SIGNER_ID", "wallet-sync"),

		GoogleServiceAccountEmail: os.Getenv("GOOGLE_SERVICE_ACCOUNT_EMAIL"),
		GooglePrivateKey:          os.Getenv("GOOGLE_PRIVATE_KEY"),
		GoogleIssuerID:            getEnv("GOOGLE_ISSUER_ID", fc.Google.IssuerID),
		GoogleAPIBaseURL:          getEnv("GOOGLE_WALLET_API_URL", fc.Google.APIBaseURL),
		GoogleTokenURL:            os.Getenv("GOOGLE_TOKEN_URL"),
		GoogleOrigins:             getList("GOOGLE_WALLET_ORIGINS", fc.Google.Origins),
		GoogleLogoURL:             getEnv("GOOGLE_WALLET_LOGO_URL", fc.Google.LogoURL),

		NATSURL:     getEnv("WALLET_NATS_URL", fc.NATS.URL),
		NATSToken:   os.Getenv("WALLET_NATS_TOKEN"),
		NATSSubject: getEnv("WALLET_NATS_SUBJECT", firstNonEmpty(fc.NATS.Subject, defaultNATSSubject)),
		NATSQueue:   getEnv("WALLET_NATS_QUEUE", firstNonEmpty(fc.NATS.Queue, "wallet-sync")),

		KafkaBrokers: getList("WALLET_KAFKA_BROKERS", fc.Kafka.Brokers),
		KafkaTopic:   getEnv("WALLET_KAFKA_TOPIC", firstNonEmpty(fc.Kafka.Topic, defaultKafkaTopic)),

		S3Bucket:    getEnv("WALLET_S3_BUCKET", fc.S3.Bucket),
		S3Prefix:    getEnv("WALLET_S3_PREFIX", fc.S3.Prefix),
		S3URLExpiry: getDuration("WALLET_S3_URL_EXPIRY", 15*time.Minute),
	}

	platforms, err := parsePlatforms(getList("WALLET_PLATFORMS", fc.Platforms))
	if err != nil {
		return Config{}, err
	}
	cfg.Platforms = platforms

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL or WALLET_DATABASE_URL is required unless WALLET_STORE=memory")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("WALLET_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	switch c.SignerMode {
	case SignerOpenSSL:
	case SignerRemote:
		if c.SignerURL == "" {
			return fmt.Errorf("WALLET_SIGNER_URL is required when WALLET_SIGNER=remote")
		}
	default:
		return fmt.Errorf("WALLET_SIGNER must be %q or %q, got %q", SignerOpenSSL, SignerRemote, c.SignerMode)
	}
	if c.AllowDebugToken && c.DebugToken == "" {
		return fmt.Errorf("WALLET_DEBUG_TOKEN is required when WALLET_ALLOW_DEBUG_TOKEN=true")
	}
	return nil
}

// Production reports whether the service runs with production guardrails.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func parsePlatforms(raw []string) ([]models.Platform, error) {
	if len(raw) == 0 {
		return append([]models.Platform(nil), models.AllPlatforms...), nil
	}
	out := make([]models.Platform, 0, len(raw))
	hasPWA := false
	for _, v := range raw {
		p, err := models.ParsePlatform(v)
		if err != nil {
			return nil, fmt.Errorf("WALLET_PLATFORMS: %w", err)
		}
		if p == models.PlatformPWA {
			hasPWA = true
		}
		out = append(out, p)
	}
	if !hasPWA {
		out = append(out, models.PlatformPWA)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		ok, err := strconv.ParseBool(v)
		if err == nil {
			return ok
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	return parseDuration(os.Getenv(key), fallback)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		return parseCSV(v)
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
