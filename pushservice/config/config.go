// --- File: pushservice/config/config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const (
	RegistryFirestore = "firestore"
	RegistryPostgres  = "postgres"

	DefaultMaxConcurrentPushes = 100
	DefaultBatchTimeout        = 30 * time.Second
	DefaultRedisTTL            = 24 * time.Hour
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type PostgresConfig struct {
	DSN string
}

// AuthMode is the way a provider connection authenticates.
type AuthMode int

const (
	AuthCertificate AuthMode = iota + 1
	AuthToken
)

// APNsApplication holds the credentials for one application id.
// Exactly one of certificate or token auth must be configured.
type APNsApplication struct {
	Sandbox bool

	// Certificate auth.
	CertificatePath     string
	CertificatePassword string

	// Token auth. KeyContent is the raw .p8 content and takes precedence over KeyPath.
	KeyContent string
	KeyPath    string
	KeyID      string
	TeamID     string

	// Topic is the app bundle id. Required for token auth.
	Topic string
}

// AuthMode resolves which auth mode the credentials describe.
func (a APNsApplication) AuthMode() (AuthMode, error) {
	hasCert := a.CertificatePath != ""
	hasToken := a.KeyContent != "" || a.KeyPath != ""
	switch {
	case hasCert && hasToken:
		return 0, push.ErrAmbiguousCredentials
	case hasCert:
		return AuthCertificate, nil
	case hasToken:
		if a.KeyID == "" || a.TeamID == "" || a.Topic == "" {
			return 0, fmt.Errorf("%w: token auth needs key_id, team_id and topic", push.ErrMissingCredentials)
		}
		return AuthToken, nil
	default:
		return 0, push.ErrMissingCredentials
	}
}

type APNsConfig struct {
	DefaultApplicationID string
	MaxConcurrentPushes  int
	BatchTimeout         time.Duration
	Applications         map[string]APNsApplication
}

// Application returns the credentials for id; an empty id selects the default application.
func (c APNsConfig) Application(id string) (APNsApplication, error) {
	if id == "" {
		id = c.DefaultApplicationID
	}
	app, ok := c.Applications[id]
	if !ok {
		return APNsApplication{}, &push.ConfigError{ApplicationID: id, Err: push.ErrUnknownApplication}
	}
	return app, nil
}

type FCMConfig struct {
	Enabled bool
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Registry   string
	Postgres   PostgresConfig
	APNs       APNsConfig
	FCM        FCMConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Registry Overrides
	if val := os.Getenv("REGISTRY_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "REGISTRY_BACKEND", "source", "env")
		cfg.Registry = strings.ToLower(val)
	}
	if val := os.Getenv("POSTGRES_DSN"); val != "" {
		logger.Debug("Overriding config value", "key", "POSTGRES_DSN", "source", "env")
		cfg.Postgres.DSN = val
	}

	// APNs Overrides (apply to the default application)
	if err := applyAPNsOverrides(&cfg.APNs, logger); err != nil {
		return nil, err
	}

	if val := os.Getenv("FCM_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.FCM.Enabled = enabled
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = DefaultRedisTTL
	}

	switch cfg.Registry {
	case "":
		cfg.Registry = RegistryFirestore
	case RegistryFirestore:
	case RegistryPostgres:
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres registry requires a dsn (set via YAML or POSTGRES_DSN env var)")
		}
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry)
	}

	if cfg.APNs.MaxConcurrentPushes <= 0 {
		cfg.APNs.MaxConcurrentPushes = DefaultMaxConcurrentPushes
	}
	if cfg.APNs.BatchTimeout <= 0 {
		cfg.APNs.BatchTimeout = DefaultBatchTimeout
	}
	for id, app := range cfg.APNs.Applications {
		if _, err := app.AuthMode(); err != nil {
			return nil, &push.ConfigError{ApplicationID: id, Err: err}
		}
	}
	if len(cfg.APNs.Applications) > 0 {
		if _, ok := cfg.APNs.Applications[cfg.APNs.DefaultApplicationID]; !ok {
			return nil, &push.ConfigError{ApplicationID: cfg.APNs.DefaultApplicationID, Err: push.ErrUnknownApplication}
		}
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyAPNsOverrides(cfg *APNsConfig, logger *slog.Logger) error {
	if val := os.Getenv("APNS_MAX_CONCURRENT_PUSHES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.MaxConcurrentPushes = n
		}
	}
	if val := os.Getenv("APNS_BATCH_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid APNS_BATCH_TIMEOUT %q: %w", val, err)
		}
		cfg.BatchTimeout = d
	}

	overrides := map[string]func(app *APNsApplication, val string){
		"APNS_CERTIFICATE_PATH":     func(app *APNsApplication, v string) { app.CertificatePath = v },
		"APNS_CERTIFICATE_PASSWORD": func(app *APNsApplication, v string) { app.CertificatePassword = v },
		"APNS_P8_KEY":               func(app *APNsApplication, v string) { app.KeyContent = v },
		"APNS_KEY_PATH":             func(app *APNsApplication, v string) { app.KeyPath = v },
		"APNS_KEY_ID":               func(app *APNsApplication, v string) { app.KeyID = v },
		"APNS_TEAM_ID":              func(app *APNsApplication, v string) { app.TeamID = v },
		"APNS_TOPIC":                func(app *APNsApplication, v string) { app.Topic = v },
		"APNS_USE_SANDBOX": func(app *APNsApplication, v string) {
			sandbox, _ := strconv.ParseBool(v)
			app.Sandbox = sandbox
		},
	}

	for key, apply := range overrides {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if cfg.Applications == nil {
			cfg.Applications = make(map[string]APNsApplication)
		}
		app := cfg.Applications[cfg.DefaultApplicationID]
		apply(&app, val)
		cfg.Applications[cfg.DefaultApplicationID] = app
		if key != "APNS_P8_KEY" && key != "APNS_CERTIFICATE_PASSWORD" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
		}
	}
	return nil
}
