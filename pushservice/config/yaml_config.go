// --- File: pushservice/config/yaml_config.go ---
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlPostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type YamlAPNsApplication struct {
	Sandbox             bool   `yaml:"use_sandbox"`
	CertificatePath     string `yaml:"certificate_path"`
	CertificatePassword string `yaml:"certificate_password"`
	KeyPath             string `yaml:"key_path"`
	KeyID               string `yaml:"key_id"`
	TeamID              string `yaml:"team_id"`
	Topic               string `yaml:"topic"`
}

type YamlAPNsConfig struct {
	DefaultApplicationID string                         `yaml:"default_application_id"`
	MaxConcurrentPushes  int                            `yaml:"max_concurrent_pushes"`
	BatchTimeout         string                         `yaml:"batch_timeout"`
	Applications         map[string]YamlAPNsApplication `yaml:"applications"`
}

type YamlFCMConfig struct {
	Enabled bool `yaml:"enabled"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string             `yaml:"project_id"`
	ListenAddr             string             `yaml:"listen_addr"`
	TopicID                string             `yaml:"topic_id"`
	SubscriptionID         string             `yaml:"subscription_id"`
	SubscriptionDLQTopicID string             `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig     `yaml:"cors"`
	RedisConfig            YamlRedisConfig    `yaml:"redis"`
	Registry               string             `yaml:"registry"`
	PostgresConfig         YamlPostgresConfig `yaml:"postgres"`
	APNsConfig             YamlAPNsConfig     `yaml:"apns"`
	FCMConfig              YamlFCMConfig      `yaml:"fcm"`
	NumPipelineWorkers     int                `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	redisTTL, err := parseOptionalDuration("redis.ttl", baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, err
	}
	batchTimeout, err := parseOptionalDuration("apns.batch_timeout", baseCfg.APNsConfig.BatchTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		Registry: baseCfg.Registry,
		Postgres: PostgresConfig{DSN: baseCfg.PostgresConfig.DSN},
		APNs: APNsConfig{
			DefaultApplicationID: baseCfg.APNsConfig.DefaultApplicationID,
			MaxConcurrentPushes:  baseCfg.APNsConfig.MaxConcurrentPushes,
			BatchTimeout:         batchTimeout,
		},
		FCM:                    FCMConfig{Enabled: baseCfg.FCMConfig.Enabled},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if len(baseCfg.APNsConfig.Applications) > 0 {
		cfg.APNs.Applications = make(map[string]APNsApplication, len(baseCfg.APNsConfig.Applications))
		for id, app := range baseCfg.APNsConfig.Applications {
			cfg.APNs.Applications[id] = APNsApplication{
				Sandbox:             app.Sandbox,
				CertificatePath:     app.CertificatePath,
				CertificatePassword: app.CertificatePassword,
				KeyPath:             app.KeyPath,
				KeyID:               app.KeyID,
				TeamID:              app.TeamID,
				Topic:               app.Topic,
			}
		}
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"registry", cfg.Registry,
		"apns_applications", len(cfg.APNs.Applications),
	)

	return cfg, nil
}

func parseOptionalDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}
