package main

import (
	"fmt"
	"os"
	"time"

	"cpjudge/internal/common/cache"
	"cpjudge/internal/common/db"
	"cpjudge/internal/judge/contentclient"
	"cpjudge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultWorkRoot      = "/shared_tmp"
	defaultLanguagesPath = "configs/languages.yaml"
	defaultWorkers       = 4
	defaultJudgeTimeout  = 5 * time.Minute

	defaultDockerReadyTimeout  = 30 * time.Second
	defaultDockerReadyInterval = 2 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KeycloakConfig holds token verification settings.
type KeycloakConfig struct {
	IssuerURL string        `yaml:"issuerURL"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DockerConfig holds sandbox daemon settings.
type DockerConfig struct {
	Host          string        `yaml:"host"`
	ReadyTimeout  time.Duration `yaml:"readyTimeout"`
	ReadyInterval time.Duration `yaml:"readyInterval"`
	PrePull       bool          `yaml:"prePull"`
}

// JudgeConfig holds judging pool settings.
type JudgeConfig struct {
	WorkRoot  string        `yaml:"workRoot"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queueSize"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LanguagesConfig points at the language definitions file.
type LanguagesConfig struct {
	Path string `yaml:"path"`
}

// AppConfig holds tester-service config.
type AppConfig struct {
	Server    ServerConfig         `yaml:"server"`
	Logger    logger.Config        `yaml:"logger"`
	Database  db.PostgreSQLConfig  `yaml:"database"`
	Redis     cache.RedisConfig    `yaml:"redis"`
	Content   contentclient.Config `yaml:"content"`
	Keycloak  KeycloakConfig       `yaml:"keycloak"`
	Docker    DockerConfig         `yaml:"docker"`
	Judge     JudgeConfig          `yaml:"judge"`
	Languages LanguagesConfig      `yaml:"languages"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	applyEnvOverrides(&cfg)

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Content.BaseURL == "" {
		return nil, fmt.Errorf("content service base url is required")
	}
	if cfg.Keycloak.IssuerURL == "" {
		return nil, fmt.Errorf("keycloak issuer url is required")
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Judge.WorkRoot == "" {
		cfg.Judge.WorkRoot = defaultWorkRoot
	}
	if cfg.Judge.Workers <= 0 {
		cfg.Judge.Workers = defaultWorkers
	}
	if cfg.Judge.Timeout == 0 {
		cfg.Judge.Timeout = defaultJudgeTimeout
	}
	if cfg.Docker.ReadyTimeout == 0 {
		cfg.Docker.ReadyTimeout = defaultDockerReadyTimeout
	}
	if cfg.Docker.ReadyInterval == 0 {
		cfg.Docker.ReadyInterval = defaultDockerReadyInterval
	}
	if cfg.Languages.Path == "" {
		cfg.Languages.Path = defaultLanguagesPath
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployment environments override the file config,
// matching the usual container conventions.
func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CONTENT_SERVICE_URL"); v != "" {
		cfg.Content.BaseURL = v
	}
	if v := os.Getenv("KEYCLOAK_ISSUER_URL"); v != "" {
		cfg.Keycloak.IssuerURL = v
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("LANGUAGES_CONFIG"); v != "" {
		cfg.Languages.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}
