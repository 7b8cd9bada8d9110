// Package config loads the server configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Agents   AgentsConfig   `yaml:"agents"`
	Response ResponseConfig `yaml:"response"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit"`  // requests per second per client IP
	RateBurst    int           `yaml:"rate_burst"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	TimeZone string `yaml:"timezone"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode, d.TimeZone)
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	EnrollKey string        `yaml:"enroll_key"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether a broker is configured at all.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConfigVersion     int           `yaml:"config_version"`
}

type ResponseConfig struct {
	Threshold     string        `yaml:"threshold"` // lowest tier that triggers automation
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "vigil",
			Password: "vigil",
			Name:     "vigil",
			SSLMode:  "disable",
			TimeZone: "UTC",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Agents: AgentsConfig{
			HeartbeatInterval: 60 * time.Second,
			ConfigVersion:     1,
		},
		Response: ResponseConfig{
			Threshold:     "high",
			ActionTimeout: 30 * time.Second,
		},
	}
}

// Load reads the YAML file at path (optional) and applies environment
// overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Server.Addr, "VIGIL_ADDR")
	override(&c.Database.Host, "DB_HOST")
	override(&c.Database.Port, "DB_PORT")
	override(&c.Database.User, "DB_USER")
	override(&c.Database.Password, "DB_PASSWORD")
	override(&c.Database.Name, "DB_NAME")
	override(&c.Database.SSLMode, "DB_SSLMODE")
	override(&c.Auth.JWTSecret, "JWT_SECRET")
	override(&c.Auth.EnrollKey, "ENROLL_KEY")
	if v := os.Getenv("VIGIL_CONFIG_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agents.ConfigVersion = n
		}
	}
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
