package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configFileEnv  = "PEYK_CONFIG"
	envFileEnv     = "PEYK_ENV_FILE"
	defaultEnvFile = ".env"
)

type Config struct {
	Port             string
	Environment      string
	DatabasePath     string
	JWTSecret        string
	CORSOrigins      string
	HeartbeatTimeout time.Duration
	TypingTimeout    time.Duration
	SendInterval     time.Duration
	VAPIDPublicKey   string
	VAPIDPrivateKey  string
	OpenAIAPIKey     string
	OpenAIModel      string
}

// fileConfig is the YAML layout. Durations use time.ParseDuration syntax.
type fileConfig struct {
	Port             string `yaml:"port"`
	Environment      string `yaml:"environment"`
	DatabasePath     string `yaml:"database_path"`
	JWTSecret        string `yaml:"jwt_secret"`
	CORSOrigins      string `yaml:"cors_origins"`
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`
	TypingTimeout    string `yaml:"typing_timeout"`
	SendInterval     string `yaml:"send_interval"`
	VAPIDPublicKey   string `yaml:"vapid_public_key"`
	VAPIDPrivateKey  string `yaml:"vapid_private_key"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIModel      string `yaml:"openai_model"`
}

func (f fileConfig) values() map[string]string {
	return map[string]string{
		"PORT":              f.Port,
		"ENVIRONMENT":       f.Environment,
		"DATABASE_PATH":     f.DatabasePath,
		"JWT_SECRET":        f.JWTSecret,
		"CORS_ORIGINS":      f.CORSOrigins,
		"HEARTBEAT_TIMEOUT": f.HeartbeatTimeout,
		"TYPING_TIMEOUT":    f.TypingTimeout,
		"SEND_INTERVAL":     f.SendInterval,
		"VAPID_PUBLIC_KEY":  f.VAPIDPublicKey,
		"VAPID_PRIVATE_KEY": f.VAPIDPrivateKey,
		"OPENAI_API_KEY":    f.OpenAIAPIKey,
		"OPENAI_MODEL":      f.OpenAIModel,
	}
}

// source resolves a key from the process environment, then the env
// file, then the YAML file.
type source struct {
	envFile  map[string]string
	yamlFile map[string]string
}

func (s source) get(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if value, exists := s.envFile[key]; exists {
		return value
	}
	if value := s.yamlFile[key]; value != "" {
		return value
	}
	return defaultValue
}

func (s source) duration(key, defaultValue string) (time.Duration, error) {
	raw := s.get(key, defaultValue)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

// Load builds the configuration from defaults, the YAML file named by
// PEYK_CONFIG, the env file named by PEYK_ENV_FILE (default .env) and
// the process environment, later sources taking precedence.
func Load() (*Config, error) {
	var src source

	if path := os.Getenv(configFileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		src.yamlFile = fc.values()
	}

	envPath, explicit := os.LookupEnv(envFileEnv)
	if !explicit {
		envPath = defaultEnvFile
	}
	envFile, err := godotenv.Read(envPath)
	switch {
	case err == nil:
		src.envFile = envFile
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	cfg := &Config{
		Port:            src.get("PORT", "8080"),
		Environment:     src.get("ENVIRONMENT", "development"),
		DatabasePath:    src.get("DATABASE_PATH", "./data/peyk.db"),
		JWTSecret:       src.get("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     src.get("CORS_ORIGINS", "*"),
		VAPIDPublicKey:  src.get("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: src.get("VAPID_PRIVATE_KEY", ""),
		OpenAIAPIKey:    src.get("OPENAI_API_KEY", ""),
		OpenAIModel:     src.get("OPENAI_MODEL", ""),
	}

	if cfg.HeartbeatTimeout, err = src.duration("HEARTBEAT_TIMEOUT", "60s"); err != nil {
		return nil, err
	}
	if cfg.TypingTimeout, err = src.duration("TYPING_TIMEOUT", "1.5s"); err != nil {
		return nil, err
	}
	if cfg.SendInterval, err = src.duration("SEND_INTERVAL", "800ms"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
