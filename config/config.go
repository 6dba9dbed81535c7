package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Minio    MinioConfig    `yaml:"minio"`
	Engine   EngineConfig   `yaml:"engine"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
	Progress ProgressConfig `yaml:"progress"`
	Users    []User         `yaml:"users"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

// EngineConfig configures the external analysis engine that performs the
// actual contract inspection and drives audit progress.
type EngineConfig struct {
	APIURL        string `yaml:"api_url"`
	APIToken      string `yaml:"api_token"`
	EngineVersion string `yaml:"engine_version"`
	CallbackURL   string `yaml:"callback_url"`
	Seed          string `yaml:"seed"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type StoreConfig struct {
	MaxAudits int `yaml:"max_audits"`
}

// ProgressConfig tunes the real-time progress channel and the observer-side
// reconnect behaviour.
type ProgressConfig struct {
	QueueSize         int `yaml:"queue_size"`          // per-observer event buffer
	ReconnectBaseMS   int `yaml:"reconnect_base_ms"`   // initial backoff
	ReconnectMaxMS    int `yaml:"reconnect_max_ms"`    // backoff cap
	ReconnectAttempts int `yaml:"reconnect_attempts"`  // 0 = unlimited
	PollIntervalSecs  int `yaml:"poll_interval_secs"`  // engine status poll fallback
	PollMaxAttempts   int `yaml:"poll_max_attempts"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tenant   string `yaml:"tenant"`
}

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Minio.ExpireDays == 0 {
		cfg.Minio.ExpireDays = 7
	}
	if cfg.Auth.TokenExpireHours == 0 {
		cfg.Auth.TokenExpireHours = 24
	}
	if cfg.Engine.EngineVersion == "" {
		cfg.Engine.EngineVersion = "v2"
	}
	if cfg.Store.MaxAudits == 0 {
		cfg.Store.MaxAudits = 100
	}
	if cfg.Progress.QueueSize == 0 {
		cfg.Progress.QueueSize = 16
	}
	if cfg.Progress.ReconnectBaseMS == 0 {
		cfg.Progress.ReconnectBaseMS = 500
	}
	if cfg.Progress.ReconnectMaxMS == 0 {
		cfg.Progress.ReconnectMaxMS = 30000
	}
	if cfg.Progress.ReconnectAttempts == 0 {
		cfg.Progress.ReconnectAttempts = 10
	}
	if cfg.Progress.PollIntervalSecs == 0 {
		cfg.Progress.PollIntervalSecs = 5
	}
	if cfg.Progress.PollMaxAttempts == 0 {
		cfg.Progress.PollMaxAttempts = 60
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
