package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address      string        `yaml:"address"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		AuthTimeout  time.Duration `yaml:"auth_timeout"`
		CallTimeout  time.Duration `yaml:"call_timeout"`
	} `yaml:"signal"`

	Workers struct {
		Count                  int           `yaml:"count"` // 0 = min(4, logical cores)
		SampleInterval         time.Duration `yaml:"sample_interval"`
		OverloadScoreThreshold float64       `yaml:"overload_score_threshold"`
		WeightCPU              float64       `yaml:"weight_cpu"`
		WeightRouters          float64       `yaml:"weight_routers"`
		WeightTransports       float64       `yaml:"weight_transports"`
		RTCMinPort             uint16        `yaml:"rtc_min_port"`
		RTCMaxPort             uint16        `yaml:"rtc_max_port"`
		OnDied                 string        `yaml:"on_died"` // "respawn" or "exit"
		RespawnDelay           time.Duration `yaml:"respawn_delay"`
	} `yaml:"workers"`

	Room struct {
		MaxActiveSpeakers int           `yaml:"max_active_speakers"`
		MaxMembers        int           `yaml:"max_members"`
		ObserverInterval  time.Duration `yaml:"observer_interval"`
		RefreshInterval   time.Duration `yaml:"refresh_interval"`
	} `yaml:"room"`

	Transport struct {
		ListenIP                        string `yaml:"listen_ip"`
		AnnouncedIP                     string `yaml:"announced_ip"`
		MaxIncomingBitrate              int    `yaml:"max_incoming_bitrate"`
		InitialAvailableOutgoingBitrate int    `yaml:"initial_available_outgoing_bitrate"`
	} `yaml:"transport"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled              bool    `yaml:"enabled"`
		ConnectionsPerMinute int     `yaml:"connections_per_minute"`
		MessagesPerSecond    float64 `yaml:"messages_per_second"`
		Burst                int     `yaml:"burst"`
		MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
	} `yaml:"rate_limiting"`
}

// WorkerCount resolves the effective pool size. Zero means auto: at most
// four workers, never more than the logical core count.
func (c *Config) WorkerCount() int {
	if c.Workers.Count > 0 {
		return c.Workers.Count
	}
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	return n
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.AuthTimeout <= 0 {
		return fmt.Errorf("signal.auth_timeout must be > 0")
	}
	if c.Signal.CallTimeout <= 0 {
		return fmt.Errorf("signal.call_timeout must be > 0")
	}

	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be >= 0")
	}
	if c.Workers.SampleInterval <= 0 {
		return fmt.Errorf("workers.sample_interval must be > 0")
	}
	if c.Workers.OverloadScoreThreshold <= 0 {
		return fmt.Errorf("workers.overload_score_threshold must be > 0")
	}
	if c.Workers.OnDied != "respawn" && c.Workers.OnDied != "exit" {
		return fmt.Errorf("workers.on_died must be \"respawn\" or \"exit\"")
	}
	if c.Workers.RTCMinPort > 0 || c.Workers.RTCMaxPort > 0 {
		if c.Workers.RTCMinPort == 0 || c.Workers.RTCMaxPort == 0 {
			return fmt.Errorf("workers.rtc_min_port and rtc_max_port must both be set when one is set")
		}
		if c.Workers.RTCMinPort >= c.Workers.RTCMaxPort {
			return fmt.Errorf("workers.rtc_min_port must be < rtc_max_port")
		}
	}

	if c.Room.MaxActiveSpeakers <= 0 {
		return fmt.Errorf("room.max_active_speakers must be > 0")
	}
	if c.Room.MaxMembers <= 0 {
		return fmt.Errorf("room.max_members must be > 0")
	}
	if c.Room.ObserverInterval <= 0 {
		return fmt.Errorf("room.observer_interval must be > 0")
	}
	if c.Room.RefreshInterval <= 0 {
		return fmt.Errorf("room.refresh_interval must be > 0")
	}

	if c.Transport.MaxIncomingBitrate < 0 {
		return fmt.Errorf("transport.max_incoming_bitrate must be >= 0")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8090"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.AuthTimeout = 30 * time.Second
	cfg.Signal.CallTimeout = 45 * time.Second

	cfg.Workers.Count = 0 // min(4, logical cores)
	cfg.Workers.SampleInterval = 2 * time.Second
	cfg.Workers.OverloadScoreThreshold = 1.2
	cfg.Workers.WeightCPU = 1.0
	cfg.Workers.WeightRouters = 0.02
	cfg.Workers.WeightTransports = 0.01
	cfg.Workers.RTCMinPort = 40000
	cfg.Workers.RTCMaxPort = 41000
	cfg.Workers.OnDied = "respawn"
	cfg.Workers.RespawnDelay = 300 * time.Millisecond

	cfg.Room.MaxActiveSpeakers = 10
	cfg.Room.MaxMembers = 50
	cfg.Room.ObserverInterval = 100 * time.Millisecond
	cfg.Room.RefreshInterval = 10 * time.Second

	cfg.Transport.ListenIP = "127.0.0.1"
	cfg.Transport.AnnouncedIP = ""
	cfg.Transport.MaxIncomingBitrate = 5_000_000
	cfg.Transport.InitialAvailableOutgoingBitrate = 5_000_000

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.ConnectionsPerMinute = 60
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200
	cfg.RateLimiting.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VOCETRA_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("VOCETRA_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("VOCETRA_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VOCETRA_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
