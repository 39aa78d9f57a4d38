package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Relay     RelayConfig     `yaml:"relay"`
	Devices   DevicesConfig   `yaml:"devices"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Path the terminal socket is mounted on.
	Path string `yaml:"path"`
}

type WebSocketConfig struct {
	MaxSessions  int           `yaml:"max_sessions"`
	SendBuffer   int           `yaml:"send_buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// OutputMode selects which transport events become "output" messages.
type OutputMode string

const (
	OutputRaw  OutputMode = "raw"
	OutputLine OutputMode = "line"
)

type RelayConfig struct {
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	OutputMode   OutputMode    `yaml:"output_mode"`
	DefaultBaud  int           `yaml:"default_baud"`
}

type DevicesConfig struct {
	// Database is the lab application's SQLite file. Empty disables
	// database lookups.
	Database string         `yaml:"database"`
	Static   []StaticDevice `yaml:"static"`
}

type StaticDevice struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	BaudRate int    `yaml:"baud_rate"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":3001",
			Path: "/ws/terminal",
		},
		WebSocket: WebSocketConfig{
			MaxSessions:  500,
			SendBuffer:   256,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			ReadLimit:    64 * 1024,
		},
		Relay: RelayConfig{
			OpenTimeout:  5 * time.Second,
			WriteTimeout: 2 * time.Second,
			OutputMode:   OutputRaw,
			DefaultBaud:  9600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load config from yml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", c.Server.Path))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer must be positive"))
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.WriteTimeout <= 0 {
		errs = append(errs, errors.New("websocket.ping_interval and websocket.write_timeout must be positive"))
	}
	if c.Relay.OpenTimeout <= 0 {
		errs = append(errs, errors.New("relay.open_timeout must be positive"))
	}
	if c.Relay.DefaultBaud <= 0 {
		errs = append(errs, errors.New("relay.default_baud must be positive"))
	}
	switch c.Relay.OutputMode {
	case OutputRaw, OutputLine:
	default:
		errs = append(errs, fmt.Errorf("relay.output_mode %q must be %q or %q", c.Relay.OutputMode, OutputRaw, OutputLine))
	}
	for i, d := range c.Devices.Static {
		if d.ID == "" || d.Address == "" {
			errs = append(errs, fmt.Errorf("devices.static[%d] needs id and address", i))
		}
	}
	return errors.Join(errs...)
}
