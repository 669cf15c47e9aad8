// Package config loads procbridge settings from a TOML file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Duration is a time.Duration written as a string such as "10s" or "1m30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Server configures pbserver.
type Server struct {
	Addr           string   `toml:"addr"`
	RequestTimeout Duration `toml:"request_timeout"`
	StopTimeout    Duration `toml:"stop_timeout"`
	MaxConns       int      `toml:"max_conns"`
	Codec          string   `toml:"codec"`
	RateLimit      float64  `toml:"rate_limit"` // requests per second, 0 disables
	RateBurst      int      `toml:"rate_burst"`
}

// Client configures pbclient.
type Client struct {
	Addr       string   `toml:"addr"`
	Timeout    Duration `toml:"timeout"`
	Codec      string   `toml:"codec"`
	Retries    int      `toml:"retries"`
	RetryDelay Duration `toml:"retry_delay"`
	Balancer   string   `toml:"balancer"`
}

// Discovery points both programs at etcd. Empty endpoints disable discovery.
type Discovery struct {
	Endpoints []string `toml:"endpoints"`
	Service   string   `toml:"service"`
	Advertise string   `toml:"advertise"`
	TTL       Duration `toml:"ttl"`
	Weight    int      `toml:"weight"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Metrics configures the Prometheus endpoint. Empty addr disables it.
type Metrics struct {
	Addr string `toml:"addr"`
}

type Config struct {
	Server    Server    `toml:"server"`
	Client    Client    `toml:"client"`
	Discovery Discovery `toml:"discovery"`
	Log       Log       `toml:"log"`
	Metrics   Metrics   `toml:"metrics"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:           "127.0.0.1:8000",
			RequestTimeout: Duration(10 * time.Second),
			StopTimeout:    Duration(5 * time.Second),
			Codec:          "json",
		},
		Client: Client{
			Addr:       "127.0.0.1:8000",
			Timeout:    Duration(10 * time.Second),
			Codec:      "json",
			RetryDelay: Duration(100 * time.Millisecond),
			Balancer:   "round_robin",
		},
		Discovery: Discovery{
			Service: "procbridge",
			TTL:     Duration(10 * time.Second),
			Weight:  1,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Sample returns a commented configuration file holding the defaults.
func Sample() string {
	return sampleConfig
}

// Load reads path on top of Default and validates the result. An empty path
// returns the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode writes cfg as TOML.
func (c Config) Encode() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
