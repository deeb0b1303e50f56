// Package config reads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"replicanet/server/internal/observability"
	"replicanet/server/internal/replica"
	"replicanet/server/logging"
)

type Config struct {
	Addr      string `env:"REPLICANET_ADDR"       envDefault:":8080"`
	Role      string `env:"REPLICANET_ROLE"       envDefault:"server"`
	ServerURL string `env:"REPLICANET_SERVER_URL" envDefault:"ws://localhost:8080/ws"`
	TickRate  int    `env:"REPLICANET_TICK_RATE"  envDefault:"30"`
	// Profile is a YAML replication profile. Empty uses the built-in one.
	Profile string `env:"REPLICANET_PROFILE"`

	LogSinks    []string `env:"REPLICANET_LOG_SINKS"     envDefault:"console" envSeparator:","`
	LogJSONPath string   `env:"REPLICANET_LOG_JSON_PATH"`
	LogLevel    string   `env:"REPLICANET_LOG_LEVEL"     envDefault:"info"`

	FrameFillWarning   float64 `env:"REPLICANET_FRAME_FILL_WARNING"    envDefault:"0.8"`
	FrameFillSkip      float64 `env:"REPLICANET_FRAME_FILL_SKIP"       envDefault:"0.9"`
	LinkBytesPerSecond int     `env:"REPLICANET_LINK_BYTES_PER_SECOND" envDefault:"0"`

	CompressThreshold int     `env:"REPLICANET_WS_COMPRESS_THRESHOLD"  envDefault:"512"`
	UpgradesPerSecond float64 `env:"REPLICANET_WS_UPGRADES_PER_SECOND" envDefault:"5"`

	EnablePprof     bool          `env:"REPLICANET_ENABLE_PPROF"`
	ShutdownTimeout time.Duration `env:"REPLICANET_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.ReplicaRole(); err != nil {
		errs = append(errs, err)
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("REPLICANET_TICK_RATE: must be positive, got %d", c.TickRate))
	}
	if c.FrameFillWarning <= 0 || c.FrameFillSkip <= 0 {
		errs = append(errs, errors.New("frame fill thresholds must be positive"))
	}
	if c.LinkBytesPerSecond < 0 {
		errs = append(errs, errors.New("REPLICANET_LINK_BYTES_PER_SECOND: must not be negative"))
	}
	if _, err := logging.ParseSeverity(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("REPLICANET_LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) ReplicaRole() (replica.Role, error) {
	switch strings.ToLower(strings.TrimSpace(c.Role)) {
	case "server":
		return replica.RoleServer, nil
	case "client":
		return replica.RoleClient, nil
	default:
		return replica.RoleUnspecified, fmt.Errorf("REPLICANET_ROLE: unknown role %q", c.Role)
	}
}

// TickInterval is the duration of one frame.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(max(1, c.TickRate))
}

// Logging derives the router configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if len(c.LogSinks) > 0 {
		cfg.EnabledSinks = c.LogSinks
	}
	cfg.JSON.FilePath = c.LogJSONPath
	if severity, err := logging.ParseSeverity(c.LogLevel); err == nil {
		cfg.MinimumSeverity = severity
	}
	cfg.Fields = map[string]any{"role": strings.ToLower(c.Role)}
	return cfg
}

func (c Config) Observability() observability.Config {
	return observability.Config{EnablePprof: c.EnablePprof}
}
