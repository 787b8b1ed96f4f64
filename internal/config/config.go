// Package config loads and validates hostsweep configuration. A YAML file is
// decoded over Default(), so any key left out keeps its default value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/hostsweep/internal/db"
	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// DefaultPorts is the curated port list probed on every reachable host.
var DefaultPorts = []uint16{
	21, 22, 23, 25, 53, 80, 110, 111, 135, 139, 143, 443, 445,
	993, 995, 1723, 3306, 3389, 5432, 5900, 8080, 8443,
}

// Config represents the complete configuration.
type Config struct {
	Database db.Config      `yaml:"database" json:"database"`
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`
	Progress ProgressConfig `yaml:"progress" json:"progress"`
	Logging  logging.Config `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// ScanningConfig holds per-host stage settings. Concurrency limits come from
// the size-bucketed scaling profile and are not configurable.
type ScanningConfig struct {
	// Ports probed on reachable hosts.
	Ports []uint16 `yaml:"ports" json:"ports" validate:"required,min=1,dive,min=1"`

	// Deadline of the WHOIS stage.
	WhoisTimeout time.Duration `yaml:"whois_timeout" json:"whois_timeout" validate:"gt=0"`

	// Outgoing WHOIS queries per second across the whole run. A lookup
	// whose turn comes after whois_timeout is degraded as a timeout without
	// being sent. The large profile runs up to 36 lookups at once, so with
	// the defaults (5/s, 10s) a burst of more than about 55 uncached
	// addresses starts timing out; raise both together.
	WhoisRateLimit int `yaml:"whois_rate_limit" json:"whois_rate_limit" validate:"min=1"`

	// Force a WHOIS server instead of following IANA referrals.
	WhoisServer string `yaml:"whois_server" json:"whois_server"`

	// Delay before dispatching each batch after the first.
	BatchPause time.Duration `yaml:"batch_pause" json:"batch_pause" validate:"min=0"`

	// nmap timing template.
	NmapTiming string `yaml:"nmap_timing" json:"nmap_timing" validate:"oneof=paranoid sneaky polite normal aggressive insane"`
}

// ProgressConfig controls where progress events are published.
type ProgressConfig struct {
	// HTTP listen address for /ws/progress, /metrics and /healthz. Empty disables the server.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"omitempty,hostname_port"`

	// Serve progress events over websocket.
	WebSocket bool `yaml:"websocket" json:"websocket"`

	// AMQP broker URL. Empty disables the AMQP sink.
	AMQPURL string `yaml:"amqp_url" json:"-" validate:"omitempty,url"`

	// Topic exchange events are published to.
	AMQPExchange string `yaml:"amqp_exchange" json:"amqp_exchange"`

	// Buffered events per asynchronous sink before the oldest are dropped.
	BufferSize int `yaml:"buffer_size" json:"buffer_size" validate:"min=1"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	ports := make([]uint16, len(DefaultPorts))
	copy(ports, DefaultPorts)

	return &Config{
		Database: db.DefaultConfig(),
		Scanning: ScanningConfig{
			Ports:          ports,
			WhoisTimeout:   10 * time.Second,
			WhoisRateLimit: 5,
			BatchPause:     0,
			NmapTiming:     "aggressive",
		},
		Progress: ProgressConfig{
			AMQPExchange: "hostsweep.progress",
			BufferSize:   256,
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads configuration from path over the defaults. A missing file
// yields the defaults; an empty path does too.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// yaml.v3 also accepts JSON documents.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed %q validation", fe.Tag()), fieldPath(fe.Namespace()), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	switch c.Database.Driver {
	case db.DriverSQLite:
		if c.Database.Path == "" {
			return errors.ErrConfigMissing("database.path")
		}
	default:
		if c.Database.Host == "" {
			return errors.ErrConfigMissing("database.host")
		}
		if c.Database.Database == "" {
			return errors.ErrConfigMissing("database.database")
		}
		if c.Database.Username == "" {
			return errors.ErrConfigMissing("database.username")
		}
	}

	if c.Progress.WebSocket && c.Progress.ListenAddr == "" {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"websocket progress requires a listen address", "progress.listen_addr", "")
	}
	if c.Progress.AMQPURL != "" && c.Progress.AMQPExchange == "" {
		return errors.ErrConfigMissing("progress.amqp_exchange")
	}
	return nil
}

// fieldPath turns "Config.Scanning.WhoisTimeout" into "scanning.whoistimeout".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}

// MetricsEnabled reports whether Prometheus collection should run.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled
}

// ServerEnabled reports whether the progress HTTP server should start.
func (c *Config) ServerEnabled() bool {
	return c.Progress.ListenAddr != ""
}
