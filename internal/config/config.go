// Package config provides configuration management for the collective
// runtime and its coordinator.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (HCCL_* prefix, "." replaced by "_")
//  3. Configuration file (hccl.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/hccl/hccl.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	proc := hccl.NewProcessContext(cfg.ProcessOptions())
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/device"
	"github.com/piwi3910/hcclrt/internal/diagstore"
	"github.com/piwi3910/hcclrt/internal/faulttolerance"
	"github.com/piwi3910/hcclrt/internal/hccl"
	"github.com/piwi3910/hcclrt/internal/portwatch"
)

// Config holds all configuration of a rank process and the coordinator.
type Config struct {
	// CommSizeCap bounds the size of every communicator.
	CommSizeCap int `mapstructure:"comm_size_cap"`

	// NullSubmission skips real queue pair creation.
	NullSubmission bool `mapstructure:"null_submission"`

	// Loopback synthesizes every remote rank in-process.
	Loopback bool `mapstructure:"loopback"`

	// AdminAddr is the coordinator admin HTTP address.
	AdminAddr string `mapstructure:"admin_addr"`

	// DiagDir is the diagnostics store directory. Empty keeps it in memory.
	DiagDir string `mapstructure:"diag_dir"`

	// DiagRetention is how long diagnostics records are kept.
	DiagRetention time.Duration `mapstructure:"diag_retention"`

	QP            QPConfig            `mapstructure:"qp"`
	CollectiveLog CollectiveLogConfig `mapstructure:"collective_log"`
	FT            FTConfig            `mapstructure:"ft"`
	Bootstrap     BootstrapConfig     `mapstructure:"bootstrap"`
	Device        DeviceConfig        `mapstructure:"device"`
	PortWatch     PortWatchConfig     `mapstructure:"portwatch"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// QPConfig sizes the queue pair sets of a connection.
type QPConfig struct {
	// ScaleUpSetsThreshold is the communicator size above which scale-up
	// connections open a single set.
	ScaleUpSetsThreshold int `mapstructure:"scaleup_sets_threshold"`

	// ScaleOutSetsThreshold is the same threshold for scale-out.
	ScaleOutSetsThreshold int `mapstructure:"scaleout_sets_threshold"`

	// MaxSetsPerConnection is the number of sets below the thresholds.
	MaxSetsPerConnection int `mapstructure:"max_sets_per_connection"`

	// HWQPLimit is the hardware queue pair budget bounding scale-out sets.
	HWQPLimit int `mapstructure:"hw_qp_limit"`
}

// CollectiveLogConfig configures the coordinator-side collective logger.
type CollectiveLogConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	DriftWarnMS int  `mapstructure:"drift_warn_ms"`
}

// FTConfig configures port fault tolerance.
type FTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	FailbackDelaySeconds int           `mapstructure:"failback_delay_seconds"`
	CompareSendRecv      bool          `mapstructure:"compare_sendrecv"`
	Timeout              time.Duration `mapstructure:"timeout"`
}

// BootstrapConfig configures the rank to coordinator channel.
type BootstrapConfig struct {
	CoordinatorAddr    string        `mapstructure:"coordinator_addr"`
	TrialLimit         int           `mapstructure:"trial_limit"`
	TrialInterval      time.Duration `mapstructure:"trial_interval"`
	IOTimeout          time.Duration `mapstructure:"io_timeout"`
	Compression        string        `mapstructure:"compression"`
	CompressionMinSize int           `mapstructure:"compression_min_size"`

	// FanOut bounds concurrent sends of one coordinator broadcast.
	FanOut int `mapstructure:"fan_out"`
}

// DeviceConfig describes the accelerator of this process.
type DeviceConfig struct {
	Generation     string `mapstructure:"generation"`
	ModuleID       uint32 `mapstructure:"module_id"`
	HostID         uint32 `mapstructure:"host_id"`
	LocalGroupSize int    `mapstructure:"local_group_size"`
	Streams        int    `mapstructure:"streams"`
}

// PortWatchConfig configures port event gossip between hosts. Gossip is
// off when Enabled is false; port events then stay in-process.
type PortWatchConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	NodeName      string   `mapstructure:"node_name"`
	BindAddr      string   `mapstructure:"bind_addr"`
	BindPort      int      `mapstructure:"bind_port"`
	AdvertiseAddr string   `mapstructure:"advertise_addr"`
	AdvertisePort int      `mapstructure:"advertise_port"`
	Join          []string `mapstructure:"join"`
}

// Options holds command line overrides.
type Options struct {
	CoordinatorAddr string
	AdminAddr       string
	DiagDir         string
	LogLevel        string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("hccl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hccl")
		v.AddConfigPath("$HOME/.hccl")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("HCCL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.CoordinatorAddr != "" {
		v.Set("bootstrap.coordinator_addr", opts.CoordinatorAddr)
	}
	if opts.AdminAddr != "" {
		v.Set("admin_addr", opts.AdminAddr)
	}
	if opts.DiagDir != "" {
		v.Set("diag_dir", opts.DiagDir)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("comm_size_cap", 8192)
	v.SetDefault("null_submission", false)
	v.SetDefault("loopback", false)
	v.SetDefault("admin_addr", "127.0.0.1:9501")
	v.SetDefault("diag_dir", "")
	v.SetDefault("diag_retention", 7*24*time.Hour)

	// Queue pair sets
	v.SetDefault("qp.scaleup_sets_threshold", 64)
	v.SetDefault("qp.scaleout_sets_threshold", 256)
	v.SetDefault("qp.max_sets_per_connection", 4)
	v.SetDefault("qp.hw_qp_limit", 16384)

	// Collective logger
	v.SetDefault("collective_log.enabled", false)
	v.SetDefault("collective_log.drift_warn_ms", 5000)

	// Fault tolerance
	v.SetDefault("ft.enabled", true)
	v.SetDefault("ft.failback_delay_seconds", 30)
	v.SetDefault("ft.compare_sendrecv", true)
	v.SetDefault("ft.timeout", 120*time.Second)

	// Bootstrap
	v.SetDefault("bootstrap.coordinator_addr", "127.0.0.1:9500")
	v.SetDefault("bootstrap.trial_limit", 30)
	v.SetDefault("bootstrap.trial_interval", time.Second)
	v.SetDefault("bootstrap.io_timeout", 120*time.Second)
	v.SetDefault("bootstrap.compression", string(bootstrap.CompressionZstd))
	v.SetDefault("bootstrap.compression_min_size", 4096)
	v.SetDefault("bootstrap.fan_out", 64)

	// Device
	v.SetDefault("device.generation", "g3")
	v.SetDefault("device.module_id", 0)
	v.SetDefault("device.host_id", 0)
	v.SetDefault("device.local_group_size", 8)
	v.SetDefault("device.streams", 4)

	// Port event gossip
	hostname, _ := os.Hostname()
	v.SetDefault("portwatch.enabled", false)
	v.SetDefault("portwatch.node_name", hostname)
	v.SetDefault("portwatch.bind_addr", "0.0.0.0")
	v.SetDefault("portwatch.bind_port", 9502)
	v.SetDefault("portwatch.join", []string{})

	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	var errs []error

	if c.CommSizeCap <= 0 {
		errs = append(errs, fmt.Errorf("comm_size_cap must be positive, got %d", c.CommSizeCap))
	}

	if c.QP.MaxSetsPerConnection <= 0 {
		errs = append(errs, fmt.Errorf("qp.max_sets_per_connection must be positive, got %d", c.QP.MaxSetsPerConnection))
	}
	if c.QP.HWQPLimit <= 0 {
		errs = append(errs, fmt.Errorf("qp.hw_qp_limit must be positive, got %d", c.QP.HWQPLimit))
	}
	if c.QP.ScaleUpSetsThreshold <= 0 || c.QP.ScaleOutSetsThreshold <= 0 {
		errs = append(errs, errors.New("qp set thresholds must be positive"))
	}

	if c.CollectiveLog.DriftWarnMS <= 0 {
		errs = append(errs, fmt.Errorf("collective_log.drift_warn_ms must be positive, got %d", c.CollectiveLog.DriftWarnMS))
	}
	if c.FT.FailbackDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("ft.failback_delay_seconds cannot be negative, got %d", c.FT.FailbackDelaySeconds))
	}

	if _, _, err := net.SplitHostPort(c.Bootstrap.CoordinatorAddr); err != nil {
		errs = append(errs, fmt.Errorf("invalid bootstrap.coordinator_addr: %w", err))
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid admin_addr: %w", err))
		}
	}
	if c.Bootstrap.TrialLimit <= 0 {
		errs = append(errs, fmt.Errorf("bootstrap.trial_limit must be positive, got %d", c.Bootstrap.TrialLimit))
	}
	if _, err := bootstrap.ParseCompression(c.Bootstrap.Compression); err != nil {
		errs = append(errs, err)
	}

	if _, err := device.ParseGeneration(c.Device.Generation); err != nil {
		errs = append(errs, err)
	}
	if c.Device.LocalGroupSize <= 0 {
		errs = append(errs, fmt.Errorf("device.local_group_size must be positive, got %d", c.Device.LocalGroupSize))
	}

	if c.PortWatch.Enabled && (c.PortWatch.BindPort <= 0 || c.PortWatch.BindPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid portwatch.bind_port %d", c.PortWatch.BindPort))
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	return nil
}

// DriftWarn is the collective-logger drift threshold.
func (c *Config) DriftWarn() time.Duration {
	return time.Duration(c.CollectiveLog.DriftWarnMS) * time.Millisecond
}

// ProcessOptions builds the process context options of a rank. Submitter
// and Notifier are left for the caller to wire.
func (c *Config) ProcessOptions() hccl.Options {
	// validate already checked both.
	compression, _ := bootstrap.ParseCompression(c.Bootstrap.Compression)
	gen, _ := device.ParseGeneration(c.Device.Generation)

	return hccl.Options{
		Coordinator:        c.Bootstrap.CoordinatorAddr,
		Compression:        compression,
		CompressionMinSize: c.Bootstrap.CompressionMinSize,
		IOTimeout:          c.Bootstrap.IOTimeout,
		DialTrials:         c.Bootstrap.TrialLimit,
		DialBackoff:        c.Bootstrap.TrialInterval,
		Device: device.Config{
			ModuleID:       c.Device.ModuleID,
			HostID:         c.Device.HostID,
			LocalGroupSize: c.Device.LocalGroupSize,
			Generation:     gen,
			NullSubmission: c.NullSubmission,
		},
		FT: faulttolerance.Config{
			Enabled:         c.FT.Enabled,
			FailbackDelay:   time.Duration(c.FT.FailbackDelaySeconds) * time.Second,
			CompareSendRecv: c.FT.CompareSendRecv,
			Timeout:         c.FT.Timeout,
		},
		CommSizeCap:           c.CommSizeCap,
		ScaleUpSetsThreshold:  c.QP.ScaleUpSetsThreshold,
		ScaleOutSetsThreshold: c.QP.ScaleOutSetsThreshold,
		MaxSetsPerConnection:  c.QP.MaxSetsPerConnection,
		HWQPLimit:             c.QP.HWQPLimit,
		Streams:               c.Device.Streams,
		LogCollectives:        c.CollectiveLog.Enabled,
		Loopback:              c.Loopback,
	}
}

// CoordinatorConfig builds the coordinator configuration. The sink and the
// logger are left for the caller.
func (c *Config) CoordinatorConfig() bootstrap.CoordinatorConfig {
	compression, _ := bootstrap.ParseCompression(c.Bootstrap.Compression)

	return bootstrap.CoordinatorConfig{
		Addr:               c.Bootstrap.CoordinatorAddr,
		Compression:        compression,
		CompressionMinSize: c.Bootstrap.CompressionMinSize,
		IOTimeout:          c.Bootstrap.IOTimeout,
		DriftWarn:          c.DriftWarn(),
		FanOut:             c.Bootstrap.FanOut,
	}
}

// DiagStoreConfig builds the diagnostics store configuration.
func (c *Config) DiagStoreConfig() diagstore.Config {
	return diagstore.Config{Dir: c.DiagDir, Retention: c.DiagRetention}
}

// GossipConfig builds the port event gossip configuration.
func (c *Config) GossipConfig() portwatch.GossipConfig {
	return portwatch.GossipConfig{
		NodeName:      c.PortWatch.NodeName,
		BindAddr:      c.PortWatch.BindAddr,
		BindPort:      c.PortWatch.BindPort,
		AdvertiseAddr: c.PortWatch.AdvertiseAddr,
		AdvertisePort: c.PortWatch.AdvertisePort,
		Join:          c.PortWatch.Join,
	}
}
