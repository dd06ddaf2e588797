// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package config loads the configuration of the tpm2-fifo daemon.

Settings are read, in increasing order of precedence, from built-in defaults,
a config.yaml file in the configuration directory, environment variables with
the TPM2FIFO_ prefix and command line flags. Nested keys are separated by a
dot in the file and by an underscore in environment variables, so
reset.wait-timeout is set by TPM2FIFO_RESET_WAIT_TIMEOUT.
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/go-tpm2-fifo"
	"github.com/canonical/go-tpm2-fifo/mssim"
)

const (
	// DefaultConfigDir is the directory searched for config.yaml.
	DefaultConfigDir = "/etc/tpm2-fifo"

	// EnvPrefix is the prefix of environment variables that override
	// settings.
	EnvPrefix = "TPM2FIFO"

	configName = "config"
)

// Backend selects the TPM2 command library.
type Backend string

const (
	// BackendMssim forwards commands to the Microsoft TPM2 simulator.
	BackendMssim Backend = "mssim"

	// BackendDevice forwards commands to a TPM on the host.
	BackendDevice Backend = "device"
)

// BusConfig configures the register bus server.
type BusConfig struct {
	Network string `mapstructure:"network" yaml:"network"`
	Address string `mapstructure:"address" yaml:"address"`
}

// SimulatorConfig configures the connection to the TPM2 simulator.
type SimulatorConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     uint   `mapstructure:"port" yaml:"port"`
	Locality uint8  `mapstructure:"locality" yaml:"locality"`
}

// DeviceConfig configures the connection to a host TPM. An empty path
// selects the first TPM2 device.
type DeviceConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// StorageConfig configures persistent storage.
type StorageConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ResetConfig configures the timings of the reset protocol.
type ResetConfig struct {
	WaitTimeout          time.Duration `mapstructure:"wait-timeout" yaml:"wait-timeout"`
	CommitReinstateDelay time.Duration `mapstructure:"commit-reinstate-delay" yaml:"commit-reinstate-delay"`
}

// IdentityConfig configures the identity registers.
type IdentityConfig struct {
	VendorID   uint16 `mapstructure:"vendor-id" yaml:"vendor-id"`
	DeviceID   uint16 `mapstructure:"device-id" yaml:"device-id"`
	RevisionID uint8  `mapstructure:"revision-id" yaml:"revision-id"`
}

// Config is the configuration of the daemon.
type Config struct {
	LogLevel  string          `mapstructure:"log-level" yaml:"log-level"`
	Backend   Backend         `mapstructure:"backend" yaml:"backend"`
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Simulator SimulatorConfig `mapstructure:"simulator" yaml:"simulator"`
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	ImageInfo string          `mapstructure:"image-info" yaml:"image-info"`
	Reset     ResetConfig     `mapstructure:"reset" yaml:"reset"`
	Identity  IdentityConfig  `mapstructure:"identity" yaml:"identity"`
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		LogLevel: logrus.InfoLevel.String(),
		Backend:  BackendMssim,
		Bus: BusConfig{
			Network: "tcp",
			Address: "localhost:2330"},
		Simulator: SimulatorConfig{
			Host:     "localhost",
			Port:     mssim.DefaultPort,
			Locality: mssim.DefaultLocality},
		Storage: StorageConfig{
			Dir: "/var/lib/tpm2-fifo"},
		Reset: ResetConfig{
			WaitTimeout:          fifo.DefaultResetWaitTimeout,
			CommitReinstateDelay: fifo.DefaultCommitReinstateDelay},
		Identity: IdentityConfig{
			VendorID:   fifo.DefaultVendorID,
			DeviceID:   fifo.DefaultDeviceID,
			RevisionID: fifo.DefaultRevisionID}}
}

// setDefaults registers every key with v. Keys that aren't registered are
// not picked up from the environment.
func setDefaults(v *viper.Viper) error {
	var m map[string]interface{}
	if err := mapstructure.Decode(Defaults(), &m); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			key := prefix + k
			switch val := val.(type) {
			case map[string]interface{}:
				walk(key+".", val)
			default:
				v.SetDefault(key, val)
			}
		}
	}
	walk("", m)
	return nil
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":      "log-level",
	"backend":        "backend",
	"bus-address":    "bus.address",
	"simulator-host": "simulator.host",
	"simulator-port": "simulator.port",
	"device":         "device.path",
	"storage-dir":    "storage.dir",
	"image-info":     "image-info",
}

// AddFlags adds the flags that override configuration settings to flags.
func AddFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	flags.String("backend", string(d.Backend), "TPM2 command library (mssim or device)")
	flags.String("bus-address", d.Bus.Address, "Address to serve the register bus on")
	flags.String("simulator-host", d.Simulator.Host, "Host running the TPM2 simulator")
	flags.Uint("simulator-port", d.Simulator.Port, "TPM command port of the TPM2 simulator")
	flags.String("device", d.Device.Path, "Path of the host TPM device or socket")
	flags.String("storage-dir", d.Storage.Dir, "Directory for persistent storage")
	flags.String("image-info", d.ImageInfo, "Path of the firmware image info file")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return xerrors.Errorf("cannot bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads the configuration from configDir, the environment and flags,
// which may be nil. A missing config file is not an error.
func Load(configDir string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, xerrors.Errorf("cannot set defaults: %w", err)
	}

	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, xerrors.Errorf("cannot read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc()))); err != nil {
		return nil, xerrors.Errorf("cannot decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	switch c.Backend {
	case BackendMssim:
		if c.Simulator.Port == 0 || c.Simulator.Port > 65534 {
			return fmt.Errorf("invalid simulator.port %d", c.Simulator.Port)
		}
	case BackendDevice:
	default:
		return fmt.Errorf("invalid backend %q", c.Backend)
	}
	if c.Storage.Dir == "" {
		return errors.New("storage.dir must be set")
	}
	if c.Reset.WaitTimeout <= 0 {
		return fmt.Errorf("invalid reset.wait-timeout %v", c.Reset.WaitTimeout)
	}
	if c.Reset.CommitReinstateDelay <= 0 {
		return fmt.Errorf("invalid reset.commit-reinstate-delay %v", c.Reset.CommitReinstateDelay)
	}
	return nil
}

// Logger returns a new logger configured with the log level.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	l := fifo.NewLogger()
	l.SetLevel(level)
	return l, nil
}

// DeviceOptions returns the options for fifo.NewDevice that derive from the
// configuration.
func (c *Config) DeviceOptions() []fifo.Option {
	return []fifo.Option{
		fifo.WithResetWaitTimeout(c.Reset.WaitTimeout),
		fifo.WithCommitReinstateDelay(c.Reset.CommitReinstateDelay),
		fifo.WithIdentity(fifo.Identity{
			VendorID:   c.Identity.VendorID,
			DeviceID:   c.Identity.DeviceID,
			RevisionID: c.Identity.RevisionID})}
}

// Dump writes the configuration to w as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
