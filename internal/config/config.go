// Package config defines the daemon and client's tunable settings and the
// cobra/pflag/viper wiring used to populate them. Only --replace and
// --debug get flags; the remaining knobs are operational settings read
// from an optional YAML config file so the flag surface stays small.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable of the daemon and client.
type Config struct {
	// Bus identifies where the daemon is exported and where the client looks
	// for it. Overridable so tests can run against a private bus.
	Bus BusConfig `mapstructure:"bus"`

	// Replace requests replacement of an already-running daemon instance.
	Replace bool `mapstructure:"replace"`

	// Debug enables debug-level logging.
	Debug bool `mapstructure:"debug"`

	// SyncTimeout bounds the synchronous client call; order of one to three
	// seconds.
	SyncTimeout time.Duration `mapstructure:"sync-timeout"`

	// HeartbeatInterval is how often the daemon logs its accounting
	// counters. Zero disables the heartbeat.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`

	// LogLevel is one of logger.Level{Debug,Info,Warn,Error}.
	LogLevel string `mapstructure:"log-level"`

	// LogFormat is one of logger.Format{Text,JSON}.
	LogFormat string `mapstructure:"log-format"`
}

// BusConfig names the D-Bus service the daemon exports and the client
// dials.
type BusConfig struct {
	Name       string `mapstructure:"name"`
	ObjectPath string `mapstructure:"object-path"`
	Interface  string `mapstructure:"interface"`
}

const (
	minSyncTimeout = time.Second
	maxSyncTimeout = 3 * time.Second

	defaultSyncTimeout       = 2 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// Defaults returns the configuration used when no flags or config file
// override anything.
func Defaults() Config {
	return Config{
		Bus: BusConfig{
			Name:       "org.freedesktop.portal.Unique",
			ObjectPath: "/org/freedesktop/portal/unique",
			Interface:  "org.freedesktop.portal.Unique",
		},
		SyncTimeout:       defaultSyncTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// BindFlags registers the daemon's CLI flags and binds them into viper,
// one flagSet.XxxP call followed by one viper.BindPFlag call per setting.
func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	d := Defaults()

	flagSet.BoolP("replace", "r", d.Replace, "Replace an already-running dedup daemon instance.")
	if err := v.BindPFlag("replace", flagSet.Lookup("replace")); err != nil {
		return err
	}

	flagSet.BoolP("debug", "d", d.Debug, "Enable debug-level logging.")
	if err := v.BindPFlag("debug", flagSet.Lookup("debug")); err != nil {
		return err
	}

	return nil
}

// Load unmarshals v's current state (defaults, config file, flags, in that
// precedence order, viper's own) into a Config seeded with Defaults, then
// validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate clamps and checks the settings this system places explicit
// bounds on. Out-of-range timeouts are clamped rather than rejected; only
// genuinely nonsensical input errors, such as an empty bus name, since the
// daemon cannot export a nameless service.
func Validate(cfg *Config) error {
	if cfg.Bus.Name == "" {
		return fmt.Errorf("bus.name must not be empty")
	}
	if cfg.Bus.ObjectPath == "" {
		return fmt.Errorf("bus.object-path must not be empty")
	}
	if cfg.Bus.Interface == "" {
		return fmt.Errorf("bus.interface must not be empty")
	}

	switch {
	case cfg.SyncTimeout < minSyncTimeout:
		cfg.SyncTimeout = minSyncTimeout
	case cfg.SyncTimeout > maxSyncTimeout:
		cfg.SyncTimeout = maxSyncTimeout
	}

	if cfg.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = 0
	}

	return nil
}
