// Command uniquedaemon runs the singleton dedup daemon: it claims a
// well-known session-bus name, exports MakeUnique/Forget/Stats, and
// reclaims a peer's handles when its bus connection drops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/memdedup/uniqued/internal/config"
	"github.com/memdedup/uniqued/internal/dbusutil"
	"github.com/memdedup/uniqued/internal/dedupd"
	"github.com/memdedup/uniqued/internal/logger"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "uniquedaemon",
		Short: "Cross-process memory deduplication daemon for sealed memfds",
		Long: `uniquedaemon is the singleton daemon half of the memory-dedup
system: it accepts sealed anonymous memory file descriptors from clients
over the session bus, hashes their contents, and hands back a shared
descriptor for identical content so that equal blobs occupy physical
memory only once across independent processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to an optional YAML config file")
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		// BindFlags only fails if a flag name collides with itself; that is
		// a programming error in this file, not a runtime condition.
		panic(err)
	}

	return cmd
}

func loadConfig(v *viper.Viper) (config.Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}
	return config.Load(v)
}

func run(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger.Configure(os.Stderr, cfg.LogFormat, level)

	conn, err := dbusutil.Session()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}

	d := dedupd.New(conn, cfg)
	if err := d.Export(); err != nil {
		return err
	}
	if err := d.RequestName(); err != nil {
		return err
	}

	logger.Infof("uniquedaemon ready: name=%s path=%s", cfg.Bus.Name, cfg.Bus.ObjectPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		logger.Errorf("uniquedaemon exiting: %v", err)
		return err
	}

	logger.Infof("uniquedaemon shutting down cleanly")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
