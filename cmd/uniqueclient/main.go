// Command uniqueclient is a small demo driver for the client library: it
// reads each file path given on the command line, hands its bytes to
// UniqueSync (or UniqueDeferred with --deferred), and prints the
// resulting handle and the daemon's accounting counters before and after.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/memdedup/uniqued/client"
	"github.com/memdedup/uniqued/internal/config"
	"github.com/memdedup/uniqued/internal/dbusutil"
	"github.com/memdedup/uniqued/internal/logger"
	"github.com/memdedup/uniqued/internal/proto"
)

var deferred bool

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "uniqueclient FILE [FILE...]",
		Short:         "Demo client for the memory-dedup daemon",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
	cmd.Flags().BoolVar(&deferred, "deferred", false, "Use UniqueDeferred instead of UniqueSync")
	return cmd
}

func printStats(cfg config.Config, label string) {
	conn, err := dbusutil.Session()
	if err != nil {
		fmt.Printf("%s: stats unavailable: %v\n", label, err)
		return
	}
	obj := conn.Object(cfg.Bus.Name, dbus.ObjectPath(cfg.Bus.ObjectPath))

	var real, apparent uint64
	var blobs, peers uint32
	call := obj.Call(proto.MethodStats, 0)
	if call.Err != nil {
		fmt.Printf("%s: stats unavailable: %v\n", label, call.Err)
		return
	}
	if err := call.Store(&real, &apparent, &blobs, &peers); err != nil {
		fmt.Printf("%s: stats unavailable: %v\n", label, err)
		return
	}
	fmt.Printf("%s: real=%d apparent=%d blobs=%d peers=%d\n", label, real, apparent, blobs, peers)
}

func run(paths []string) error {
	cfg := config.Defaults()
	logger.Configure(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	c, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to dedup daemon: %w", err)
	}

	printStats(cfg, "before")

	views := make([]*client.ByteView, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var view *client.ByteView
		if deferred {
			view, err = c.UniqueDeferred(data)
		} else {
			view, err = c.UniqueSync(data)
		}
		if err != nil {
			return fmt.Errorf("dedup %s: %w", path, err)
		}

		if h := view.Handle(); h != 0 {
			fmt.Printf("%s: handle=%d bytes=%d\n", path, h, len(view.Bytes()))
		} else {
			fmt.Printf("%s: copy fallback, bytes=%d\n", path, len(view.Bytes()))
		}
		views = append(views, view)
	}

	if deferred {
		// Give the background round trips a moment to land before we
		// print the "after registration" counters and release.
		time.Sleep(200 * time.Millisecond)
	}

	printStats(cfg, "after")

	for _, v := range views {
		v.Release()
	}

	printStats(cfg, "after release")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
