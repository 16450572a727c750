package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/bucketserve/internal/cfg"
	"github.com/keithlinneman/bucketserve/internal/log"
	v "github.com/keithlinneman/bucketserve/internal/version"
)

// conf is shared by every subcommand; flags are registered on the root so
// serve, upload, protect, and cache all see the same surface.
var conf cfg.App

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bucketserve",
		Short:         "mirror an object-storage bucket and serve it over HTTP",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfg.Register(root.PersistentFlags(), &conf)

	// env fills in any flag the CLI did not set: cli > env > default
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cfg.FillFromEnv(root.PersistentFlags(), "BUCKETSERVE_", func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		})
	}

	root.AddCommand(
		newServeCmd(),
		newUploadCmd(),
		newProtectCmd(),
		newCacheCmd(),
	)
	return root
}

func versionString() string {
	vi := v.Get()
	return fmt.Sprintf("%s (commit=%s, build_date=%s, go=%s, dirty=%v)",
		vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion,
		vi.VCSDirty != nil && *vi.VCSDirty,
	)
}

// newLogger builds the process logger from the shared config.
func newLogger(component string) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", conf.LogLevel, err)
	}
	lg, err := log.New(log.Options{
		App:        v.AppName,
		Version:    v.Version,
		Level:      lvl,
		JSONFormat: conf.LogJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return lg.With("component", component), nil
}
