// Command segcompile merges per-tile segmentation output into one globally
// consistent entity set.
//
//	segcompile compile --config compile.yaml --input tiles --output compiled
//	segcompile validate --config compile.yaml
//
// Blob and snapshot backends are selected with the SEGCORE_* environment
// variables documented in internal/config.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"segmentcore/internal/config"
	"segmentcore/internal/logging"
)

var exitFunc = os.Exit

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(context.Background()); err != nil {
		exitFunc(1)
	}
}

type rootOptions struct {
	env       config.Env
	logLevel  string
	logFormat string
	stderr    io.Writer
}

func (o *rootOptions) logger() *slog.Logger {
	return logging.New(o.stderr, o.logLevel, o.logFormat)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{env: config.FromEnv(), stderr: stderr}
	root := &cobra.Command{
		Use:          "segcompile",
		Short:        "Compile tiled segmentation results into one non-overlapping entity set",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.env.LogLevel, "debug|info|warn|error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", opts.env.LogFormat, "text|json")
	root.AddCommand(newCompileCmd(opts), newValidateCmd(opts))
	return root
}
