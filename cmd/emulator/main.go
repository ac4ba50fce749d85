// Command emulator runs a handler locally against a fake Runtime API.
//
//	emulator --handler app.handler --task-root ./fn --event '{"x":1}' --event @event.json
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gurre/scriptlambda/emulator"
	"github.com/gurre/scriptlambda/log"
)

var opts emulator.Options

var rootCmd = &cobra.Command{
	Use:           "emulator",
	Short:         "Run a script handler against a local Runtime API",
	Long:          "Starts a fake Lambda Runtime API on a loopback port, runs the runtime against it, feeds it the given events, and prints one JSON line per outcome.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("emulator", pflag.ContinueOnError)
	fs.StringVar(&opts.Handler, "handler", "", "Handler specifier, e.g. app.handler")
	fs.StringVar(&opts.TaskRoot, "task-root", ".", "Directory containing the program")
	fs.StringArrayVar(&opts.Events, "event", nil, "Event JSON, or @path to read it from a file (repeatable)")
	fs.StringVar(&opts.EnvFile, "env-file", "", "Load Lambda environment variables from a .env file")
	fs.StringVar(&opts.FunctionName, "function-name", "local", "Function name exposed to the handler")
	fs.IntVar(&opts.MemorySize, "memory-size", 128, "Memory limit in MB exposed to the handler")
	fs.DurationVar(&opts.Timeout, "timeout", 3*time.Second, "Deadline offset for each event")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Runtime log level (DEBUG, INFO, WARN, ERROR)")
	return fs
}

func init() {
	rootCmd.Flags().AddFlagSet(flagSet())
	_ = rootCmd.MarkFlagRequired("handler")
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	level := opts.LogLevel
	if level == "" {
		level = "INFO"
	}
	logger := log.New(log.ParseLevel(level), os.Stderr)
	return emulator.Run(ctx, opts, cmd.OutOrStdout(), logger)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
