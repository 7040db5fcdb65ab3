package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/config"
	"github.com/yousuf/sharpen/internal/logging"
	"github.com/yousuf/sharpen/internal/symbolicator"
)

// Exit codes
const (
	exitOK      = 0
	exitUsage   = 1
	exitMissing = 2
	exitStream  = 3
)

// exitError carries the exit code of a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return exitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		fmt.Fprintf(stderr, "Error: %v\n", exitErr.err)
		return exitErr.code
	}

	// Argument and flag errors
	fmt.Fprintf(stderr, "Error: %v\n\n%s", err, root.UsageString())
	return exitUsage
}

type options struct {
	configPath  string
	workers     int
	timeout     time.Duration
	stripTokens bool
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "sharpen [flags] BINARIES_DIR TRACE",
		Short: "Symbolicate decorated .NET stack traces",
		Long: `Sharpen rewrites decorated .NET stack frames, such as

    at MyApp.Orders.Submit(Order o) IL_0020 T_06000012

into frames carrying the source location read from the Portable PDB of the
binary in BINARIES_DIR. Lines that cannot be resolved are written unchanged.

TRACE is a file, or - to read standard input.`,
		Args:          cobra.ExactArgs(2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return symbolicate(cmd, opts, args[0], args[1], stdin, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv(config.EnvConfig), "path to the configuration file")

	local := cmd.Flags()
	local.IntVarP(&opts.workers, "workers", "w", 0, "number of lines resolved at once (default: number of CPUs)")
	local.DurationVar(&opts.timeout, "timeout", 0, "give up on a line after this long (0 disables)")
	local.BoolVar(&opts.stripTokens, "strip-tokens", false, "drop the IL offset and token from resolved frames")

	cmd.AddCommand(newServeCmd(opts, stderr))
	return cmd
}

// loadConfig loads the configuration and applies flag overrides on top
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = opts.workers
	}
	if flags.Changed("timeout") {
		cfg.LineTimeout = opts.timeout
	}
	if opts.stripTokens {
		cfg.KeepTokens = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func symbolicate(cmd *cobra.Command, opts *options, dir, tracePath string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return fail(exitUsage, "%w", err)
	}

	logger, err := logging.NewWithWriter(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fail(exitUsage, "%w", err)
	}
	defer logger.Sync()

	info, err := os.Stat(dir)
	if err != nil {
		return fail(exitMissing, "binaries directory %q not found", dir)
	}
	if !info.IsDir() {
		return fail(exitMissing, "binaries directory %q is not a directory", dir)
	}

	var trace io.Reader = stdin
	if tracePath != "-" {
		f, err := os.Open(tracePath)
		if err != nil {
			return fail(exitMissing, "trace file %q not found", tracePath)
		}
		defer f.Close()
		trace = f
	}

	sym, err := symbolicator.FromConfig(cfg, afero.NewOsFs(), logger)
	if err != nil {
		return fail(exitUsage, "failed to create symbolicator: %w", err)
	}
	defer sym.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := sym.Run(ctx, dir, trace, stdout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Interrupted", zap.Object("stats", stats))
		}
		return fail(exitStream, "%w", err)
	}
	return nil
}
