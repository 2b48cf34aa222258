package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/jobshell/internal/config"
	"github.com/Paintersrp/jobshell/internal/logutil"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:   "jobshell",
		Short: "Job-control shell",
		Long: "jobshell runs commands as process-group jobs, hands the terminal to the\n" +
			"foreground job and reports how each job ended.",
		Args: cobra.MaximumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.teardown()
		},
	}

	root.PersistentFlags().StringVar(&ctx.configPath, "config", "", "Path to jobshell.yaml (defaults to $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&ctx.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	run := newRunCmd(ctx)
	root.Flags().AddFlagSet(run.Flags())
	root.RunE = run.RunE

	root.AddCommand(run)
	root.AddCommand(newMonitorCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))
	root.AddCommand(newSignalsCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	var exit *exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError carries a shell exit code out of cobra without a message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type context struct {
	configPath  string
	logLevel    string
	metricsAddr string

	cfg     *config.Config
	logFile io.Closer
}

// setup resolves the configuration and installs the process-wide logger.
// Flags win over the file and the environment.
func (c *context) setup(cmd *cobra.Command) error {
	if c.cfg != nil {
		return nil
	}
	cfg, err := config.Resolve(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.metricsAddr != "" {
		cfg.Metrics.Address = c.metricsAddr
	}

	out := cmd.ErrOrStderr()
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		c.logFile = f
		out = f
	}
	logger, err := logutil.New(logutil.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})
	if err != nil {
		c.teardown()
		return err
	}
	logutil.Set(logger)
	c.cfg = cfg
	return nil
}

func (c *context) teardown() error {
	if c.logFile == nil {
		return nil
	}
	logutil.Set(nil)
	err := c.logFile.Close()
	c.logFile = nil
	return err
}

func (c *context) config() *config.Config {
	if c.cfg == nil {
		return config.Default()
	}
	return c.cfg
}
