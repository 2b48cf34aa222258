package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/jobshell/internal/config"
	"github.com/Paintersrp/jobshell/internal/logutil"
	"github.com/Paintersrp/jobshell/internal/proc"
	"github.com/Paintersrp/jobshell/internal/shell"
)

type runOptions struct {
	command     string
	interactive bool
	jobControl  string
}

func newRunCmd(ctx *context) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [script]",
		Short: "Run a script, a -c command or an interactive session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script := ""
			if len(args) == 1 {
				script = args[0]
			}
			return runShell(cmd, ctx, opts, script)
		},
	}
	cmd.Flags().StringVarP(&opts.command, "command", "c", "", "Evaluate the given command string and exit")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "Force an interactive session")
	cmd.Flags().StringVar(&opts.jobControl, "job-control", "", "Job control mode: auto, on or off (overrides the config file)")
	return cmd
}

func runShell(cmd *cobra.Command, ctx *context, opts runOptions, script string) error {
	cfg := ctx.config()

	stdin, stdout, stderr := stdioFiles(cmd)
	interactive := opts.interactive ||
		(opts.command == "" && script == "" && term.IsTerminal(int(stdin.Fd())))

	jobControl := cfg.JobControl
	if opts.jobControl != "" {
		jobControl = strings.ToLower(opts.jobControl)
	}

	sh, err := shell.New(shell.Options{
		Interactive:   interactive,
		JobControl:    jobControl,
		Waiter:        waiterMode(cfg),
		Prompt:        cfg.Prompt,
		ReportCommand: cfg.Report.Command,
		Stdin:         stdin,
		Stdout:        stdout,
		Stderr:        stderr,
	})
	if err != nil {
		return err
	}

	runCtx := cmd.Context()
	stopMetrics, err := startMetricsServer(runCtx, cmd, cfg.Metrics.Address, nil)
	if err != nil {
		sh.Close()
		return err
	}
	defer stopMetrics()

	var code int
	switch {
	case opts.command != "":
		code, err = sh.RunScript(runCtx, "-c", strings.NewReader(opts.command))
	case script != "":
		var f *os.File
		f, err = os.Open(script)
		if err != nil {
			sh.Close()
			return fmt.Errorf("open script: %w", err)
		}
		code, err = sh.RunScript(runCtx, script, f)
		f.Close()
	case interactive:
		code, err = sh.RunInteractive(runCtx)
	default:
		code, err = sh.RunScript(runCtx, "stdin", stdin)
	}

	if closeErr := sh.Close(); closeErr != nil {
		logutil.Default().Warn("shell shutdown", "err", closeErr)
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func waiterMode(cfg *config.Config) proc.WaiterMode {
	if cfg.Waiter == "degraded" {
		return proc.WaiterDegraded
	}
	return proc.WaiterGroup
}

// stdioFiles returns the files backing the command's streams. Children
// inherit descriptors, so a stream that is not an *os.File falls back to the
// process's own.
func stdioFiles(cmd *cobra.Command) (stdin, stdout, stderr *os.File) {
	return asFile(cmd.InOrStdin(), os.Stdin), asFile(cmd.OutOrStdout(), os.Stdout), asFile(cmd.ErrOrStderr(), os.Stderr)
}

func asFile(stream any, fallback *os.File) *os.File {
	if f, ok := stream.(*os.File); ok {
		return f
	}
	return fallback
}
