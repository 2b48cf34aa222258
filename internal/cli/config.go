package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/jobshell/internal/config"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with jobshell configuration files",
		// lint reports load errors itself
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	cmd.AddCommand(newConfigLintCmd(ctx))
	return cmd
}

func newConfigLintCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint [file]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = os.Getenv(config.EnvConfigPath)
			}
			if path == "" {
				return fmt.Errorf("no configuration file given; pass one or set $%s", config.EnvConfigPath)
			}

			cfg, err := config.Load(path)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d jobs)\n", path, len(cfg.Jobs))
			return nil
		},
	}
	return cmd
}
