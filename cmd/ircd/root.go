package main

import (
	"fmt"

	"github.com/joeycumines/go-ircd/internal/config"
	"github.com/joeycumines/go-ircd/internal/server"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:          "ircd",
		Short:        "IRC daemon",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML configuration file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCheckConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig loads the configuration file, or the defaults if none is set.
func (x *RootOptions) loadConfig() (*config.Config, error) {
	if x.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(x.ConfigPath)
}

// NewCheckConfigCommand validates the configuration, without starting
// anything.
func NewCheckConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (server %s, listen %s, %d runner(s), backend %s)\n",
				opts.ConfigPath, cfg.Server.Name, cfg.Server.Listen, cfg.Engine.Runners, cfg.Engine.Backend)
			return err
		},
	}
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), server.Version)
			return err
		},
	}
}
