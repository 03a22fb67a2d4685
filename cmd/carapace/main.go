// Command carapace is the gateway daemon and its companion CLI:
// "carapace serve" runs the daemon, the rest talk to a running daemon
// over its own protocol via pkg/carapaceclient — the same way any other
// caller would.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	carapaceinternal "github.com/carapace-gateway/carapace/cmd/carapace/internal"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/pkg/carapaceclient"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "carapace",
		Short: "Carapace privilege-separation gateway",
	}
	cmd.AddCommand(carapaceinternal.NewServeCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the carapace version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(carapaceinternal.FormatVersion())
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the running daemon's channel.status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := carapaceclient.ConnectDefault()
			if err != nil {
				return err
			}
			defer c.Close()

			var result map[string]any
			params := map[string]any{"channel": channel}
			if err := c.CallInto("channel.status", params, &result); err != nil {
				return err
			}
			fmt.Printf("%+v\n", result)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Channel to query (required)")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or reload the gateway configuration",
	}
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigReloadCommand())
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a config file without starting the daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = carapaceinternal.DefaultConfigPath()
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("%s: valid\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file to validate")
	return cmd
}

func newConfigReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running daemon to reload its config from disk",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := carapaceclient.ConnectDefault()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.CallInto("admin.reload_config", map[string]any{}, nil); err != nil {
				return err
			}
			fmt.Println("config reloaded")
			return nil
		},
	}
}
