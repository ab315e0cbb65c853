package main

import (
	"fmt"

	"drydock/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root drydock command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "drydock",
		Short:         "Drydock coding-agent session control plane",
		Long:          "drydock launches and supervises ephemeral containerized agent sessions\nagainst registered git repositories.",
		Version:       fmt.Sprintf("drydock %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
	)

	return cmd
}
