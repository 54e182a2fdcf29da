package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/realtime-session/internal/version"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "rtsession", version.String())
	},
}
