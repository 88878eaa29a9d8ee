package cmd

import (
	"github.com/spf13/cobra"
)

var version = "0.1.0" // set at build time with -ldflags

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of scriptstate",
	Run: func(cmd *cobra.Command, args []string) {
		printf(cmd, "scriptstate v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
