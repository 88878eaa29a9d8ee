package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/scriptstate/internal/config"
	"github.com/nfrund/scriptstate/internal/logging"
)

var (
	scriptPath    string
	bytecodeCache bool
)

var rootCmd = &cobra.Command{
	Use:   "scriptstate",
	Short: "Script loader with a modification-aware bytecode cache",
	Long: `scriptstate discovers scripts under a root directory, compiles them to
bytecode, and runs them in per-partition interpreter contexts.

Configuration is read from the environment (and a .env file when present).
Use "scriptstate [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&scriptPath, "path", "", "script root directory (overrides SCRIPT_PATH)")
	rootCmd.PersistentFlags().BoolVar(&bytecodeCache, "bytecode-cache", false, "run scripts from cached bytecode (overrides SCRIPT_BYTECODE_CACHE)")
}

// loadConfig reads the configuration, applies flag overrides and sets up
// logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("path") {
		cfg.ScriptPath = scriptPath
	}
	if cmd.Flags().Changed("bytecode-cache") {
		cfg.BytecodeCache = bytecodeCache
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Setup(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	return cfg, nil
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
