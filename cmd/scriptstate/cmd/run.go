package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/scriptstate/internal/app"
	"github.com/nfrund/scriptstate/internal/script"
)

var watch bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load the script inventory and run every script in the global context",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Enabled = true
		if watch {
			cfg.AutoReload = true
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		injector := app.New(cfg)
		defer func() {
			if report := injector.Shutdown(); report != nil && !report.Succeed {
				printf(cmd, "shutdown: %s\n", report.Error())
			}
		}()

		svc, err := app.ScriptService(injector)
		if err != nil {
			return err
		}

		report, err := svc.Initialize(ctx)
		if err != nil {
			return err
		}
		printReport(cmd, report)

		if !watch {
			return nil
		}

		printf(cmd, "watching %s for changes, press Ctrl+C to stop\n", svc.Inventory().RootPath())
		<-ctx.Done()
		return nil
	},
}

func printReport(cmd *cobra.Command, report script.RunReport) {
	printf(cmd, "run %s: executed=%d compiled=%d cached=%d failed=%d skipped=%d elapsed=%s\n",
		report.RunID, report.Executed, report.Compiled, report.Cached,
		report.Failed, report.Skipped, report.Elapsed)
}

func init() {
	runCmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and reload scripts when files change")
	rootCmd.AddCommand(runCmd)
}
