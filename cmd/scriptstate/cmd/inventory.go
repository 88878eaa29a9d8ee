package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nfrund/scriptstate/internal/app"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Scan the script root and print discovered scripts, search paths and cached bytecode",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		injector := app.New(cfg)
		defer injector.Shutdown()

		svc, err := app.ScriptService(injector)
		if err != nil {
			return err
		}

		inv := svc.Inventory()
		if !inv.Reload() {
			printf(cmd, "inventory load failed (state %s)\n", svc.Cache().State())
		}

		printf(cmd, "root: %s\n", inv.RootPath())
		printf(cmd, "require path: %s\n", inv.RequirePath())
		printf(cmd, "require cpath: %s\n", inv.RequireCPath())
		printf(cmd, "precompiled path: %s\n", inv.PrecompiledPath())

		printf(cmd, "\nscripts (%d):\n", inv.Len())
		for _, file := range inv.Ordered() {
			kind := "script"
			if file.IsExtension {
				kind = "extension"
			}
			printf(cmd, "  %-10s %-24s %s\n", kind, file.Name, file.Path)
		}

		entries := svc.Cache().Entries()
		printf(cmd, "\nbytecode cache (%d):\n", len(entries))
		for _, entry := range entries {
			printf(cmd, "  %8d bytes  %016x  %s\n", entry.Size, entry.Checksum, entry.Path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inventoryCmd)
}
