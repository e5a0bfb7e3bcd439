package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive sfsctl shell",
		Long:  "Launches a readline-driven REPL over the same subcommands sfsctl exposes on the command line.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("sfsctl")

			menu := app.ActiveMenu()
			menu.SetCommands(func() *cobra.Command {
				return rootCmd
			})
			menu.Prompt().Primary = func() string {
				return "sfsctl> "
			}

			if err := app.Start(); err != nil {
				return fmt.Errorf("start shell: %w", err)
			}

			return nil
		},
	}
}
