package cmd

import (
	"github.com/CosmoTheDev/fleethub/internal/tui"
	"github.com/spf13/cobra"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Launch the terminal dashboard",
	Long:  `Opens the interactive terminal UI for watching repos, jobs and relay machines on a running hub.`,
	RunE:  runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	c, base, err := newClient()
	if err != nil {
		return err
	}
	return tui.NewApp(c, base).Run()
}
