package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"foiatool/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initForce *bool

func init() {
	initForce = initCmd.Flags().Bool("force", false, "Overwrites the config file of an existing project.")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [dir] [--force]",
	Short: "Creates a foia/ project directory with a default config.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}

		projectDir, err := config.InitProject(dir, *initForce)
		if errors.Is(err, config.ErrProjectExists) {
			return fmt.Errorf("%w, pass --force to overwrite its config", err)
		}
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, color.GreenString("Created %s", projectDir))
		fmt.Fprintf(os.Stdout, "Edit %s to add your portals, then run 'foiatool run'.\n", filepath.Join(projectDir, config.ConfigFileName))
		return nil
	},
}
