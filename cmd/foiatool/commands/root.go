package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath *string
	debug      *bool
)

var rootCmd = &cobra.Command{
	Use:   "foiatool",
	Short: "foiatool downloads new documents from public records request portals.",
	Long: `foiatool searches every portal configured in the nearest foia/config.toml and
downloads each document it has not downloaded before.

Running foiatool without a subcommand is the same as "foiatool run".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "", "The config file to use, defaults to foia/config.toml in the current directory or its parents.")
	debug = rootCmd.PersistentFlags().Bool("debug", false, "Turns on debug logging.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
