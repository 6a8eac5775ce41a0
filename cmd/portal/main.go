package main // Entry point package

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iliyamo/training-portal/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.Config
	root := &cobra.Command{
		Use:   "portal",
		Short: "Training platform portal and terminal client",
		Long: `portal talks to the training platform backend.

  portal serve      run the web portal
  portal login      sign in from the terminal
  portal whoami     show the signed-in user
  portal logout     sign out`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cfg = config.Load()
		},
	}
	// Commands read cfg through the pointer after PersistentPreRun filled it.
	root.AddCommand(
		serveCmd(&cfg),
		loginCmd(&cfg),
		registerCmd(&cfg),
		whoamiCmd(&cfg),
		logoutCmd(&cfg),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "portal %s (%s)\n", version, commit)
		},
	}
}
