// Command transmission-proxy puts authentication and per-user access
// rules in front of a Transmission daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "transmission-proxy",
		Short: "Authenticating proxy for the Transmission RPC",
		Long: `transmission-proxy authenticates callers with passwords or OAuth2,
applies ordered access rules to every daemon call and confines restricted
users to their own download directory.

Settings come from the environment (and a .env file); providers and
rules come from the policy file at CONFIG_PATH.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "transmission-proxy version %s\n" .Version}}`)

	// Running without a subcommand serves.
	serveCmd := newServeCmd()
	root.Args = cobra.NoArgs
	root.RunE = serveCmd.RunE

	root.AddCommand(serveCmd)
	root.AddCommand(newHashPasswordCmd())
	root.AddCommand(newCheckConfigCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
