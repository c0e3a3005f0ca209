// Command provd is the provisioning engine daemon. It bundles the HTTP
// server (serve) and plugin catalog management (plugin) behind one
// cobra root command, grounded on the teacher's cobra/viper usage in
// internal/infrastructure/migrations/cli.go and on the
// _examples/aldrin-isaac-newtron/cmd/newtlab tree for the
// package-level-rootCmd-plus-init() command layout (the teacher's own
// cmd/server is a single-purpose flag-based entrypoint; provd needs a
// real subcommand tree, so the shape comes from the fuller cobra
// example).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "provd",
	Short:         "SIP/SCCP phone provisioning engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `provd identifies phones from their DHCP/HTTP/TFTP requests,
resolves and renders their configuration files, and manages the plugins
that know how to talk to each device family.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to provd.yaml (defaults to env + built-in defaults)")

	rootCmd.AddCommand(
		newServeCmd(),
		newPluginCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
