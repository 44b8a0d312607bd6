// Command authpipe drives the session pipeline from a terminal: it can
// serve the reference auth server, sign in and inspect the stored session.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "authpipe",
		Short: "Session and step-up authentication pipeline",
		Long: `authpipe signs in against an auth server, keeps the session in a
credential store and sends requests through the refreshing gateway.

Configuration comes from AUTHPIPE_* variables, optionally loaded from
an env file. Use "authpipe stub" to run a local auth server to try it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env", ".env", "Env file with AUTHPIPE_* settings")
	rootCmd.PersistentFlags().StringVar(&g.redisAddr, "redis", "", "Redis address for the credential store (empty keeps it in memory)")
	rootCmd.PersistentFlags().StringVar(&g.baseURL, "base-url", "", "Auth server base URL (overrides AUTHPIPE_BASE_URL)")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log pipeline activity to stderr")

	rootCmd.AddCommand(
		stubCmd(&g),
		loginCmd(&g),
		statusCmd(&g),
		logoutCmd(&g),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
