package command

// root.go defines the root command for relayctl and its global flags.

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	relayAddr string // relay TCP address for send/listen
	apiURL    string // admin API base URL
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "relayctl - operator tool for the SOO ME relay",
	Long: `relayctl talks to a running relay in two ways:
  as a plain peer over TCP (send, listen), and
  as an operator through the admin API (login, peers, stats, sessions, monitor).

Use "relayctl [command] --help" to see the flags of each command.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err) // Print error to standard error
		os.Exit(1)
	}
}

func init() {
	// Global persistent flags = available to all subcommands
	rootCmd.PersistentFlags().StringVar(&relayAddr, "addr", envOr("RELAYCTL_ADDR", "localhost:7070"), "relay TCP address")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("RELAYCTL_API", "http://localhost:7071"), "admin API URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
