// Command morango runs a morango sync peer: an HTTP API server, a client
// that drives a push or pull against another peer, and a handful of
// maintenance commands, all operating against one local sqlite or
// postgres database via private/dbutil.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "morango",
	Short: "morango drives peer-to-peer sync between morango databases",
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a config file (yaml, json, or toml)")
	rootCmd.PersistentFlags().String("db", "", "database connection url, e.g. sqlite3://morango.db or postgres://...")
	rootCmd.PersistentFlags().String("addr", "", "address for the serve command to listen on")
	rootCmd.PersistentFlags().String("profile", "", "syncable profile this process operates under")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn, or error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit structured JSON logs instead of console-formatted ones")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cleanupSyncsCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(certificatesCmd)
}
