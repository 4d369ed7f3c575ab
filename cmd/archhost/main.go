package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "archhost",
	Short: "Hosts Archipelago multiworld game servers",
	Long: `archhost runs one Archipelago game server child process per hosted
instance, assigns each a port from a fixed range, and exposes a REST API to
create, initialize, start, stop and command them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML); ARCHHOST_* environment variables override it")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
