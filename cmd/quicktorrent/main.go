package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "quicktorrent",
		Short: "BitTorrent session daemon",
		Long: `QuickTorrent keeps BitTorrent sessions alive across restarts, tracks
their piece maps and exposes them over HTTP and WebSocket.
`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("QT_CONFIG"), "YAML config file")

	rootCmd.AddCommand(serveCommand(&configPath))
	rootCmd.AddCommand(fetchCommand(&configPath))
	rootCmd.AddCommand(versionCommand())
	return rootCmd
}
