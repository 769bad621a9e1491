package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "psui-demo",
		Short: "Demo application for the psui partial-update engine",
		Long: `psui-demo runs a small web application built on psui.

Pages are rendered on the server and updated in place over a
WebSocket push channel. The demo includes:

  • A per-session counter driven by action calls
  • A live clock pushed from a server-side interval
  • A todo list exercising form submission and append swaps`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
