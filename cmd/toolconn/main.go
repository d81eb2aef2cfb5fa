package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolconn/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toolconn",
	Short: "Tool connection registry and tester",
	Long:  "toolconn registers MCP tools reached over http or stdio and tests their connections with bounded retries.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("toolconn version %s\n", version))

	rootCmd.AddCommand(cli.NewServeCmd())
	rootCmd.AddCommand(cli.NewToolsCmd())
}
