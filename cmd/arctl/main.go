// Command arctl administers the AR invoices service: schema migrations,
// issuer profiles, access tokens and integrity checks over gRPC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ar-invoices/internal/logger"
)

var version = "dev"

var log = logger.New(logger.Config{
	Level:       os.Getenv("AR_LOG_LEVEL"),
	Environment: "development",
	ServiceName: "arctl",
	Version:     version,
	Output:      os.Stderr,
})

var rootCmd = &cobra.Command{
	Use:   "arctl",
	Short: "Administration CLI for the AR invoices service",
	Long: `arctl manages the AR invoices service.

Database commands read the same configuration as the server (config.yaml,
.env and AR_* environment variables). Integrity commands talk to a running
server over gRPC.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
