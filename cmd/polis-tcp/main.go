// Package main is the entry point for the polis-tcp binary.
// It provides a one-shot TCP/TLS client, the pipeline message server and a
// test certificate generator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-tcp
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-tcp",
		Short: "TCP/TLS request client and pipeline host",
		Long: `polis-tcp sends one payload over a fresh TCP or TLS connection and
returns the single response read.

Examples:
  polis-tcp send --host 127.0.0.1 --port 7000 'ping'
  polis-tcp serve --config polis-tcp.yaml --pipelines pipelines.yaml
  polis-tcp certs --out ./certs`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSendCmd(), newServeCmd(), newCertsCmd())
	return rootCmd
}
