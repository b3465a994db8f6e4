package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	itls "github.com/polisai/polis-tcp/internal/tls"
)

func newCertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA, a server certificate and an EC client certificate for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return fmt.Errorf("failed to get out flag: %w", err)
			}

			set, err := itls.GenerateTestCertificates(out)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, certFile := range []string{set.CAFile, set.ServerCertFile, set.ClientCertFile} {
				summary, err := itls.InspectCertificateFile(certFile)
				if err != nil {
					return err
				}
				printSummary(w, summary)
			}
			fmt.Fprintf(w, "server key:  %s\n", set.ServerKeyFile)
			fmt.Fprintf(w, "client key:  %s\n", set.ClientKeyFile)
			return nil
		},
	}

	cmd.Flags().StringP("out", "o", "certs", "Directory to write certificates to")
	return cmd
}

func printSummary(w io.Writer, s *itls.CertificateSummary) {
	var usages []string
	if s.IsCA {
		usages = append(usages, "ca")
	}
	if s.ServerAuth {
		usages = append(usages, "server")
	}
	if s.ClientAuth {
		usages = append(usages, "client")
	}
	fmt.Fprintf(w, "%s\n", s.File)
	fmt.Fprintf(w, "  subject:     %s\n", s.Subject)
	fmt.Fprintf(w, "  key:         %s %d\n", s.PublicKeyAlgorithm, s.KeySize)
	fmt.Fprintf(w, "  usage:       %s\n", strings.Join(usages, ","))
	fmt.Fprintf(w, "  not after:   %s\n", s.NotAfter.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  sha256:      %s\n", s.FingerprintSHA256)
}
