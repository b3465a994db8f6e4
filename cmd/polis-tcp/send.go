package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	itls "github.com/polisai/polis-tcp/internal/tls"
	"github.com/polisai/polis-tcp/pkg/codec"
	"github.com/polisai/polis-tcp/pkg/domain"
	"github.com/polisai/polis-tcp/pkg/logging"
	"github.com/polisai/polis-tcp/pkg/tcpclient"
)

// sendOptions holds the parsed flags of the send command
type sendOptions struct {
	Host           string
	Port           int
	UseTLS         bool
	CAFile         string
	CertFile       string
	KeyFile        string
	KeyPassphrase  string
	ServerName     string
	ALPN           string
	Insecure       bool
	PayloadType    string
	ResponseType   string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	LogLevel       string
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send [payload]",
		Short: "Send one payload and print the decoded response",
		Long: `Send writes the payload once over a new connection, performs a single
read of up to 4096 bytes and prints it decoded with --response-type.

The payload is read from stdin when omitted or given as "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return runSend(cmd, opts, payload)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Host, "host", "", "Target host")
	flags.IntVar(&opts.Port, "port", 0, "Target port")
	flags.BoolVar(&opts.UseTLS, "tls", false, "Use TLS")
	flags.StringVar(&opts.CAFile, "ca-file", "", "PEM CA certificate added to the platform roots")
	flags.StringVar(&opts.CertFile, "cert-file", "", "PEM client certificate")
	flags.StringVar(&opts.KeyFile, "key-file", "", "PEM client private key (RSA or EC)")
	flags.StringVar(&opts.KeyPassphrase, "key-passphrase", "", "Passphrase for an encrypted private key")
	flags.StringVar(&opts.ServerName, "server-name", "", "SNI and verification name (defaults to host)")
	flags.StringVar(&opts.ALPN, "alpn", "", "ALPN protocol to offer")
	flags.BoolVar(&opts.Insecure, "insecure", false, "Trust any server certificate")
	flags.StringVar(&opts.PayloadType, "payload-type", string(codec.FormatText), "Payload format (TEXT, JSON, BINARY)")
	flags.StringVar(&opts.ResponseType, "response-type", string(codec.FormatText), "Response format (TEXT, JSON, BINARY)")
	flags.DurationVar(&opts.ConnectTimeout, "connect-timeout", tcpclient.DefaultConnectTimeout, "Connect and handshake timeout")
	flags.DurationVar(&opts.ReadTimeout, "read-timeout", tcpclient.DefaultReadTimeout, "Response read timeout")
	flags.StringVar(&opts.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}

func readPayload(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	return string(data), nil
}

func runSend(cmd *cobra.Command, opts *sendOptions, payload string) error {
	ctx := cmd.Context()
	logger := logging.NewLogger(logging.Config{
		Level:  opts.LogLevel,
		Pretty: true,
		Output: cmd.ErrOrStderr(),
	})

	target := domain.ConnectionTarget{Host: opts.Host, Port: opts.Port, UseTLS: opts.UseTLS}
	if err := target.Validate(); err != nil {
		return domain.NewRequestError(domain.KindValidation, domain.StageResolve, err)
	}

	payloadFormat, err := codec.ParseFormat(opts.PayloadType)
	if err != nil {
		return domain.NewRequestError(domain.KindValidation, domain.StageResolve, err)
	}
	responseFormat, err := codec.ParseFormat(opts.ResponseType)
	if err != nil {
		return domain.NewRequestError(domain.KindValidation, domain.StageResolve, err)
	}

	envelope, err := codec.Encode(payloadFormat, payload)
	if err != nil {
		return domain.NewRequestError(domain.KindValidation, domain.StageEncode, err)
	}

	var tlsCtx *itls.ClientContext
	if target.UseTLS {
		material, err := opts.tlsMaterial()
		if err != nil {
			return domain.NewRequestError(domain.KindTLSConfig, domain.StageTLSContext, err)
		}
		tlsCtx, err = itls.NewContextBuilder(logger).Build(ctx, material)
		if err != nil {
			return domain.NewRequestError(domain.KindTLSConfig, domain.StageTLSContext, err)
		}
	}

	client := tcpclient.NewClient(tcpclient.Config{Logger: logger})
	resp, err := client.Send(ctx, tcpclient.Request{
		Target:         target,
		TLS:            tlsCtx,
		Payload:        envelope.Raw,
		ConnectTimeout: opts.ConnectTimeout,
		ReadTimeout:    opts.ReadTimeout,
	})
	if err != nil {
		return err
	}

	decoded, err := codec.Decode(responseFormat, resp.Raw)
	if err != nil {
		return err
	}
	if resp.Truncated {
		logger.Warn("response filled the read buffer and may be truncated",
			"buffer_size", tcpclient.ResponseBufferSize)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), decoded)
	return err
}

// tlsMaterial reads the PEM files named by the flags.
func (o *sendOptions) tlsMaterial() (domain.TLSMaterial, error) {
	material := domain.TLSMaterial{
		KeyPassphrase:           o.KeyPassphrase,
		ServerName:              o.ServerName,
		ALPNProtocol:            o.ALPN,
		VerifyServerCertificate: !o.Insecure,
	}

	files := []struct {
		path string
		dst  *string
	}{
		{o.CAFile, &material.CAPEM},
		{o.CertFile, &material.ClientCertPEM},
		{o.KeyFile, &material.ClientKeyPEM},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		// #nosec G304 -- Paths are supplied by the operator on the command line
		data, err := os.ReadFile(f.path)
		if err != nil {
			return domain.TLSMaterial{}, fmt.Errorf("failed to read %s: %w", f.path, err)
		}
		*f.dst = string(data)
	}
	return material, nil
}
