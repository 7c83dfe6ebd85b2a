package cli

import (
	"os"
	"time"

	ciesign "github.com/mapo80/cie-middleware-mobile"
	"github.com/mapo80/cie-middleware-mobile/config"
	"github.com/mapo80/cie-middleware-mobile/verify"
	"github.com/spf13/cobra"
)

type verifyFlags struct {
	roots                     string
	online                    bool
	at                        string
	requireDigitalSignatureKU bool
	requireNonRepudiation     bool
	allowEmbeddedRoots        bool
	minRSAKeySize             int
	httpTimeout               time.Duration
}

func newVerifyCommand(o *options) *cobra.Command {
	f := &verifyFlags{}
	cmd := &cobra.Command{
		Use:   "verify <input>",
		Short: "Verify the signatures of a PDF or XML document",
		Long: `Verify every signature of a PDF, or the signature of an XML document,
and print the report as JSON.`,
		Example: `  ciesign verify signed.pdf
  ciesign verify --roots cie-roots.pem --online signed.pdf
  ciesign verify --at 2025-01-31T12:00:00Z signed.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			opts, err := verifyOptions(o.cfg, f, cmd)
			if err != nil {
				return err
			}
			report, err := ciesign.Verify(cmd.Context(), data, opts, o.logger)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.roots, "roots", "", "PEM file of trusted roots (default: configuration, then system roots)")
	flags.BoolVar(&f.online, "online", false, "query OCSP responders and CRL distribution points")
	flags.StringVar(&f.at, "at", "", "reference time for chain validation (RFC 3339)")
	flags.BoolVar(&f.requireDigitalSignatureKU, "require-digital-signature", false, "require the Digital Signature key usage")
	flags.BoolVar(&f.requireNonRepudiation, "require-non-repudiation", false, "require the Non-Repudiation key usage")
	flags.BoolVar(&f.allowEmbeddedRoots, "allow-embedded-roots", false, "accept self-signed roots carried by the signature (use with caution)")
	flags.IntVar(&f.minRSAKeySize, "min-rsa-key-size", 0, "reject signer keys below this size in bits")
	flags.DurationVar(&f.httpTimeout, "http-timeout", 10*time.Second, "timeout of online revocation requests")
	return cmd
}

func verifyOptions(cfg *config.Config, f *verifyFlags, cmd *cobra.Command) (verify.Options, error) {
	opts := verify.Options{
		ExternalRevocation:        cfg.Verify.Online,
		RequireDigitalSignatureKU: f.requireDigitalSignatureKU,
		RequireNonRepudiation:     f.requireNonRepudiation,
		AllowEmbeddedRoots:        f.allowEmbeddedRoots,
		MinRSAKeySize:             f.minRSAKeySize,
		HTTPTimeout:               f.httpTimeout,
	}
	if cmd.Flags().Changed("online") {
		opts.ExternalRevocation = f.online
	}
	if f.roots != "" {
		cfg.Verify.Roots = f.roots
	}
	roots, err := cfg.Roots()
	if err != nil {
		return opts, err
	}
	opts.Roots = roots

	if f.at != "" {
		at, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return opts, err
		}
		opts.At = at
	}
	return opts, nil
}

func newFieldsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fields <input.pdf>",
		Short: "List the signature fields of a PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			report, err := ciesign.Fields(data, o.logger)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}
