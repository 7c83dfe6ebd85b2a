package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	ciesign "github.com/mapo80/cie-middleware-mobile"
	"github.com/mapo80/cie-middleware-mobile/apdu"
	"github.com/mapo80/cie-middleware-mobile/config"
	"github.com/mapo80/cie-middleware-mobile/mock"
	"github.com/mapo80/cie-middleware-mobile/signers/pkcs11"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type signFlags struct {
	docType   string
	algorithm string
	detached  bool
	fields    []string
	revoke    bool

	page                        int
	left, bottom, width, height float64
	reason, location, name      string
	image                       string
	tsa                         string
}

func newSignCommand(o *options) *cobra.Command {
	f := &signFlags{}
	cmd := &cobra.Command{
		Use:   "sign <input> <output>",
		Short: "Sign a document",
		Long: `Sign a PDF, XML or raw document.

The PIN is read from the environment variable named by pin_env
(CIESIGN_PIN by default).

Without --field every unsigned signature field of a PDF is signed, or a
new field is created when there is none.`,
		Example: `  ciesign sign contract.pdf contract-signed.pdf
  ciesign sign --field Firma1 --reason Approvazione contract.pdf out.pdf
  ciesign sign --left 0.1 --bottom 0.1 --width 0.3 --height 0.08 in.pdf out.pdf
  ciesign sign --type xml --detached invoice.xml invoice.p7x
  ciesign sign -c ciesign.yaml --type raw data.bin data.p7m`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd.Context(), o, f, cmd, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.docType, "type", "t", "pdf", "document type: pdf, xml or raw")
	flags.StringVar(&f.algorithm, "algorithm", "sha256", "raw signature algorithm: sha256, sha1 or rsa")
	flags.BoolVar(&f.detached, "detached", false, "detached CMS for raw documents, enveloping signature for XML")
	flags.StringSliceVar(&f.fields, "field", nil, "PDF signature field to sign, in order (repeatable)")
	flags.BoolVar(&f.revoke, "embed-revocation", false, "embed OCSP responses or CRLs of the signer chain")
	flags.IntVar(&f.page, "page", 0, "zero-based page of a new signature field")
	flags.Float64Var(&f.left, "left", 0, "left edge of a new field, as a page fraction")
	flags.Float64Var(&f.bottom, "bottom", 0, "bottom edge of a new field, as a page fraction")
	flags.Float64Var(&f.width, "width", 0, "width of a new field, as a page fraction (0 for invisible)")
	flags.Float64Var(&f.height, "height", 0, "height of a new field, as a page fraction (0 for invisible)")
	flags.StringVar(&f.reason, "reason", "", "reason for signing")
	flags.StringVar(&f.location, "location", "", "location of the signatory")
	flags.StringVar(&f.name, "name", "", "name of the signatory (default: certificate common name)")
	flags.StringVar(&f.image, "image", "", "image painted in the signature appearance")
	flags.StringVar(&f.tsa, "tsa", "", "URL of an RFC 3161 Time-Stamp Authority")
	return cmd
}

func runSign(ctx context.Context, o *options, f *signFlags, cmd *cobra.Command, input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	req, err := buildRequest(o.cfg, f, cmd)
	if err != nil {
		return err
	}
	req.Input = data
	if req.PIN, err = o.cfg.PIN(); err != nil {
		return err
	}

	c, err := openContext(o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer c.Destroy()

	out, err := c.Sign(ctx, req)
	if err != nil {
		return fmt.Errorf("%w (status %s)", err, ciesign.StatusOf(err))
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return err
	}
	o.logger.Info("signed document written", zap.String("output", output), zap.Int("bytes", len(out)))
	return nil
}

// buildRequest merges the configuration defaults with the flags that were
// set on the command line.
func buildRequest(cfg *config.Config, f *signFlags, cmd *cobra.Command) (*ciesign.Request, error) {
	req := &ciesign.Request{
		Detached:        f.detached,
		EmbedRevocation: f.revoke,
		TSA: ciesign.TSAOptions{
			URL:      cfg.TSA.URL,
			Username: cfg.TSA.Username,
			Password: cfg.TSA.Password,
		},
	}

	switch strings.ToLower(f.docType) {
	case "pdf":
		req.Type = ciesign.DocumentPDF
	case "xml":
		req.Type = ciesign.DocumentXML
	case "raw":
		req.Type = ciesign.DocumentRaw
	default:
		return nil, fmt.Errorf("invalid --type %q: want pdf, xml or raw", f.docType)
	}
	switch strings.ToLower(f.algorithm) {
	case "sha256":
		req.Algorithm = ciesign.SHA256WithRSA
	case "sha1":
		req.Algorithm = ciesign.SHA1WithRSA
	case "rsa":
		req.Algorithm = ciesign.RSARaw
	default:
		return nil, fmt.Errorf("invalid --algorithm %q: want sha256, sha1 or rsa", f.algorithm)
	}

	a := cfg.Appearance
	pdf := ciesign.PDFOptions{
		Page:     a.Page,
		Left:     a.Left,
		Bottom:   a.Bottom,
		Width:    a.Width,
		Height:   a.Height,
		Reason:   a.Reason,
		Location: a.Location,
		Name:     a.Name,
		FieldIDs: f.fields,
	}
	image := a.Image

	changed := cmd.Flags().Changed
	if changed("page") {
		pdf.Page = f.page
	}
	if changed("left") {
		pdf.Left = f.left
	}
	if changed("bottom") {
		pdf.Bottom = f.bottom
	}
	if changed("width") {
		pdf.Width = f.width
	}
	if changed("height") {
		pdf.Height = f.height
	}
	if changed("reason") {
		pdf.Reason = f.reason
	}
	if changed("location") {
		pdf.Location = f.location
	}
	if changed("name") {
		pdf.Name = f.name
	}
	if changed("image") {
		image = f.image
	}
	if changed("tsa") {
		req.TSA.URL = f.tsa
	}

	if image != "" {
		data, err := os.ReadFile(image)
		if err != nil {
			return nil, fmt.Errorf("failed to read signature image: %w", err)
		}
		pdf.Image = data
	}
	req.PDF = pdf
	return req, nil
}

// openContext creates a signing context for the configured backend. The
// mock backend is reached through a transport that only reports the mock
// ATR.
func openContext(cfg *config.Config, logger *zap.Logger) (*ciesign.Context, error) {
	ccfg := ciesign.Config{Logger: logger}

	switch cfg.Backend {
	case config.BackendPKCS11:
		id, err := pkcs11.NewIdentity(cfg.PKCS11.Lib, cfg.PKCS11.Token, cfg.PKCS11.Key)
		if err != nil {
			return nil, err
		}
		return ciesign.CreateWithIdentity(id, ccfg)
	default:
		if cfg.Mock.PKCS12 != "" {
			data, err := os.ReadFile(cfg.Mock.PKCS12)
			if err != nil {
				return nil, fmt.Errorf("failed to read mock PKCS#12: %w", err)
			}
			ccfg.MockPKCS12 = data
			ccfg.MockPassword = cfg.MockPassword()
		}
		reader := apdu.Funcs{
			OpenFunc: func() ([]byte, error) { return mock.ATR, nil },
		}
		return ciesign.Create(reader, ccfg)
	}
}
