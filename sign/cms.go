package sign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"github.com/mapo80/cie-middleware-mobile/revocation"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidSigningCertificate   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	oidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	oidTimeStampToken       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// CMSOptions describes the signer of a CMS SignedData structure.
type CMSOptions struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
	// Chain holds the issuers of Certificate, without Certificate itself.
	Chain []*x509.Certificate

	// DigestAlgorithm defaults to SHA-256.
	DigestAlgorithm crypto.Hash
	// Detached leaves the content out of the structure, as PDF requires.
	Detached bool

	TSA TSA
	// Revocation is embedded as the adbe-revocationInfoArchival signed
	// attribute when set.
	Revocation *revocation.InfoArchival

	HTTPClient *http.Client
}

// CreateCMS signs content and returns the DER encoded SignedData.
func CreateCMS(ctx context.Context, content []byte, opts CMSOptions) ([]byte, error) {
	if opts.Certificate == nil {
		return nil, ErrNilCertificate
	}
	if opts.Signer == nil {
		return nil, ErrNilSigner
	}
	if err := ValidateSignerCertificateMatch(opts.Signer, opts.Certificate); err != nil {
		return nil, fmt.Errorf("signer/certificate validation failed: %w", err)
	}
	if !opts.DigestAlgorithm.Available() {
		opts.DigestAlgorithm = crypto.SHA256
	}

	signed_data, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}
	signed_data.SetDigestAlgorithm(getOIDFromHashAlgorithm(opts.DigestAlgorithm))

	signingCertificate, err := createSigningCertificateAttribute(opts.Certificate, opts.DigestAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}

	signer_config := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{*signingCertificate},
	}
	if opts.Revocation != nil && !opts.Revocation.Empty() {
		signer_config.ExtraSignedAttributes = append(signer_config.ExtraSignedAttributes, pkcs7.Attribute{
			Type:  revocation.OIDInfoArchival,
			Value: *opts.Revocation,
		})
	}

	if err := signed_data.AddSignerChain(opts.Certificate, opts.Signer, opts.Chain, signer_config); err != nil {
		return nil, fmt.Errorf("add signer chain: %w", err)
	}

	if opts.Detached {
		signed_data.Detach()
	}

	if opts.TSA.URL != "" {
		signature_data := signed_data.GetSignedData()

		timestamp_response, err := GetTSA(ctx, opts.HTTPClient, opts.TSA, signature_data.SignerInfos[0].EncryptedDigest)
		if err != nil {
			return nil, fmt.Errorf("get timestamp: %w", err)
		}

		ts, err := timestamp.ParseResponse(timestamp_response)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}

		_, err = pkcs7.Parse(ts.RawToken)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp token: %w", err)
		}

		timestamp_attribute := pkcs7.Attribute{
			Type:  oidTimeStampToken,
			Value: asn1.RawValue{FullBytes: ts.RawToken},
		}
		if err := signature_data.SignerInfos[0].SetUnauthenticatedAttributes([]pkcs7.Attribute{timestamp_attribute}); err != nil {
			return nil, err
		}
	}

	return signed_data.Finish()
}

func createSigningCertificateAttribute(cert *x509.Certificate, digest crypto.Hash) (*pkcs7.Attribute, error) {
	hash := digest.New()
	hash.Write(cert.Raw)

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // SigningCertificate
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // []ESSCertID, []ESSCertIDv2
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // ESSCertID, ESSCertIDv2
				if digest != crypto.SHA1 && digest != crypto.SHA256 { // default SHA-256
					b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // AlgorithmIdentifier
						b.AddASN1ObjectIdentifier(getOIDFromHashAlgorithm(digest))
					})
				}
				b.AddASN1OctetString(hash.Sum(nil)) // certHash
			})
		})
	})

	sse, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	signingCertificate := pkcs7.Attribute{
		Type:  oidSigningCertificateV2,
		Value: asn1.RawValue{FullBytes: sse},
	}
	if digest == crypto.SHA1 {
		signingCertificate.Type = oidSigningCertificate
	}
	return &signingCertificate, nil
}

// GetTSA requests an RFC 3161 timestamp over sign_content and returns the
// raw response.
func GetTSA(ctx context.Context, client *http.Client, tsa TSA, sign_content []byte) (timestamp_response []byte, err error) {
	ts_request, err := timestamp.CreateRequest(bytes.NewReader(sign_content), &timestamp.RequestOptions{
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tsa.URL, bytes.NewReader(ts_request))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request (%s): %w", tsa.URL, err)
	}

	req.Header.Add("Content-Type", "application/timestamp-query")
	req.Header.Add("Content-Transfer-Encoding", "binary")

	if tsa.Username != "" && tsa.Password != "" {
		req.SetBasicAuth(tsa.Username, tsa.Password)
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("timestamp request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.New("non success response (" + strconv.Itoa(resp.StatusCode) + "): " + string(body))
	}

	timestamp_response_body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return timestamp_response_body, nil
}
