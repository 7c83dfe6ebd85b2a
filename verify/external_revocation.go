package verify

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mapo80/cie-middleware-mobile/revocation"
	"golang.org/x/crypto/ocsp"
)

func httpClient(options Options) *http.Client {
	if options.HTTPClient != nil {
		return options.HTTPClient
	}
	timeout := options.HTTPTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func fetch(ctx context.Context, client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", req.URL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// performExternalOCSPCheck asks the OCSP responders of cert for its status.
func performExternalOCSPCheck(ctx context.Context, cert, issuer *x509.Certificate, options Options) (RevocationInfo, error) {
	if len(cert.OCSPServer) == 0 {
		return RevocationInfo{}, fmt.Errorf("certificate has no OCSP server URLs")
	}

	ocspReq, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return RevocationInfo{}, fmt.Errorf("failed to create OCSP request: %v", err)
	}

	client := httpClient(options)

	// Try each OCSP server URL
	var lastErr error
	for _, serverURL := range cert.OCSPServer {
		req, err := http.NewRequest(http.MethodPost, serverURL, bytes.NewReader(ocspReq))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/ocsp-request")

		body, err := fetch(ctx, client, req)
		if err != nil {
			lastErr = fmt.Errorf("failed to contact OCSP server %s: %v", serverURL, err)
			continue
		}

		resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
		if err != nil {
			lastErr = fmt.Errorf("failed to parse OCSP response from %s: %v", serverURL, err)
			continue
		}

		info := RevocationInfo{Status: revocation.Unknown, Source: "ocsp"}
		switch resp.Status {
		case ocsp.Good:
			info.Status = revocation.Good
		case ocsp.Revoked:
			info.Status = revocation.Revoked
			at := resp.RevokedAt
			info.RevokedAt = &at
		}
		return info, nil
	}

	return RevocationInfo{}, lastErr
}

// performExternalCRLCheck downloads the CRLs of cert and looks it up.
func performExternalCRLCheck(ctx context.Context, cert, issuer *x509.Certificate, options Options) (RevocationInfo, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return RevocationInfo{}, fmt.Errorf("certificate has no CRL distribution points")
	}

	client := httpClient(options)

	// Try each CRL distribution point
	var lastErr error
	for _, crlURL := range cert.CRLDistributionPoints {
		req, err := http.NewRequest(http.MethodGet, crlURL, nil)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := fetch(ctx, client, req)
		if err != nil {
			lastErr = fmt.Errorf("failed to download CRL from %s: %v", crlURL, err)
			continue
		}

		crl, err := x509.ParseRevocationList(body)
		if err != nil {
			lastErr = fmt.Errorf("failed to parse CRL from %s: %v", crlURL, err)
			continue
		}
		if issuer != nil {
			if err := crl.CheckSignatureFrom(issuer); err != nil {
				lastErr = fmt.Errorf("CRL from %s not signed by the issuer: %v", crlURL, err)
				continue
			}
		}

		for _, revokedCert := range crl.RevokedCertificateEntries {
			if revokedCert.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				at := revokedCert.RevocationTime
				return RevocationInfo{Status: revocation.Revoked, Source: "crl", RevokedAt: &at}, nil
			}
		}

		// Successfully checked CRL, certificate not revoked
		return RevocationInfo{Status: revocation.Good, Source: "crl"}, nil
	}

	return RevocationInfo{}, lastErr
}
