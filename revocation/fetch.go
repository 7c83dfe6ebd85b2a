package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
)

// Cache stores downloaded revocation data by URL.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte)
}

// MemoryCache is a thread-safe in-memory Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string][]byte),
	}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.items[key]
	return data, ok
}

func (c *MemoryCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = data
}

// ErrNoSource is returned when a certificate names neither an OCSP
// responder nor a CRL distribution point.
var ErrNoSource = errors.New("certificate has no OCSP server or CRL distribution point")

// Fetcher downloads revocation data for certificates.
type Fetcher struct {
	Client *http.Client
	Cache  Cache
	Logger *zap.Logger
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) logger() *zap.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return zap.NewNop()
}

// Embed adds the revocation status of cert to i. OCSP is tried first when
// the issuer is known; a CRL is the fallback. A revoked certificate is an
// error: signing with it would produce a signature that never validates.
func (f *Fetcher) Embed(ctx context.Context, cert, issuer *x509.Certificate, i *InfoArchival) error {
	var errs []error

	if issuer != nil && len(cert.OCSPServer) > 0 {
		body, err := f.OCSP(ctx, cert, issuer)
		if err == nil {
			return i.AddOCSP(body)
		}
		f.logger().Debug("OCSP fetch failed", zap.String("subject", cert.Subject.String()), zap.Error(err))
		errs = append(errs, err)
	}

	if len(cert.CRLDistributionPoints) > 0 {
		body, err := f.CRL(ctx, cert, issuer)
		if err == nil {
			return i.AddCRL(body)
		}
		f.logger().Debug("CRL fetch failed", zap.String("subject", cert.Subject.String()), zap.Error(err))
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return ErrNoSource
	}
	return errors.Join(errs...)
}

// OCSP posts an OCSP request for cert to its first responder and returns
// the raw response, which must report the certificate as good.
func (f *Fetcher) OCSP(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoSource
	}
	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, err
	}

	url := cert.OCSPServer[0]
	key := url + "#" + cert.SerialNumber.String()
	if f.Cache != nil {
		if data, ok := f.Cache.Get(key); ok {
			return data, nil
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	body, err := f.do(httpReq)
	if err != nil {
		return nil, err
	}

	resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP response: %w", err)
	}
	if resp.Status != ocsp.Good {
		return nil, fmt.Errorf("OCSP status is not 'Good': %v", resp.Status)
	}

	if f.Cache != nil {
		f.Cache.Put(key, body)
	}
	return body, nil
}

// CRL downloads the first CRL distribution point of cert. When issuer is
// known the CRL signature is checked. The certificate must not be listed.
func (f *Fetcher) CRL(ctx context.Context, cert, issuer *x509.Certificate) ([]byte, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, ErrNoSource
	}
	url := cert.CRLDistributionPoints[0]

	var body []byte
	if f.Cache != nil {
		body, _ = f.Cache.Get(url)
	}
	if body == nil {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		body, err = f.do(httpReq)
		if err != nil {
			return nil, err
		}
	}

	crl, err := x509.ParseRevocationList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if issuer != nil {
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return nil, fmt.Errorf("CRL signature invalid: %w", err)
		}
	}
	for _, revoked := range crl.RevokedCertificateEntries {
		if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return nil, fmt.Errorf("certificate is revoked in CRL")
		}
	}

	if f.Cache != nil {
		f.Cache.Put(url, body)
	}
	return body, nil
}

func (f *Fetcher) do(req *http.Request) ([]byte, error) {
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// EmbedChain embeds the status of every certificate in chain, each checked
// against the next one. The last certificate is treated as self-issued and
// skipped. Failures are logged and skipped; the result reports how many
// certificates were covered.
func (f *Fetcher) EmbedChain(ctx context.Context, chain []*x509.Certificate, i *InfoArchival) int {
	n := 0
	for idx, cert := range chain {
		var issuer *x509.Certificate
		if idx+1 < len(chain) {
			issuer = chain[idx+1]
		} else if len(chain) > 1 || isSelfSigned(cert) {
			break
		}
		if err := f.Embed(ctx, cert, issuer, i); err != nil {
			f.logger().Warn("revocation status not embedded", zap.String("subject", cert.Subject.String()), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func isSelfSigned(c *x509.Certificate) bool {
	return bytes.Equal(c.RawIssuer, c.RawSubject) && c.CheckSignatureFrom(c) == nil
}
