// Package testpki builds throwaway RSA certificate hierarchies and serves
// OCSP, CRL and RFC 3161 timestamp endpoints for them.
package testpki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"golang.org/x/crypto/ocsp"
)

// KeyProfile selects the RSA modulus size. CIE cards only carry RSA keys.
type KeyProfile string

const (
	RSA_2048 KeyProfile = "RSA_2048"
	RSA_3072 KeyProfile = "RSA_3072"
	RSA_4096 KeyProfile = "RSA_4096"
)

type TestPKIConfig struct {
	Profile         KeyProfile
	IntermediateCAs int
}

// TestPKI manages a temporary PKI hierarchy for testing.
type TestPKI struct {
	T                 *testing.T
	RootKey           crypto.Signer
	RootCert          *x509.Certificate
	IntermediateKeys  []crypto.Signer
	IntermediateCerts []*x509.Certificate
	TSAKey            crypto.Signer
	TSACert           *x509.Certificate
	Server            *httptest.Server
	CRLBytes          []byte
	Profile           KeyProfile

	// FailOCSP makes the OCSP endpoint answer 500.
	FailOCSP bool
	// TSAUser and TSAPassword, when set, are required as basic auth.
	TSAUser     string
	TSAPassword string

	mu           sync.Mutex
	revoked      map[string]time.Time
	CRLRequests  int
	OCSPRequests int
	TSARequests  int
}

// NewTestPKI creates a Root CA with one intermediate.
func NewTestPKI(t *testing.T) *TestPKI {
	return NewTestPKIWithConfig(t, TestPKIConfig{
		Profile:         RSA_2048,
		IntermediateCAs: 1,
	})
}

// NewTestPKIWithConfig allows detailed configuration of the PKI.
func NewTestPKIWithConfig(t *testing.T, config TestPKIConfig) *TestPKI {
	rootKey := GenerateKey(t, config.Profile)
	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "CIE Test Root CA",
			Organization: []string{"CIE Test Org"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	rootCert := create(t, rootTemplate, rootTemplate, rootKey.Public(), rootKey)

	var intermediateKeys []crypto.Signer
	var intermediateCerts []*x509.Certificate
	parentKey := rootKey
	parentCert := rootCert
	for i := 0; i < config.IntermediateCAs; i++ {
		key := GenerateKey(t, config.Profile)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(int64(i + 2)),
			Subject: pkix.Name{
				CommonName:   fmt.Sprintf("CIE Test Intermediate CA %d", i+1),
				Organization: []string{"CIE Test Org"},
			},
			NotBefore:             time.Now().Add(-24 * time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
			MaxPathLen:            0,
			SubjectKeyId:          []byte{5, 6, 7, 8, byte(i)},
			AuthorityKeyId:        parentCert.SubjectKeyId,
		}
		cert := create(t, template, parentCert, key.Public(), parentKey)
		intermediateKeys = append(intermediateKeys, key)
		intermediateCerts = append(intermediateCerts, cert)
		parentKey = key
		parentCert = cert
	}

	tsaKey := GenerateKey(t, config.Profile)
	tsaTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(100),
		Subject: pkix.Name{
			CommonName:   "CIE Test TSA",
			Organization: []string{"CIE Test Org"},
		},
		NotBefore:   time.Now().Add(-24 * time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}
	tsaCert := create(t, tsaTemplate, rootCert, tsaKey.Public(), rootKey)

	return &TestPKI{
		T:                 t,
		RootKey:           rootKey,
		RootCert:          rootCert,
		IntermediateKeys:  intermediateKeys,
		IntermediateCerts: intermediateCerts,
		TSAKey:            tsaKey,
		TSACert:           tsaCert,
		Profile:           config.Profile,
		revoked:           make(map[string]time.Time),
	}
}

func create(t *testing.T, template, parent *x509.Certificate, pub crypto.PublicKey, key crypto.Signer) *x509.Certificate {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, key)
	if err != nil {
		t.Fatalf("failed to create certificate %q: %v", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate %q: %v", template.Subject.CommonName, err)
	}
	return cert
}

func (p *TestPKI) issuer() (*x509.Certificate, crypto.Signer) {
	if n := len(p.IntermediateCerts); n > 0 {
		return p.IntermediateCerts[n-1], p.IntermediateKeys[n-1]
	}
	return p.RootCert, p.RootKey
}

// Revoke marks a serial number as revoked for both OCSP and the CRL.
func (p *TestPKI) Revoke(serial *big.Int) {
	p.mu.Lock()
	p.revoked[serial.String()] = time.Now().Add(-time.Minute)
	p.mu.Unlock()
	if p.Server != nil {
		p.buildCRL()
	}
}

func (p *TestPKI) buildCRL() {
	issuerCert, issuerKey := p.issuer()

	p.mu.Lock()
	var entries []x509.RevocationListEntry
	for s, at := range p.revoked {
		n, _ := new(big.Int).SetString(s, 10)
		entries = append(entries, x509.RevocationListEntry{SerialNumber: n, RevocationTime: at})
	}
	p.mu.Unlock()

	crlBytes, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(time.Now().UnixNano()),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}, issuerCert, issuerKey)
	if err != nil {
		p.T.Fatalf("failed to create CRL: %v", err)
	}
	p.mu.Lock()
	p.CRLBytes = crlBytes
	p.mu.Unlock()
}

// StartServer starts the HTTP server for the CRL (/crl), OCSP (/ocsp),
// CA issuer (/ca) and timestamp (/tsa) endpoints.
func (p *TestPKI) StartServer() {
	p.buildCRL()
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
}

func (p *TestPKI) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/crl":
		p.mu.Lock()
		p.CRLRequests++
		body := p.CRLBytes
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/pkix-crl")
		_, _ = w.Write(body)
	case strings.HasPrefix(r.URL.Path, "/ocsp"):
		p.serveOCSP(w, r)
	case r.URL.Path == "/ca":
		issuerCert, _ := p.issuer()
		w.Header().Set("Content-Type", "application/x-x509-ca-cert")
		_, _ = w.Write(issuerCert.Raw)
	case r.URL.Path == "/tsa":
		p.serveTSA(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestPKI) serveOCSP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.OCSPRequests++
	fail := p.FailOCSP
	p.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var reqBytes []byte
	var err error
	if r.Method == http.MethodPost {
		reqBytes, err = io.ReadAll(r.Body)
	} else {
		parts := strings.Split(r.URL.Path, "/")
		reqBytes, err = base64.StdEncoding.DecodeString(parts[len(parts)-1])
	}
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(reqBytes)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	now := time.Now()
	template := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   now.Add(-time.Hour),
		NextUpdate:   now.Add(24 * time.Hour),
	}
	p.mu.Lock()
	if at, ok := p.revoked[ocspReq.SerialNumber.String()]; ok {
		template.Status = ocsp.Revoked
		template.RevokedAt = at
	}
	p.mu.Unlock()

	issuerCert, issuerKey := p.issuer()
	respBytes, err := ocsp.CreateResponse(issuerCert, issuerCert, template, issuerKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(respBytes)
}

func (p *TestPKI) serveTSA(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.TSARequests++
	p.mu.Unlock()

	if p.TSAUser != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != p.TSAUser || pass != p.TSAPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req, err := timestamp.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ts := &timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              time.Now().UTC(),
		SerialNumber:      big.NewInt(time.Now().UnixNano()),
		Nonce:             req.Nonce,
		Policy:            asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1},
		Ordering:          false,
		Accuracy:          time.Second,
		Qualified:         false,
		AddTSACertificate: req.Certificates,
	}
	resp, err := ts.CreateResponseWithOpts(p.TSACert, p.TSAKey, crypto.SHA256)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	_, _ = w.Write(resp)
}

// TSAURL returns the timestamp endpoint.
func (p *TestPKI) TSAURL() string {
	return p.Server.URL + "/tsa"
}

// IssueLeaf issues an RSA signing certificate from the last intermediate,
// pointing at the OCSP and CRL endpoints of the running server.
func (p *TestPKI) IssueLeaf(commonName string) (*rsa.PrivateKey, *x509.Certificate) {
	if p.Server == nil {
		p.T.Fatalf("StartServer() must be called before IssueLeaf")
	}

	priv := GenerateKey(p.T, p.Profile).(*rsa.PrivateKey)
	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"CIE Test Org"},
			Country:      []string{"IT"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		CRLDistributionPoints: []string{p.Server.URL + "/crl"},
		OCSPServer:            []string{p.Server.URL + "/ocsp"},
		IssuingCertificateURL: []string{p.Server.URL + "/ca"},
	}

	issuerCert, issuerKey := p.issuer()
	return priv, create(p.T, template, issuerCert, priv.Public(), issuerKey)
}

// Chain returns the certificate chain for a leaf (Intermediate -> Root).
func (p *TestPKI) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for i := len(p.IntermediateCerts) - 1; i >= 0; i-- {
		chain = append(chain, p.IntermediateCerts[i])
	}
	chain = append(chain, p.RootCert)
	return chain
}

// Roots returns a pool holding the root certificate.
func (p *TestPKI) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.RootCert)
	return pool
}

// Close stops the server.
func (p *TestPKI) Close() {
	if p.Server != nil {
		p.Server.Close()
	}
}

func GenerateKey(t *testing.T, profile KeyProfile) crypto.Signer {
	bits := 2048
	switch profile {
	case RSA_2048, "":
	case RSA_3072:
		bits = 3072
	case RSA_4096:
		bits = 4096
	default:
		t.Fatalf("unknown key profile: %s", profile)
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("failed to generate RSA %d key: %v", bits, err)
	}
	return k
}
