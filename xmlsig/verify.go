package xmlsig

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"
)

var digestMethods = map[string]crypto.Hash{
	"http://www.w3.org/2000/09/xmldsig#sha1":        crypto.SHA1,
	"http://www.w3.org/2001/04/xmlenc#sha256":       crypto.SHA256,
	"http://www.w3.org/2001/04/xmldsig-more#sha384": crypto.SHA384,
	"http://www.w3.org/2001/04/xmlenc#sha512":       crypto.SHA512,
}

var signatureMethods = map[string]x509.SignatureAlgorithm{
	dsig.RSASHA1SignatureMethod:   x509.SHA1WithRSA,
	dsig.RSASHA256SignatureMethod: x509.SHA256WithRSA,
	dsig.RSASHA384SignatureMethod: x509.SHA384WithRSA,
	dsig.RSASHA512SignatureMethod: x509.SHA512WithRSA,
}

// VerifyOptions controls Verify.
type VerifyOptions struct {
	// Roots replaces the system trust store when set.
	Roots *x509.CertPool
	// Clock provides the validation time. Defaults to the real clock.
	Clock clockwork.Clock
}

// Result is the outcome of a successful Verify.
type Result struct {
	Enveloping    bool
	Certificate   *x509.Certificate
	TrustedIssuer bool
	VerifyError   string
	// Content is the signed document without the signature.
	Content []byte
}

// Verify checks the enveloped or enveloping signature of data. It returns
// an error when the signature is missing or does not match; an untrusted
// but intact signature is reported through Result.TrustedIssuer.
func Verify(data []byte, opts VerifyOptions) (*Result, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrParse)
	}

	res := &Result{Enveloping: isDSig(root, dsig.SignatureTag)}
	sig := root
	if !res.Enveloping {
		sig = childDSig(root, dsig.SignatureTag)
	}
	if sig == nil {
		return nil, ErrSignatureNotFound
	}

	chain, err := keyInfoCertificates(sig)
	if err != nil {
		return nil, err
	}
	res.Certificate = chain[0]

	now := opts.Clock.Now()
	if now.Before(res.Certificate.NotBefore) || now.After(res.Certificate.NotAfter) {
		return nil, fmt.Errorf("%w: certificate is not valid at %s", ErrInvalidSignature, now.Format("2006-01-02T15:04:05Z07:00"))
	}

	var signed *etree.Element
	if res.Enveloping {
		signed, err = verifyEnveloping(sig, res.Certificate)
	} else {
		vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
			Roots: []*x509.Certificate{res.Certificate},
		})
		vctx.Clock = dsig.NewFakeClock(opts.Clock)
		signed, err = vctx.Validate(root)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	if _, err := res.Certificate.Verify(x509.VerifyOptions{
		Roots:         opts.Roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		res.VerifyError = err.Error()
	} else {
		res.TrustedIssuer = true
	}

	out := etree.NewDocument()
	out.SetRoot(signed.Copy())
	res.Content, err = out.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// verifyEnveloping checks the reference to the ds:Object and the
// signature over ds:SignedInfo. It returns the signed document.
func verifyEnveloping(sig *etree.Element, cert *x509.Certificate) (*etree.Element, error) {
	signedInfo := childDSig(sig, dsig.SignedInfoTag)
	if signedInfo == nil {
		return nil, fmt.Errorf("missing SignedInfo")
	}
	reference := childDSig(signedInfo, dsig.ReferenceTag)
	if reference == nil {
		return nil, fmt.Errorf("missing Reference")
	}
	uri := reference.SelectAttrValue(dsig.URIAttr, "")
	if !strings.HasPrefix(uri, "#") {
		return nil, fmt.Errorf("reference %q does not point at a ds:Object", uri)
	}

	var object *etree.Element
	for _, el := range sig.ChildElements() {
		if isDSig(el, objectTag) && el.SelectAttrValue("Id", "") == uri[1:] {
			object = el
			break
		}
	}
	if object == nil {
		return nil, fmt.Errorf("no ds:Object with Id %q", uri[1:])
	}

	digestMethod := childDSig(reference, dsig.DigestMethodTag)
	digestValue := childDSig(reference, dsig.DigestValueTag)
	if digestMethod == nil || digestValue == nil {
		return nil, fmt.Errorf("incomplete Reference")
	}
	hash, ok := digestMethods[digestMethod.SelectAttrValue(dsig.AlgorithmAttr, "")]
	if !ok {
		return nil, fmt.Errorf("unknown digest method %q", digestMethod.SelectAttrValue(dsig.AlgorithmAttr, ""))
	}
	canonical, err := canonicalize(object)
	if err != nil {
		return nil, err
	}
	h := hash.New()
	h.Write(canonical)
	want, err := decodeBase64(digestValue.Text())
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(h.Sum(nil), want) {
		return nil, fmt.Errorf("digest of %s does not match", uri)
	}

	signatureMethod := childDSig(signedInfo, dsig.SignatureMethodTag)
	signatureValue := childDSig(sig, dsig.SignatureValueTag)
	if signatureMethod == nil || signatureValue == nil {
		return nil, fmt.Errorf("missing SignatureMethod or SignatureValue")
	}
	algorithm, ok := signatureMethods[signatureMethod.SelectAttrValue(dsig.AlgorithmAttr, "")]
	if !ok {
		return nil, fmt.Errorf("unknown signature method %q", signatureMethod.SelectAttrValue(dsig.AlgorithmAttr, ""))
	}
	signature, err := decodeBase64(signatureValue.Text())
	if err != nil {
		return nil, err
	}
	canonical, err = canonicalize(signedInfo)
	if err != nil {
		return nil, err
	}
	if err := cert.CheckSignature(algorithm, canonical, signature); err != nil {
		return nil, err
	}

	if len(object.ChildElements()) == 0 {
		return nil, fmt.Errorf("ds:Object is empty")
	}
	return object.ChildElements()[0], nil
}

// canonicalize returns the exclusive canonical form of el with the
// namespaces declared by its ancestors.
func canonicalize(el *etree.Element) ([]byte, error) {
	ctx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, err
	}
	detached, err := etreeutils.NSDetatch(ctx, el)
	if err != nil {
		return nil, err
	}
	return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("").Canonicalize(detached)
}

func keyInfoCertificates(sig *etree.Element) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	if keyInfo := childDSig(sig, dsig.KeyInfoTag); keyInfo != nil {
		if data := childDSig(keyInfo, dsig.X509DataTag); data != nil {
			for _, el := range data.ChildElements() {
				if !isDSig(el, dsig.X509CertificateTag) {
					continue
				}
				der, err := decodeBase64(el.Text())
				if err != nil {
					return nil, err
				}
				cert, err := x509.ParseCertificate(der)
				if err != nil {
					return nil, fmt.Errorf("failed to parse X509Certificate: %w", err)
				}
				chain = append(chain, cert)
			}
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: missing X509Certificate within KeyInfo", ErrInvalidSignature)
	}
	return chain, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
}

func isDSig(el *etree.Element, tag string) bool {
	return el.Tag == tag && el.NamespaceURI() == dsig.Namespace
}

func childDSig(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if isDSig(c, tag) {
			return c
		}
	}
	return nil
}
