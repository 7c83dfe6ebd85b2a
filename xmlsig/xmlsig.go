// Package xmlsig produces and checks XML signatures: enveloped signatures
// appended to the signed document, and enveloping signatures whose
// ds:Object carries the document.
package xmlsig

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

var (
	// ErrParse is returned when the input is not a well-formed XML document.
	ErrParse = errors.New("failed to parse XML")
	// ErrNilSigner is returned when no signer is given.
	ErrNilSigner = errors.New("signer is nil")
	// ErrNoCertificate is returned when no signing certificate is given.
	ErrNoCertificate = errors.New("no signing certificate")
	// ErrSignatureNotFound is returned by Verify for a document without a
	// ds:Signature.
	ErrSignatureNotFound = errors.New("signature not found")
	// ErrInvalidSignature is returned by Verify when a digest or the
	// signature value does not match.
	ErrInvalidSignature = errors.New("invalid XML signature")
)

// ObjectID is the Id of the ds:Object of an enveloping signature.
const ObjectID = "object-1"

const objectTag = "Object"

// Options controls Sign.
type Options struct {
	// Enveloping wraps the document in the ds:Object of the signature
	// instead of appending the signature to the document.
	Enveloping bool
	// Hash defaults to SHA-256.
	Hash crypto.Hash
}

// Sign signs the XML document data. chain starts with the signing
// certificate; every certificate is written to ds:X509Data.
func Sign(data []byte, signer crypto.Signer, chain []*x509.Certificate, opts Options) ([]byte, error) {
	if signer == nil {
		return nil, ErrNilSigner
	}
	if len(chain) == 0 || chain[0] == nil {
		return nil, ErrNoCertificate
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrParse)
	}

	certs := make([][]byte, 0, len(chain))
	for _, c := range chain {
		certs = append(certs, c.Raw)
	}
	ctx, err := dsig.NewSigningContext(signer, certs)
	if err != nil {
		return nil, err
	}
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if opts.Hash != 0 {
		ctx.Hash = opts.Hash
	}
	if ctx.GetSignatureMethodIdentifier() == "" {
		return nil, fmt.Errorf("unsupported signature method for %v", ctx.Hash)
	}

	var signed *etree.Element
	if opts.Enveloping {
		signed, err = signEnveloping(ctx, root)
	} else {
		signed, err = ctx.SignEnveloped(root)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sign XML: %w", err)
	}

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(signed)
	return out.WriteToBytes()
}

func signEnveloping(ctx *dsig.SigningContext, root *etree.Element) (*etree.Element, error) {
	object := etree.NewElement(objectTag)
	object.Space = dsig.DefaultPrefix
	object.CreateAttr("xmlns:"+dsig.DefaultPrefix, dsig.Namespace)
	object.CreateAttr("Id", ObjectID)
	object.AddChild(root.Copy())

	ctx.IdAttribute = "Id"
	sig, err := ctx.ConstructSignature(object, false)
	if err != nil {
		return nil, err
	}
	sig.AddChild(object)
	return sig, nil
}
