package card

import (
	"crypto"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Algorithm selects how a digest is prepared before the raw RSA operation.
type Algorithm int

const (
	// SHA256WithRSA wraps a SHA-256 digest in a DigestInfo.
	SHA256WithRSA Algorithm = iota
	// SHA1WithRSA wraps a SHA-1 digest in a DigestInfo.
	SHA1WithRSA
	// RSARaw signs the supplied bytes as they are.
	RSARaw
)

func (a Algorithm) String() string {
	switch a {
	case SHA256WithRSA:
		return "SHA256withRSA"
	case SHA1WithRSA:
		return "SHA1withRSA"
	case RSARaw:
		return "RSA"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// Hash returns the digest function of the algorithm, or 0 for RSARaw.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case SHA256WithRSA:
		return crypto.SHA256
	case SHA1WithRSA:
		return crypto.SHA1
	default:
		return 0
	}
}

// AlgorithmForHash maps a crypto.Hash to the matching Algorithm. A zero
// hash selects RSARaw.
func AlgorithmForHash(h crypto.Hash) (Algorithm, error) {
	switch h {
	case crypto.SHA256:
		return SHA256WithRSA, nil
	case crypto.SHA1:
		return SHA1WithRSA, nil
	case 0:
		return RSARaw, nil
	default:
		return 0, fmt.Errorf("unsupported hash function: %v", h)
	}
}

var digestOIDs = map[Algorithm]asn1.ObjectIdentifier{
	SHA256WithRSA: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	SHA1WithRSA:   {1, 3, 14, 3, 2, 26},
}

// DigestInfo builds the block that is handed to the card for a raw
// PKCS#1 v1.5 operation:
//
//	DigestInfo ::= SEQUENCE {
//	    digestAlgorithm AlgorithmIdentifier,
//	    digest OCTET STRING }
//
// For RSARaw the input is returned unchanged.
func DigestInfo(alg Algorithm, digest []byte) ([]byte, error) {
	if alg == RSARaw {
		return append([]byte(nil), digest...), nil
	}

	oid, ok := digestOIDs[alg]
	if !ok {
		return nil, fmt.Errorf("no digest algorithm for %v", alg)
	}
	if len(digest) != alg.Hash().Size() {
		return nil, fmt.Errorf("%v digest must be %d bytes, got %d", alg, alg.Hash().Size(), len(digest))
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // AlgorithmIdentifier
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(digest)
	})
	return b.Bytes()
}
