package verify

import (
	"crypto/x509"
	"slices"
	"strings"
)

// validateKeyUsage checks the signer's Key Usage bits and Extended Key
// Usages against options. Without EKU requirements any Extended Key Usage,
// or none, is accepted.
func validateKeyUsage(cert *x509.Certificate, options Options) (kuValid bool, kuError string, ekuValid bool, ekuError string) {
	var missing []string
	if options.RequireDigitalSignatureKU && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		missing = append(missing, "certificate does not have Digital Signature key usage")
	}
	if options.RequireNonRepudiation && cert.KeyUsage&x509.KeyUsageContentCommitment == 0 {
		missing = append(missing, "certificate does not have Non-Repudiation key usage")
	}
	kuValid, kuError = len(missing) == 0, strings.Join(missing, "; ")

	if len(options.RequiredEKUs) == 0 && len(options.AllowedEKUs) == 0 {
		return kuValid, kuError, true, ""
	}
	if len(cert.ExtKeyUsage) == 0 {
		return kuValid, kuError, false, "certificate has no Extended Key Usage extension"
	}

	has := func(eku x509.ExtKeyUsage) bool { return slices.Contains(cert.ExtKeyUsage, eku) }
	switch {
	case slices.ContainsFunc(options.RequiredEKUs, has):
		return kuValid, kuError, true, ""
	case slices.ContainsFunc(options.AllowedEKUs, has):
		if len(options.RequiredEKUs) > 0 {
			ekuError = "certificate uses acceptable but not preferred Extended Key Usage"
		}
		return kuValid, kuError, true, ekuError
	default:
		return kuValid, kuError, false, "certificate does not have suitable Extended Key Usage for signing"
	}
}
