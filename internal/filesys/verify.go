package filesys

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
)

// verifyRSA2048SHA256 checks sig over payload using the certificate
// registered under issuer. Non-RSA-2048/SHA-256 signatures are rejected:
// this importer never produces or consumes any other kind.
func verifyRSA2048SHA256(certs *CertStore, issuer string, payload []byte, sig Signature) error {
	if sig.Type != SignatureRSA2048SHA256 {
		return threeerrors.Wrap(threeerrors.ErrUnsupported, "filesys: only RSA-2048/SHA-256 signatures are verified")
	}
	cert, ok := certs.Get(issuer)
	if !ok {
		return threeerrors.Wrap(threeerrors.ErrNotFound, "filesys: issuer certificate not found: "+issuer)
	}
	if cert.Body.KeyType != PublicKeyRSA2048 {
		return threeerrors.Wrap(threeerrors.ErrUnsupported, "filesys: issuer certificate is not RSA-2048")
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(cert.RSAPublicKey(), crypto.SHA256, digest[:], sig.Data); err != nil {
		return threeerrors.Wrap(threeerrors.ErrSignatureInvalid, "filesys: signature verification failed")
	}
	return nil
}
