package filesys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

// buildCertsDBPayloadWithKey builds a CertsDB blob (header + the three
// required CIA certificates) all signed with, and carrying, key's public
// half, so a ticket or TMD signed with key verifies against the resulting
// store.
func buildCertsDBPayloadWithKey(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	var body []byte
	body = appendCertificate(body, "Root", "CA00000003", &key.PublicKey)
	body = appendCertificate(body, "Root-CA00000003", "XS0000000c", &key.PublicKey)
	body = appendCertificate(body, "Root-CA00000003", "CP0000000b", &key.PublicKey)

	header := make([]byte, 0x10)
	copy(header[0:4], []byte("CERT"))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(body)))

	return append(header, body...)
}

func signPKCS1v15SHA256(t *testing.T, key *rsa.PrivateKey, payload []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}
	return sig
}
