package filesys

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"testing"
)

func encodeCertificateBody(issuer string, keyType PublicKeyType, name string, expiration uint32) []byte {
	b := make([]byte, certificateBodySize)
	copy(b[0:0x40], issuer)
	binary.BigEndian.PutUint32(b[0x40:0x44], uint32(keyType))
	copy(b[0x44:0x84], name)
	binary.BigEndian.PutUint32(b[0x84:0x88], expiration)
	return b
}

func encodeRSA2048PublicKey(pub *rsa.PublicKey) []byte {
	b := make([]byte, publicKeySize(PublicKeyRSA2048))
	modulus := pub.N.Bytes()
	copy(b[0x100-len(modulus):0x100], modulus)
	binary.BigEndian.PutUint32(b[0x100:0x104], uint32(pub.E))
	return b
}

func appendCertificate(buf []byte, issuer, name string, pub *rsa.PublicKey) []byte {
	sig := Signature{Type: SignatureRSA2048SHA256, Data: make([]byte, signatureBodySize(SignatureRSA2048SHA256))}
	buf = append(buf, sig.Bytes()...)
	buf = append(buf, encodeCertificateBody(issuer, PublicKeyRSA2048, name, 0)...)
	buf = append(buf, encodeRSA2048PublicKey(pub)...)
	return buf
}

func buildCertsDBPayload(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	var body []byte
	body = appendCertificate(body, "Root", "CA00000003", &key.PublicKey)
	body = appendCertificate(body, "Root-CA00000003", "XS0000000c", &key.PublicKey)
	body = appendCertificate(body, "Root-CA00000003", "CP0000000b", &key.PublicKey)

	header := make([]byte, 0x10)
	copy(header[0:4], []byte("CERT"))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(body)))

	return append(header, body...)
}

func TestParseCertificateRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var buf []byte
	buf = appendCertificate(buf, "Root-CA00000003", "XS0000000c", &key.PublicKey)

	cert, consumed, err := ParseCertificate(buf, 0)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if consumed != len(buf) {
		t.Errorf("consumed = %d, want %d", consumed, len(buf))
	}
	if cert.Body.Issuer != "Root-CA00000003" || cert.Body.Name != "XS0000000c" {
		t.Errorf("unexpected body: %+v", cert.Body)
	}
	if cert.RSAPublicKey().N.Cmp(key.PublicKey.N) != 0 {
		t.Error("recovered RSA modulus does not match")
	}
}

func TestLoadCertStoreRequiresAllThreeCIACerts(t *testing.T) {
	payload := buildCertsDBPayload(t)
	raw := wrapSinglePartitionDISAForTest(t, payload)

	store, err := LoadCertStore(raw)
	if err != nil {
		t.Fatalf("LoadCertStore: %v", err)
	}
	for _, name := range CIACertNames {
		if _, ok := store.Get(name); !ok {
			t.Errorf("expected certificate %q present", name)
		}
	}
}

func TestLoadCertStoreRejectsMissingCert(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var body []byte
	body = appendCertificate(body, "Root", "CA00000003", &key.PublicKey)
	header := make([]byte, 0x10)
	copy(header[0:4], []byte("CERT"))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(body)))
	payload := append(header, body...)

	raw := wrapSinglePartitionDISAForTest(t, payload)
	if _, err := LoadCertStore(raw); err == nil {
		t.Error("expected error when required certificates are missing")
	}
}
