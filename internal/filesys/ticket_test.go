package filesys

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"testing"
)

func TestBuildFakeTicketFields(t *testing.T) {
	titleID := uint64(0x0004000000012345)
	tk := BuildFakeTicket(titleID)

	if tk.Body.TitleID != titleID {
		t.Errorf("TitleID = %#x, want %#x", tk.Body.TitleID, titleID)
	}
	if tk.Body.Issuer != TicketIssuer {
		t.Errorf("Issuer = %q, want %q", tk.Body.Issuer, TicketIssuer)
	}
	if tk.Body.CommonKeyIndex != 0 {
		t.Errorf("CommonKeyIndex = %d, want 0", tk.Body.CommonKeyIndex)
	}
	if tk.Body.Audit != 1 {
		t.Errorf("Audit = %d, want 1", tk.Body.Audit)
	}
	for i, b := range tk.Body.TitleKey {
		if b != 0xFF {
			t.Fatalf("TitleKey[%d] = %#x, want 0xFF", i, b)
		}
	}
	if len(tk.ContentIndex) != 0xAC {
		t.Errorf("ContentIndex length = %d, want 0xAC", len(tk.ContentIndex))
	}
	size := binary.BigEndian.Uint32(tk.ContentIndex[4:8])
	if size != 0xAC {
		t.Errorf("content index self-described size = %#x, want 0xAC", size)
	}
}

func TestTicketRoundTrip(t *testing.T) {
	tk := BuildFakeTicket(0x0004000000012345)
	encoded := tk.Bytes()

	decoded, err := ParseTicket(encoded, 0)
	if err != nil {
		t.Fatalf("ParseTicket: %v", err)
	}
	if decoded.Body.TitleID != tk.Body.TitleID {
		t.Errorf("TitleID mismatch: got %#x, want %#x", decoded.Body.TitleID, tk.Body.TitleID)
	}
	if decoded.Body.Issuer != tk.Body.Issuer {
		t.Errorf("Issuer mismatch: got %q, want %q", decoded.Body.Issuer, tk.Body.Issuer)
	}
	if len(decoded.ContentIndex) != len(tk.ContentIndex) {
		t.Errorf("ContentIndex length mismatch: got %d, want %d", len(decoded.ContentIndex), len(tk.ContentIndex))
	}
}

func TestTicketVerifySignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	payload := buildCertsDBPayloadWithKey(t, key)
	raw := wrapSinglePartitionDISAForTest(t, payload)
	store, err := LoadCertStore(raw)
	if err != nil {
		t.Fatalf("LoadCertStore: %v", err)
	}

	tk := BuildFakeTicket(0x0004000000012345)
	signPayload := append(append([]byte{}, tk.Body.bytes()...), tk.ContentIndex...)
	sig := signPKCS1v15SHA256(t, key, signPayload)
	tk.Signature = Signature{Type: SignatureRSA2048SHA256, Data: sig}

	if err := tk.VerifySignature(store); err != nil {
		t.Errorf("VerifySignature: %v", err)
	}
}

func TestTicketVerifySignatureRejectsTampered(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	payload := buildCertsDBPayloadWithKey(t, key)
	raw := wrapSinglePartitionDISAForTest(t, payload)
	store, err := LoadCertStore(raw)
	if err != nil {
		t.Fatalf("LoadCertStore: %v", err)
	}

	tk := BuildFakeTicket(0x0004000000012345)
	signPayload := append(append([]byte{}, tk.Body.bytes()...), tk.ContentIndex...)
	sig := signPKCS1v15SHA256(t, key, signPayload)
	tk.Signature = Signature{Type: SignatureRSA2048SHA256, Data: sig}

	tk.Body.TitleID++ // tamper after signing
	if err := tk.VerifySignature(store); err == nil {
		t.Error("expected signature verification to fail for tampered ticket")
	}
}
