package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"testing"
)

func TestNoneTransformIsIdentity(t *testing.T) {
	data := []byte("the quick brown fox")
	want := append([]byte(nil), data...)

	tr := NewNone()
	if err := tr.Process(data); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Errorf("None transform mutated data: got %q want %q", data, want)
	}
}

func TestAesCtrRoundTrip(t *testing.T) {
	var key, ctr [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(ctr[:]); err != nil {
		t.Fatal(err)
	}

	plaintext := bytes.Repeat([]byte("0123456789abcdef"), 100) // not block-aligned required for CTR
	plaintext = append(plaintext, []byte("tail")...)

	enc, err := NewAesCtr(key, ctr)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := append([]byte(nil), plaintext...)
	if err := enc.Process(ciphertext); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := NewAesCtr(key, ctr)
	if err != nil {
		t.Fatal(err)
	}
	recovered := append([]byte(nil), ciphertext...)
	if err := dec.Process(recovered); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("CTR round trip mismatch")
	}
}

func TestAesCtrSeekMatchesDirectOffset(t *testing.T) {
	var key, ctr [16]byte
	copy(key[:], []byte("0123456789abcdef"))
	copy(ctr[:], []byte("fedcba9876543210"))

	plaintext := bytes.Repeat([]byte{0xAB}, 4*BlockSize)

	// Encrypt the whole thing in one go.
	whole, err := NewAesCtr(key, ctr)
	if err != nil {
		t.Fatal(err)
	}
	full := append([]byte(nil), plaintext...)
	if err := whole.Process(full); err != nil {
		t.Fatal(err)
	}

	// Now decrypt starting from block 2 via Seek and compare against the
	// corresponding slice of full.
	partial, err := NewAesCtr(key, ctr)
	if err != nil {
		t.Fatal(err)
	}
	if err := partial.Seek(2 * BlockSize); err != nil {
		t.Fatal(err)
	}
	tail := append([]byte(nil), full[2*BlockSize:]...)
	if err := partial.Process(tail); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tail, plaintext[2*BlockSize:]) {
		t.Errorf("Seek-based decryption mismatch")
	}
}

func TestAesCbcEncryptHashesPlaintext(t *testing.T) {
	var key, iv [16]byte
	copy(key[:], []byte("0123456789abcdef"))
	copy(iv[:], []byte("fedcba9876543210"))

	plaintext := bytes.Repeat([]byte{0x11, 0x22}, BlockSize) // 2 blocks

	want := sha256.Sum256(plaintext)

	tr, err := NewAesCbcEncryptHash(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	buf := append([]byte(nil), plaintext...)
	if err := tr.Process(buf); err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(buf, plaintext) {
		t.Fatal("buffer was not encrypted")
	}
	if tr.Sum() != want {
		t.Errorf("hash does not cover plaintext: got %x want %x", tr.Sum(), want)
	}

	// Verify it really is standard CBC by decrypting independently.
	block, err := aes.NewCipher(key[:])
	if err != nil {
		t.Fatal(err)
	}
	dec := cipher.NewCBCDecrypter(block, iv[:])
	recovered := append([]byte(nil), buf...)
	dec.CryptBlocks(recovered, recovered)
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("ciphertext does not decrypt back to plaintext under plain CBC")
	}
}

func TestAesCbcRejectsUnalignedBuffer(t *testing.T) {
	var key, iv [16]byte
	tr, err := NewAesCbcEncryptHash(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Process(make([]byte, BlockSize+1)); err == nil {
		t.Error("expected error for non-block-aligned buffer")
	}
}

func TestAddCounterBlocksWraps(t *testing.T) {
	var ctr [16]byte
	for i := range ctr {
		ctr[i] = 0xFF
	}
	got := AddCounterBlocks(ctr, 1)
	want := [16]byte{} // all-FF + 1 wraps to all-zero
	if got != want {
		t.Errorf("AddCounterBlocks overflow: got %x want %x", got, want)
	}
}
