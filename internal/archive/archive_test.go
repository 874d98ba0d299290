package archive

import (
	"bytes"
	"testing"
)

func TestHeaderContentPresentBitmap(t *testing.T) {
	var h Header
	h.SetContentPresent(0)
	if h.ContentPresent[0] != 0x80 {
		t.Errorf("ContentPresent[0] = %#x, want 0x80 (MSB set)", h.ContentPresent[0])
	}
	h.SetContentPresent(8)
	if h.ContentPresent[1] != 0x80 {
		t.Errorf("ContentPresent[1] = %#x, want 0x80", h.ContentPresent[1])
	}
}

func TestContentIVEncodesIndexInHighBytes(t *testing.T) {
	iv := ContentIV(0x0102)
	if iv[0] != 0x01 || iv[1] != 0x02 {
		t.Errorf("ContentIV high bytes = %x %x, want 01 02", iv[0], iv[1])
	}
	for i := 2; i < 16; i++ {
		if iv[i] != 0 {
			t.Errorf("ContentIV byte %d = %#x, want 0", i, iv[i])
		}
	}
}

func TestStreamCBCEncryptHashEncryptsAndHashes(t *testing.T) {
	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	iv := ContentIV(0)
	plaintext := bytes.Repeat([]byte{0x42}, 16*1024) // one full frame, block-aligned

	var out bytes.Buffer
	digest, err := streamCBCEncryptHash(&out, bytes.NewReader(plaintext), key, iv)
	if err != nil {
		t.Fatalf("streamCBCEncryptHash: %v", err)
	}
	if out.Len() != len(plaintext) {
		t.Errorf("ciphertext length = %d, want %d", out.Len(), len(plaintext))
	}
	if bytes.Equal(out.Bytes(), plaintext) {
		t.Error("expected ciphertext to differ from plaintext")
	}
	var zero [32]byte
	if digest == zero {
		t.Error("expected non-zero digest")
	}
}
