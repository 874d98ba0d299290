package crypto

import (
	"crypto/sha256"
	"unicode/utf16"
)

// DerivePathCTR computes the per-file AES-CTR IV used for SD-card content,
// SHA-256 over the UTF-16LE encoding of path
// (terminated by a NUL code unit), then XOR the upper and lower halves of
// the digest to form a 16-byte IV.
func DerivePathCTR(path string) [16]byte {
	units := utf16.Encode([]rune(path))

	buf := make([]byte, 0, (len(units)+1)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	buf = append(buf, 0, 0) // terminating NUL code unit

	digest := sha256.Sum256(buf)

	var iv [16]byte
	for i := 0; i < 16; i++ {
		iv[i] = digest[i] ^ digest[i+16]
	}
	return iv
}
