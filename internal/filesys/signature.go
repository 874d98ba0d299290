// Package filesys implements the TMD/Ticket/Certificate/Signature stack
//: the envelope types shared by every signed 3DS file, a
// certificate store keyed by "issuer-name", RSA-2048/SHA-256 signature
// verification, and fake-ticket synthesis for titles imported without
// their original ticket.
package filesys

import (
	"encoding/binary"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
)

// SignatureType enumerates the wire signature kinds; only RSA-2048/SHA-256
// is ever produced or verified by this importer, but all
// are recognized so a well-formed signature of any type can still be
// skipped over correctly.
type SignatureType uint32

const (
	SignatureRSA4096SHA1   SignatureType = 0x10000
	SignatureRSA2048SHA1   SignatureType = 0x10001
	SignatureEllipticSHA1  SignatureType = 0x10002
	SignatureRSA4096SHA256 SignatureType = 0x10003
	SignatureRSA2048SHA256 SignatureType = 0x10004
	SignatureECDSASHA256   SignatureType = 0x10005
)

func signatureBodySize(t SignatureType) int {
	switch t {
	case SignatureRSA4096SHA1, SignatureRSA4096SHA256:
		return 0x200
	case SignatureRSA2048SHA1, SignatureRSA2048SHA256:
		return 0x100
	case SignatureEllipticSHA1, SignatureECDSASHA256:
		return 0x3C
	default:
		return 0
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// Signature is the 4-byte type tag plus variable-length signature data,
// read from an offset and always occupying a size aligned up to 0x40.
type Signature struct {
	Type SignatureType
	Data []byte
}

// ParseSignature reads a Signature at offset within data.
func ParseSignature(data []byte, offset int) (Signature, error) {
	if offset+4 > len(data) {
		return Signature{}, threeerrors.Wrap(threeerrors.ErrTruncated, "signature: type")
	}
	t := SignatureType(binary.BigEndian.Uint32(data[offset : offset+4]))
	size := signatureBodySize(t)
	if size == 0 {
		return Signature{}, threeerrors.Wrap(threeerrors.ErrUnsupported, "signature: unknown type")
	}
	if offset+4+size > len(data) {
		return Signature{}, threeerrors.Wrap(threeerrors.ErrTruncated, "signature: data")
	}
	body := make([]byte, size)
	copy(body, data[offset+4:offset+4+size])
	return Signature{Type: t, Data: body}, nil
}

// Size returns the full on-disk size of the signature, padded to a 0x40
// boundary.
func (s Signature) Size() int {
	return alignUp(len(s.Data)+4, 0x40)
}

// Bytes serializes the signature in its on-disk, size-padded layout.
func (s Signature) Bytes() []byte {
	out := make([]byte, s.Size())
	binary.BigEndian.PutUint32(out[0:4], uint32(s.Type))
	copy(out[4:], s.Data)
	return out
}
