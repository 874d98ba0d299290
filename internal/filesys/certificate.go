package filesys

import (
	"crypto/rsa"
	"encoding/binary"
	"math/big"

	"github.com/threesd-go/threesd/internal/container"
	threeerrors "github.com/threesd-go/threesd/internal/errors"
)

// PublicKeyType enumerates the certificate public key algorithms.
type PublicKeyType uint32

const (
	PublicKeyRSA4096 PublicKeyType = 0
	PublicKeyRSA2048 PublicKeyType = 1
	PublicKeyECC     PublicKeyType = 2
)

func publicKeySize(t PublicKeyType) int {
	switch t {
	case PublicKeyRSA4096:
		return 0x238
	case PublicKeyRSA2048:
		return 0x138
	case PublicKeyECC:
		return 0x78
	default:
		return 0
	}
}

// CertificateBody is the fixed 0x88-byte certificate body.
type CertificateBody struct {
	Issuer         string
	KeyType        PublicKeyType
	Name           string
	ExpirationTime uint32
}

const certificateBodySize = 0x88

func decodeFixedString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func parseCertificateBody(b []byte) CertificateBody {
	return CertificateBody{
		Issuer:         decodeFixedString(b[0:0x40]),
		KeyType:        PublicKeyType(binary.BigEndian.Uint32(b[0x40:0x44])),
		Name:           decodeFixedString(b[0x44:0x84]),
		ExpirationTime: binary.BigEndian.Uint32(b[0x84:0x88]),
	}
}

// Certificate is a signature, a body, and a variable-length public key.
type Certificate struct {
	Signature Signature
	Body      CertificateBody
	PublicKey []byte
}

// ParseCertificate reads one Certificate at offset within data.
func ParseCertificate(data []byte, offset int) (Certificate, int, error) {
	sig, err := ParseSignature(data, offset)
	if err != nil {
		return Certificate{}, 0, threeerrors.Wrap(err, "certificate: signature")
	}
	bodyOff := offset + sig.Size()
	if bodyOff+certificateBodySize > len(data) {
		return Certificate{}, 0, threeerrors.Wrap(threeerrors.ErrTruncated, "certificate: body")
	}
	body := parseCertificateBody(data[bodyOff : bodyOff+certificateBodySize])

	keySize := publicKeySize(body.KeyType)
	if keySize == 0 {
		return Certificate{}, 0, threeerrors.Wrap(threeerrors.ErrUnsupported, "certificate: public key type")
	}
	keyOff := bodyOff + certificateBodySize
	if keyOff+keySize > len(data) {
		return Certificate{}, 0, threeerrors.Wrap(threeerrors.ErrTruncated, "certificate: public key")
	}
	publicKey := make([]byte, keySize)
	copy(publicKey, data[keyOff:keyOff+keySize])

	totalSize := sig.Size() + certificateBodySize + keySize
	return Certificate{Signature: sig, Body: body, PublicKey: publicKey}, totalSize, nil
}

// RSAPublicKey reconstructs the certificate's RSA public key; it panics if
// the certificate's key type is not RSA, matching the original tooling's
// UNREACHABLE on programmer error (callers must check KeyType first).
func (c Certificate) RSAPublicKey() *rsa.PublicKey {
	var modulusSize int
	switch c.Body.KeyType {
	case PublicKeyRSA2048:
		modulusSize = 0x100
	case PublicKeyRSA4096:
		modulusSize = 0x200
	default:
		panic("filesys: certificate is not RSA")
	}
	modulus := new(big.Int).SetBytes(c.PublicKey[:modulusSize])
	exponent := new(big.Int).SetBytes(c.PublicKey[modulusSize : modulusSize+4])
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}
}

// CIACertNames lists the three certificates a CIA must carry: the CA root, the ticket-signing XS cert, and the TMD-signing
// CP cert.
var CIACertNames = [3]string{
	"Root-CA00000003",
	"Root-CA00000003-XS0000000c",
	"Root-CA00000003-CP0000000b",
}

// TicketIssuer is the issuer string BuildFakeTicket stamps into every
// synthesized ticket.
const TicketIssuer = "Root-CA00000003-XS0000000c"

var certsDBMagic = uint32('C') | uint32('E')<<8 | uint32('R')<<16 | uint32('T')<<24

// CertStore is a certificate store keyed by "issuer-name", as loaded from
// the console's cert database partition.
type CertStore struct {
	certs map[string]Certificate
}

// LoadCertStore unwraps raw's DISA container and decodes every
// certificate in its CERT-magic blob, validating that all of
// CIACertNames are present.
func LoadCertStore(raw []byte) (*CertStore, error) {
	env, err := container.Parse(raw)
	if err != nil {
		return nil, threeerrors.Wrap(err, "certs: container")
	}
	levels, err := env.GetIVFCLevel4Data()
	if err != nil {
		return nil, threeerrors.Wrap(err, "certs: level4")
	}
	data := levels[0]

	if len(data) < 0x10 {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "certs: header")
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != certsDBMagic {
		return nil, threeerrors.Wrap(threeerrors.ErrBadMagic, "certs: header magic")
	}
	size := binary.LittleEndian.Uint32(data[8:12])
	totalSize := int(size) + 0x10
	if len(data) < totalSize {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "certs: reported size")
	}

	store := &CertStore{certs: make(map[string]Certificate)}
	pos := 0x10
	for pos < totalSize {
		cert, consumed, err := ParseCertificate(data, pos)
		if err != nil {
			return nil, err
		}
		pos += consumed
		fullName := cert.Body.Issuer + "-" + cert.Body.Name
		store.certs[fullName] = cert
	}

	for _, name := range CIACertNames {
		if _, ok := store.certs[name]; !ok {
			return nil, threeerrors.Wrap(threeerrors.ErrNotFound, "certs: required cert missing: "+name)
		}
	}

	return store, nil
}

// Get returns the certificate registered under fullName ("issuer-name").
func (s *CertStore) Get(fullName string) (Certificate, bool) {
	c, ok := s.certs[fullName]
	return c, ok
}
