package filesys

import (
	"encoding/binary"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
	"github.com/threesd-go/threesd/internal/keystore"
)

// TicketBody is the fixed 0x210-byte ticket body.
type TicketBody struct {
	Issuer             string
	EccPublicKey       [0x3C]byte
	Version            uint8
	CaCrlVersion       uint8
	SignerCrlVersion   uint8
	TitleKey           [0x10]byte
	TicketID           uint64
	ConsoleID          uint32
	TitleID            uint64
	TicketTitleVersion uint16
	LicenseType        uint8
	CommonKeyIndex     uint8
	EshopAccountID     uint32
	Audit              uint8
	Limits             [0x40]byte
	ContentIndexFixed  [0xAC]byte
}

const ticketBodySize = 0x210

func parseTicketBody(b []byte) TicketBody {
	var t TicketBody
	t.Issuer = decodeFixedString(b[0:0x40])
	copy(t.EccPublicKey[:], b[0x40:0x7C])
	t.Version = b[0x7C]
	t.CaCrlVersion = b[0x7D]
	t.SignerCrlVersion = b[0x7E]
	copy(t.TitleKey[:], b[0x7F:0x8F])
	// byte 0x8F is padding
	t.TicketID = binary.BigEndian.Uint64(b[0x90:0x98])
	t.ConsoleID = binary.BigEndian.Uint32(b[0x98:0x9C])
	t.TitleID = binary.BigEndian.Uint64(b[0x9C:0xA4])
	// 2 bytes padding at 0xA4
	t.TicketTitleVersion = binary.BigEndian.Uint16(b[0xA6:0xA8])
	// 8 bytes padding at 0xA8
	t.LicenseType = b[0xB0]
	t.CommonKeyIndex = b[0xB1]
	// 0x2A bytes padding at 0xB2
	t.EshopAccountID = binary.BigEndian.Uint32(b[0xDC:0xE0])
	// 1 byte padding at 0xE0
	t.Audit = b[0xE1]
	// 0x42 bytes padding at 0xE2
	copy(t.Limits[:], b[0x124:0x164])
	copy(t.ContentIndexFixed[:], b[0x164:0x210])
	return t
}

func (t TicketBody) bytes() []byte {
	b := make([]byte, ticketBodySize)
	copy(b[0:0x40], t.Issuer)
	copy(b[0x40:0x7C], t.EccPublicKey[:])
	b[0x7C] = t.Version
	b[0x7D] = t.CaCrlVersion
	b[0x7E] = t.SignerCrlVersion
	copy(b[0x7F:0x8F], t.TitleKey[:])
	binary.BigEndian.PutUint64(b[0x90:0x98], t.TicketID)
	binary.BigEndian.PutUint32(b[0x98:0x9C], t.ConsoleID)
	binary.BigEndian.PutUint64(b[0x9C:0xA4], t.TitleID)
	binary.BigEndian.PutUint16(b[0xA6:0xA8], t.TicketTitleVersion)
	b[0xB0] = t.LicenseType
	b[0xB1] = t.CommonKeyIndex
	binary.BigEndian.PutUint32(b[0xDC:0xE0], t.EshopAccountID)
	b[0xE1] = t.Audit
	copy(b[0x124:0x164], t.Limits[:])
	copy(b[0x164:0x210], t.ContentIndexFixed[:])
	return b
}

// Ticket is a signature, a fixed body, and a variable-length content
// index whose own size is self-described by a big-endian u32 at byte 4 of
// the index itself.
type Ticket struct {
	Signature    Signature
	Body         TicketBody
	ContentIndex []byte
}

const maxContentIndexSize = 0x10000

// ParseTicket reads a Ticket at offset within data.
func ParseTicket(data []byte, offset int) (Ticket, error) {
	sig, err := ParseSignature(data, offset)
	if err != nil {
		return Ticket{}, threeerrors.Wrap(err, "ticket: signature")
	}
	bodyOff := offset + sig.Size()
	if bodyOff+ticketBodySize > len(data) {
		return Ticket{}, threeerrors.Wrap(threeerrors.ErrTruncated, "ticket: body")
	}
	body := parseTicketBody(data[bodyOff : bodyOff+ticketBodySize])

	ciOff := bodyOff + ticketBodySize
	if ciOff+8 > len(data) {
		return Ticket{}, threeerrors.Wrap(threeerrors.ErrTruncated, "ticket: content index header")
	}
	size := binary.BigEndian.Uint32(data[ciOff+4 : ciOff+8])
	if size > maxContentIndexSize {
		return Ticket{}, threeerrors.Wrap(threeerrors.ErrOutOfRange, "ticket: content index too large")
	}
	if ciOff+int(size) > len(data) {
		return Ticket{}, threeerrors.Wrap(threeerrors.ErrTruncated, "ticket: content index")
	}
	contentIndex := make([]byte, size)
	copy(contentIndex, data[ciOff:ciOff+int(size)])

	return Ticket{Signature: sig, Body: body, ContentIndex: contentIndex}, nil
}

// Bytes serializes the ticket in its on-disk layout.
func (t Ticket) Bytes() []byte {
	out := append([]byte{}, t.Signature.Bytes()...)
	out = append(out, t.Body.bytes()...)
	out = append(out, t.ContentIndex...)
	return out
}

// VerifySignature checks the ticket's signature over (body || content
// index) against the certificate store.
func (t Ticket) VerifySignature(certs *CertStore) error {
	return verifyRSA2048SHA256(certs, t.Issuer(), append(append([]byte{}, t.Body.bytes()...), t.ContentIndex...), t.Signature)
}

// Issuer returns the ticket's null-terminated issuer string.
func (t Ticket) Issuer() string { return t.Body.Issuer }

// UnwrapTitleKey unwraps this ticket's encrypted title key against store,
// using the ticket's own common-key index and title ID.
func (t Ticket) UnwrapTitleKey(store *keystore.Store) (keystore.AESKey, error) {
	return store.UnwrapTitleKey(int(t.Body.CommonKeyIndex), t.Body.TitleID, keystore.AESKey(t.Body.TitleKey))
}

// ticketContentIndexConstant is the fixed 44-byte content index prefix
// used by GodMode9 and adopted here for single-content synthesized
// tickets.
var ticketContentIndexConstant = [44]byte{
	0x00, 0x01, 0x00, 0x14, 0x00, 0x00, 0x00, 0xAC, 0x00, 0x00, 0x00, 0x14, 0x00, 0x01, 0x00,
	0x14, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x28, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00,
	0x00, 0x84, 0x00, 0x00, 0x00, 0x84, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// BuildFakeTicket synthesizes a generic ticket for titleID, matching
// GodMode9's fake-ticket template: an all-0xFF signature and title key,
// audit=1, common key index 0, and a single-content content index.
func BuildFakeTicket(titleID uint64) Ticket {
	sigData := make([]byte, 0x100)
	for i := range sigData {
		sigData[i] = 0xFF
	}

	var body TicketBody
	body.Issuer = TicketIssuer
	for i := range body.EccPublicKey {
		body.EccPublicKey[i] = 0xFF
	}
	body.Version = 1
	for i := range body.TitleKey {
		body.TitleKey[i] = 0xFF
	}
	body.TitleID = titleID
	body.CommonKeyIndex = 0
	body.Audit = 1

	contentIndex := make([]byte, 0xAC)
	copy(contentIndex, ticketContentIndexConstant[:])
	for i := 44; i < len(contentIndex); i++ {
		contentIndex[i] = 0xFF
	}

	return Ticket{
		Signature:    Signature{Type: SignatureRSA2048SHA256, Data: sigData},
		Body:         body,
		ContentIndex: contentIndex,
	}
}
