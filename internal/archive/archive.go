// Package archive implements the Archive Builder: the
// CIA-like container writer that assembles a certificate chain, a
// ticket, a TMD, and a sequence of content payloads into a single
// desktop-importable file, in one of three build modes.
package archive

import (
	"encoding/binary"
	"io"

	"github.com/threesd-go/threesd/internal/filesys"
)

// BuildMode selects how content payloads are streamed and which ticket
// accompanies them.
type BuildMode int

const (
	// Standard decrypts content into the archive, clears the TMD's
	// encrypted-content flag, and synthesizes a fake-title-key ticket.
	Standard BuildMode = iota
	// PirateLegit keeps content encrypted with the original title key and
	// requires the supplied TMD to already pass signature+hash
	// verification; ticket is still synthesized.
	PirateLegit
	// Legit is PirateLegit plus using the real, console-bound ticket
	// fetched from a loaded Ticket-DB.
	Legit
)

const (
	headerSize      = 0x2020
	contentBitmapLen = 0x2000
	certBlobSize    = 0xA00
	metadataSize    = 0x3AC0
	alignment       = 0x40
)

func alignUp(n int64) int64 { return (n + alignment - 1) / alignment * alignment }

// Header is the fixed 0x2020-byte archive header.
type Header struct {
	Type        uint16
	Version     uint16
	CertSize    uint32
	TicketSize  uint32
	TMDSize     uint32
	MetaSize    uint32
	ContentSize uint64
	ContentPresent [contentBitmapLen]byte
}

func (h Header) bytes() []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(b[0:4], headerSize)
	binary.LittleEndian.PutUint16(b[4:6], h.Type)
	binary.LittleEndian.PutUint16(b[6:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.CertSize)
	binary.LittleEndian.PutUint32(b[12:16], h.TicketSize)
	binary.LittleEndian.PutUint32(b[16:20], h.TMDSize)
	binary.LittleEndian.PutUint32(b[20:24], h.MetaSize)
	binary.LittleEndian.PutUint64(b[24:32], h.ContentSize)
	copy(b[32:32+contentBitmapLen], h.ContentPresent[:])
	return b
}

// SetContentPresent marks content index idx present in the bitmap, MSB
// first within each byte.
func (h *Header) SetContentPresent(idx int) {
	h.ContentPresent[idx/8] |= 0x80 >> uint(idx%8)
}

// MetadataInput is the source material for the optional metadata
// section: dependency IDs and core version from the ExHeader, and the
// raw SMDH icon bytes from the ExeFS.
type MetadataInput struct {
	DependencyIDs [0x30]uint64
	CoreVersion   uint32
	IconData      []byte // up to 0x36C0 bytes
}

func (m MetadataInput) bytes() []byte {
	b := make([]byte, metadataSize)
	for i, dep := range m.DependencyIDs {
		binary.LittleEndian.PutUint64(b[i*8:i*8+8], dep)
	}
	binary.LittleEndian.PutUint32(b[0x180:0x184], m.CoreVersion)
	icon := m.IconData
	if len(icon) > metadataSize-0x400 {
		icon = icon[:metadataSize-0x400]
	}
	copy(b[0x400:], icon)
	return b
}

// ContentSource streams one content's plaintext for Standard-mode builds,
// or its ciphertext for PirateLegit/Legit builds, via Stream.
type ContentSource interface {
	Index() uint16
	ContentID() uint32
	Type() uint16
	Size() int64
	// Stream writes the content payload (already in the form this build
	// mode requires — decrypted for Standard, CBC-encrypted otherwise) to w and
	// returns the SHA-256 digest the Archive Builder should record.
	Stream(w io.Writer) ([32]byte, error)
}

// Builder assembles one archive in a single pass: Init, AddContent*,
// Finalize. A build in progress that is aborted should have its output
// file deleted by the caller.
type Builder struct {
	mode     BuildMode
	out      io.WriteSeeker
	certs    *filesys.CertStore
	ticket   filesys.Ticket
	tmd      filesys.TitleMetadata
	meta     *MetadataInput
	header   Header
	started  bool
}

// NewBuilder starts a build of mode against out, pre-positioned at byte 0.
// The supplied tmd is the title's metadata prior to any content-size/hash
// fixups; ticket is the one this mode will actually embed (synthetic for
// Standard/PirateLegit, console-bound for Legit).
func NewBuilder(mode BuildMode, out io.WriteSeeker, certs *filesys.CertStore, ticket filesys.Ticket, tmd filesys.TitleMetadata, meta *MetadataInput) *Builder {
	return &Builder{mode: mode, out: out, certs: certs, ticket: ticket, tmd: tmd, meta: meta}
}

// Init writes placeholder header/cert/ticket/TMD sections and positions
// the stream for content payloads.
func (b *Builder) Init() error {
	if b.mode != Standard {
		if err := b.tmd.VerifySignature(b.certs); err != nil {
			return err
		}
		if !b.tmd.VerifyHashes() {
			return errHashMismatch
		}
	}

	catB, tikB, tmdB := b.catalogBytes()
	b.header = Header{
		Type:       0,
		Version:    0,
		CertSize:   uint32(len(catB)),
		TicketSize: uint32(len(tikB)),
		TMDSize:    uint32(len(tmdB)),
	}
	if b.meta != nil {
		b.header.MetaSize = metadataSize
	}

	if _, err := b.out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := b.out.Write(b.header.bytes()); err != nil {
		return err
	}
	if _, err := b.out.Write(catB); err != nil {
		return err
	}
	if _, err := padTo(b.out, alignUp(int64(len(catB)))-int64(len(catB))); err != nil {
		return err
	}
	if _, err := b.out.Write(tikB); err != nil {
		return err
	}
	if _, err := padTo(b.out, alignUp(int64(len(tikB)))-int64(len(tikB))); err != nil {
		return err
	}
	// TMD placeholder: rewritten at Finalize once content hashes are known.
	if _, err := b.out.Write(tmdB); err != nil {
		return err
	}
	if _, err := padTo(b.out, alignUp(int64(len(tmdB)))-int64(len(tmdB))); err != nil {
		return err
	}

	b.started = true
	return nil
}

func (b *Builder) catalogBytes() (cert, ticket, tmd []byte) {
	certBlob := make([]byte, 0, certBlobSize)
	for _, name := range filesys.CIACertNames {
		c, ok := b.certs.Get(name)
		if !ok {
			continue
		}
		certBlob = append(certBlob, c.Signature.Bytes()...)
	}
	return certBlob, b.ticket.Bytes(), b.tmd.Bytes()
}

var errHashMismatch = contentErr("archive: tmd hash verification failed")

type contentErr string

func (e contentErr) Error() string { return string(e) }

// AddContent streams one content into the archive and records its hash
// into the TMD's content chunk table, matching mode's streaming rule.
func (b *Builder) AddContent(src ContentSource) error {
	if !b.started {
		return contentErr("archive: AddContent called before Init")
	}
	hash, err := src.Stream(b.out)
	if err != nil {
		return err
	}
	b.header.SetContentPresent(int(src.Index()))
	b.header.ContentSize += uint64(src.Size())

	chunk, ok := b.tmd.GetContentChunkByID(src.ContentID())
	if !ok {
		chunk = filesys.ContentChunk{ID: src.ContentID(), Index: src.Index(), Type: src.Type()}
		b.tmd.AddContentChunk(chunk)
		chunk, _ = b.tmd.GetContentChunkByID(src.ContentID())
	}
	chunk.Hash = hash
	chunk.Size = uint64(src.Size())
	if b.mode == Standard {
		chunk.Type &^= filesys.ContentTypeEncrypted
	}
	for i := range b.tmd.Contents {
		if b.tmd.Contents[i].ID == src.ContentID() {
			b.tmd.Contents[i] = chunk
		}
	}
	return nil
}

// Finalize rewrites the header and TMD with their definitive
// content-size/hash fields and, if a metadata section was requested,
// appends it at the tail.
func (b *Builder) Finalize() error {
	b.tmd.FixHashes()

	end, err := b.out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if b.meta != nil {
		if _, err := b.out.Write(b.meta.bytes()); err != nil {
			return err
		}
	}

	if _, err := b.out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := b.out.Write(b.header.bytes()); err != nil {
		return err
	}

	certB, _, tmdB := b.catalogBytes()
	tmdOffset := int64(headerSize) + alignUp(int64(len(certB))) + alignUp(int64(b.header.TicketSize))
	if _, err := b.out.Seek(tmdOffset, io.SeekStart); err != nil {
		return err
	}
	if _, err := b.out.Write(tmdB); err != nil {
		return err
	}

	_ = end
	return nil
}

func padTo(w io.Writer, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	zeros := make([]byte, n)
	written, err := w.Write(zeros)
	return int64(written), err
}
