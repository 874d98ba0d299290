package ncch

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/threesd-go/threesd/internal/copier"
	"github.com/threesd-go/threesd/internal/crypto"
	"github.com/threesd-go/threesd/internal/keystore"
)

// exeFSFileEntry is one populated slot of the ExeFS file table: a fixed
// 8-byte name, a byte offset relative to the end of the 0x200-byte ExeFS
// header, and a size.
type exeFSFileEntry struct {
	name   string
	offset uint32
	size   uint32
}

const (
	exeFSMaxSections = 10
	exeFSEntrySize   = 16
)

// parseExeFSFileTable decodes the (already-decrypted) ExeFS header's file
// table, skipping unused (zero-size) slots.
func parseExeFSFileTable(header []byte) []exeFSFileEntry {
	var entries []exeFSFileEntry
	for i := 0; i < exeFSMaxSections; i++ {
		b := header[i*exeFSEntrySize : i*exeFSEntrySize+exeFSEntrySize]
		size := binary.LittleEndian.Uint32(b[12:16])
		if size == 0 {
			continue
		}
		offset := binary.LittleEndian.Uint32(b[8:12])
		entries = append(entries, exeFSFileEntry{name: exeFSEntryName(b[0:8]), offset: offset, size: size})
	}
	return entries
}

func exeFSEntryName(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		b = b[:n]
	}
	return string(b)
}

// StreamToSink decrypts every section of an NCCH image (ExHeader, ExeFS
// header and per-file sections, RomFS) and writes the result to dst at the
// same offsets as the source, rewriting the leading header copy to
// advertise no-crypto/fixed-key-cleared flags. out starts as an exact copy
// of ncchData, so plain regions (logo, plain region) and any bytes this
// function does not specifically decrypt carry through verbatim.
//
// A genuinely plaintext NCCH (h.NoCrypto()) is copied through unchanged:
// no AES call ever runs over already-decrypted content.
func StreamToSink(ctx context.Context, dst io.WriterAt, ncchData []byte, store *keystore.Store, flag *copier.Flag) (int64, error) {
	h, err := ParseHeader(ncchData)
	if err != nil {
		return 0, err
	}
	if flag == nil {
		flag = copier.NewFlag()
	}

	out := make([]byte, len(ncchData))
	copy(out, ncchData)

	headerCopy := make([]byte, HeaderSize)
	copy(headerCopy, ncchData[:HeaderSize])
	headerCopy[0x188+flagFixedKey] = 0
	headerCopy[0x188+flagNoCrypto] = 1
	headerCopy[0x188+flagSeedCrypto] = 0
	headerCopy[0x188+flagCryptoMethod] = 0
	copy(out[:HeaderSize], headerCopy)

	if h.NoCrypto() {
		n, err := dst.WriteAt(out, 0)
		return int64(n), err
	}

	mu := int64(MediaUnitSize)

	// decryptRange AES-CTR-decrypts ncchData[absStart:absStart+length] into
	// out at the same offsets. sectionCTR is the counter at the start of
	// the enclosing section (sectionAbsStart); Seek advances the keystream
	// to absStart's position within that same continuous stream, so
	// sub-ranges of one section (individual ExeFS files) decrypt correctly
	// regardless of how many earlier sub-ranges were processed.
	decryptRange := func(key [16]byte, sectionCTR [16]byte, sectionAbsStart, absStart, length int64) error {
		if length <= 0 {
			return nil
		}
		if !flag.Running() {
			return context.Canceled
		}
		if absStart < 0 || absStart+length > int64(len(ncchData)) {
			return nil
		}
		tr, err := crypto.NewAesCtr(key, sectionCTR)
		if err != nil {
			return err
		}
		if err := tr.Seek(absStart - sectionAbsStart); err != nil {
			return err
		}
		src := bytes.NewReader(ncchData[absStart : absStart+length])
		w := &sliceWriter{buf: make([]byte, length)}
		if _, err := copier.Copy(ctx, w, src, tr, flag, nil); err != nil {
			return err
		}
		copy(out[absStart:absStart+length], w.buf)
		tr.Close()
		return nil
	}

	primaryKey := store.Normal(keystore.SlotNCCHSecure1)

	if h.ExHeaderSize > 0 {
		exHeaderStart := int64(HeaderSize)
		exHeaderCTR := h.SectionCTR(SectionExHeader, uint32(exHeaderStart))
		if err := decryptRange(primaryKey, exHeaderCTR, exHeaderStart, exHeaderStart, int64(exHeaderSize)); err != nil {
			return 0, err
		}
	}

	if h.ExeFSSize > 0 {
		secondaryKey := store.Normal(h.SecondaryKeySlot())
		exeFSStart := int64(h.ExeFSOffset) * mu
		exeFSCTR := h.SectionCTR(SectionExeFS, uint32(exeFSStart))

		// The ExeFS header (file table + hash list) is always decrypted
		// with the primary key, at the start of the ExeFS CTR stream.
		if err := decryptRange(primaryKey, exeFSCTR, exeFSStart, exeFSStart, int64(exeFSHeaderSize)); err != nil {
			return 0, err
		}

		headerPlain := out[exeFSStart : exeFSStart+int64(exeFSHeaderSize)]
		for _, entry := range parseExeFSFileTable(headerPlain) {
			key := secondaryKey
			if entry.name == "icon" || entry.name == "banner" {
				key = primaryKey
			}
			fileStart := exeFSStart + int64(exeFSHeaderSize) + int64(entry.offset)
			if err := decryptRange(key, exeFSCTR, exeFSStart, fileStart, int64(entry.size)); err != nil {
				return 0, err
			}
		}
	}

	if h.RomFSSize > 0 {
		secondaryKey := store.Normal(h.SecondaryKeySlot())
		romFSStart := int64(h.RomFSOffset) * mu
		romFSCTR := h.SectionCTR(SectionRomFS, uint32(romFSStart))
		if err := decryptRange(secondaryKey, romFSCTR, romFSStart, romFSStart, int64(h.RomFSSize)*mu); err != nil {
			return 0, err
		}
	}

	n, err := dst.WriteAt(out, 0)
	return int64(n), err
}

// sliceWriter is an io.Writer over a pre-sized byte slice, used to collect
// one decrypted range from the Threaded File Copier's pipeline.
type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	return n, nil
}
