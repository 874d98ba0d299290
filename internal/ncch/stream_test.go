package ncch

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/threesd-go/threesd/internal/crypto"
	"github.com/threesd-go/threesd/internal/keystore"
)

// memWriterAt is an in-memory io.WriterAt for asserting StreamToSink's
// output without touching the filesystem.
type memWriterAt struct {
	buf []byte
}

func (w *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(w.buf)) {
		grown := make([]byte, end)
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[off:end], p)
	return len(p), nil
}

func TestStreamToSinkPlaintextPassesThrough(t *testing.T) {
	data := buildMinimalNCCHHeader(t, false, false, 2, 0)
	data[0x188+flagNoCrypto] = 1
	// Pad out to a full image so the "copy through unchanged" behaviour is
	// exercised over more than just the header.
	data = append(data, bytes.Repeat([]byte{0x5A}, 0x200)...)

	store := keystore.New()
	out := &memWriterAt{}
	n, err := StreamToSink(context.Background(), out, data, store, nil)
	if err != nil {
		t.Fatalf("StreamToSink: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("wrote %d bytes, want %d", n, len(data))
	}
	if !bytes.Equal(out.buf, data) {
		t.Error("plaintext NCCH should pass through byte-identical")
	}
}

// exeFSFile describes one file-table entry to embed in the synthetic ExeFS
// header built by buildEncryptedNCCH.
type exeFSFile struct {
	name string
	data []byte
}

// buildEncryptedNCCH assembles a full NCCH image with an ExHeader, an ExeFS
// (header plus the given files back to back) and a RomFS, each section
// encrypted with AES-CTR exactly as production NCCH images are: ExHeader
// and the ExeFS header with the primary key, each ExeFS file individually
// with the primary key (icon/banner) or secondary key (everything else),
// and RomFS with the secondary key. It returns the encrypted image plus the
// plaintext of every region for later comparison.
func buildEncryptedNCCH(t *testing.T, files []exeFSFile, romFS []byte, primaryKey, secondaryKey [16]byte) (encrypted []byte, exHeaderPlain, exeFSHeaderPlain []byte, filePlain map[string][]byte, romFSPlain []byte) {
	t.Helper()

	const (
		exHeaderStart = int64(HeaderSize)
		exeFSOffsetMU = 5 // byte 0xA00, right after the 0x800-byte ExHeader region
	)
	exeFSStart := int64(exeFSOffsetMU) * MediaUnitSize

	// Lay out the ExeFS file table and concatenated file bodies.
	fileTable := make([]byte, exeFSHeaderSize)
	filePlain = make(map[string][]byte, len(files))
	var bodyOffset uint32
	var body []byte
	for i, f := range files {
		entry := fileTable[i*exeFSEntrySize : i*exeFSEntrySize+exeFSEntrySize]
		copy(entry[0:8], f.name)
		binary.LittleEndian.PutUint32(entry[8:12], bodyOffset)
		binary.LittleEndian.PutUint32(entry[12:16], uint32(len(f.data)))
		filePlain[f.name] = f.data
		body = append(body, f.data...)
		bodyOffset += uint32(len(f.data))
	}
	exeFSHeaderPlain = fileTable
	exeFSBodySize := int64(len(fileTable)) + int64(len(body))
	exeFSSizeMU := (exeFSBodySize + MediaUnitSize - 1) / MediaUnitSize

	romFSOffsetMU := exeFSOffsetMU + uint32(exeFSSizeMU)
	romFSStart := int64(romFSOffsetMU) * MediaUnitSize
	romFSSizeMU := (int64(len(romFS)) + MediaUnitSize - 1) / MediaUnitSize
	romFSPlain = romFS

	total := romFSStart + romFSSizeMU*MediaUnitSize
	data := make([]byte, total)

	binary.LittleEndian.PutUint32(data[0x100:0x104], magicNCCH)
	binary.LittleEndian.PutUint64(data[0x108:0x110], 0xA1A2A3A4A5A6A7A8)
	binary.LittleEndian.PutUint16(data[0x112:0x114], 2) // version 2: tag-based CTR
	binary.LittleEndian.PutUint64(data[0x118:0x120], 0)
	binary.LittleEndian.PutUint32(data[0x180:0x184], 0x400) // ExHeaderSize > 0
	data[0x188+flagCryptoMethod] = 1                        // secondary key slot = NCCHSecure2
	binary.LittleEndian.PutUint32(data[0x1A0:0x1A4], uint32(exeFSOffsetMU))
	binary.LittleEndian.PutUint32(data[0x1A4:0x1A8], uint32(exeFSSizeMU))
	binary.LittleEndian.PutUint32(data[0x1B0:0x1B4], romFSOffsetMU)
	binary.LittleEndian.PutUint32(data[0x1B4:0x1B8], uint32(romFSSizeMU))
	for i := 0; i < 16; i++ {
		data[i] = byte(i + 1)
	}

	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}

	exHeaderPlain = bytes.Repeat([]byte{0xEE}, exHeaderSize)
	copy(data[exHeaderStart:exHeaderStart+int64(exHeaderSize)], exHeaderPlain)

	exeFSPlain := append(append([]byte{}, fileTable...), body...)
	copy(data[exeFSStart:exeFSStart+int64(len(exeFSPlain))], exeFSPlain)

	copy(data[romFSStart:romFSStart+int64(len(romFS))], romFS)

	encryptRange := func(key [16]byte, sectionCTR [16]byte, sectionStart, absStart, length int64) {
		tr, err := crypto.NewAesCtr(key, sectionCTR)
		if err != nil {
			t.Fatalf("NewAesCtr: %v", err)
		}
		if err := tr.Seek(absStart - sectionStart); err != nil {
			t.Fatalf("Seek: %v", err)
		}
		buf := make([]byte, length)
		copy(buf, data[absStart:absStart+length])
		if err := tr.Process(buf); err != nil {
			t.Fatalf("Process: %v", err)
		}
		copy(data[absStart:absStart+length], buf)
	}

	exHeaderCTR := h.SectionCTR(SectionExHeader, uint32(exHeaderStart))
	encryptRange(primaryKey, exHeaderCTR, exHeaderStart, exHeaderStart, int64(exHeaderSize))

	exeFSCTR := h.SectionCTR(SectionExeFS, uint32(exeFSStart))
	encryptRange(primaryKey, exeFSCTR, exeFSStart, exeFSStart, int64(exeFSHeaderSize))
	// Encrypt each file individually at its own offset within the ExeFS
	// CTR stream, exactly as StreamToSink must reverse.
	off := uint32(0)
	for _, f := range files {
		key := secondaryKey
		if f.name == "icon" || f.name == "banner" {
			key = primaryKey
		}
		fileStart := exeFSStart + int64(exeFSHeaderSize) + int64(off)
		encryptRange(key, exeFSCTR, exeFSStart, fileStart, int64(len(f.data)))
		off += uint32(len(f.data))
	}

	romFSCTR := h.SectionCTR(SectionRomFS, uint32(romFSStart))
	encryptRange(secondaryKey, romFSCTR, romFSStart, romFSStart, int64(len(romFS)))

	return data, exHeaderPlain, exeFSHeaderPlain, filePlain, romFSPlain
}

func TestStreamToSinkDecryptsWithPerSectionKeySplit(t *testing.T) {
	var primaryKey, secondaryKey [16]byte
	for i := range primaryKey {
		primaryKey[i] = byte(0x10 + i)
	}
	for i := range secondaryKey {
		secondaryKey[i] = byte(0x90 + i)
	}

	files := []exeFSFile{
		{name: "icon", data: bytes.Repeat([]byte{0x11}, 0x40)},
		{name: "banner", data: bytes.Repeat([]byte{0x22}, 0x40)},
		{name: "code", data: bytes.Repeat([]byte{0x33}, 0x140)},
	}
	romFS := bytes.Repeat([]byte{0x44}, 0x200)

	encrypted, exHeaderPlain, exeFSHeaderPlain, filePlain, romFSPlain := buildEncryptedNCCH(t, files, romFS, primaryKey, secondaryKey)

	store := keystore.New()
	store.SetNormal(keystore.SlotNCCHSecure1, keystore.AESKey(primaryKey))
	store.SetNormal(keystore.SlotNCCHSecure2, keystore.AESKey(secondaryKey))

	out := &memWriterAt{}
	if _, err := StreamToSink(context.Background(), out, encrypted, store, nil); err != nil {
		t.Fatalf("StreamToSink: %v", err)
	}

	h, err := ParseHeader(out.buf)
	if err != nil {
		t.Fatalf("ParseHeader(output): %v", err)
	}
	if !h.NoCrypto() {
		t.Error("decrypted output header should advertise NoCrypto")
	}

	exHeaderStart := int64(HeaderSize)
	gotExHeader := out.buf[exHeaderStart : exHeaderStart+int64(len(exHeaderPlain))]
	if !bytes.Equal(gotExHeader, exHeaderPlain) {
		t.Error("ExHeader did not decrypt to the expected plaintext")
	}

	exeFSStart := int64(5) * MediaUnitSize
	gotExeFSHeader := out.buf[exeFSStart : exeFSStart+int64(len(exeFSHeaderPlain))]
	if !bytes.Equal(gotExeFSHeader, exeFSHeaderPlain) {
		t.Error("ExeFS header did not decrypt to the expected plaintext")
	}

	off := int64(0)
	for _, f := range files {
		fileStart := exeFSStart + int64(exeFSHeaderSize) + off
		got := out.buf[fileStart : fileStart+int64(len(f.data))]
		want := filePlain[f.name]
		if !bytes.Equal(got, want) {
			t.Errorf("ExeFS file %q did not decrypt to the expected plaintext (key split or CTR continuation bug)", f.name)
		}
		off += int64(len(f.data))
	}

	romFSOffsetMU := 5 + uint32((int64(len(exeFSHeaderPlain))+off+MediaUnitSize-1)/MediaUnitSize)
	romFSStart := int64(romFSOffsetMU) * MediaUnitSize
	gotRomFS := out.buf[romFSStart : romFSStart+int64(len(romFSPlain))]
	if !bytes.Equal(gotRomFS, romFSPlain) {
		t.Error("RomFS did not decrypt to the expected plaintext")
	}
}

func TestStreamToSinkWrongSecondaryKeyCorruptsNonIconFiles(t *testing.T) {
	var primaryKey, secondaryKey, wrongKey [16]byte
	for i := range primaryKey {
		primaryKey[i] = byte(0x10 + i)
	}
	for i := range secondaryKey {
		secondaryKey[i] = byte(0x90 + i)
	}
	for i := range wrongKey {
		wrongKey[i] = byte(0xFF - byte(i))
	}

	files := []exeFSFile{
		{name: "icon", data: bytes.Repeat([]byte{0x11}, 0x40)},
		{name: "code", data: bytes.Repeat([]byte{0x33}, 0x100)},
	}
	encrypted, _, _, filePlain, _ := buildEncryptedNCCH(t, files, bytes.Repeat([]byte{0x44}, 0x200), primaryKey, secondaryKey)

	store := keystore.New()
	store.SetNormal(keystore.SlotNCCHSecure1, keystore.AESKey(primaryKey))
	store.SetNormal(keystore.SlotNCCHSecure2, keystore.AESKey(wrongKey))

	out := &memWriterAt{}
	if _, err := StreamToSink(context.Background(), out, encrypted, store, nil); err != nil {
		t.Fatalf("StreamToSink: %v", err)
	}

	exeFSStart := int64(5) * MediaUnitSize
	codeStart := exeFSStart + int64(exeFSHeaderSize) + int64(len(files[0].data))
	got := out.buf[codeStart : codeStart+int64(len(files[1].data))]
	if bytes.Equal(got, filePlain["code"]) {
		t.Error("decrypting with the wrong secondary key should not reproduce the original plaintext")
	}
}
