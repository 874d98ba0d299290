package datafs

import (
	"encoding/binary"
	"testing"
)

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

// buildTitleDB constructs a minimal title.db image (pre-header + FAT
// header + one title entry) using the title-keyed entry shape.
func buildTitleDB(t *testing.T, titleID uint64, titleSize uint64) []byte {
	t.Helper()
	const (
		pre       = titleDBPreheaderSize
		fsInfoOff = pre + 0x20
		fatOff    = fsInfoOff + 0x68
		blockSize = 512
	)
	fatEntryCount := 4
	dataRegionOff := fatOff + fatEntryCount*8
	dirTableSize := 3 * 0x20  // maxDirs(1)+2
	fileTableSize := 2 * 0x2c // maxFiles(1)+1
	_ = dirTableSize
	_ = fileTableSize
	dataBlocks := 4
	total := dataRegionOff + dataBlocks*blockSize
	buf := make([]byte, total)

	putU64(buf, 0, dbMagicNANDTDB)

	fatHeader := buf[pre:]
	putU32(fatHeader, 0, magicBDRI)
	putU32(fatHeader, 4, 0x30000)
	putU64(fatHeader, 8, 0x20)
	putU64(fatHeader, 16, uint64(total))
	putU32(fatHeader, 24, blockSize)

	fs := buf[fsInfoOff:]
	putU32(fs, 4, blockSize)
	putU64(fs, 40, uint64(fatOff-pre))
	putU32(fs, 48, uint32(fatEntryCount))
	putU64(fs, 56, uint64(dataRegionOff-pre))
	putU32(fs, 64, uint32(dataBlocks))
	putU32(fs, 72, 0) // dir table block index
	putU32(fs, 80, 1) // max dirs
	putU32(fs, 84, 1) // file table block index
	putU32(fs, 92, 1) // max files

	const fileDataBlock = 2
	putU32(buf, fatOff+(fileDataBlock+1)*8, 0)
	putU32(buf, fatOff+(fileDataBlock+1)*8+4, 0)

	dirTableOff := dataRegionOff + 0*blockSize
	rootOff := dirTableOff + 1*0x20
	putU32(buf, rootOff+12, 1) // first_file_index = 1

	fileTableOff := dataRegionOff + 1*blockSize
	fileOff := fileTableOff + 1*0x2c
	putU64(buf, fileOff+4, titleID)
	putU32(buf, fileOff+20, fileDataBlock)
	putU64(buf, fileOff+24, uint64(titleInfoEntrySize))

	payload := make([]byte, titleInfoEntrySize)
	binary.LittleEndian.PutUint64(payload[0:8], titleSize)
	copy(buf[dataRegionOff+fileDataBlock*blockSize:], payload)

	return buf
}

func TestParseTitleDB(t *testing.T) {
	data := buildTitleDB(t, 0x0004000000012345, 0x1000)
	db, err := ParseTitleDB(data)
	if err != nil {
		t.Fatalf("ParseTitleDB: %v", err)
	}
	entry, ok := db.Titles[0x0004000000012345]
	if !ok {
		t.Fatal("expected title entry present")
	}
	if entry.TitleSize != 0x1000 {
		t.Errorf("TitleSize = %#x, want 0x1000", entry.TitleSize)
	}
}

func TestParseTitleDBRejectsWrongPreheaderMagic(t *testing.T) {
	data := buildTitleDB(t, 1, 1)
	binary.LittleEndian.PutUint64(data[0:8], 0xDEADBEEFDEADBEEF)
	if _, err := ParseTitleDB(data); err == nil {
		t.Error("expected error for bad pre-header magic")
	}
}
