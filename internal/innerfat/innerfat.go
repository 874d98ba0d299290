// Package innerfat implements the generic Inner FAT filesystem: the
// block-allocation table and directory/file entry tables shared by SD
// savegames, SD extdata, and the NAND title/ticket databases.
//
// The four concrete formats differ only in three axes, all expressed here
// as parameters rather than separate types: whether a small pre-header
// precedes the FAT header (title/ticket DB), whether entries carry a name
// or a title ID (savegame/extdata vs title/ticket DB), and whether the
// data region is duplicated inside the header partition or supplied as a
// second, independent partition.
package innerfat

import (
	"encoding/binary"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
)

// MaxFileSize is the safety cap applied to any single file's reconstructed
// size, guarding against a corrupt FAT chain producing a runaway
// allocation.
const MaxFileSize = 64 * 1024 * 1024

// EntryShape selects the directory/file entry table layout.
type EntryShape int

const (
	// ShapeNamed is the 16-byte-name layout used by savegames and extdata.
	ShapeNamed EntryShape = iota
	// ShapeTitleKeyed is the 8-byte-title-ID layout used by the NAND
	// title and ticket databases, which have no per-entry name.
	ShapeTitleKeyed
)

func (s EntryShape) directoryEntrySize() int {
	if s == ShapeNamed {
		return 0x28
	}
	return 0x20
}

func (s EntryShape) fileEntrySize() int {
	if s == ShapeNamed {
		return 0x30
	}
	return 0x2c
}

// Header is the fixed 0x20-byte FAT header, present (after an optional
// pre-header) at the start of every Inner FAT image.
type Header struct {
	Magic                      uint32
	Version                    uint32
	FilesystemInformationOffset uint64
	ImageSize                  uint64
	ImageBlockSize             uint32
}

const headerSize = 0x20

func parseHeader(b []byte) Header {
	return Header{
		Magic:                        binary.LittleEndian.Uint32(b[0:4]),
		Version:                      binary.LittleEndian.Uint32(b[4:8]),
		FilesystemInformationOffset: binary.LittleEndian.Uint64(b[8:16]),
		ImageSize:                    binary.LittleEndian.Uint64(b[16:24]),
		ImageBlockSize:               binary.LittleEndian.Uint32(b[24:28]),
	}
}

// FileSystemInformation is the fixed 0x68-byte block describing the data
// region layout, hash tables, and FAT/entry-table locations.
type FileSystemInformation struct {
	DataRegionBlockSize            uint32
	DirectoryHashTableOffset       uint64
	DirectoryHashTableBucketCount  uint32
	FileHashTableOffset            uint64
	FileHashTableBucketCount       uint32
	FileAllocationTableOffset      uint64
	FileAllocationTableEntryCount  uint32
	DataRegionOffset               uint64
	DataRegionBlockCount           uint32
	DirectoryEntryTableDuplicate   bool
	DirectoryEntryTableBlockIndex  uint32
	DirectoryEntryTableNonDup      uint64
	MaximumDirectoryCount          uint32
	FileEntryTableBlockIndex       uint32
	FileEntryTableNonDup           uint64
	MaximumFileCount               uint32
}

const fsInfoSize = 0x68

func parseFSInfo(b []byte, duplicateData bool) FileSystemInformation {
	info := FileSystemInformation{
		DataRegionBlockSize:           binary.LittleEndian.Uint32(b[4:8]),
		DirectoryHashTableOffset:      binary.LittleEndian.Uint64(b[8:16]),
		DirectoryHashTableBucketCount: binary.LittleEndian.Uint32(b[16:20]),
		FileHashTableOffset:           binary.LittleEndian.Uint64(b[24:32]),
		FileHashTableBucketCount:      binary.LittleEndian.Uint32(b[32:36]),
		FileAllocationTableOffset:     binary.LittleEndian.Uint64(b[40:48]),
		FileAllocationTableEntryCount: binary.LittleEndian.Uint32(b[48:52]),
		DataRegionOffset:              binary.LittleEndian.Uint64(b[56:64]),
		DataRegionBlockCount:          binary.LittleEndian.Uint32(b[64:68]),
		DirectoryEntryTableDuplicate:  duplicateData,
		MaximumDirectoryCount:         binary.LittleEndian.Uint32(b[80:84]),
		MaximumFileCount:              binary.LittleEndian.Uint32(b[92:96]),
	}
	// TableOffset union at byte 72 (directory_entry_table) and byte 84
	// (file_entry_table): interpreted as {block_index, block_count} when
	// duplicate_data, or a single u64 non-duplicate offset otherwise.
	info.DirectoryEntryTableBlockIndex = binary.LittleEndian.Uint32(b[72:76])
	info.DirectoryEntryTableNonDup = binary.LittleEndian.Uint64(b[72:80])
	info.FileEntryTableBlockIndex = binary.LittleEndian.Uint32(b[84:88])
	info.FileEntryTableNonDup = binary.LittleEndian.Uint64(b[84:92])
	return info
}

// DirectoryEntry is the common, shape-independent directory entry.
type DirectoryEntry struct {
	ParentDirectoryIndex   uint32
	Name                   string // empty under ShapeTitleKeyed
	NextSiblingIndex       uint32
	FirstSubdirectoryIndex uint32
	FirstFileIndex         uint32
	NextHashBucketEntry    uint32
}

// FileEntry is the common, shape-independent file entry.
type FileEntry struct {
	ParentDirectoryIndex uint32
	Name                 string // empty under ShapeTitleKeyed
	TitleID              uint64 // zero under ShapeNamed
	NextSiblingIndex     uint32
	DataBlockIndex       uint32
	FileSize             uint64
	NextHashBucketEntry  uint32
}

func decodeName(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func decodeDirectoryEntry(shape EntryShape, b []byte) DirectoryEntry {
	if shape == ShapeNamed {
		return DirectoryEntry{
			ParentDirectoryIndex:   binary.LittleEndian.Uint32(b[0:4]),
			Name:                   decodeName(b[4:20]),
			NextSiblingIndex:       binary.LittleEndian.Uint32(b[20:24]),
			FirstSubdirectoryIndex: binary.LittleEndian.Uint32(b[24:28]),
			FirstFileIndex:         binary.LittleEndian.Uint32(b[28:32]),
			NextHashBucketEntry:    binary.LittleEndian.Uint32(b[36:40]),
		}
	}
	return DirectoryEntry{
		ParentDirectoryIndex:   binary.LittleEndian.Uint32(b[0:4]),
		NextSiblingIndex:       binary.LittleEndian.Uint32(b[4:8]),
		FirstSubdirectoryIndex: binary.LittleEndian.Uint32(b[8:12]),
		FirstFileIndex:         binary.LittleEndian.Uint32(b[12:16]),
		NextHashBucketEntry:    binary.LittleEndian.Uint32(b[28:32]),
	}
}

func decodeFileEntry(shape EntryShape, b []byte) FileEntry {
	if shape == ShapeNamed {
		return FileEntry{
			ParentDirectoryIndex: binary.LittleEndian.Uint32(b[0:4]),
			Name:                 decodeName(b[4:20]),
			NextSiblingIndex:     binary.LittleEndian.Uint32(b[20:24]),
			DataBlockIndex:       binary.LittleEndian.Uint32(b[28:32]),
			FileSize:             binary.LittleEndian.Uint64(b[32:40]),
			NextHashBucketEntry:  binary.LittleEndian.Uint32(b[44:48]),
		}
	}
	return FileEntry{
		ParentDirectoryIndex: binary.LittleEndian.Uint32(b[0:4]),
		TitleID:              binary.LittleEndian.Uint64(b[4:12]),
		NextSiblingIndex:     binary.LittleEndian.Uint32(b[12:16]),
		DataBlockIndex:       binary.LittleEndian.Uint32(b[20:24]),
		FileSize:             binary.LittleEndian.Uint64(b[24:32]),
		NextHashBucketEntry:  binary.LittleEndian.Uint32(b[40:44]),
	}
}

// FATNode is one entry of the file allocation table: a pair of bitfields,
// each with a 31-bit index and a top "multi-block run" flag.
type FATNode struct {
	UIndex uint32
	UFlag  bool
	VIndex uint32
	VFlag  bool
}

func decodeFATNode(raw0, raw1 uint32) FATNode {
	return FATNode{
		UIndex: raw0 & 0x7FFFFFFF,
		UFlag:  raw0&0x80000000 != 0,
		VIndex: raw1 & 0x7FFFFFFF,
		VFlag:  raw1&0x80000000 != 0,
	}
}

// FileSystem is a fully parsed Inner FAT image: header, filesystem
// information, directory/file entry tables, allocation table, and the
// reconstructed data region.
type FileSystem struct {
	Shape                EntryShape
	DuplicateData        bool
	Header               Header
	Info                 FileSystemInformation
	DirectoryEntryTable  []DirectoryEntry
	FileEntryTable       []FileEntry
	FAT                  []FATNode
	DataRegion           []byte
}

// ParseOptions configures Parse for one of the four concrete Inner FAT
// formats.
type ParseOptions struct {
	// Partitions holds one buffer (duplicate-data layout, e.g. savegame
	// and title/ticket DB) or two buffers (non-duplicate layout: [0] the
	// header+tables partition, [1] the raw data region, e.g. extdata's
	// two-partition SD layout).
	Partitions [][]byte
	// PreheaderSize is the number of bytes preceding the FAT header
	// (0 for savegame/extdata, 0x80 for title.db, 0x10 for ticket.db).
	PreheaderSize int
	// ExpectedMagic/ExpectedVersion validate the FAT header; a mismatch
	// is treated as evidence that decryption produced garbage.
	ExpectedMagic   uint32
	ExpectedVersion uint32
	Shape           EntryShape
}

// Parse decodes an Inner FAT image per opts. It mirrors the original
// tooling's two-mode data-region handling: duplicate_data true keeps both
// tables and the data region inside partitions[0]; duplicate_data false
// takes the data region verbatim from partitions[1] and reads tables via
// absolute, pre-header-relative offsets into partitions[0].
func Parse(opts ParseOptions) (*FileSystem, error) {
	if len(opts.Partitions) == 0 {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "innerfat: no partitions")
	}
	headerBuf := opts.Partitions[0]
	duplicateData := len(opts.Partitions) == 1

	base := opts.PreheaderSize
	if base+headerSize > len(headerBuf) {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "innerfat: header")
	}
	header := parseHeader(headerBuf[base : base+headerSize])
	if header.Magic != opts.ExpectedMagic || header.Version != opts.ExpectedVersion {
		return nil, threeerrors.Wrap(threeerrors.ErrBadMagic, "innerfat: header magic/version")
	}

	fsInfoOff := base + int(header.FilesystemInformationOffset)
	if fsInfoOff+fsInfoSize > len(headerBuf) {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "innerfat: fs_info")
	}
	fsInfo := parseFSInfo(headerBuf[fsInfoOff:fsInfoOff+fsInfoSize], duplicateData)

	fs := &FileSystem{
		Shape:         opts.Shape,
		DuplicateData: duplicateData,
		Header:        header,
		Info:          fsInfo,
	}

	dataRegionSize := int(fsInfo.DataRegionBlockCount) * int(fsInfo.DataRegionBlockSize)
	var dataRegion []byte
	if duplicateData {
		off := base + int(fsInfo.DataRegionOffset)
		if off > len(headerBuf) {
			return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "innerfat: data region offset")
		}
		dataRegion = make([]byte, dataRegionSize)
		n := copy(dataRegion, headerBuf[off:])
		_ = n // a short trailing region is tolerated, matching the original's relaxed size check for title.db
	} else {
		dataRegion = opts.Partitions[1]
	}
	fs.DataRegion = dataRegion

	dirEntrySize := opts.Shape.directoryEntrySize()
	fileEntrySize := opts.Shape.fileEntrySize()

	dirTableOff := base + fsInfo.directoryEntryTableOffset(duplicateData)
	dirCount := int(fsInfo.MaximumDirectoryCount) + 2
	dirTable, err := readEntryTable(headerBuf, dirTableOff, dirCount, dirEntrySize, func(b []byte) DirectoryEntry {
		return decodeDirectoryEntry(opts.Shape, b)
	})
	if err != nil {
		return nil, threeerrors.Wrap(err, "innerfat: directory entry table")
	}
	fs.DirectoryEntryTable = dirTable

	fileTableOff := base + fsInfo.fileEntryTableOffset(duplicateData)
	fileCount := int(fsInfo.MaximumFileCount) + 1
	fileTable, err := readEntryTable(headerBuf, fileTableOff, fileCount, fileEntrySize, func(b []byte) FileEntry {
		return decodeFileEntry(opts.Shape, b)
	})
	if err != nil {
		return nil, threeerrors.Wrap(err, "innerfat: file entry table")
	}
	fs.FileEntryTable = fileTable

	fatOff := base + int(fsInfo.FileAllocationTableOffset)
	fatCount := int(fsInfo.FileAllocationTableEntryCount)
	if fatOff+fatCount*8 > len(headerBuf) {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "innerfat: fat")
	}
	fat := make([]FATNode, fatCount)
	for i := 0; i < fatCount; i++ {
		b := headerBuf[fatOff+i*8 : fatOff+i*8+8]
		fat[i] = decodeFATNode(binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]))
	}
	fs.FAT = fat

	return fs, nil
}

func (info FileSystemInformation) directoryEntryTableOffset(duplicateData bool) int {
	if duplicateData {
		return int(info.DataRegionOffset) + int(info.DirectoryEntryTableBlockIndex)*int(info.DataRegionBlockSize)
	}
	return int(info.DirectoryEntryTableNonDup)
}

func (info FileSystemInformation) fileEntryTableOffset(duplicateData bool) int {
	if duplicateData {
		return int(info.DataRegionOffset) + int(info.FileEntryTableBlockIndex)*int(info.DataRegionBlockSize)
	}
	return int(info.FileEntryTableNonDup)
}

func readEntryTable[T any](buf []byte, off, count, entrySize int, decode func([]byte) T) ([]T, error) {
	if off < 0 || off+count*entrySize > len(buf) {
		return nil, threeerrors.ErrTruncated
	}
	out := make([]T, count)
	for i := 0; i < count; i++ {
		out[i] = decode(buf[off+i*entrySize : off+(i+1)*entrySize])
	}
	return out, nil
}

const emptyFileBlock = 0x80000000

// GetFileData reconstructs the full contents of the index-th file by
// walking its FAT chain: block+1 holds the node
// describing the run starting at block; a set v.flag means the run spans
// multiple blocks, ending at fat[block+2].v.index-1; v.index==0 marks the
// chain's last node.
func (fs *FileSystem) GetFileData(index int) ([]byte, error) {
	if index < 0 || index >= len(fs.FileEntryTable) {
		return nil, threeerrors.Wrap(threeerrors.ErrOutOfRange, "innerfat: file index out of bounds")
	}
	entry := fs.FileEntryTable[index]
	if entry.DataBlockIndex == emptyFileBlock {
		return []byte{}, nil
	}
	if entry.FileSize >= MaxFileSize {
		return nil, threeerrors.Wrap(threeerrors.ErrOutOfRange, "innerfat: file size too large")
	}

	out := make([]byte, 0, entry.FileSize)
	remaining := entry.FileSize
	block := entry.DataBlockIndex
	blockSize := uint64(fs.Info.DataRegionBlockSize)

	for {
		if int(block)+1 >= len(fs.FAT) {
			return nil, threeerrors.Wrap(threeerrors.ErrOutOfRange, "innerfat: fat chain out of bounds")
		}
		node := fs.FAT[block+1]

		lastBlock := block
		if node.VFlag {
			if int(block)+2 >= len(fs.FAT) {
				return nil, threeerrors.Wrap(threeerrors.ErrOutOfRange, "innerfat: fat run terminator out of bounds")
			}
			lastBlock = fs.FAT[block+2].VIndex - 1
		}

		runSize := blockSize * uint64(lastBlock-block+1)
		toWrite := runSize
		if remaining < toWrite {
			toWrite = remaining
		}

		start := blockSize * uint64(block)
		end := start + toWrite
		if end > uint64(len(fs.DataRegion)) {
			return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "innerfat: data region out of bounds")
		}
		out = append(out, fs.DataRegion[start:end]...)
		remaining -= toWrite

		if node.VIndex == 0 || remaining == 0 {
			break
		}
		block = node.VIndex - 1
	}

	return out, nil
}
