// Package datafs implements the Save/Extdata/TitleDB facades: thin,
// format-specific wrappers around internal/innerfat that know each
// archive's magic, pre-header shape, and metadata conventions.
package datafs

import (
	"encoding/binary"
	"fmt"

	"github.com/threesd-go/threesd/internal/container"
	threeerrors "github.com/threesd-go/threesd/internal/errors"
	"github.com/threesd-go/threesd/internal/innerfat"
)

func magic(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

// ArchiveFormatInfo is the metadata blob Citra expects alongside an
// extracted savegame/extdata archive.
type ArchiveFormatInfo struct {
	TotalSize         uint32
	NumberDirectories uint32
	NumberFiles       uint32
	DuplicateData     uint8
}

// Bytes serializes the format info in its on-disk layout.
func (f ArchiveFormatInfo) Bytes() []byte {
	b := make([]byte, 13)
	binary.LittleEndian.PutUint32(b[0:4], f.TotalSize)
	binary.LittleEndian.PutUint32(b[4:8], f.NumberDirectories)
	binary.LittleEndian.PutUint32(b[8:12], f.NumberFiles)
	b[12] = f.DuplicateData
	return b
}

// Sink is where an extracted archive's directories, files, and metadata
// blob are written; the importer supplies a filesystem-backed
// implementation.
type Sink interface {
	Dir(path string) error
	WriteFile(path string, data []byte) error
	Metadata(path string, data []byte) error
}

var magicSAVE = magic("SAVE")

// Savegame wraps an Inner FAT filesystem parsed from a "SAVE"-magic DISA
// container's partitions.
type Savegame struct {
	fs *innerfat.FileSystem
}

// ParseSavegame decodes a savegame from one (duplicate-data) or two
// (non-duplicate) raw partitions, as extracted from a DISA container by
// internal/container.
func ParseSavegame(partitions [][]byte) (*Savegame, error) {
	fs, err := innerfat.Parse(innerfat.ParseOptions{
		Partitions:      partitions,
		ExpectedMagic:   magicSAVE,
		ExpectedVersion: 0x40000,
		Shape:           innerfat.ShapeNamed,
	})
	if err != nil {
		return nil, threeerrors.Wrap(err, "savegame")
	}
	return &Savegame{fs: fs}, nil
}

type savegameSink struct {
	fs    *innerfat.FileSystem
	inner Sink
}

func (s savegameSink) Dir(path string) error { return s.inner.Dir(path) }

func (s savegameSink) File(path string, index int, _ innerfat.FileEntry) error {
	data, err := s.fs.GetFileData(index)
	if err != nil {
		return threeerrors.Wrap(err, fmt.Sprintf("savegame: file %q", path))
	}
	return s.inner.WriteFile(path, data)
}

// Extract walks the savegame's directory tree into sink, writing the
// conventional 00000001/ directory layout plus a 00000001.metadata blob.
func (s *Savegame) Extract(basePath string, sink Sink) error {
	if err := s.fs.Walk(1, basePath+"00000001/", savegameSink{fs: s.fs, inner: sink}); err != nil {
		return err
	}
	info := ArchiveFormatInfo{
		TotalSize:         0x40000,
		NumberDirectories: s.fs.Info.MaximumDirectoryCount,
		NumberFiles:       s.fs.Info.MaximumFileCount,
	}
	if s.fs.DuplicateData {
		info.DuplicateData = 1
	}
	return sink.Metadata(basePath+"00000001.metadata", info.Bytes())
}

var magicVSXE = magic("VSXE")

// DeviceDirCapacity is the number of sharded device files each numbered
// extdata subdirectory holds.
const DeviceDirCapacity = 126

// FileLoader reads and decrypts one SD file given its path relative to
// the decryptor root, returning (nil, nil) if the file does not exist.
type FileLoader func(path string) ([]byte, error)

// Extdata wraps the VSXE-format Inner FAT filesystem embedded in an
// extdata folder's 00000000/00000001 container.
type Extdata struct {
	fs       *innerfat.FileSystem
	dataPath string
	load     FileLoader
}

// OpenExtdata loads and parses the VSXE header file of the extdata folder
// at dataPath, using load to read (and transparently decrypt) SD files.
func OpenExtdata(dataPath string, load FileLoader) (*Extdata, error) {
	if dataPath == "" || (dataPath[len(dataPath)-1] != '/' && dataPath[len(dataPath)-1] != '\\') {
		dataPath += "/"
	}

	raw, err := load(dataPath + "00000000/00000001")
	if err != nil {
		return nil, threeerrors.Wrap(err, "extdata: loading VSXE")
	}
	if len(raw) == 0 {
		return nil, threeerrors.Wrap(threeerrors.ErrNotFound, "extdata: VSXE empty")
	}

	env, err := container.Parse(raw)
	if err != nil {
		return nil, threeerrors.Wrap(err, "extdata: VSXE container")
	}
	levels, err := env.GetIVFCLevel4Data()
	if err != nil {
		return nil, threeerrors.Wrap(err, "extdata: VSXE level4")
	}
	vsxe := levels[0]

	fs, err := innerfat.Parse(innerfat.ParseOptions{
		Partitions:      [][]byte{vsxe},
		ExpectedMagic:   magicVSXE,
		ExpectedVersion: 0x30000,
		Shape:           innerfat.ShapeNamed,
	})
	if err != nil {
		return nil, threeerrors.Wrap(err, "extdata: VSXE fat")
	}

	return &Extdata{fs: fs, dataPath: dataPath, load: load}, nil
}

type extdataSink struct {
	ex    *Extdata
	inner Sink
}

func (s extdataSink) Dir(path string) error { return s.inner.Dir(path) }

func (s extdataSink) File(path string, index int, _ innerfat.FileEntry) error {
	return s.ex.extractShard(path, index, s.inner)
}

// Extract walks the extdata directory tree into sink. Each file's actual
// bytes live in a separate, individually-encrypted, individually-indexed
// shard file under the device directory scheme, sharded at
// DeviceDirCapacity entries per subdirectory; a missing shard is skipped
// rather than failing the whole extraction, matching the original
// tooling's tolerance for holes left by deleted extdata entries.
func (e *Extdata) Extract(basePath string, sink Sink) error {
	if err := e.fs.Walk(1, basePath, extdataSink{ex: e, inner: sink}); err != nil {
		return err
	}
	info := ArchiveFormatInfo{
		NumberDirectories: e.fs.Info.MaximumDirectoryCount,
		NumberFiles:       e.fs.Info.MaximumFileCount,
	}
	return sink.Metadata(basePath+"metadata", info.Bytes())
}

// extractShard loads, decrypts, and unwraps the IVFC-level-4 payload of
// the index-th file's device shard, then writes it to sink as path's
// contents. index here is the Walk-assigned file entry table index; the
// device file index is one greater.
func (e *Extdata) extractShard(path string, index int, sink Sink) error {
	fileIndex := index + 1
	subDir := fileIndex / DeviceDirCapacity
	subFile := fileIndex % DeviceDirCapacity
	devicePath := fmt.Sprintf("%s%08x/%08x", e.dataPath, subDir, subFile)

	raw, err := e.load(devicePath)
	if err != nil || len(raw) == 0 {
		return nil // missing shard: tolerated, logged upstream by the loader
	}

	env, err := container.Parse(raw)
	if err != nil {
		return threeerrors.Wrap(err, "extdata: shard container")
	}
	levels, err := env.GetIVFCLevel4Data()
	if err != nil {
		return threeerrors.Wrap(err, "extdata: shard level4")
	}

	return sink.WriteFile(path, levels[0])
}
