// Package container implements the Container Stack: the
// DISA/DIFF outer envelope, DIFI partition descriptors, the IVFC integrity
// descriptor, and the DPFS hash-tree unwrapper.
package container

import (
	"encoding/binary"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
)

func magic(b string) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

var (
	magicDISA = magic("DISA")
	magicDIFF = magic("DIFF")
	magicDIFI = magic("DIFI")
)

// DataDescriptor is an (offset, size) pair used throughout the container
// formats.
type DataDescriptor struct {
	Offset uint64
	Size   uint64
}

func readDescriptor(data []byte, off int) DataDescriptor {
	return DataDescriptor{
		Offset: binary.LittleEndian.Uint64(data[off : off+8]),
		Size:   binary.LittleEndian.Uint64(data[off+8 : off+16]),
	}
}

// LevelDescriptor describes one level of an IVFC or DPFS tree.
type LevelDescriptor struct {
	Offset        uint64
	Size          uint64
	BlockSizeLog2 uint32
}

func readLevel(data []byte, off int) LevelDescriptor {
	return LevelDescriptor{
		Offset:        binary.LittleEndian.Uint64(data[off : off+8]),
		Size:          binary.LittleEndian.Uint64(data[off+8 : off+16]),
		BlockSizeLog2: binary.LittleEndian.Uint32(data[off+16 : off+20]),
	}
}

// IVFCDescriptor is the four-level integrity descriptor; only level 3
// carries payload bytes.
type IVFCDescriptor struct {
	Levels [4]LevelDescriptor
}

const ivfcDescriptorSize = 0x78

func parseIVFCDescriptor(data []byte, off int) (IVFCDescriptor, error) {
	if off+ivfcDescriptorSize > len(data) {
		return IVFCDescriptor{}, threeerrors.Wrap(threeerrors.ErrTruncated, "ivfc descriptor")
	}
	m := binary.LittleEndian.Uint32(data[off : off+4])
	if m != magic("IVFC") {
		return IVFCDescriptor{}, threeerrors.Wrap(threeerrors.ErrBadMagic, "ivfc magic")
	}
	var d IVFCDescriptor
	base := off + 16 // magic(4) version(4) master_hash_size(8)
	for i := 0; i < 4; i++ {
		d.Levels[i] = readLevel(data, base+i*0x18)
	}
	return d, nil
}

// DPFSDescriptor is the three-level hash-tree descriptor.
type DPFSDescriptor struct {
	Levels [3]LevelDescriptor
}

const dpfsDescriptorSize = 0x50

func parseDPFSDescriptor(data []byte, off int) (DPFSDescriptor, error) {
	if off+dpfsDescriptorSize > len(data) {
		return DPFSDescriptor{}, threeerrors.Wrap(threeerrors.ErrTruncated, "dpfs descriptor")
	}
	m := binary.LittleEndian.Uint32(data[off : off+4])
	version := binary.LittleEndian.Uint32(data[off+4 : off+8])
	if m != magic("DPFS") {
		return DPFSDescriptor{}, threeerrors.Wrap(threeerrors.ErrBadMagic, "dpfs magic")
	}
	if version != 0x10000 {
		return DPFSDescriptor{}, threeerrors.Wrap(threeerrors.ErrBadMagic, "dpfs version")
	}
	var d DPFSDescriptor
	base := off + 8
	for i := 0; i < 3; i++ {
		d.Levels[i] = readLevel(data, base+i*0x18)
	}
	return d, nil
}

// DPFSTree unwraps a DPFS two-level bit-selection hash tree to recover its
// level-3 payload.
type DPFSTree struct {
	descriptor     DPFSDescriptor
	level1Selector uint8
	words          []uint32 // partition data, reinterpreted as little-endian u32 words
}

// NewDPFSTree constructs a tree over partitionData (the raw partition
// bytes), which must be a multiple of 4 bytes.
func NewDPFSTree(descriptor DPFSDescriptor, level1Selector uint8, partitionData []byte) *DPFSTree {
	words := make([]uint32, len(partitionData)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(partitionData[i*4 : i*4+4])
	}
	return &DPFSTree{descriptor: descriptor, level1Selector: level1Selector, words: words}
}

func (t *DPFSTree) getBit(level int, selector uint8, index uint64) (uint8, error) {
	lvl := t.descriptor.Levels[level]
	word := (lvl.Offset+uint64(selector)*lvl.Size)/4 + index/32
	if word >= uint64(len(t.words)) {
		return 0, threeerrors.Wrap(threeerrors.ErrOutOfRange, "dpfs bit out of bounds")
	}
	return uint8((t.words[word] >> (31 - (index % 32))) & 1), nil
}

func (t *DPFSTree) getByte(level int, selector uint8, index uint64) (byte, error) {
	lvl := t.descriptor.Levels[level]
	byteOff := lvl.Offset + uint64(selector)*lvl.Size + index
	totalBytes := uint64(len(t.words)) * 4
	if byteOff >= totalBytes {
		return 0, threeerrors.Wrap(threeerrors.ErrOutOfRange, "dpfs byte out of bounds")
	}
	word := t.words[byteOff/4]
	shift := (byteOff % 4) * 8
	return byte(word >> shift), nil
}

// GetLevel3Data reconstructs and returns the tree's level-3 byte range.
func (t *DPFSTree) GetLevel3Data() ([]byte, error) {
	size := t.descriptor.Levels[2].Size
	out := make([]byte, size)
	for i := uint64(0); i < size; i++ {
		level2Bit := i >> t.descriptor.Levels[2].BlockSizeLog2
		level1Bit := (level2Bit / 8) >> t.descriptor.Levels[1].BlockSizeLog2

		sel2, err := t.getBit(0, t.level1Selector, level1Bit)
		if err != nil {
			return nil, err
		}
		sel3, err := t.getBit(1, sel2, level2Bit)
		if err != nil {
			return nil, err
		}
		b, err := t.getByte(2, sel3, i)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Envelope is a parsed DISA/DIFF outer container.
type Envelope struct {
	data                  []byte
	partitionCount        int
	partitionTableOffset  uint64
	partitionDescriptors  []DataDescriptor
	partitions            []DataDescriptor
}

const outerHeaderOffset = 0x100

// Parse reads the outer container header at the fixed 0x100 offset and
// dispatches to DISA or DIFF parsing by magic.
func Parse(data []byte) (*Envelope, error) {
	if len(data) < outerHeaderOffset+0x100 {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "container: too small")
	}
	m := binary.LittleEndian.Uint32(data[outerHeaderOffset : outerHeaderOffset+4])
	switch m {
	case magicDISA:
		return parseDISA(data)
	case magicDIFF:
		return parseDIFF(data)
	default:
		return nil, threeerrors.Wrap(threeerrors.ErrBadMagic, "container: unknown magic")
	}
}

func parseDISA(data []byte) (*Envelope, error) {
	h := data[outerHeaderOffset:]
	version := binary.LittleEndian.Uint32(h[4:8])
	if version != 0x40000 {
		return nil, threeerrors.Wrap(threeerrors.ErrBadMagic, "disa: wrong version")
	}
	partitionCount := int(binary.LittleEndian.Uint32(h[8:12]))
	secondaryTableOff := binary.LittleEndian.Uint64(h[16:24])
	primaryTableOff := binary.LittleEndian.Uint64(h[24:32])
	// h[32:40] table_size unused directly here

	descBase := 40
	partBase := descBase + 2*16
	activeTable := h[partBase+2*16]

	e := &Envelope{data: data, partitionCount: partitionCount}
	if activeTable == 0 {
		e.partitionTableOffset = primaryTableOff
	} else {
		e.partitionTableOffset = secondaryTableOff
	}

	if partitionCount == 2 {
		e.partitionDescriptors = []DataDescriptor{readDescriptor(h, descBase), readDescriptor(h, descBase+16)}
		e.partitions = []DataDescriptor{readDescriptor(h, partBase), readDescriptor(h, partBase+16)}
	} else {
		e.partitionDescriptors = []DataDescriptor{readDescriptor(h, descBase)}
		e.partitions = []DataDescriptor{readDescriptor(h, partBase)}
	}
	return e, nil
}

func parseDIFF(data []byte) (*Envelope, error) {
	h := data[outerHeaderOffset:]
	version := binary.LittleEndian.Uint32(h[4:8])
	if version != 0x30000 {
		return nil, threeerrors.Wrap(threeerrors.ErrBadMagic, "diff: wrong version")
	}
	secondaryTableOff := binary.LittleEndian.Uint64(h[8:16])
	primaryTableOff := binary.LittleEndian.Uint64(h[16:24])
	tableSize := binary.LittleEndian.Uint64(h[24:32])
	partitionA := readDescriptor(h, 32)
	activeTable := h[32+16]

	e := &Envelope{
		data:                 data,
		partitionCount:       1,
		partitionDescriptors: []DataDescriptor{{Offset: 0, Size: tableSize}},
		partitions:           []DataDescriptor{partitionA},
	}
	if activeTable == 0 {
		e.partitionTableOffset = primaryTableOff
	} else {
		e.partitionTableOffset = secondaryTableOff
	}
	return e, nil
}

const difiHeaderSize = 0x44

// getPartitionData unwraps partition index i and returns its IVFC level-3
// payload.
func (e *Envelope) getPartitionData(index int) ([]byte, error) {
	descOff := e.partitionTableOffset + e.partitionDescriptors[index].Offset
	if descOff+difiHeaderSize > uint64(len(e.data)) {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "difi header")
	}
	difi := e.data[descOff : descOff+difiHeaderSize]
	m := binary.LittleEndian.Uint32(difi[0:4])
	version := binary.LittleEndian.Uint32(difi[4:8])
	if m != magicDIFI || version != 0x10000 {
		return nil, threeerrors.Wrap(threeerrors.ErrBadMagic, "difi magic/version")
	}

	ivfcDesc := readDescriptor(difi, 8)
	dpfsDesc := readDescriptor(difi, 24)
	extLevel4Flag := difi[56]
	level1Selector := difi[57]
	extLevel4Offset := binary.LittleEndian.Uint64(difi[60:68])

	if ivfcDesc.Size < ivfcDescriptorSize {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "ivfc descriptor size")
	}
	ivfc, err := parseIVFCDescriptor(e.data, int(descOff+ivfcDesc.Offset))
	if err != nil {
		return nil, err
	}

	partition := e.partitions[index]

	if extLevel4Flag != 0 {
		start := partition.Offset + extLevel4Offset
		end := start + ivfc.Levels[3].Size
		if end > uint64(len(e.data)) {
			return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "external ivfc level4")
		}
		return e.data[start:end], nil
	}

	if dpfsDesc.Size < dpfsDescriptorSize {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "dpfs descriptor size")
	}
	dpfsDescriptor, err := parseDPFSDescriptor(e.data, int(descOff+dpfsDesc.Offset))
	if err != nil {
		return nil, err
	}

	partStart := partition.Offset
	partEnd := partStart + partition.Size
	if partEnd > uint64(len(e.data)) {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "partition data")
	}
	tree := NewDPFSTree(dpfsDescriptor, level1Selector, e.data[partStart:partEnd])
	level3, err := tree.GetLevel3Data()
	if err != nil {
		return nil, err
	}

	start := ivfc.Levels[3].Offset
	end := start + ivfc.Levels[3].Size
	if end > uint64(len(level3)) {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "ivfc level3 range")
	}
	return level3[start:end], nil
}

// GetIVFCLevel4Data returns the IVFC level-3 payload (the data
// conventionally referred to as "level 4" counting from 1 in the original
// tooling) of every partition in the envelope, in order.
func (e *Envelope) GetIVFCLevel4Data() ([][]byte, error) {
	out := make([][]byte, e.partitionCount)
	for i := 0; i < e.partitionCount; i++ {
		data, err := e.getPartitionData(i)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// PartitionCount reports how many partitions the envelope declares (1 or 2).
func (e *Envelope) PartitionCount() int { return e.partitionCount }
