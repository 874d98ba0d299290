package filesys

import (
	"encoding/binary"
	"testing"
)

// wrapSinglePartitionDISAForTest builds a minimal one-partition DISA
// container (external IVFC level-4 path) whose level-4 payload is
// payload, mirroring the layout internal/container.Parse expects.
func wrapSinglePartitionDISAForTest(t *testing.T, payload []byte) []byte {
	t.Helper()
	const (
		partitionTableOffset = 0x200
		descBlockSize        = 0x200
		headerOffset         = 0x100
	)
	partitionOff := partitionTableOffset + descBlockSize
	total := partitionOff + len(payload)
	data := make([]byte, total)

	h := data[headerOffset:]
	binary.LittleEndian.PutUint32(h[0:4], magicU32("DISA"))
	binary.LittleEndian.PutUint32(h[4:8], 0x40000)
	binary.LittleEndian.PutUint32(h[8:12], 1) // partition_count
	binary.LittleEndian.PutUint64(h[16:24], uint64(partitionTableOffset))
	binary.LittleEndian.PutUint64(h[24:32], uint64(partitionTableOffset))
	binary.LittleEndian.PutUint64(h[32:40], descBlockSize)

	descBase := 40
	partBase := descBase + 2*16
	binary.LittleEndian.PutUint64(h[descBase:], 0)
	binary.LittleEndian.PutUint64(h[descBase+8:], descBlockSize)
	binary.LittleEndian.PutUint64(h[partBase:], uint64(partitionOff))
	binary.LittleEndian.PutUint64(h[partBase+8:], uint64(len(payload)))
	h[partBase+2*16] = 0 // active partition table = primary

	difi := data[partitionTableOffset:]
	binary.LittleEndian.PutUint32(difi[0:4], magicU32("DIFI"))
	binary.LittleEndian.PutUint32(difi[4:8], 0x10000)
	const difiHeaderSize = 0x44
	ivfcDescOff := uint64(difiHeaderSize)
	const ivfcDescriptorSize = 0x78
	binary.LittleEndian.PutUint64(difi[8:16], ivfcDescOff)
	binary.LittleEndian.PutUint64(difi[16:24], ivfcDescriptorSize)
	binary.LittleEndian.PutUint64(difi[24:32], 0)
	binary.LittleEndian.PutUint64(difi[32:40], 0)
	difi[56] = 1 // enable_external_IVFC_level_4
	difi[57] = 0
	binary.LittleEndian.PutUint64(difi[60:68], 0) // level4 starts at partition offset 0

	ivfc := data[partitionTableOffset+int(ivfcDescOff):]
	binary.LittleEndian.PutUint32(ivfc[0:4], magicU32("IVFC"))
	binary.LittleEndian.PutUint32(ivfc[4:8], 0x20000)
	binary.LittleEndian.PutUint64(ivfc[8:16], 0)
	levelBase := 16 + 3*0x18
	binary.LittleEndian.PutUint64(ivfc[levelBase:], 0)
	binary.LittleEndian.PutUint64(ivfc[levelBase+8:], uint64(len(payload)))
	binary.LittleEndian.PutUint32(ivfc[levelBase+16:], 0)

	copy(data[partitionOff:], payload)
	return data
}

func magicU32(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}
