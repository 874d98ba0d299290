package filesys

import (
	"crypto/sha256"
	"encoding/binary"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
)

// ContentChunk describes one content item within a title (NCCH partition,
// manual, download-play child, and so on).
type ContentChunk struct {
	ID     uint32
	Index  uint16
	Type   uint16
	Size   uint64
	Hash   [0x20]byte
}

const contentChunkSize = 0x30

func parseContentChunk(b []byte) ContentChunk {
	var c ContentChunk
	c.ID = binary.BigEndian.Uint32(b[0:4])
	c.Index = binary.BigEndian.Uint16(b[4:6])
	c.Type = binary.BigEndian.Uint16(b[6:8])
	c.Size = binary.BigEndian.Uint64(b[8:16])
	copy(c.Hash[:], b[16:48])
	return c
}

func (c ContentChunk) bytes() []byte {
	b := make([]byte, contentChunkSize)
	binary.BigEndian.PutUint32(b[0:4], c.ID)
	binary.BigEndian.PutUint16(b[4:6], c.Index)
	binary.BigEndian.PutUint16(b[6:8], c.Type)
	binary.BigEndian.PutUint64(b[8:16], c.Size)
	copy(b[16:48], c.Hash[:])
	return b
}

// ContentTypeFlag bits within ContentChunk.Type.
const (
	ContentTypeEncrypted = 1 << 0
	ContentTypeDisc      = 1 << 2
	ContentTypeCFM       = 1 << 3
	ContentTypeOptional  = 1 << 14
	ContentTypeShared    = 1 << 15
)

// ContentInfo groups a run of ContentChunk records under a single hash.
type ContentInfo struct {
	IndexOffset  uint16
	CommandCount uint16
	Hash         [0x20]byte
}

const contentInfoSize = 0x24
const contentInfoCount = 64
const maxContentCount = 0xFFFF

func parseContentInfo(b []byte) ContentInfo {
	var c ContentInfo
	c.IndexOffset = binary.BigEndian.Uint16(b[0:2])
	c.CommandCount = binary.BigEndian.Uint16(b[2:4])
	copy(c.Hash[:], b[4:36])
	return c
}

func (c ContentInfo) bytes() []byte {
	b := make([]byte, contentInfoSize)
	binary.BigEndian.PutUint16(b[0:2], c.IndexOffset)
	binary.BigEndian.PutUint16(b[2:4], c.CommandCount)
	copy(b[4:36], c.Hash[:])
	return b
}

// TMDBody is the fixed 0x9C4-byte title metadata body: header fields up to
// the content info table, followed by up to maxContentCount content chunks
// (stored separately in TitleMetadata.Contents, since the body's nominal
// layout only reserves space for the header + content info table).
type TMDBody struct {
	Issuer               string
	Version              uint8
	CaCrlVersion         uint8
	SignerCrlVersion     uint8
	SystemVersion        uint64
	TitleID              uint64
	TitleType            uint32
	GroupID              uint16
	SaveDataSize         uint32
	SRLPrivateSaveSize   uint32
	SRLFlag              uint8
	AccessRights         uint32
	TitleVersion         uint16
	ContentCount         uint16
	BootContent          uint16
	ContentInfoHash      [0x20]byte
	ContentInfos         [contentInfoCount]ContentInfo
}

const tmdBodySize = 0x9C4

func parseTMDBody(b []byte) TMDBody {
	var t TMDBody
	t.Issuer = decodeFixedString(b[0:0x40])
	t.Version = b[0x40]
	t.CaCrlVersion = b[0x41]
	t.SignerCrlVersion = b[0x42]
	// 1 byte padding at 0x43
	t.SystemVersion = binary.BigEndian.Uint64(b[0x44:0x4C])
	t.TitleID = binary.BigEndian.Uint64(b[0x4C:0x54])
	t.TitleType = binary.BigEndian.Uint32(b[0x54:0x58])
	t.GroupID = binary.BigEndian.Uint16(b[0x58:0x5A])
	t.SaveDataSize = binary.LittleEndian.Uint32(b[0x5A:0x5E])
	t.SRLPrivateSaveSize = binary.LittleEndian.Uint32(b[0x5E:0x62])
	t.SRLFlag = b[0x62]
	// 0x31 bytes reserved at 0x63
	t.AccessRights = binary.BigEndian.Uint32(b[0x94:0x98])
	t.TitleVersion = binary.BigEndian.Uint16(b[0x98:0x9A])
	t.ContentCount = binary.BigEndian.Uint16(b[0x9A:0x9C])
	t.BootContent = binary.BigEndian.Uint16(b[0x9C:0x9E])
	// 2 bytes padding at 0x9E
	copy(t.ContentInfoHash[:], b[0xA0:0xC0])
	for i := 0; i < contentInfoCount; i++ {
		off := 0xC4 + i*contentInfoSize
		t.ContentInfos[i] = parseContentInfo(b[off : off+contentInfoSize])
	}
	return t
}

func (t TMDBody) bytes() []byte {
	b := make([]byte, tmdBodySize)
	copy(b[0:0x40], t.Issuer)
	b[0x40] = t.Version
	b[0x41] = t.CaCrlVersion
	b[0x42] = t.SignerCrlVersion
	binary.BigEndian.PutUint64(b[0x44:0x4C], t.SystemVersion)
	binary.BigEndian.PutUint64(b[0x4C:0x54], t.TitleID)
	binary.BigEndian.PutUint32(b[0x54:0x58], t.TitleType)
	binary.BigEndian.PutUint16(b[0x58:0x5A], t.GroupID)
	binary.LittleEndian.PutUint32(b[0x5A:0x5E], t.SaveDataSize)
	binary.LittleEndian.PutUint32(b[0x5E:0x62], t.SRLPrivateSaveSize)
	b[0x62] = t.SRLFlag
	binary.BigEndian.PutUint32(b[0x94:0x98], t.AccessRights)
	binary.BigEndian.PutUint16(b[0x98:0x9A], t.TitleVersion)
	binary.BigEndian.PutUint16(b[0x9A:0x9C], t.ContentCount)
	binary.BigEndian.PutUint16(b[0x9C:0x9E], t.BootContent)
	copy(b[0xA0:0xC0], t.ContentInfoHash[:])
	for i := 0; i < contentInfoCount; i++ {
		off := 0xC4 + i*contentInfoSize
		copy(b[off:off+contentInfoSize], t.ContentInfos[i].bytes())
	}
	return b
}

// TitleMetadata is a signature, a fixed body, and the variable-length
// content chunk table that follows it.
type TitleMetadata struct {
	Signature Signature
	Body      TMDBody
	Contents  []ContentChunk
}

// ParseTMD reads a TitleMetadata at offset within data.
func ParseTMD(data []byte, offset int) (TitleMetadata, error) {
	sig, err := ParseSignature(data, offset)
	if err != nil {
		return TitleMetadata{}, threeerrors.Wrap(err, "tmd: signature")
	}
	bodyOff := offset + sig.Size()
	if bodyOff+tmdBodySize > len(data) {
		return TitleMetadata{}, threeerrors.Wrap(threeerrors.ErrTruncated, "tmd: body")
	}
	body := parseTMDBody(data[bodyOff : bodyOff+tmdBodySize])

	if body.ContentCount > maxContentCount {
		return TitleMetadata{}, threeerrors.Wrap(threeerrors.ErrOutOfRange, "tmd: content count")
	}
	chunksOff := bodyOff + tmdBodySize
	contents := make([]ContentChunk, body.ContentCount)
	for i := range contents {
		off := chunksOff + i*contentChunkSize
		if off+contentChunkSize > len(data) {
			return TitleMetadata{}, threeerrors.Wrap(threeerrors.ErrTruncated, "tmd: content chunk")
		}
		contents[i] = parseContentChunk(data[off : off+contentChunkSize])
	}

	return TitleMetadata{Signature: sig, Body: body, Contents: contents}, nil
}

// Bytes serializes the TMD in its on-disk layout.
func (t TitleMetadata) Bytes() []byte {
	out := append([]byte{}, t.Signature.Bytes()...)
	out = append(out, t.Body.bytes()...)
	for _, c := range t.Contents {
		out = append(out, c.bytes()...)
	}
	return out
}

// VerifySignature checks the TMD's signature over (body || content chunks)
// against the certificate store.
func (t TitleMetadata) VerifySignature(certs *CertStore) error {
	payload := append([]byte{}, t.Body.bytes()...)
	for _, c := range t.Contents {
		payload = append(payload, c.bytes()...)
	}
	return verifyRSA2048SHA256(certs, t.Body.Issuer, payload, t.Signature)
}

// GetContentChunkByID returns the content chunk with the given content ID.
func (t TitleMetadata) GetContentChunkByID(id uint32) (ContentChunk, bool) {
	for _, c := range t.Contents {
		if c.ID == id {
			return c, true
		}
	}
	return ContentChunk{}, false
}

// GetContentCTRByIndex returns the content's AES-CTR initial counter: the
// content index as a big-endian u16 followed by 14 zero bytes.
func GetContentCTRByIndex(index uint16) [16]byte {
	var ctr [16]byte
	binary.BigEndian.PutUint16(ctr[0:2], index)
	return ctr
}

// FixHashes recomputes ContentInfoHash and every ContentInfo.Hash from the
// current Contents table, matching the console's own TMD hash chain: each
// ContentInfo.Hash is SHA-256 over the ContentChunk records it claims
// (IndexOffset..IndexOffset+CommandCount), and ContentInfoHash is SHA-256
// over the entire 64-entry ContentInfo table. Single-content imports use
// one ContentInfo record spanning the whole content table.
func (t *TitleMetadata) FixHashes() {
	count := len(t.Contents)
	t.Body.ContentInfos = [contentInfoCount]ContentInfo{}
	t.Body.ContentInfos[0] = ContentInfo{IndexOffset: 0, CommandCount: uint16(count)}

	chunkBytes := make([]byte, 0, count*contentChunkSize)
	for _, c := range t.Contents {
		chunkBytes = append(chunkBytes, c.bytes()...)
	}
	hash := sha256.Sum256(chunkBytes)
	t.Body.ContentInfos[0].Hash = hash

	var infoTable []byte
	for _, info := range t.Body.ContentInfos {
		infoTable = append(infoTable, info.bytes()...)
	}
	t.Body.ContentInfoHash = sha256.Sum256(infoTable)
}

// VerifyHashes reports whether the stored ContentInfoHash and per-info
// hashes are consistent with the current Contents table.
func (t TitleMetadata) VerifyHashes() bool {
	check := t
	check.FixHashes()
	return check.Body.ContentInfoHash == t.Body.ContentInfoHash &&
		check.Body.ContentInfos[0].Hash == t.Body.ContentInfos[0].Hash
}

// AddContentChunk appends a content chunk and keeps Body.ContentCount in
// sync; callers must call FixHashes afterward before serializing.
func (t *TitleMetadata) AddContentChunk(c ContentChunk) {
	t.Contents = append(t.Contents, c)
	t.Body.ContentCount = uint16(len(t.Contents))
}
