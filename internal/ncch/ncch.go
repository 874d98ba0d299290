// Package ncch implements the NCCH Container: header
// parsing, key derivation (fixed-key, seed-crypto, and per-section key
// slot selection), CTR derivation by header version, and the
// decrypt-and-rewrite stream-to-sink path used when importing executable
// content onto the desktop side.
package ncch

import (
	"crypto/sha256"
	"encoding/binary"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
	"github.com/threesd-go/threesd/internal/keystore"
)

const (
	headerOffset = 0x100
	HeaderSize   = 0x200
	exeFSHeaderSize = 0x200
	exHeaderSize    = 0x800
)

func magic(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

var magicNCCH = magic("NCCH")
var magicNCSD = magic("NCSD")

// Flag bits within Header.Flags (byte index 7 of the original 8-byte flags
// field, i.e. Header.Flags[7] in FixedCryptoMethod/flag terms — tracked
// individually below for clarity).
const (
	flagCryptoMethod = 3 // header byte: secondary key slot selector, 0-3
	flagFixedKey     = 0
	flagNoCrypto     = 2
	flagSeedCrypto   = 5
)

// Header is the fixed 0x200-byte NCCH header.
type Header struct {
	Signature          [0x100]byte
	ContentSize        uint32 // media units
	PartitionID        uint64
	MakerCode          [2]byte
	Version             uint16
	Seed               uint32 // seed hash lower 32 bits check value
	ProgramID          uint64
	ExHeaderSize       uint32
	Flags              [8]byte
	PlainRegionOffset  uint32
	PlainRegionSize    uint32
	LogoOffset         uint32
	LogoSize           uint32
	ExeFSOffset        uint32
	ExeFSSize          uint32
	ExeFSHashSize      uint32
	RomFSOffset        uint32
	RomFSSize          uint32
	RomFSHashSize      uint32
}

// ParseHeader reads and validates the NCCH header at the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, threeerrors.Wrap(threeerrors.ErrTruncated, "ncch: header")
	}
	m := binary.LittleEndian.Uint32(data[0x100:0x104])
	if m != magicNCCH {
		return Header{}, threeerrors.Wrap(threeerrors.ErrBadMagic, "ncch: header magic")
	}

	var h Header
	copy(h.Signature[:], data[0x0:0x100])
	h.ContentSize = binary.LittleEndian.Uint32(data[0x104:0x108])
	h.PartitionID = binary.LittleEndian.Uint64(data[0x108:0x110])
	copy(h.MakerCode[:], data[0x110:0x112])
	h.Version = binary.LittleEndian.Uint16(data[0x112:0x114])
	h.Seed = binary.LittleEndian.Uint32(data[0x114:0x118])
	h.ProgramID = binary.LittleEndian.Uint64(data[0x118:0x120])
	h.ExHeaderSize = binary.LittleEndian.Uint32(data[0x180:0x184])
	copy(h.Flags[:], data[0x188:0x190])
	h.PlainRegionOffset = binary.LittleEndian.Uint32(data[0x190:0x194])
	h.PlainRegionSize = binary.LittleEndian.Uint32(data[0x194:0x198])
	h.LogoOffset = binary.LittleEndian.Uint32(data[0x198:0x19C])
	h.LogoSize = binary.LittleEndian.Uint32(data[0x19C:0x1A0])
	h.ExeFSOffset = binary.LittleEndian.Uint32(data[0x1A0:0x1A4])
	h.ExeFSSize = binary.LittleEndian.Uint32(data[0x1A4:0x1A8])
	h.ExeFSHashSize = binary.LittleEndian.Uint32(data[0x1A8:0x1AC])
	h.RomFSOffset = binary.LittleEndian.Uint32(data[0x1B0:0x1B4])
	h.RomFSSize = binary.LittleEndian.Uint32(data[0x1B4:0x1B8])
	h.RomFSHashSize = binary.LittleEndian.Uint32(data[0x1B8:0x1BC])
	return h, nil
}

// FixedKey reports whether the header's fixed-crypto-key bit is set.
func (h Header) FixedKey() bool { return h.Flags[flagFixedKey]&1 != 0 }

// NoCrypto reports whether the NCCH is entirely unencrypted.
func (h Header) NoCrypto() bool { return h.Flags[flagNoCrypto]&1 != 0 }

// SeedCrypto reports whether the secondary key uses seed-derived KeyY.
func (h Header) SeedCrypto() bool { return h.Flags[flagSeedCrypto]&1 != 0 }

// SecondaryKeySlot resolves the header's crypto-method byte to an NCCH
// Secure key slot.
func (h Header) SecondaryKeySlot() int {
	switch h.Flags[flagCryptoMethod] {
	case 0:
		return keystore.SlotNCCHSecure1
	case 1:
		return keystore.SlotNCCHSecure2
	case 10:
		return keystore.SlotNCCHSecure3
	case 11:
		return keystore.SlotNCCHSecure4
	default:
		return keystore.SlotNCCHSecure1
	}
}

// SeedDB maps title IDs to their 16-byte seed (the seed
// database: a 4-byte LE count, 12 bytes padding, then count entries of
// title_id(8 LE) seed(16) padding(8)).
type SeedDB struct {
	seeds map[uint64][16]byte
}

// ParseSeedDB decodes a seed database file.
func ParseSeedDB(data []byte) (*SeedDB, error) {
	if len(data) < 16 {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "ncch: seed db header")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	db := &SeedDB{seeds: make(map[uint64][16]byte, count)}
	off := 16
	for i := uint32(0); i < count; i++ {
		if off+32 > len(data) {
			return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "ncch: seed db entry")
		}
		titleID := binary.LittleEndian.Uint64(data[off : off+8])
		var seed [16]byte
		copy(seed[:], data[off+8:off+24])
		db.seeds[titleID] = seed
		off += 32
	}
	return db, nil
}

// Lookup returns the seed registered for titleID.
func (db *SeedDB) Lookup(titleID uint64) ([16]byte, bool) {
	if db == nil {
		return [16]byte{}, false
	}
	s, ok := db.seeds[titleID]
	return s, ok
}

// DeriveKeys sets up the primary and secondary NCCH key slots in store for
// this header, per its fixed-key / seed-crypto rules. It returns false
// (recoverable: decryption deferred, becomes fatal only if an encrypted
// section is later read) when seed-crypto is required but seedDB has no
// entry for h.ProgramID.
func (h Header) DeriveKeys(store *keystore.Store, seedDB *SeedDB) bool {
	if h.FixedKey() {
		store.SetNormal(keystore.SlotNCCHSecure1, keystore.AESKey{})
		store.SetNormal(h.SecondaryKeySlot(), keystore.AESKey{})
		return true
	}

	var primaryY keystore.AESKey
	copy(primaryY[:], h.Signature[0:16])
	store.SetY(keystore.SlotNCCHSecure1, primaryY)

	secondaryY := primaryY
	if h.SeedCrypto() {
		seed, ok := seedDB.Lookup(h.ProgramID)
		if !ok {
			return false
		}
		var buf [32]byte
		copy(buf[0:16], primaryY[:])
		copy(buf[16:32], seed[:])
		digest := sha256.Sum256(buf[:])
		copy(secondaryY[:], digest[0:16])
	}
	store.SetY(h.SecondaryKeySlot(), secondaryY)
	return true
}

// SectionTag identifies which NCCH region a CTR is being derived for.
type SectionTag uint8

const (
	SectionExHeader SectionTag = 1
	SectionExeFS    SectionTag = 2
	SectionRomFS    SectionTag = 3
)

func reverseBytes8(v uint64) uint64 {
	var out uint64
	for i := 0; i < 8; i++ {
		out = out<<8 | (v & 0xFF)
		v >>= 8
	}
	return out
}

// SectionCTR derives the initial AES-CTR counter for the given section,
// per header version: v0/v2 key the counter off the reversed partition ID
// plus a section tag byte; v1 keys it off the partition ID directly plus a
// big-endian 32-bit byte offset, addressing the whole NCCH image as one
// continuous CTR stream.
func (h Header) SectionCTR(tag SectionTag, byteOffset uint32) [16]byte {
	var ctr [16]byte
	if h.Version == 1 {
		binary.BigEndian.PutUint64(ctr[0:8], h.PartitionID)
		binary.BigEndian.PutUint32(ctr[12:16], byteOffset)
		return ctr
	}
	binary.BigEndian.PutUint64(ctr[0:8], reverseBytes8(h.PartitionID))
	ctr[8] = byte(tag)
	return ctr
}

// AntiTamperingPlaintext reports whether jumpID (the ExHeader-declared
// jump ID, low 32 bits) matches the header's program ID, in which case
// the encrypted flag is downgraded to plaintext.
func (h Header) AntiTamperingPlaintext(jumpID uint32) bool {
	return jumpID == uint32(h.ProgramID)
}

// MediaUnitSize is the unit NCCH header size/offset fields are expressed
// in.
const MediaUnitSize = 0x200

// ResolveNCSDOffset detects a leading NCSD wrapper and returns the byte
// offset of the first content partition's NCCH, or 0 if data is already a
// bare NCCH.
func ResolveNCSDOffset(data []byte) (int64, error) {
	if len(data) < headerOffset+4 {
		return 0, threeerrors.Wrap(threeerrors.ErrTruncated, "ncch: too small")
	}
	m := binary.LittleEndian.Uint32(data[headerOffset : headerOffset+4])
	if m != magicNCSD {
		return 0, nil
	}
	if len(data) < 0x130 {
		return 0, threeerrors.Wrap(threeerrors.ErrTruncated, "ncsd: partition table")
	}
	// NCSD partition table: 8 entries of (offset, size) media units,
	// starting at 0x120; partition 0 is always the executable content.
	offsetMU := binary.LittleEndian.Uint32(data[0x120:0x124])
	return int64(offsetMU) * MediaUnitSize, nil
}
