package keystore

import (
	"context"
	"bufio"
	"encoding/binary"
	"io"
	"os"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
	"github.com/threesd-go/threesd/internal/log"
)

type keyKind byte

const (
	kindX keyKind = 'X'
	kindY keyKind = 'Y'
	kindN keyKind = 'N'
)

type keyDesc struct {
	kind         keyKind
	slot         int
	sameAsBefore bool
}

// bootromKeyTable is the fixed 80-entry descriptor table read from the
// boot9 image's key section, verbatim from the reference implementation.
var bootromKeyTable = []keyDesc{
	{kindX, 0x2C, false}, {kindX, 0x2D, true}, {kindX, 0x2E, true}, {kindX, 0x2F, true},
	{kindX, 0x30, false}, {kindX, 0x31, true}, {kindX, 0x32, true}, {kindX, 0x33, true},
	{kindX, 0x34, false}, {kindX, 0x35, true}, {kindX, 0x36, true}, {kindX, 0x37, true},
	{kindX, 0x38, false}, {kindX, 0x39, true}, {kindX, 0x3A, true}, {kindX, 0x3B, true},
	{kindX, 0x3C, false}, {kindX, 0x3D, false}, {kindX, 0x3E, false}, {kindX, 0x3F, false},
	{kindY, 0x04, false}, {kindY, 0x05, false}, {kindY, 0x06, false}, {kindY, 0x07, false},
	{kindY, 0x08, false}, {kindY, 0x09, false}, {kindY, 0x0A, false}, {kindY, 0x0B, false},
	{kindN, 0x0C, false}, {kindN, 0x0D, true}, {kindN, 0x0E, true}, {kindN, 0x0F, true},
	{kindN, 0x10, false}, {kindN, 0x11, true}, {kindN, 0x12, true}, {kindN, 0x13, true},
	{kindN, 0x14, false}, {kindN, 0x15, false}, {kindN, 0x16, false}, {kindN, 0x17, false},
	{kindN, 0x18, false}, {kindN, 0x19, true}, {kindN, 0x1A, true}, {kindN, 0x1B, true},
	{kindN, 0x1C, false}, {kindN, 0x1D, true}, {kindN, 0x1E, true}, {kindN, 0x1F, true},
	{kindN, 0x20, false}, {kindN, 0x21, true}, {kindN, 0x22, true}, {kindN, 0x23, true},
	{kindN, 0x24, false}, {kindN, 0x25, true}, {kindN, 0x26, true}, {kindN, 0x27, true},
	{kindN, 0x28, true}, {kindN, 0x29, false}, {kindN, 0x2A, false}, {kindN, 0x2B, false},
	{kindN, 0x2C, false}, {kindN, 0x2D, true}, {kindN, 0x2E, true}, {kindN, 0x2F, true},
	{kindN, 0x30, false}, {kindN, 0x31, true}, {kindN, 0x32, true}, {kindN, 0x33, true},
	{kindN, 0x34, false}, {kindN, 0x35, true}, {kindN, 0x36, true}, {kindN, 0x37, true},
	{kindN, 0x38, false}, {kindN, 0x39, true}, {kindN, 0x3A, true}, {kindN, 0x3B, true},
	{kindN, 0x3C, true}, {kindN, 0x3D, false}, {kindN, 0x3E, false}, {kindN, 0x3F, false},
}

const (
	bootromSize       = 65536
	bootromKeySection = 55760
	movableSedMinSize = 0x120
	movableSedKeyOff  = 0x118
)

// LoadBootRom reads an 80-entry key table from a boot9 image at the fixed
// offset the console's bootrom describes and populates the corresponding slots.
// Best-effort: any size mismatch or read failure leaves the store untouched
// and is reported only via the log, matching the "recoverable
// locally" policy for missing/invalid auxiliary inputs.
func (s *Store) LoadBootRom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		log.Warn(context.Background(), "boot rom: open failed", "path", path, "error", err)
		return threeerrors.NewIoError("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return threeerrors.NewIoError("stat", path, err)
	}
	if info.Size() != bootromSize {
		log.Warn(context.Background(), "boot rom: wrong size", "path", path, "size", info.Size())
		return threeerrors.Wrap(threeerrors.ErrBadMagic, "boot rom: wrong size")
	}

	if _, err := f.Seek(bootromKeySection, io.SeekStart); err != nil {
		return threeerrors.NewIoError("seek", path, err)
	}

	r := bufio.NewReader(f)
	var current AESKey
	for _, desc := range bootromKeyTable {
		if !desc.sameAsBefore {
			if _, err := io.ReadFull(r, current[:]); err != nil {
				log.Warn(context.Background(), "boot rom: read failed", "path", path, "error", err)
				return threeerrors.NewIoError("read", path, err)
			}
		}
		switch desc.kind {
		case kindX:
			s.SetX(desc.slot, current)
		case kindY:
			s.SetY(desc.slot, current)
		case kindN:
			s.SetNormal(desc.slot, current)
		}
	}
	return nil
}

// LoadMovableSed reads the SD seed (KeyY for SlotMovableSed) from a
// movable.sed file at its fixed offset.
func (s *Store) LoadMovableSed(path string) error {
	f, err := os.Open(path)
	if err != nil {
		log.Warn(context.Background(), "movable.sed: open failed", "path", path, "error", err)
		return threeerrors.NewIoError("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return threeerrors.NewIoError("stat", path, err)
	}
	if info.Size() < movableSedMinSize {
		log.Warn(context.Background(), "movable.sed: too small", "path", path, "size", info.Size())
		return threeerrors.Wrap(threeerrors.ErrTruncated, "movable.sed: too small")
	}

	if _, err := f.Seek(movableSedKeyOff, io.SeekStart); err != nil {
		return threeerrors.NewIoError("seek", path, err)
	}

	var key AESKey
	if _, err := io.ReadFull(f, key[:]); err != nil {
		log.Warn(context.Background(), "movable.sed: read failed", "path", path, "error", err)
		return threeerrors.NewIoError("read", path, err)
	}
	s.SetY(SlotMovableSed, key)
	return nil
}

// TitleKeyEntry is one entry of the encrypted-title-keys auxiliary file
// (`count(4 LE) _pad(12) entries{common_key_index(4 BE) _pad(4)
// title_id(8 BE) title_key(16)}*`).
type TitleKeyEntry struct {
	CommonKeyIndex uint32
	TitleID        uint64
	EncryptedKey   [16]byte
}

// TitleKeysDB is a title-id-keyed lookup of encrypted title keys, used by
// the Archive Builder to recover title keys without a full Ticket DB.
type TitleKeysDB map[uint64]TitleKeyEntry

// LoadTitleKeysDB parses the encrypted-title-keys file.
func LoadTitleKeysDB(path string) (TitleKeysDB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn(context.Background(), "title keys db: open failed", "path", path, "error", err)
		return TitleKeysDB{}, threeerrors.NewIoError("open", path, err)
	}
	return parseTitleKeysDB(data)
}

func parseTitleKeysDB(data []byte) (TitleKeysDB, error) {
	const entrySize = 4 + 4 + 8 + 16
	if len(data) < 16 {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "title keys db: header")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	db := make(TitleKeysDB, count)
	off := 16
	for i := uint32(0); i < count; i++ {
		if off+entrySize > len(data) {
			return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "title keys db: entry")
		}
		var e TitleKeyEntry
		e.CommonKeyIndex = binary.BigEndian.Uint32(data[off : off+4])
		e.TitleID = binary.BigEndian.Uint64(data[off+8 : off+16])
		copy(e.EncryptedKey[:], data[off+16:off+32])
		db[e.TitleID] = e
		off += entrySize
	}
	return db, nil
}
