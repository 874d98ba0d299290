package datafs

import (
	"encoding/binary"

	threeerrors "github.com/threesd-go/threesd/internal/errors"
	"github.com/threesd-go/threesd/internal/innerfat"
)

var magicBDRI = magic("BDRI")

// TitleInfoEntry is the fixed 0x80-byte record the NAND title database
// keeps per installed title.
type TitleInfoEntry struct {
	TitleSize     uint64
	TitleType     uint32
	TitleVersion  uint32
	Flags0        uint32
	TMDContentID  uint32
	CMDContentID  uint32
	Flags1        uint32
	ExtdataIDLow  uint32
	Flags2        uint64
	ProductCode   [0x10]byte
}

const titleInfoEntrySize = 0x80

func parseTitleInfoEntry(b []byte) (TitleInfoEntry, error) {
	if len(b) != titleInfoEntrySize {
		return TitleInfoEntry{}, threeerrors.Wrap(threeerrors.ErrTruncated, "title_db: entry has incorrect size")
	}
	var e TitleInfoEntry
	e.TitleSize = binary.LittleEndian.Uint64(b[0:8])
	e.TitleType = binary.LittleEndian.Uint32(b[8:12])
	e.TitleVersion = binary.LittleEndian.Uint32(b[12:16])
	e.Flags0 = binary.LittleEndian.Uint32(b[16:20])
	e.TMDContentID = binary.LittleEndian.Uint32(b[20:24])
	e.CMDContentID = binary.LittleEndian.Uint32(b[24:28])
	e.Flags1 = binary.LittleEndian.Uint32(b[28:32])
	e.ExtdataIDLow = binary.LittleEndian.Uint32(b[32:36])
	e.Flags2 = binary.LittleEndian.Uint64(b[40:48])
	copy(e.ProductCode[:], b[48:64])
	return e, nil
}

// titleDBPreheaderSize is TitleDBPreheader: an 8-byte db_magic followed by
// 0x78 bytes of padding.
const titleDBPreheaderSize = 0x80

// ticketDBPreheaderSize is TicketDBPreheader: a 4-byte db_magic followed
// by 0x0C bytes of padding.
const ticketDBPreheaderSize = 0x10

var (
	dbMagicNANDTDB = uint64(magic("NAND")) | uint64(magic("TDB\x00"))<<32
	dbMagicTEMPTDB = uint64(magic("TEMP")) | uint64(magic("TDB\x00"))<<32
	dbMagicTICK    = magic("TICK")
)

// TitleDB is the NAND title database: a flat, title-ID-keyed index of
// every installed title's TitleInfoEntry.
type TitleDB struct {
	Titles map[uint64]TitleInfoEntry
}

// ParseTitleDB decodes a title.db image (already unwrapped from its DISA
// container via internal/container) into a title-ID-keyed map.
func ParseTitleDB(data []byte) (*TitleDB, error) {
	if len(data) < 8 {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "title_db: too small")
	}
	dbMagic := binary.LittleEndian.Uint64(data[0:8])
	if dbMagic != dbMagicNANDTDB && dbMagic != dbMagicTEMPTDB {
		return nil, threeerrors.Wrap(threeerrors.ErrBadMagic, "title_db: pre-header magic")
	}

	fs, err := innerfat.Parse(innerfat.ParseOptions{
		Partitions:      [][]byte{data},
		PreheaderSize:   titleDBPreheaderSize,
		ExpectedMagic:   magicBDRI,
		ExpectedVersion: 0x30000,
		Shape:           innerfat.ShapeTitleKeyed,
	})
	if err != nil {
		return nil, threeerrors.Wrap(err, "title_db")
	}

	titles := make(map[uint64]TitleInfoEntry)
	if len(fs.DirectoryEntryTable) > 1 {
		for cur := fs.DirectoryEntryTable[1].FirstFileIndex; cur != 0; {
			entry := fs.FileEntryTable[cur]
			raw, err := fs.GetFileData(int(cur))
			if err != nil {
				return nil, threeerrors.Wrap(err, "title_db: entry data")
			}
			info, err := parseTitleInfoEntry(raw)
			if err != nil {
				return nil, err
			}
			titles[entry.TitleID] = info
			cur = entry.NextSiblingIndex
		}
	}

	return &TitleDB{Titles: titles}, nil
}

// TicketDB is the NAND ticket database: a flat, title-ID-keyed index of
// raw ticket payloads (each prefixed by an 8-byte header the original
// tooling skips over).
type TicketDB struct {
	Tickets map[uint64][]byte
}

// ParseTicketDB decodes a ticket.db image into a title-ID-keyed map of raw
// ticket bodies (internal/filesys.ParseTicket further decodes each one).
func ParseTicketDB(data []byte) (*TicketDB, error) {
	if len(data) < 4 {
		return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "ticket_db: too small")
	}
	dbMagic := binary.LittleEndian.Uint32(data[0:4])
	if dbMagic != dbMagicTICK {
		return nil, threeerrors.Wrap(threeerrors.ErrBadMagic, "ticket_db: pre-header magic")
	}

	fs, err := innerfat.Parse(innerfat.ParseOptions{
		Partitions:      [][]byte{data},
		PreheaderSize:   ticketDBPreheaderSize,
		ExpectedMagic:   magicBDRI,
		ExpectedVersion: 0x30000,
		Shape:           innerfat.ShapeTitleKeyed,
	})
	if err != nil {
		return nil, threeerrors.Wrap(err, "ticket_db")
	}

	tickets := make(map[uint64][]byte)
	if len(fs.DirectoryEntryTable) > 1 {
		for cur := fs.DirectoryEntryTable[1].FirstFileIndex; cur != 0; {
			entry := fs.FileEntryTable[cur]
			raw, err := fs.GetFileData(int(cur))
			if err != nil {
				return nil, threeerrors.Wrap(err, "ticket_db: entry data")
			}
			const ticketHeaderSize = 8
			if len(raw) < ticketHeaderSize {
				return nil, threeerrors.Wrap(threeerrors.ErrTruncated, "ticket_db: ticket entry too small")
			}
			tickets[entry.TitleID] = raw[ticketHeaderSize:]
			cur = entry.NextSiblingIndex
		}
	}

	return &TicketDB{Tickets: tickets}, nil
}
