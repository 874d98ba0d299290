// Package importer implements the Importer Orchestrator:
// the top-level driver that enumerates an SD installation's contents,
// dispatches each to the matching extraction or build path, and applies
// a delete-on-failure policy so a failed import never leaves a partial
// target behind.
package importer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/threesd-go/threesd/internal/copier"
	"github.com/threesd-go/threesd/internal/crypto"
	"github.com/threesd-go/threesd/internal/datafs"
	threeerrors "github.com/threesd-go/threesd/internal/errors"
	"github.com/threesd-go/threesd/internal/filesys"
	"github.com/threesd-go/threesd/internal/keystore"
	"github.com/threesd-go/threesd/internal/log"
	"github.com/threesd-go/threesd/internal/ncch"
)

// Config holds every absolute path the orchestrator needs; an empty
// string means "not configured".
type Config struct {
	SDRoot             string
	UserRoot           string
	BootROM            string
	MovableSed         string
	CertStorePath      string
	NANDTitleDBPath    string
	NANDTicketDBPath   string
	SeedDBPath         string
	SecretSectorPath   string
	EncryptedTitleKeys string
	NANDTitlesRoot     string
	NANDDataRoot       string
}

// zeroIDPath is the all-zeros placeholder directory the console itself
// uses for single-user SD layouts.
const zeroIDPath = "00000000000000000000000000000000"

// ContentKind classifies one enumerated item.
type ContentKind int

const (
	KindTitle ContentKind = iota
	KindSavegame
	KindExtdata
	KindSysdata
)

// ContentItem is one enumerated unit of work: a title, a savegame, an
// extdata archive, or a NAND sysdata file.
type ContentItem struct {
	Kind     ContentKind
	TitleID  uint64
	SourceDir string // directory or file holding the source data
}

// Orchestrator is the Importer Orchestrator: it owns the process-wide key
// store, certificate store, and NAND databases, and drives the import,
// dump, build, and check operations against Config's paths.
type Orchestrator struct {
	cfg       Config
	keys      *keystore.Store
	certs     *filesys.CertStore
	titleDB   *datafs.TitleDB
	ticketDB  *datafs.TicketDB
	seedDB    *ncch.SeedDB
	titleKeys keystore.TitleKeysDB
}

// New constructs an Orchestrator. Certificate and NAND-DB loading is
// deferred to Init, since they are optional auxiliary inputs.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, keys: keystore.New()}
}

// Init loads the key store and every configured auxiliary input. Missing
// optional files (seed DB, encrypted-title-keys, NAND DBs) are logged and
// skipped rather than treated as fatal.
func (o *Orchestrator) Init() error {
	if o.cfg.BootROM != "" {
		if err := o.keys.LoadBootRom(o.cfg.BootROM); err != nil {
			log.Logger().Warn("boot rom load failed", "path", o.cfg.BootROM, "err", err)
		}
	}
	if o.cfg.MovableSed != "" {
		if err := o.loadMovableSed(); err != nil {
			log.Logger().Warn("movable.sed load failed", "path", o.cfg.MovableSed, "err", err)
		}
	}
	if o.cfg.CertStorePath != "" {
		raw, err := os.ReadFile(o.cfg.CertStorePath)
		if err != nil {
			log.Logger().Warn("certificate store unreadable", "path", o.cfg.CertStorePath, "err", err)
		} else if store, err := filesys.LoadCertStore(raw); err != nil {
			log.Logger().Warn("certificate store invalid", "path", o.cfg.CertStorePath, "err", err)
		} else {
			o.certs = store
		}
	}
	if o.cfg.NANDTitleDBPath != "" {
		if raw, err := os.ReadFile(o.cfg.NANDTitleDBPath); err == nil {
			if db, err := datafs.ParseTitleDB(raw); err == nil {
				o.titleDB = db
			} else {
				log.Logger().Warn("title.db invalid", "err", err)
			}
		} else {
			log.Logger().Warn("title.db unreadable", "path", o.cfg.NANDTitleDBPath, "err", err)
		}
	}
	if o.cfg.NANDTicketDBPath != "" {
		if raw, err := os.ReadFile(o.cfg.NANDTicketDBPath); err == nil {
			if db, err := datafs.ParseTicketDB(raw); err == nil {
				o.ticketDB = db
			} else {
				log.Logger().Warn("ticket.db invalid", "err", err)
			}
		} else {
			log.Logger().Warn("ticket.db unreadable", "path", o.cfg.NANDTicketDBPath, "err", err)
		}
	}
	if o.cfg.SeedDBPath != "" {
		if raw, err := os.ReadFile(o.cfg.SeedDBPath); err == nil {
			if db, err := ncch.ParseSeedDB(raw); err == nil {
				o.seedDB = db
			} else {
				log.Logger().Warn("seed db invalid", "err", err)
			}
		} else {
			log.Logger().Warn("seed db unreadable", "path", o.cfg.SeedDBPath, "err", err)
		}
	}
	if o.cfg.EncryptedTitleKeys != "" {
		if db, err := keystore.LoadTitleKeysDB(o.cfg.EncryptedTitleKeys); err == nil {
			o.titleKeys = db
		} else {
			log.Logger().Warn("encrypted title keys unreadable or invalid", "path", o.cfg.EncryptedTitleKeys, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) loadMovableSed() error {
	f, err := os.Open(o.cfg.MovableSed)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0x118, 0); err != nil {
		return err
	}

	buf := make([]byte, 16)
	if _, err := f.Read(buf); err != nil {
		return err
	}
	km := crypto.NewKeyMaterial(buf)
	defer km.Close()

	var y keystore.AESKey
	copy(y[:], km.Bytes())
	o.keys.SetY(keystore.SlotSD, y)
	return nil
}

// KeyStore exposes the orchestrator's key store for components (NCCH,
// Crypto Pipeline) that need direct access during a single operation.
func (o *Orchestrator) KeyStore() *keystore.Store { return o.keys }

// CertStore returns the loaded certificate store, or nil if unavailable.
func (o *Orchestrator) CertStore() *filesys.CertStore { return o.certs }

// SeedDB returns the loaded seed database, or nil if unavailable; passed
// to ncch.Header.DeriveKeys for seed-crypto titles.
func (o *Orchestrator) SeedDB() *ncch.SeedDB { return o.seedDB }

// TitleKeys returns the loaded encrypted-title-keys table, or nil if
// unavailable; consulted by the Archive Builder when no full ticket is on
// hand for a title.
func (o *Orchestrator) TitleKeys() keystore.TitleKeysDB { return o.titleKeys }

// Ticket looks up titleID's real, console-issued ticket in the loaded
// Ticket DB and verifies its signature. Used by Legit archive builds,
// which must embed the genuine ticket rather than a synthesized one.
func (o *Orchestrator) Ticket(titleID uint64) (filesys.Ticket, error) {
	if o.ticketDB == nil {
		return filesys.Ticket{}, threeerrors.Wrap(threeerrors.ErrNotFound, "importer: no ticket.db loaded")
	}
	raw, ok := o.ticketDB.Tickets[titleID]
	if !ok {
		return filesys.Ticket{}, threeerrors.Wrap(threeerrors.ErrNotFound, fmt.Sprintf("importer: no ticket for title %016x", titleID))
	}
	ticket, err := filesys.ParseTicket(raw, 0)
	if err != nil {
		return filesys.Ticket{}, err
	}
	if err := ticket.VerifySignature(o.certs); err != nil {
		return filesys.Ticket{}, threeerrors.Wrap(err, "importer: ticket signature verification failed")
	}
	return ticket, nil
}

// TitleKey resolves titleID's real title key for a PirateLegit build: the
// ticket.db entry if one is loaded, falling back to the encrypted-title-keys
// support file.
func (o *Orchestrator) TitleKey(titleID uint64) (keystore.AESKey, error) {
	if ticket, err := o.Ticket(titleID); err == nil {
		return ticket.UnwrapTitleKey(o.keys)
	}
	entry, ok := o.titleKeys[titleID]
	if !ok {
		return keystore.AESKey{}, threeerrors.Wrap(threeerrors.ErrNotFound, fmt.Sprintf("importer: no title key for title %016x", titleID))
	}
	return o.keys.UnwrapTitleKey(int(entry.CommonKeyIndex), entry.TitleID, entry.EncryptedKey)
}

// titleContentPath returns the console-layout content directory for a
// title under root, matching the console's persisted output layout:
// <root>/title/<high 8 hex>/<low 8 hex>/content/.
func titleContentPath(root string, titleID uint64) string {
	high := uint32(titleID >> 32)
	low := uint32(titleID)
	return filepath.Join(root, "title", fmt.Sprintf("%08x", high), fmt.Sprintf("%08x", low), "content")
}

// sdTitleRoot is the SD-card title root under the console's fixed
// double-zero-ID path.
func sdTitleRoot(userRoot string) string {
	return filepath.Join(userRoot, "sdmc", "Nintendo 3DS", zeroIDPath, zeroIDPath)
}

// ListContent enumerates the <high>/<low> title directories under the
// configured SD root's title folder (as KindTitle items) and under its
// data/sysdata folder (as KindSysdata items). Savegames, extdata and
// anything under the NAND roots are not enumerated.
func (o *Orchestrator) ListContent() ([]ContentItem, error) {
	var items []ContentItem

	titleRoot := filepath.Join(sdTitleRoot(o.cfg.SDRoot), "title")
	walkTitleIDs(titleRoot, func(id uint64, dir string) {
		items = append(items, ContentItem{Kind: KindTitle, TitleID: id, SourceDir: dir})
	})

	dataRoot := filepath.Join(sdTitleRoot(o.cfg.SDRoot), "data")
	walkTitleIDs(filepath.Join(dataRoot, "sysdata"), func(id uint64, dir string) {
		items = append(items, ContentItem{Kind: KindSysdata, TitleID: id, SourceDir: dir})
	})

	return items, nil
}

// FindTitle locates a single title's SD content directory by title ID,
// for callers (e.g. the dump-executable CLI command) that operate on one
// title rather than a full ListContent batch.
func (o *Orchestrator) FindTitle(titleID uint64) (ContentItem, error) {
	high := uint32(titleID >> 32)
	low := uint32(titleID)
	dir := filepath.Join(sdTitleRoot(o.cfg.SDRoot), "title", fmt.Sprintf("%08x", high), fmt.Sprintf("%08x", low))
	if _, err := os.Stat(dir); err != nil {
		return ContentItem{}, threeerrors.Wrap(threeerrors.ErrNotFound, fmt.Sprintf("importer: no title %016x on SD card", titleID))
	}
	return ContentItem{Kind: KindTitle, TitleID: titleID, SourceDir: dir}, nil
}

// walkTitleIDs visits every <high>/<low> directory pair under root and
// invokes visit with the reassembled 64-bit title ID.
func walkTitleIDs(root string, visit func(id uint64, dir string)) {
	highs, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, hi := range highs {
		if !hi.IsDir() {
			continue
		}
		var high uint32
		if _, err := fmt.Sscanf(hi.Name(), "%08x", &high); err != nil {
			continue
		}
		lowRoot := filepath.Join(root, hi.Name())
		lows, err := os.ReadDir(lowRoot)
		if err != nil {
			continue
		}
		for _, lo := range lows {
			if !lo.IsDir() {
				continue
			}
			var low uint32
			if _, err := fmt.Sscanf(lo.Name(), "%08x", &low); err != nil {
				continue
			}
			id := uint64(high)<<32 | uint64(low)
			visit(id, filepath.Join(lowRoot, lo.Name()))
		}
	}
}

// DeleteContent removes the output directory for a previously attempted
// import, implementing the delete-on-failure policy.
func (o *Orchestrator) DeleteContent(item ContentItem) error {
	dest := titleContentPath(o.cfg.UserRoot, item.TitleID)
	return os.RemoveAll(dest)
}

// ImportContent imports one title's savegame/extdata/content tree from
// the SD card into the user root, deleting any partial output on
// failure.
func (o *Orchestrator) ImportContent(item ContentItem, flag *copier.Flag) (err error) {
	dest := titleContentPath(o.cfg.UserRoot, item.TitleID)
	defer func() {
		if err != nil {
			if delErr := o.DeleteContent(item); delErr != nil {
				log.Logger().Warn("cleanup after failed import also failed", "title_id", item.TitleID, "err", delErr)
			}
		}
	}()

	if err = os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	switch item.Kind {
	case KindTitle:
		return o.importTitle(item, dest, flag)
	case KindSavegame:
		return o.importSavegame(item, dest)
	case KindExtdata:
		return o.importExtdata(item, dest)
	default:
		return nil
	}
}

// findTMDFile locates the single "<content-id-hex>.tmd" file a title's SD
// content directory carries alongside its .app content files.
func findTMDFile(contentDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(contentDir, "*.tmd"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", threeerrors.Wrap(threeerrors.ErrNotFound, "importer: no TMD in "+contentDir)
	}
	return matches[0], nil
}

// sdContentPath reassembles the SD-card-relative path a content file was
// originally written at, the same string the console hashes (via
// crypto.DerivePathCTR) to derive that file's per-file AES-CTR IV.
func sdContentPath(titleID uint64, contentID uint32) string {
	high := uint32(titleID >> 32)
	low := uint32(titleID)
	return fmt.Sprintf("/title/%08x/%08x/content/%08x.app", high, low, contentID)
}

// importTitle reads a title's TMD and every content chunk it names from
// the SD card, undoes the SD-card file-level AES-CTR encryption, then
// undoes the NCCH container's own encryption via decryptNCCHImage, writing
// the fully decrypted .app files (plus a copy of the TMD) under dest.
func (o *Orchestrator) importTitle(item ContentItem, dest string, flag *copier.Flag) error {
	contentDir := filepath.Join(item.SourceDir, "content")
	tmdPath, err := findTMDFile(contentDir)
	if err != nil {
		return err
	}
	tmdRaw, err := os.ReadFile(tmdPath)
	if err != nil {
		return err
	}
	tmd, err := filesys.ParseTMD(tmdRaw, 0)
	if err != nil {
		return err
	}

	if !o.keys.IsNormalAvailable(keystore.SlotSD) {
		return threeerrors.Wrap(threeerrors.ErrCryptoUnavailable, "importer: SD key unavailable, load movable.sed first")
	}
	sdKey := o.keys.Normal(keystore.SlotSD)

	for _, chunk := range tmd.Contents {
		srcPath := filepath.Join(contentDir, fmt.Sprintf("%08x.app", chunk.ID))
		sdEncrypted, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}

		ncchData, err := o.decryptSDContent(sdKey, item.TitleID, chunk.ID, sdEncrypted, flag)
		if err != nil {
			return err
		}

		destPath := filepath.Join(dest, fmt.Sprintf("%08x.app", chunk.ID))
		if err := os.WriteFile(destPath, ncchData, 0o644); err != nil {
			return err
		}
	}

	return os.WriteFile(filepath.Join(dest, filepath.Base(tmdPath)), tmdRaw, 0o644)
}

// decryptSDContent undoes the SD-card file-level AES-CTR layer over raw
// (an exact copy of the .app file as it sits on the SD card), then undoes
// the NCCH container's own per-section encryption.
func (o *Orchestrator) decryptSDContent(sdKey keystore.AESKey, titleID uint64, contentID uint32, raw []byte, flag *copier.Flag) ([]byte, error) {
	ctr := crypto.DerivePathCTR(sdContentPath(titleID, contentID))
	tr, err := crypto.NewAesCtr(sdKey, ctr)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(raw))
	copy(plain, raw)
	if err := tr.Process(plain); err != nil {
		return nil, err
	}
	return o.decryptNCCHImage(plain, flag)
}

// decryptNCCHImage resolves an optional leading NCSD wrapper, derives the
// NCCH's keys, and streams every section through ncch.StreamToSink,
// returning a buffer the same length as data with the NCSD/plain prefix
// (if any) carried through verbatim ahead of the decrypted NCCH.
func (o *Orchestrator) decryptNCCHImage(data []byte, flag *copier.Flag) ([]byte, error) {
	offset, err := ncch.ResolveNCSDOffset(data)
	if err != nil {
		return nil, err
	}
	ncchData := data[offset:]

	h, err := ncch.ParseHeader(ncchData)
	if err != nil {
		return nil, err
	}
	if !h.DeriveKeys(o.keys, o.seedDB) {
		return nil, threeerrors.Wrap(threeerrors.ErrCryptoUnavailable, "importer: seed-crypto title has no registered seed")
	}

	sink := &memWriterAt{buf: make([]byte, len(ncchData))}
	if _, err := ncch.StreamToSink(context.Background(), sink, ncchData, o.keys, flag); err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	copy(out, data[:offset])
	copy(out[offset:], sink.buf)
	return out, nil
}

// memWriterAt is an in-memory io.WriterAt, used to collect
// ncch.StreamToSink's output before it is spliced back behind any NCSD
// prefix bytes.
type memWriterAt struct{ buf []byte }

func (w *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n := copy(w.buf[off:], p)
	return n, nil
}

// DumpExecutable decrypts a single title's boot content (the NCCH/CXI
// tmd_chunks[Main] names) from the SD card and writes it to destPath,
// without touching the rest of the title's content or producing a
// console-layout output tree.
func (o *Orchestrator) DumpExecutable(item ContentItem, destPath string) error {
	contentDir := filepath.Join(item.SourceDir, "content")
	tmdPath, err := findTMDFile(contentDir)
	if err != nil {
		return err
	}
	tmdRaw, err := os.ReadFile(tmdPath)
	if err != nil {
		return err
	}
	tmd, err := filesys.ParseTMD(tmdRaw, 0)
	if err != nil {
		return err
	}

	var boot *filesys.ContentChunk
	for i := range tmd.Contents {
		if tmd.Contents[i].Index == 0 {
			boot = &tmd.Contents[i]
			break
		}
	}
	if boot == nil {
		return threeerrors.Wrap(threeerrors.ErrNotFound, "importer: title has no boot content")
	}

	if !o.keys.IsNormalAvailable(keystore.SlotSD) {
		return threeerrors.Wrap(threeerrors.ErrCryptoUnavailable, "importer: SD key unavailable, load movable.sed first")
	}
	sdKey := o.keys.Normal(keystore.SlotSD)

	srcPath := filepath.Join(contentDir, fmt.Sprintf("%08x.app", boot.ID))
	sdEncrypted, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}

	decrypted, err := o.decryptSDContent(sdKey, item.TitleID, boot.ID, sdEncrypted, nil)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, decrypted, 0o644)
}

func (o *Orchestrator) importSavegame(item ContentItem, dest string) error {
	raw, err := os.ReadFile(item.SourceDir)
	if err != nil {
		return err
	}
	sg, err := datafs.ParseSavegame([][]byte{raw})
	if err != nil {
		return err
	}
	return sg.Extract(dest, &directorySink{root: dest})
}

func (o *Orchestrator) importExtdata(item ContentItem, dest string) error {
	ex, err := datafs.OpenExtdata(item.SourceDir, func(p string) ([]byte, error) {
		return os.ReadFile(filepath.Join(item.SourceDir, p))
	})
	if err != nil {
		return err
	}
	return ex.Extract(dest, &directorySink{root: dest})
}

// directorySink is a datafs.Sink writing into a plain OS directory tree.
type directorySink struct{ root string }

func (d *directorySink) Dir(path string) error {
	return os.MkdirAll(filepath.Join(d.root, path), 0o755)
}

func (d *directorySink) WriteFile(path string, data []byte) error {
	full := filepath.Join(d.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (d *directorySink) Metadata(path string, data []byte) error {
	return d.WriteFile(path, data)
}

// CheckTitleContents streams every content chunk of tmd through a
// hash-only sink and compares the result to the recorded chunk hash,
// without writing anything to disk. contentDir holds one
// "<content-id-hex>.app" file per chunk, already SD- and NCCH-decrypted
// (i.e. the layout ImportContent/importTitle produces under a title's
// content directory).
func CheckTitleContents(tmd filesys.TitleMetadata, contentDir string) []error {
	var failures []error
	for _, c := range tmd.Contents {
		if c.Hash == ([32]byte{}) {
			failures = append(failures, fmt.Errorf("content %08x: no recorded hash", c.ID))
			continue
		}

		path := filepath.Join(contentDir, fmt.Sprintf("%08x.app", c.ID))
		f, err := os.Open(path)
		if err != nil {
			failures = append(failures, fmt.Errorf("content %08x: %w", c.ID, err))
			continue
		}

		h := sha256.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			failures = append(failures, fmt.Errorf("content %08x: reading: %w", c.ID, err))
			continue
		}

		var got [32]byte
		copy(got[:], h.Sum(nil))
		if got != c.Hash {
			failures = append(failures, fmt.Errorf("content %08x: %w", c.ID, threeerrors.ErrHashMismatch))
		}
	}
	return failures
}
