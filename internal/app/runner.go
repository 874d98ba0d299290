package app

import (
	"fmt"
	"sync"

	"github.com/threesd-go/threesd/internal/filesys"
	"github.com/threesd-go/threesd/internal/importer"
	"github.com/threesd-go/threesd/internal/keystore"
	"github.com/threesd-go/threesd/internal/log"
)

// Runner drives a batch of Importer Orchestrator operations, reporting
// per-item status and overall progress through a Reporter.
type Runner struct {
	orch     *importer.Orchestrator
	reporter *Reporter

	mu      sync.RWMutex
	working bool
}

// NewRunner constructs a Runner around a freshly initialized Orchestrator
// for cfg. Auxiliary-input load failures are logged by Orchestrator.Init
// and do not fail construction.
func NewRunner(cfg importer.Config, onUpdate func()) (*Runner, error) {
	orch := importer.New(cfg)
	if err := orch.Init(); err != nil {
		return nil, err
	}
	return &Runner{orch: orch, reporter: NewReporter(onUpdate)}, nil
}

// Reporter returns the progress reporter driving this runner's batches.
func (r *Runner) Reporter() *Reporter { return r.reporter }

// ListContent enumerates the configured SD root's titles and sysdata;
// savegames and extdata are not listed.
func (r *Runner) ListContent() ([]importer.ContentItem, error) {
	return r.orch.ListContent()
}

// ImportAll imports every item in items in order, stopping early if the
// reporter's Flag is cancelled. It returns the first error encountered,
// having already let ImportContent's delete-on-failure policy clean up
// the offending item's partial output.
func (r *Runner) ImportAll(items []importer.ContentItem) error {
	r.mu.Lock()
	r.working = true
	r.reporter.Reset()
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.working = false
		r.mu.Unlock()
	}()

	flag := r.reporter.Flag()
	total := len(items)
	for i, item := range items {
		if !flag.Running() {
			return fmt.Errorf("import cancelled after %d/%d items", i, total)
		}
		r.reporter.SetStatus(fmt.Sprintf("importing title %016x (%d/%d)", item.TitleID, i+1, total))
		if err := r.orch.ImportContent(item, flag); err != nil {
			log.Logger().Warn("import failed", "title_id", item.TitleID, "err", err)
			return err
		}
		r.reporter.SetProgress(float32(i+1)/float32(total), "")
	}
	return nil
}

// KeyStore exposes the runner's underlying key store, for callers that
// need to unwrap a ticket's title key directly.
func (r *Runner) KeyStore() *keystore.Store { return r.orch.KeyStore() }

// TitleKey resolves titleID's real title key, for PirateLegit archive
// builds, from whichever of ticket.db or the encrypted-title-keys support
// file is loaded.
func (r *Runner) TitleKey(titleID uint64) (keystore.AESKey, error) {
	return r.orch.TitleKey(titleID)
}

// Ticket looks up titleID's real, console-issued and signature-verified
// ticket, for Legit archive builds.
func (r *Runner) Ticket(titleID uint64) (filesys.Ticket, error) {
	return r.orch.Ticket(titleID)
}

// DumpExecutable decrypts titleID's boot content and writes it to
// destPath, without importing the rest of the title.
func (r *Runner) DumpExecutable(titleID uint64, destPath string) error {
	item, err := r.orch.FindTitle(titleID)
	if err != nil {
		return err
	}
	return r.orch.DumpExecutable(item, destPath)
}

// Cancel requests cooperative cancellation of the in-flight batch.
func (r *Runner) Cancel() { r.reporter.Cancel() }

// IsWorking reports whether a batch is currently running.
func (r *Runner) IsWorking() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.working
}
