package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/threesd-go/threesd/internal/app"
	"github.com/threesd-go/threesd/internal/archive"
	"github.com/threesd-go/threesd/internal/filesys"
	"github.com/threesd-go/threesd/internal/importer"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List titles and sysdata found on the configured SD root",
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, err := app.NewRunner(cfg, nil)
		if err != nil {
			return err
		}
		items, err := runner.ListContent()
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Printf("%-10s %016x  %s\n", kindName(it.Kind), it.TitleID, it.SourceDir)
		}
		return nil
	},
}

func kindName(k importer.ContentKind) string {
	switch k {
	case importer.KindTitle:
		return "title"
	case importer.KindSavegame:
		return "savegame"
	case importer.KindExtdata:
		return "extdata"
	case importer.KindSysdata:
		return "sysdata"
	default:
		return "unknown"
	}
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import every discovered title and sysdata entry into user-root",
	RunE: func(cmd *cobra.Command, args []string) error {
		term := NewReporter(false)

		var runner *app.Runner
		runner, err := app.NewRunner(cfg, func() {
			frac, info := runner.Reporter().Progress()
			term.SetStatus(runner.Reporter().Status())
			term.SetProgress(frac, info)
			term.Update()
		})
		if err != nil {
			return err
		}
		globalReporter = &runnerCancelAdapter{runner: runner}

		items, err := runner.ListContent()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "nothing to import")
			return nil
		}
		defer term.Finish()
		if err := runner.ImportAll(items); err != nil {
			term.PrintError("%v", err)
			return err
		}
		term.PrintSuccess("imported %d item(s) into %s", len(items), cfg.UserRoot)
		return nil
	},
}

// runnerCancelAdapter lets the SIGINT handler in root.go reach an
// in-flight app.Runner's cooperative-cancellation Flag.
type runnerCancelAdapter struct{ runner *app.Runner }

func (a *runnerCancelAdapter) Cancel() { a.runner.Cancel() }

var checkCmd = &cobra.Command{
	Use:   "check <tmd-file> <content-dir>",
	Short: "Verify every content chunk a TMD names against its hash, without importing anything",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		tmd, err := filesys.ParseTMD(raw, 0)
		if err != nil {
			return fmt.Errorf("parsing TMD: %w", err)
		}
		failures := importer.CheckTitleContents(tmd, args[1])
		if len(failures) == 0 {
			fmt.Println("ok: all content hashes verified")
			return nil
		}
		for _, f := range failures {
			fmt.Fprintln(os.Stderr, f)
		}
		return fmt.Errorf("%d content check failure(s)", len(failures))
	},
}

var dumpExecutableTitleID string
var dumpExecutableDest string

var dumpExecutableCmd = &cobra.Command{
	Use:   "dump-executable",
	Short: "Decrypt one title's boot executable (NCCH/CXI) without importing the rest of it",
	RunE: func(cmd *cobra.Command, args []string) error {
		var titleID uint64
		if _, err := fmt.Sscanf(dumpExecutableTitleID, "%016x", &titleID); err != nil {
			return fmt.Errorf("invalid --title-id %q: %w", dumpExecutableTitleID, err)
		}

		runner, err := app.NewRunner(cfg, nil)
		if err != nil {
			return err
		}
		if err := runner.DumpExecutable(titleID, dumpExecutableDest); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", dumpExecutableDest)
		return nil
	},
}

func init() {
	flags := dumpExecutableCmd.Flags()
	flags.StringVar(&dumpExecutableTitleID, "title-id", "", "16 hex digit title ID to dump")
	flags.StringVar(&dumpExecutableDest, "dest", "", "destination .cxi file")
	_ = dumpExecutableCmd.MarkFlagRequired("title-id")
	_ = dumpExecutableCmd.MarkFlagRequired("dest")
}

var (
	buildArchiveTMDPath    string
	buildArchiveContentDir string
	buildArchiveOutput     string
	buildArchiveModeFlag   string
)

var buildArchiveCmd = &cobra.Command{
	Use:   "build-archive",
	Short: "Assemble a title's already-decrypted content and TMD into a single importable archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuildArchive()
	},
}

func init() {
	flags := buildArchiveCmd.Flags()
	flags.StringVar(&buildArchiveTMDPath, "tmd", "", "path to the title's TMD file")
	flags.StringVar(&buildArchiveContentDir, "content-dir", "", "directory holding one <content-id-hex>.bin file per TMD content chunk")
	flags.StringVar(&buildArchiveOutput, "output", "", "destination archive file")
	flags.StringVar(&buildArchiveModeFlag, "mode", "standard", "build mode: standard|piratelegit|legit")
	_ = buildArchiveCmd.MarkFlagRequired("tmd")
	_ = buildArchiveCmd.MarkFlagRequired("content-dir")
	_ = buildArchiveCmd.MarkFlagRequired("output")
}

func runBuildArchive() error {
	var mode archive.BuildMode
	switch buildArchiveModeFlag {
	case "standard":
		mode = archive.Standard
	case "piratelegit":
		mode = archive.PirateLegit
	case "legit":
		mode = archive.Legit
	default:
		return fmt.Errorf("unknown build mode %q", buildArchiveModeFlag)
	}

	tmdRaw, err := os.ReadFile(buildArchiveTMDPath)
	if err != nil {
		return err
	}
	tmd, err := filesys.ParseTMD(tmdRaw, 0)
	if err != nil {
		return fmt.Errorf("parsing TMD: %w", err)
	}

	var certs *filesys.CertStore
	if cfg.CertStorePath != "" {
		raw, err := os.ReadFile(cfg.CertStorePath)
		if err != nil {
			return fmt.Errorf("reading certificate store: %w", err)
		}
		certs, err = filesys.LoadCertStore(raw)
		if err != nil {
			return fmt.Errorf("loading certificate store: %w", err)
		}
	} else if mode != archive.Standard {
		return fmt.Errorf("--cert-store is required for %s builds", buildArchiveModeFlag)
	}

	runner, err := app.NewRunner(cfg, nil)
	if err != nil {
		return err
	}

	ticket := filesys.BuildFakeTicket(tmd.Body.TitleID)
	var titleKey [16]byte
	if mode != archive.Standard {
		titleKey, ticket, err = titleKeyForMode(mode, runner, tmd.Body.TitleID, ticket)
		if err != nil {
			return fmt.Errorf("resolving title key: %w", err)
		}
	}

	out, err := os.Create(buildArchiveOutput)
	if err != nil {
		return err
	}
	defer out.Close()

	builder := archive.NewBuilder(mode, out, certs, ticket, tmd, nil)
	if err := builder.Init(); err != nil {
		os.Remove(buildArchiveOutput)
		return fmt.Errorf("initializing archive: %w", err)
	}

	for _, chunk := range tmd.Contents {
		if err := addArchiveContent(builder, mode, titleKey, chunk); err != nil {
			os.Remove(buildArchiveOutput)
			return fmt.Errorf("content %08x: %w", chunk.ID, err)
		}
	}

	if err := builder.Finalize(); err != nil {
		os.Remove(buildArchiveOutput)
		return fmt.Errorf("finalizing archive: %w", err)
	}

	fmt.Printf("wrote %s\n", buildArchiveOutput)
	return nil
}

// titleKeyForMode resolves the title key a non-Standard build must embed
// (PirateLegit encrypts content under it; Legit additionally requires the
// real console ticket to accompany it) and returns the ticket the archive
// should carry alongside it. Standard builds never call this.
func titleKeyForMode(mode archive.BuildMode, runner *app.Runner, titleID uint64, fallback filesys.Ticket) ([16]byte, filesys.Ticket, error) {
	if mode == archive.Legit {
		ticket, err := runner.Ticket(titleID)
		if err != nil {
			return [16]byte{}, filesys.Ticket{}, err
		}
		key, err := ticket.UnwrapTitleKey(runner.KeyStore())
		if err != nil {
			return [16]byte{}, filesys.Ticket{}, err
		}
		return [16]byte(key), ticket, nil
	}

	key, err := runner.TitleKey(titleID)
	if err != nil {
		return [16]byte{}, filesys.Ticket{}, err
	}
	return [16]byte(key), fallback, nil
}

func addArchiveContent(builder *archive.Builder, mode archive.BuildMode, titleKey [16]byte, chunk filesys.ContentChunk) error {
	path := filepath.Join(buildArchiveContentDir, fmt.Sprintf("%08x.bin", chunk.ID))
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var src io.Reader = f
	var source archive.ContentSource
	if mode == archive.Standard {
		source = archive.NewPlainContentSource(chunk.Index, chunk.ID, chunk.Type, info.Size(), src)
	} else {
		source = archive.NewEncryptedContentSource(chunk.Index, chunk.ID, chunk.Type, info.Size(), src, titleKey)
	}
	return builder.AddContent(source)
}
