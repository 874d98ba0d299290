package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/threesd-go/threesd/internal/importer"
	"github.com/threesd-go/threesd/internal/log"
)

// Version is set by main.go.
var Version = "dev"

var cfg importer.Config

// cancellable is anything the SIGINT/SIGTERM handler can forward a
// cancellation request to.
type cancellable interface{ Cancel() }

// globalReporter lets the signal handler reach whichever command is
// currently running; nil if that command isn't cancellable mid-flight.
var globalReporter cancellable

var rootCmd = &cobra.Command{
	Use:   "threesd",
	Short: "Import a Nintendo 3DS SD-card installation into emulator-ready storage",
	Long: `threesd reads an encrypted 3DS SD-card installation (titles, savegames,
extdata) and writes a decrypted, emulator-consumable copy of it, optionally
rebuilding individual titles as standalone importable archives.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applyViperDefaults()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.SDRoot, "sd-root", "", "root of the source SD card (contains Nintendo 3DS/)")
	flags.StringVar(&cfg.UserRoot, "user-root", "", "destination root for the imported, emulator-ready tree")
	flags.StringVar(&cfg.BootROM, "boot-rom", "", "path to a boot9 image (optional, required to derive the NCCH/SD key slots)")
	flags.StringVar(&cfg.MovableSed, "movable-sed", "", "path to movable.sed")
	flags.StringVar(&cfg.CertStorePath, "cert-store", "", "path to the certificate store (optional)")
	flags.StringVar(&cfg.NANDTitleDBPath, "nand-title-db", "", "path to NAND title.db (optional)")
	flags.StringVar(&cfg.NANDTicketDBPath, "nand-ticket-db", "", "path to NAND ticket.db (optional, required for Legit builds)")
	flags.StringVar(&cfg.SeedDBPath, "seed-db", "", "path to the seed database (optional, required for seed-crypto titles)")
	flags.StringVar(&cfg.SecretSectorPath, "secret-sector", "", "path to the console's secret sector (optional)")
	flags.StringVar(&cfg.EncryptedTitleKeys, "encrypted-title-keys", "", "path to the encrypted title-key list (optional)")
	flags.StringVar(&cfg.NANDTitlesRoot, "nand-titles-root", "", "root of NAND title storage (optional)")
	flags.StringVar(&cfg.NANDDataRoot, "nand-data-root", "", "root of NAND data/sysdata storage (optional)")

	viper.SetEnvPrefix("THREESD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	rootCmd.AddCommand(listCmd, importCmd, checkCmd, buildArchiveCmd, dumpExecutableCmd)
}

// applyViperDefaults fills any cfg field left empty on the command line
// from THREESD_*-prefixed environment variables bound above, so a user can
// pin persistent paths (SD root, NAND DBs) once in their shell instead of
// repeating flags on every invocation.
func applyViperDefaults() {
	for flagName, field := range map[string]*string{
		"sd-root":              &cfg.SDRoot,
		"user-root":            &cfg.UserRoot,
		"boot-rom":             &cfg.BootROM,
		"movable-sed":          &cfg.MovableSed,
		"cert-store":           &cfg.CertStorePath,
		"nand-title-db":        &cfg.NANDTitleDBPath,
		"nand-ticket-db":       &cfg.NANDTicketDBPath,
		"seed-db":              &cfg.SeedDBPath,
		"secret-sector":        &cfg.SecretSectorPath,
		"encrypted-title-keys": &cfg.EncryptedTitleKeys,
		"nand-titles-root":     &cfg.NANDTitlesRoot,
		"nand-data-root":       &cfg.NANDDataRoot,
	} {
		if *field == "" {
			if v := viper.GetString(flagName); v != "" {
				*field = v
			}
		}
	}
}

// Execute runs the CLI and returns its exit error, if any.
func Execute(version string) error {
	Version = version
	rootCmd.Version = version

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		if globalReporter != nil {
			globalReporter.Cancel()
			fmt.Fprintln(os.Stderr, "\ncancelling...")
		} else {
			os.Exit(1)
		}
	}()

	log.Init(os.Stderr, slog.LevelInfo)
	return rootCmd.Execute()
}
