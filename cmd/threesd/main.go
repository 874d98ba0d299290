// threesd migrates a Nintendo 3DS SD-card installation into a tree an
// emulator can consume directly, decrypting titles, savegames, and
// extdata along the way and optionally rebuilding individual titles as
// standalone importable archives.
package main

import (
	"fmt"
	"os"

	"github.com/threesd-go/threesd/internal/cli"
)

// version is the application version reported by --version.
const version = "v0.1"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "threesd: %v\n", err)
		os.Exit(1)
	}
}
