// Command ledger inspects and maintains a ledger data directory.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ledger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
