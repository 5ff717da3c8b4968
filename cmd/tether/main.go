// Command tether operates a local offline-first sync store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tether/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
