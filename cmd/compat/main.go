// Command compat verifies released context binaries against frozen
// fixture contracts.
package main

import (
	"os"

	"github.com/roach88/context-compat/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
