// Command qstore runs and maintains a CRDT update store.
package main

import (
	"os"

	"github.com/roach88/qstore/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
