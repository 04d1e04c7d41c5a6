// Command graphstore_cli opens a graphstore data directory and inspects,
// checks, dumps, edits or backs up its number indexes.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
