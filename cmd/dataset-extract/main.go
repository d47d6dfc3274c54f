// Command dataset-extract pulls dataset metadata from research data
// repositories, stores it as record sets and hands each set to the
// transform/load stage.
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
