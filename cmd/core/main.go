// Package main is the cartsync command-line client. It opens the local
// replica described by the config file and runs one operation against it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	cmd := newRootCommand(afero.NewOsFs())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
