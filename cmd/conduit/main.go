// Package main provides the entry point for the conduit CLI.
package main

import (
	"fmt"
	"os"

	"github.com/conduit-ai/conduit/cmd/conduit/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
