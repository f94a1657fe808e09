// Package main provides the entry point for the flowproxy CLI.
package main

import (
	"fmt"
	"os"

	"github.com/bitflow/flowproxy/cmd/flowproxy/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
