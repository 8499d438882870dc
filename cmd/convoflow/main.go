// Package main is the entry point for the convoflow CLI.
package main

import (
	"os"

	"github.com/convoflow/convoflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
