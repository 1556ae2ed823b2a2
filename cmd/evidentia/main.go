// Package main provides the entry point for the evidentia CLI.
package main

import (
	"os"

	"github.com/evidentia-ai/evidentia/cmd/evidentia/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
