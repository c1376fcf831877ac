// Package main is the entry point for the auto-claude driver.
package main

import (
	"os"

	"github.com/autoclaude/autoclaude/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
