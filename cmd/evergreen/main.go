// Package main provides the entry point for the Evergreen CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/evergreen-ai/evergreen/cmd/evergreen/commands"
)

func main() {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
