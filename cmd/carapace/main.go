// Package main provides the Carapace CLI.
package main

import (
	"os"

	"github.com/carapace-sec/carapace/cmd/carapace/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
