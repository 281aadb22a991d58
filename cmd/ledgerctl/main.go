// Package main is the entry point for ledgerctl.
package main

import (
	"os"

	"github.com/igwedaniel/ledgerwatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
