// Package main is the entry point of the evermem service binary.
package main

import (
	"os"

	"evermem.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
