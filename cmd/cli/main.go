// Package main is the entry point for the queryflow CLI binary.
package main

import (
	"os"

	cli "github.com/elbrit-dev/queryflow/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
