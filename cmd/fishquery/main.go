// Command fishquery is the entry point for the FishQuery regulations
// assistant. It provides a CLI interface (via Cobra) and an HTTP server
// exposing the streaming chat API.
package main

import (
	"fmt"
	"os"

	"github.com/fishquery/fishquery-go/cmd/fishquery/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
