// Package main implements a small smoke-test CLI for the durable
// streams client: create, append to, and tail a stream from a
// terminal without writing a Go program.
package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"

	"github.com/dstreams/client-go/cmd/durable-streams-cli/cmd"
)

func main() {
	log.SetHandler(cli.Default)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
