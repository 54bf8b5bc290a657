// Command noema runs the reflective inference engine described by
// pkg/engine: a knowledge base, a forward-chaining rule engine, and a
// meta-rule-driven scheduler, optionally exposing a websocket
// broadcast surface and a Prometheus metrics endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"
)

// version is stamped at release time via -ldflags; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}
	meta := Meta{UI: ui}

	c := cli.NewCLI("noema", version)
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"run": func() (cli.Command, error) {
			return &RunCommand{Meta: meta}, nil
		},
		"snapshot": func() (cli.Command, error) {
			return &SnapshotCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{Meta: meta, Version: version}, nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitStatus
}
