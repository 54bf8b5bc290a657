package main

import "github.com/hashicorp/cli"

// Meta holds the dependencies every subcommand needs, mirroring the
// embedding convention command authors reach for when every command
// shares a UI and nothing else.
type Meta struct {
	UI cli.Ui
}
