package main

import "fmt"

// VersionCommand prints the build version.
type VersionCommand struct {
	Meta
	Version string
}

func (c *VersionCommand) Help() string {
	return "Usage: noema version\n\n  Print the noema build version."
}

func (c *VersionCommand) Synopsis() string {
	return "Print the noema version"
}

func (c *VersionCommand) Run(args []string) int {
	c.UI.Output(fmt.Sprintf("noema %s", c.Version))
	return 0
}
