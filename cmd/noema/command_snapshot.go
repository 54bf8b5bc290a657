package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/posener/complete"
)

// SnapshotCommand forces a running engine to save an immediate
// snapshot by POSTing to its admin endpoint, per §4.10's "a CLI
// subcommand can force one without stopping the engine."
type SnapshotCommand struct {
	Meta
}

func (c *SnapshotCommand) Help() string {
	return strings.TrimSpace(`
Usage: noema snapshot [options]

  Ask a running "noema run" process to save an immediate snapshot.

Options:

  -addr=<host:port>   Address of the running engine's admin listener
                       (default: localhost:8080)
`)
}

func (c *SnapshotCommand) Synopsis() string {
	return "Force a running engine to save a snapshot"
}

func (c *SnapshotCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{"-addr": complete.PredictAnything}
}

func (c *SnapshotCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *SnapshotCommand) Run(args []string) int {
	var addr string
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&addr, "addr", "localhost:8080", "address of the running engine's admin listener")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	resp, err := rc.Post(fmt.Sprintf("http://%s/admin/snapshot", addr), "application/octet-stream", nil)
	if err != nil {
		c.UI.Error(fmt.Sprintf("noema: requesting snapshot: %s", err))
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.UI.Error(fmt.Sprintf("noema: snapshot request failed: %s: %s", resp.Status, string(body)))
		return 1
	}

	c.UI.Output("snapshot saved")
	return 0
}
