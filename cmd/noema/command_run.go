package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/gitrdm/noema/pkg/config"
	"github.com/gitrdm/noema/pkg/engine"
	"github.com/gitrdm/noema/pkg/oracle"
)

// RunCommand starts a noema engine and blocks until it receives
// SIGINT/SIGTERM, serving /metrics, an admin snapshot endpoint, and,
// when broadcast is enabled, the broadcast websocket and its /healthz
// under /broadcast, on --port.
type RunCommand struct {
	Meta
}

func (c *RunCommand) Help() string {
	return strings.TrimSpace(`
Usage: noema run [options]

  Start the inference engine and serve its admin HTTP surface.

Options:

  -config=<path>          TOML config file (default: resolved per NOEMA_CONFIG,
                           ./noema.toml, ~/.config/noema/noema.toml)
  -port=<n>               Admin HTTP listener port (default: 8080)
  -kb-size=<n>            Override the knowledge base's max_size
  -rules=<file>           Load implies/equivalent rules from a term file
  -snapshot=<path>        Persistence file to restore from / save to on exit
  -oracle-url=<url>       Oracle HTTP endpoint
  -oracle-model=<name>    Model identifier forwarded to the oracle
  -broadcast-input        Enable the websocket surface to accept input lines
`)
}

func (c *RunCommand) Synopsis() string {
	return "Start the noema engine"
}

func (c *RunCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-config":         complete.PredictFiles("*.toml"),
		"-port":           complete.PredictAnything,
		"-kb-size":        complete.PredictAnything,
		"-rules":          complete.PredictFiles("*"),
		"-snapshot":       complete.PredictFiles("*"),
		"-oracle-url":     complete.PredictAnything,
		"-oracle-model":   complete.PredictAnything,
		"-broadcast-input": complete.PredictNothing,
	}
}

func (c *RunCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RunCommand) Run(args []string) int {
	var (
		configPath      string
		port            int
		kbSize          int
		rulesPath       string
		snapshotPath    string
		oracleURL       string
		oracleModel     string
		broadcastInput  bool
	)

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configPath, "config", "", "TOML config file")
	fs.IntVar(&port, "port", 8080, "admin HTTP listener port")
	fs.IntVar(&kbSize, "kb-size", 0, "override the knowledge base's max_size")
	fs.StringVar(&rulesPath, "rules", "", "load implies/equivalent rules from a term file")
	fs.StringVar(&snapshotPath, "snapshot", "", "persistence file to restore from / save to on exit")
	fs.StringVar(&oracleURL, "oracle-url", "", "oracle HTTP endpoint")
	fs.StringVar(&oracleModel, "oracle-model", "", "model identifier forwarded to the oracle")
	fs.BoolVar(&broadcastInput, "broadcast-input", false, "enable the websocket surface to accept input lines")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		c.UI.Error(fmt.Sprintf("noema: loading config: %s", err))
		return 1
	}
	if kbSize > 0 {
		cfg.KB.MaxSize = kbSize
	}
	if oracleURL != "" {
		cfg.Oracle.URL = oracleURL
	}
	if oracleModel != "" {
		cfg.Oracle.Model = oracleModel
	}
	if broadcastInput {
		cfg.Broadcast.Enabled = true
		cfg.Broadcast.AllowInput = true
	}
	if err := cfg.Validate(); err != nil {
		c.UI.Error(fmt.Sprintf("noema: invalid config: %s", err))
		return 1
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "noema", Output: os.Stderr, Level: hclog.Info})

	var oracleClient oracle.Client
	if cfg.Oracle.URL != "" {
		oracleClient = oracle.NewHTTPClient(oracle.Config{
			URL:        cfg.Oracle.URL,
			Model:      cfg.Oracle.Model,
			Timeout:    time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second,
			MaxRetries: cfg.Oracle.MaxRetries,
		}, log)
	}

	e, err := engine.New(engine.Options{
		Config:          cfg,
		Logger:          log,
		SnapshotPath:    snapshotPath,
		Oracle:          oracleClient,
		EnableBroadcast: cfg.Broadcast.Enabled,
		BroadcastInput:  cfg.Broadcast.AllowInput,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("noema: constructing engine: %s", err))
		return 1
	}

	if rulesPath != "" {
		n, err := e.LoadRulesFile(rulesPath)
		if err != nil {
			c.UI.Error(fmt.Sprintf("noema: loading rules: %s", err))
			return 1
		}
		log.Info("loaded rules file", "path", rulesPath, "rules", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		c.UI.Error(fmt.Sprintf("noema: starting engine: %s", err))
		return 1
	}

	router := mux.NewRouter()
	router.Handle("/metrics", e.MetricsHandler())
	router.HandleFunc("/admin/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := e.Snapshot(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if e.Broadcast != nil {
		router.PathPrefix("/broadcast").Handler(http.StripPrefix("/broadcast", e.Broadcast.Handler()))
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server failed", "error", err)
		}
	}()
	log.Info("noema running", "port", port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := e.Stop(); err != nil {
		c.UI.Error(fmt.Sprintf("noema: stopping engine: %s", err))
		return 1
	}
	return 0
}
