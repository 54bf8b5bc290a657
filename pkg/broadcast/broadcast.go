// Package broadcast implements the optional §6 broadcast surface: a
// line protocol carrying assert-added, assert-input, retract, evict,
// and oracle-response records, served over a websocket endpoint behind
// a small mux.Router that also exposes /healthz.
package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/events"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/parser"
	"github.com/gitrdm/noema/pkg/term"
)

// Config tunes the broadcast surface.
type Config struct {
	// AllowInput enables the CLI's --broadcast-input behavior: text
	// frames received over the websocket are parsed and committed as
	// external NOTE items. When false the surface is push-only.
	AllowInput bool
}

// Server fans out KB activity to connected websocket clients and,
// when configured, accepts assert-input lines back from them.
type Server struct {
	kb     *kb.KB
	bus    *events.Bus
	parser *parser.Parser
	cfg    Config
	log    hclog.Logger

	router   *mux.Router
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	unsub     []func()
	startedAt time.Time
}

// New constructs a Server. p may be nil only if cfg.AllowInput is
// false; a nil parser with input enabled would have nothing to parse
// inbound lines with.
func New(store *kb.KB, bus *events.Bus, p *parser.Parser, cfg Config, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Server{
		kb:        store,
		bus:       bus,
		parser:    p,
		cfg:       cfg,
		log:       log.Named("broadcast"),
		conns:     map[*websocket.Conn]struct{}{},
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/ws", s.handleWS)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return s
}

// Handler returns the http.Handler serving /ws and /healthz, for the
// caller (cmd/noema) to mount on its own listener.
func (s *Server) Handler() http.Handler { return s.router }

// Start subscribes to the event bus so every commit/removal/oracle
// response is fanned out as a broadcast line.
func (s *Server) Start() {
	s.unsub = append(s.unsub,
		s.bus.Subscribe(events.KindAdded, func(ev events.Event) {
			s.broadcastItem("assert-added", ev.Item)
		}),
		s.bus.Subscribe(events.KindExternalInput, func(ev events.Event) {
			s.broadcastItem("assert-input", ev.Item)
		}),
		s.bus.Subscribe(events.KindRetracted, func(ev events.Event) {
			s.broadcastItem("retract", ev.Item)
		}),
		s.bus.Subscribe(events.KindEvicted, func(ev events.Event) {
			s.broadcastItem("evict", ev.Item)
		}),
		s.bus.Subscribe(events.KindOracleResponse, func(ev events.Event) {
			s.broadcastLine("oracle-response", 0, "-", ev.OracleResponse)
		}),
	)
}

// Stop unsubscribes from the bus and closes every open connection.
func (s *Server) Stop() {
	for _, fn := range s.unsub {
		fn()
	}
	s.unsub = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}

func (s *Server) broadcastItem(kind string, it *kb.Item) {
	if it == nil {
		return
	}
	priority := confidence.Weight(it.Belief, it.Importance)
	s.broadcastLine(kind, priority, it.ID, it.Content.String())
}

func (s *Server) broadcastLine(kind string, priority float64, id, payload string) {
	line := fmt.Sprintf("%s %g [%s] %s", kind, priority, id, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if err := c.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			s.log.Debug("dropping broadcast connection", "error", err)
			c.Close()
			delete(s.conns, c)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.cfg.AllowInput {
			s.commitExternalInput(strings.TrimSpace(string(data)))
		}
	}
}

// commitExternalInput implements the CLI's --broadcast-input path:
// the received line is parsed the way any surface-syntax input is
// (falling back to a Symbol-wrapped note on a parse failure, per §6),
// committed as a NOTE item, and published as ExternalInput so every
// listener — not just the broadcast surface itself — sees its origin.
func (s *Server) commitExternalInput(line string) {
	if line == "" {
		return
	}
	var content term.Term
	if s.parser != nil {
		if t, err := s.parser.ParseTerm(line); err == nil {
			content = t
		}
	}
	if content == nil {
		content = term.NewSymbol(line)
	}

	it, added := s.kb.Add(&kb.Item{
		Role:       kb.RoleNote,
		Content:    content,
		Belief:     confidence.Zero,
		Importance: confidence.DefaultImportance,
		Metadata:   map[string]interface{}{kb.MetaProvenance: []string{"EXTERNAL"}},
	})
	if added {
		s.bus.PublishExternalInput(it)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	connections := len(s.conns)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"connections":    connections,
		"kb_size":        s.kb.Size(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}
