package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/events"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/parser"
	"github.com/gitrdm/noema/pkg/term"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *kb.KB, *events.Bus, *httptest.Server) {
	t.Helper()
	bus := events.New(hclog.NewNullLogger())
	store := kb.New(kb.Config{MaxSize: 1000}, hclog.NewNullLogger(), bus)
	s := New(store, bus, parser.New(), cfg, hclog.NewNullLogger())
	s.Start()
	httpSrv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		httpSrv.Close()
	})
	return s, store, bus, httpSrv
}

func dialWS(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHealthzReportsKBSize(t *testing.T) {
	_, store, _, httpSrv := newTestServer(t, Config{})
	store.Add(&kb.Item{Role: kb.RoleGoal, Content: term.NewSymbol("a"),
		Belief: confidence.New(1, 0), Importance: confidence.DefaultImportance})

	resp, err := http.Get(httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(1), body["kb_size"])
}

func TestBroadcastsAssertAddedOnCommit(t *testing.T) {
	_, store, _, httpSrv := newTestServer(t, Config{})
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	store.Add(&kb.Item{Role: kb.RoleGoal, Content: term.NewSymbol("tracked"),
		Belief: confidence.New(1, 0), Importance: confidence.DefaultImportance})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "assert-added "))
	require.Contains(t, string(data), "tracked")
}

func TestBroadcastsOracleResponse(t *testing.T) {
	_, _, bus, httpSrv := newTestServer(t, Config{})
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	bus.PublishOracleResponse("(add_thought STRATEGY a POSITIVE)")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "oracle-response "))
}

func TestInboundLineCommittedWhenInputAllowed(t *testing.T) {
	_, store, _, httpSrv := newTestServer(t, Config{AllowInput: true})
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("(task a)")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Size() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, store.Size())
}

func TestInboundLineIgnoredWhenInputDisabled(t *testing.T) {
	_, store, _, httpSrv := newTestServer(t, Config{AllowInput: false})
	conn := dialWS(t, httpSrv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("(task a)")))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 0, store.Size())
}
