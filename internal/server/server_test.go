package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symmetry/internal/metrics"
	"symmetry/internal/model"
	"symmetry/internal/router"
	"symmetry/internal/symbols"
)

const niftyKey = "NSE_INDEX|NIFTY 50"

type stubState struct {
	levels []model.ReferenceLevel
	err    error
}

func (s *stubState) Levels(context.Context) ([]model.ReferenceLevel, error) {
	return s.levels, s.err
}

func (s *stubState) Instruments(context.Context) (map[string]model.Instruments, error) {
	return map[string]model.Instruments{"NIFTY": {Index: niftyKey, LegA: "NSE_FO|CE", LegB: "NSE_FO|PE"}}, s.err
}

type stubBook struct{}

func (stubBook) Positions() []model.Position {
	return []model.Position{{ID: "t1", Index: "NIFTY", Status: model.StatusOpen}}
}

func (stubBook) Balance() float64 { return 1000 }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, state State) (*httptest.Server, *router.Router, *Hub) {
	t.Helper()
	mapper := symbols.NewMapper(
		symbols.Entry{Key: "NSE_INDEX|Nifty 50", Canonical: "NSE:NIFTY", Alias: "NIFTY", Index: true},
	)
	reg := prometheus.NewRegistry()
	r := router.New(testLogger(), mapper, nil, metrics.New(reg))
	hub := NewHub(testLogger(), r)
	r.AddSink(hub)

	srv := New(testLogger(), ":0", hub, state, stubBook{}, reg)
	ts := httptest.NewServer(srv.Routes(reg))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts, r, hub
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestHub_SubscribeAndBroadcast(t *testing.T) {
	ts, r, hub := setup(t, &stubState{})
	conn := dial(t, ts)

	var hello Reply
	readJSON(t, conn, &hello)
	assert.Equal(t, "connected", hello.Event)
	assert.NotEmpty(t, hello.ID)
	assert.Equal(t, 1, hub.Clients())

	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Instrument: "nifty"}))
	var ack Reply
	readJSON(t, conn, &ack)
	assert.Equal(t, "subscribed", ack.Event)
	assert.Equal(t, niftyKey, ack.Room)
	assert.Equal(t, "1", ack.Interval)
	assert.Equal(t, []string{niftyKey + "@1"}, r.Subscriptions())

	r.Emit(context.Background(), "chart_update", []string{niftyKey, "NSE:NIFTY"}, map[string]float64{"close": 25000})
	var env router.Envelope
	readJSON(t, conn, &env)
	assert.Equal(t, "chart_update", env.Event)
	assert.Equal(t, niftyKey, env.Room)
	assert.JSONEq(t, `{"close":25000}`, string(env.Data))

	r.Emit(context.Background(), "signal", []string{router.RoomAlerts}, map[string]string{"side": "BUY_LEG_A"})
	readJSON(t, conn, &env)
	assert.Equal(t, "signal", env.Event)
	assert.Equal(t, router.RoomAlerts, env.Room)
}

func TestHub_UnsubscribeAndDisconnect(t *testing.T) {
	ts, r, hub := setup(t, &stubState{})
	conn := dial(t, ts)
	var reply Reply
	readJSON(t, conn, &reply)

	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Instrument: "NIFTY", Interval: "5"}))
	readJSON(t, conn, &reply)
	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Instrument: "NSE_FO|CE"}))
	readJSON(t, conn, &reply)
	assert.Len(t, r.Subscriptions(), 2)

	require.NoError(t, conn.WriteJSON(Command{Action: ActionUnsubscribe, Instrument: "NIFTY", Interval: "5"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, "unsubscribed", reply.Event)
	assert.Equal(t, niftyKey, reply.Room)
	assert.Equal(t, []string{"NSE_FO|CE@1"}, r.Subscriptions())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return len(r.Subscriptions()) == 0 && hub.Clients() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func (h *Hub) members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func TestHub_AliasAndKeyShareOneRoom(t *testing.T) {
	ts, r, hub := setup(t, &stubState{})
	conn := dial(t, ts)
	var reply Reply
	readJSON(t, conn, &reply)

	for _, instrument := range []string{"NIFTY", "NSE_INDEX|Nifty 50"} {
		require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Instrument: instrument}))
		readJSON(t, conn, &reply)
		require.Equal(t, "subscribed", reply.Event)
		assert.Equal(t, niftyKey, reply.Room)
	}
	assert.Equal(t, []string{niftyKey + "@1"}, r.Subscriptions())
	assert.Equal(t, 1, hub.members(niftyKey))

	// leaving under the other name releases the room on both sides
	require.NoError(t, conn.WriteJSON(Command{Action: ActionUnsubscribe, Instrument: "NIFTY"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, "unsubscribed", reply.Event)
	assert.Equal(t, niftyKey, reply.Room)
	assert.Empty(t, r.Subscriptions())
	assert.Equal(t, 0, hub.members(niftyKey))

	r.Emit(context.Background(), "chart_update", []string{niftyKey}, map[string]float64{"close": 1})
	r.Emit(context.Background(), "signal", []string{router.RoomAlerts}, map[string]string{"side": "BUY_LEG_B"})
	var env router.Envelope
	readJSON(t, conn, &env)
	assert.Equal(t, "signal", env.Event)
}

func TestHub_UnsubscribeUnknownInstrument(t *testing.T) {
	ts, _, _ := setup(t, &stubState{})
	conn := dial(t, ts)
	var reply Reply
	readJSON(t, conn, &reply)

	require.NoError(t, conn.WriteJSON(Command{Action: ActionUnsubscribe, Instrument: "UNKNOWN"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, "error", reply.Event)
	assert.Contains(t, reply.Error, router.ErrUnresolved.Error())
}

func TestHub_RejectsBadCommands(t *testing.T) {
	ts, _, _ := setup(t, &stubState{})
	conn := dial(t, ts)
	var reply Reply
	readJSON(t, conn, &reply)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	readJSON(t, conn, &reply)
	assert.Equal(t, "error", reply.Event)
	assert.Equal(t, "invalid command", reply.Error)

	require.NoError(t, conn.WriteJSON(Command{Action: "replay", Instrument: "NIFTY"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, "error", reply.Event)
	assert.Contains(t, reply.Error, "replay")

	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Instrument: "UNKNOWN"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, "error", reply.Event)
	assert.Contains(t, reply.Error, router.ErrUnresolved.Error())
}

func TestServer_Endpoints(t *testing.T) {
	level := model.ReferenceLevel{Index: "NIFTY", Kind: model.LevelHigh, IndexPrice: 25000}
	ts, _, _ := setup(t, &stubState{levels: []model.ReferenceLevel{level}})

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := get("/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"healthy","clients":0}`, body)

	status, body = get("/api/levels")
	assert.Equal(t, http.StatusOK, status)
	var levels []model.ReferenceLevel
	require.NoError(t, json.Unmarshal([]byte(body), &levels))
	assert.Equal(t, []model.ReferenceLevel{level}, levels)

	status, body = get("/api/instruments")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "NSE_FO|CE")

	status, body = get("/api/positions")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"balance":1000`)

	status, body = get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "# HELP")
}

func TestServer_LevelsUnavailable(t *testing.T) {
	ts, _, _ := setup(t, &stubState{err: errors.New("engine stopped")})
	resp, err := http.Get(ts.URL + "/api/levels")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
