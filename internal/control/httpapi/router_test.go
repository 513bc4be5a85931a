package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mcdaq/internal/control"
	"mcdaq/internal/dlog"
	"mcdaq/internal/mc3e"
	"mcdaq/internal/oraclestore"
	"mcdaq/internal/plcpool"
	"mcdaq/internal/polling"
	"mcdaq/internal/ringbuf"
)

type fakeReader struct{}

func (fakeReader) ReadBatch(plc string, addrs []mc3e.Address) (map[mc3e.Address]polling.Value, []polling.RunFailure, error) {
	out := make(map[mc3e.Address]polling.Value, len(addrs))
	for i, a := range addrs {
		out[a] = polling.Value{Word: uint16(i)}
	}
	return out, nil, nil
}

type fakeBitWriter struct{}

func (fakeBitWriter) WriteBit(string, mc3e.Address, bool) error { return nil }

type noopPool struct{}

func (noopPool) Acquire(context.Context) (oraclestore.Session, error) {
	return nil, errors.New("remote store not reachable in this test")
}
func (noopPool) Close() {}

func newTestServer(t *testing.T, apiKeyHash string) (*httptest.Server, *control.Surface, *Hub) {
	t.Helper()

	queue := polling.NewQueue(100)
	buffer := ringbuf.New[polling.Sample](1000)
	engine := polling.NewEngine(fakeReader{}, fakeBitWriter{}, queue, nil, buffer)
	require.NoError(t, engine.LoadGroups([]polling.GroupConfig{
		{Name: "G1", PLCCode: "PLC1", Mode: polling.ModeFixed, Interval: 100 * time.Millisecond, Enabled: true,
			Tags: []polling.Tag{{PLCCode: "PLC1", Address: mc3e.Address{Device: "D", Offset: 100}, Kind: polling.KindWordHost}}},
	}))

	poolMgr := plcpool.NewManager(nil)
	writer := oraclestore.New(noopPool{}, buffer, nil, oraclestore.Config{WriteInterval: time.Hour})
	surface := control.NewSurface(engine, poolMgr, writer, buffer, dlog.NewFailureLog(t.TempDir()))

	hub := NewHub(surface)
	go hub.Run()
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(NewRouter(surface, hub, apiKeyHash))
	t.Cleanup(srv.Close)
	return srv, surface, hub
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/groups/G1/start", nil))

	var status groupResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/groups/G1", &status))
	assert.Equal(t, "Running", status.State)

	// starting twice is a client error, not a silent success
	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/groups/G1/start", nil))

	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/groups/G1/stop", nil))
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/groups/G1", &status))
	assert.Equal(t, "Idle", status.State)
}

func TestUnknownGroupIs400(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/groups/NOPE/start", nil))
}

func TestStatusAllAndBufferStats(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	var groups []groupResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/groups/", &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "G1", groups[0].Name)

	var stats control.BufferStats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/buffer", &stats))
	assert.Equal(t, 1000, stats.Capacity)
}

func TestSystemStartStop(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/system/start", nil))

	var sys systemResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/system/", &sys))
	assert.True(t, sys.Running)

	var stop systemStopResponse
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/system/stop", &stop))
	assert.True(t, stop.OK)
}

func TestAPIKeyGate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	srv, _, _ := newTestServer(t, string(hash))

	resp, err := http.Get(srv.URL + "/buffer")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/buffer", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/buffer", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsWebsocketPushesSnapshots(t *testing.T) {
	srv, _, hub := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap statusSnapshot
	require.NoError(t, conn.ReadJSON(&snap))
	require.Len(t, snap.Groups, 1)
	assert.Equal(t, "G1", snap.Groups[0].Name)
}

func TestReapFailuresValidatesDays(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/failures/reap?days=0", nil))

	var out reapResponse
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/failures/reap?days=30", &out))
	assert.Equal(t, 0, out.Removed)
}
