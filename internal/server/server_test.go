package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/tackle-dash/internal/device"
	"github.com/shaunagostinho/tackle-dash/internal/protocol"
)

type failOpener struct{ err error }

func (o failOpener) Describe() string { return "broken" }

func (o failOpener) Open(ctx context.Context) (device.Transport, error) { return nil, o.err }

func testPolls() []device.Poll {
	return []device.Poll{
		{Command: protocol.CmdAccel, Interval: 5 * time.Millisecond},
		{Command: protocol.CmdTackled, Interval: 10 * time.Millisecond},
	}
}

func newTestServer(t *testing.T, opener device.Opener) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Server.BroadcastHz = 50

	mgr := device.NewManager(opener, device.Options{Polls: testPolls()}, nil)
	t.Cleanup(func() { mgr.Close() })

	s := New(cfg, mgr, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	// Plain-text errors leave out nil.
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStateEndpoint(t *testing.T) {
	_, ts := newTestServer(t, device.NewDemoOpener())

	resp, err := http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st struct {
		State    string `json:"state"`
		Endpoint string `json:"endpoint"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "disconnected", st.State)
	assert.Equal(t, "demo", st.Endpoint)
}

func TestConnectLEDDisconnect(t *testing.T) {
	s, ts := newTestServer(t, &device.DemoOpener{Version: "demo-test", Seed: 3})

	resp, body := post(t, ts.URL+"/api/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "connected", body["state"])
	assert.Equal(t, device.StateConnected, s.mgr.State())

	// A second connect is a lifecycle violation.
	resp, _ = post(t, ts.URL+"/api/connect", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/api/led", `{"color":"#ff8000"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/api/led", `{"r":0,"g":255,"b":0}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/api/led", `{"r":300,"g":0,"b":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/api/led", `{"color":"orange"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Eventually(t, func() bool {
		return s.mgr.Telemetry().Len(device.ChannelX) > 0
	}, 2*time.Second, 5*time.Millisecond)

	tr, err := http.Get(ts.URL + "/api/telemetry")
	require.NoError(t, err)
	var tel TelemetryResponse
	require.NoError(t, json.NewDecoder(tr.Body).Decode(&tel))
	tr.Body.Close()
	assert.Equal(t, 100, tel.Capacity)
	assert.NotEmpty(t, tel.Series[device.ChannelX])

	resp, body = post(t, ts.URL+"/api/disconnect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "disconnected", body["state"])

	resp, _ = post(t, ts.URL+"/api/disconnect", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLEDRequiresConnection(t *testing.T) {
	_, ts := newTestServer(t, device.NewDemoOpener())

	resp, body := post(t, ts.URL+"/api/led", `{"r":1,"g":2,"b":3}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "not connected")

	resp, _ = post(t, ts.URL+"/api/led", `{"r":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectFailureIsBadGateway(t *testing.T) {
	s, ts := newTestServer(t, failOpener{err: errors.New("no such device")})

	resp, body := post(t, ts.URL+"/api/connect", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "no such device")
	assert.Equal(t, device.StateDisconnected, s.mgr.State())
}

func TestPortsEndpoint(t *testing.T) {
	s, ts := newTestServer(t, device.NewDemoOpener())
	s.listPorts = func() ([]string, error) { return []string{"/dev/ttyACM0", "/dev/ttyUSB1"}, nil }

	resp, err := http.Get(ts.URL + "/api/ports")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyUSB1"}, out["ports"])
}

func TestConfigEndpoint(t *testing.T) {
	s, ts := newTestServer(t, device.NewDemoOpener())

	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	var got map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "demo", got["device"]["type"])

	resp, err = http.Post(ts.URL+"/api/config", "application/json",
		bytes.NewBufferString(`{"device":{"portPath":"/dev/ttyUSB3"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/dev/ttyUSB3", s.cfg.Device.PortPath)
	assert.Equal(t, "demo", s.cfg.Device.Type)
	assert.FileExists(t, s.cfg.path)

	resp, err = http.Post(ts.URL+"/api/config", "application/json", bytes.NewBufferString(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigUpdateAppliesOnConnect(t *testing.T) {
	s, ts := newTestServer(t, device.NewDemoOpener())

	resp, body := post(t, ts.URL+"/api/config",
		`{"polling":{"commands":[{"command":"a","intervalMs":250}]},"telemetry":{"capacity":10}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, 10, s.mgr.Telemetry().Capacity())

	resp, _ = post(t, ts.URL+"/api/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	polls := s.mgr.Polls()
	require.Len(t, polls, 1)
	assert.Equal(t, "a", polls[0].Command)
	assert.Equal(t, 250*time.Millisecond, polls[0].Interval)
}

func TestConfigUpdateWhileConnectedIsPending(t *testing.T) {
	s, ts := newTestServer(t, device.NewDemoOpener())

	resp, _ := post(t, ts.URL+"/api/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, s.mgr.Polls(), 2)

	resp, body := post(t, ts.URL+"/api/config", `{"polling":{"commands":[{"command":"t","intervalMs":100}]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["applied"])
	assert.Len(t, s.mgr.Polls(), 2)

	resp, _ = post(t, ts.URL+"/api/disconnect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/api/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	polls := s.mgr.Polls()
	require.Len(t, polls, 1)
	assert.Equal(t, "t", polls[0].Command)
}

func TestConfigUpdateRejectsInvalidPolls(t *testing.T) {
	s, ts := newTestServer(t, device.NewDemoOpener())

	resp, _ := post(t, ts.URL+"/api/config", `{"polling":{"commands":[{"command":"a","intervalMs":0}]}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, s.cfg.Polling.Commands, 5)
	assert.NoFileExists(t, s.cfg.path)

	// The Manager keeps what it was built with.
	resp, _ = post(t, ts.URL+"/api/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, s.mgr.Polls(), 2)
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, device.NewDemoOpener())

	for _, path := range []string{"/api/connect", "/api/disconnect", "/api/led"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
}

type wireFrame struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Event *struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	} `json:"event"`
	Telemetry map[string][]json.RawMessage `json:"telemetry"`
}

func TestWebsocketStream(t *testing.T) {
	s, ts := newTestServer(t, &device.DemoOpener{Version: "demo-ws", Seed: 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() wireFrame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f wireFrame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	hello := read()
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, "disconnected", hello.State)

	require.NoError(t, s.mgr.Connect(context.Background()))

	var sawConnected, sawTelemetry bool
	var version string
	for i := 0; i < 500 && !(sawConnected && sawTelemetry && version != ""); i++ {
		f := read()
		switch f.Type {
		case "state":
			if f.State == "connected" {
				sawConnected = true
			}
		case "telemetry":
			if len(f.Telemetry["x"]) > 0 {
				sawTelemetry = true
			}
		case "event":
			require.NotNil(t, f.Event)
			if f.Event.Kind == "version" {
				var v protocol.Version
				require.NoError(t, json.Unmarshal(f.Event.Data, &v))
				version = v.Version
			}
		}
	}
	assert.True(t, sawConnected)
	assert.True(t, sawTelemetry)
	assert.Equal(t, "demo-ws", version)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&device.LifecycleError{Op: "connect", State: device.StateConnected}, http.StatusConflict},
		{device.ErrNotConnected, http.StatusConflict},
		{protocol.ErrInvalidColor, http.StatusBadRequest},
		{&device.ConnectError{Stage: device.StageOpen, Err: errors.New("busy")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}
