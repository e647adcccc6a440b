package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/wearlink-core/internal/device"
	"github.com/nerrad567/wearlink-core/internal/events"
	"github.com/nerrad567/wearlink-core/internal/history"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/config"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/wearlink-core/internal/process"
)

// testSecret meets the 32-character minimum enforced by config validation.
const testSecret = "test-secret-key-at-least-32-characters-long"

// mockRegistry is a scriptable Registry.
type mockRegistry struct {
	mu sync.Mutex

	initResult device.InitResult
	initErr    error
	sessions   []device.Session
	shutdowns  int
	stores     int

	devices []events.DeviceView
	reloads []bool
	listErr error

	openSent bool
	openErr  error
	opened   []uint64

	sendResult device.SendResult
	sendErr    error
	sends      []sentMessage
}

type sentMessage struct {
	id   uint64
	typ  string
	json string
}

func (m *mockRegistry) Initialize(_ context.Context, s device.Session) (device.InitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	if err := s.Validate(); err != nil {
		return device.InitResult{}, err
	}
	return m.initResult, m.initErr
}

func (m *mockRegistry) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	return nil
}

func (m *mockRegistry) OpenStore(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	return nil
}

func (m *mockRegistry) GetDevices(_ context.Context, forceReload bool) ([]events.DeviceView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads = append(m.reloads, forceReload)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]events.DeviceView{}, m.devices...), nil
}

func (m *mockRegistry) GetDevice(_ context.Context, id uint64) (events.DeviceView, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ID == id {
			return d, true, nil
		}
	}
	return events.DeviceView{}, false, nil
}

func (m *mockRegistry) OpenApplication(_ context.Context, id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, id)
	return m.openSent, m.openErr
}

func (m *mockRegistry) SendToDevice(_ context.Context, id uint64, messageType, json string) (device.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, sentMessage{id: id, typ: messageType, json: json})
	return m.sendResult, m.sendErr
}

func (m *mockRegistry) lastSend() (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sends) == 0 {
		return sentMessage{}, false
	}
	return m.sends[len(m.sends)-1], true
}

// mockHistory serves canned entries.
type mockHistory struct {
	entries []history.Entry
	err     error
	limits  []int
}

func (m *mockHistory) GetHistory(_ context.Context, deviceID uint64, limit int) ([]history.Entry, error) {
	m.limits = append(m.limits, limit)
	if m.err != nil {
		return nil, m.err
	}
	var out []history.Entry
	for _, e := range m.entries {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testDeps(reg Registry) Deps {
	return Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   testLogger(),
		Registry: reg,
		Session:  device.Session{Mode: device.ModeLive, Variant: device.VariantRelease},
		Version:  "test",
	}
}

// testServer creates a Server around a mock registry.
func testServer(t *testing.T) (*Server, *mockRegistry) {
	t.Helper()

	reg := &mockRegistry{}
	srv, err := New(testDeps(reg))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, reg
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

// decodeInto is decodeBody for polling loops: it reports failure instead of
// failing the test.
func decodeInto(w *httptest.ResponseRecorder, v any) bool {
	return json.Unmarshal(w.Body.Bytes(), v) == nil
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{Registry: &mockRegistry{}}); err == nil {
		t.Error("New() without logger: expected error")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without registry: expected error")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	decodeBody(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

// fakeSimulator reports fixed process stats.
type fakeSimulator struct {
	stats process.Stats
}

func (f fakeSimulator) Stats() process.Stats { return f.stats }

func TestHealth_SimulatorStats(t *testing.T) {
	deps := testDeps(&mockRegistry{})
	deps.Simulator = fakeSimulator{stats: process.Stats{
		Name:          process.SimulatorName,
		State:         process.StateRunning,
		PID:           4242,
		UptimeSeconds: 90,
		Restarts:      2,
		LastError:     "exit status 3",
	}}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Status    string         `json:"status"`
		Simulator *process.Stats `json:"simulator"`
	}
	decodeBody(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Simulator == nil {
		t.Fatal("simulator missing from health response")
	}
	if *resp.Simulator != deps.Simulator.Stats() {
		t.Errorf("simulator = %+v, want %+v", *resp.Simulator, deps.Simulator.Stats())
	}
}

func TestHealth_NoSimulator(t *testing.T) {
	srv, _ := testServer(t)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/health", "")
	var resp map[string]any
	decodeBody(t, w, &resp)
	if _, ok := resp["simulator"]; ok {
		t.Errorf("simulator = %v, want absent when not supervised", resp["simulator"])
	}
}

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	w := doRequest(t, h, http.MethodGet, "/api/v1/health", "")
	if got := w.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("generated X-Request-ID = %q, want a uuid", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "caller-id" {
		t.Errorf("echoed X-Request-ID = %q, want caller-id", got)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://ui.local"}
	h := srv.Handler()

	tests := []struct {
		origin string
		want   string
	}{
		{"http://ui.local", "http://ui.local"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

// ─── Session Endpoint Tests ────────────────────────────────────────

func TestInitialize(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantSession device.Session
	}{
		{
			name:        "explicit session",
			body:        `{"mode":"simulator","variant":"debug"}`,
			wantStatus:  http.StatusOK,
			wantSession: device.Session{Mode: device.ModeSimulator, Variant: device.VariantDebug},
		},
		{
			name:        "empty body uses defaults",
			body:        "",
			wantStatus:  http.StatusOK,
			wantSession: device.Session{Mode: device.ModeLive, Variant: device.VariantRelease},
		},
		{
			name:        "partial body fills variant",
			body:        `{"mode":"simulator"}`,
			wantStatus:  http.StatusOK,
			wantSession: device.Session{Mode: device.ModeSimulator, Variant: device.VariantRelease},
		},
		{
			name:        "unknown mode",
			body:        `{"mode":"carrier-pigeon"}`,
			wantStatus:  http.StatusBadRequest,
			wantSession: device.Session{Mode: "carrier-pigeon", Variant: device.VariantRelease},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reg := testServer(t)
			reg.initResult = device.InitResult{Success: true}

			w := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/session", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if len(reg.sessions) != 1 || reg.sessions[0] != tt.wantSession {
				t.Errorf("sessions = %+v, want [%+v]", reg.sessions, tt.wantSession)
			}
		})
	}
}

func TestInitialize_ReportsFailureInBody(t *testing.T) {
	srv, reg := testServer(t)
	reg.initResult = device.InitResult{Simulator: true, Message: "adb not found"}

	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/session", `{"mode":"simulator"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var res device.InitResult
	decodeBody(t, w, &res)
	if res.Success || !res.Simulator || res.Message != "adb not found" {
		t.Errorf("result = %+v", res)
	}
}

func TestInitialize_InvalidJSON(t *testing.T) {
	srv, _ := testServer(t)
	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/session", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestShutdownAndStore(t *testing.T) {
	srv, reg := testServer(t)
	h := srv.Handler()

	for range 2 {
		if w := doRequest(t, h, http.MethodDelete, "/api/v1/session", ""); w.Code != http.StatusOK {
			t.Fatalf("DELETE /session status = %d", w.Code)
		}
	}
	if reg.shutdowns != 2 {
		t.Errorf("shutdowns = %d, want 2", reg.shutdowns)
	}

	w := doRequest(t, h, http.MethodPost, "/api/v1/store", "")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /store status = %d", w.Code)
	}
	if reg.stores != 1 {
		t.Errorf("stores = %d, want 1", reg.stores)
	}
}

func TestRegistryErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{device.ErrStopped, http.StatusServiceUnavailable},
		{device.ErrNotStarted, http.StatusServiceUnavailable},
		{fmt.Errorf("waiting: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv, reg := testServer(t)
			reg.listErr = tt.err
			w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/devices", "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// ─── Device Endpoint Tests ─────────────────────────────────────────

func TestListDevices(t *testing.T) {
	srv, reg := testServer(t)
	reg.devices = []events.DeviceView{
		{ID: 1, Name: "Watch", State: "Ready"},
		{ID: 2, Name: "Band", State: "NotConnected"},
	}
	h := srv.Handler()

	w := doRequest(t, h, http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Devices []events.DeviceView `json:"devices"`
		Count   int                 `json:"count"`
	}
	decodeBody(t, w, &resp)
	if resp.Count != 2 || len(resp.Devices) != 2 {
		t.Fatalf("response = %+v, want 2 devices", resp)
	}

	doRequest(t, h, http.MethodGet, "/api/v1/devices?reload=true", "")
	if want := []bool{false, true}; len(reg.reloads) != 2 || reg.reloads[1] != want[1] || reg.reloads[0] != want[0] {
		t.Errorf("reloads = %v, want %v", reg.reloads, want)
	}

	if w := doRequest(t, h, http.MethodGet, "/api/v1/devices?reload=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad reload status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestListDevices_EmptyIsArray(t *testing.T) {
	srv, _ := testServer(t)
	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/devices", "")
	if !strings.Contains(w.Body.String(), `"devices":[]`) {
		t.Errorf("body = %s, want an empty devices array", w.Body.String())
	}
}

func TestGetDevice(t *testing.T) {
	srv, reg := testServer(t)
	version := 7
	reg.devices = []events.DeviceView{{ID: 18446744073709551615, Name: "Watch", State: "Ready", Version: &version}}
	h := srv.Handler()

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/devices/18446744073709551615", http.StatusOK},
		{"/api/v1/devices/5", http.StatusNotFound},
		{"/api/v1/devices/-1", http.StatusBadRequest},
		{"/api/v1/devices/watch", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := doRequest(t, h, http.MethodGet, tt.path, "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	w := doRequest(t, h, http.MethodGet, "/api/v1/devices/18446744073709551615", "")
	if !strings.Contains(w.Body.String(), `"id":18446744073709551615`) {
		t.Errorf("body = %s, want the full uint64 id", w.Body.String())
	}
}

func TestOpenApplication(t *testing.T) {
	srv, reg := testServer(t)
	reg.openSent = true
	h := srv.Handler()

	w := doRequest(t, h, http.MethodPost, "/api/v1/devices/3/open", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]bool
	decodeBody(t, w, &resp)
	if !resp["request_sent"] {
		t.Errorf("request_sent = false, want true")
	}
	if len(reg.opened) != 1 || reg.opened[0] != 3 {
		t.Errorf("opened = %v, want [3]", reg.opened)
	}

	reg.openErr = fmt.Errorf("%w: 9", device.ErrDeviceNotFound)
	if w := doRequest(t, h, http.MethodPost, "/api/v1/devices/9/open", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSendMessage(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		result      device.SendResult
		wantStatus  int
		wantSuccess bool
		wantJSON    string
	}{
		{
			name:        "delivered",
			body:        `{"type":"ping","data":{"id":12345678901234567890}}`,
			result:      device.SendResult{Code: device.SendSuccess, Elements: 3},
			wantStatus:  http.StatusOK,
			wantSuccess: true,
			wantJSON:    `{"id":12345678901234567890}`,
		},
		{
			name:        "device fault is a result",
			body:        `{"type":"ping","data":[1,2]}`,
			result:      device.SendResult{Code: device.SendInvalidState},
			wantStatus:  http.StatusOK,
			wantSuccess: false,
			wantJSON:    `[1,2]`,
		},
		{
			name:        "no data",
			body:        `{"type":"ping"}`,
			result:      device.SendResult{Code: device.SendSuccess, Elements: 1},
			wantStatus:  http.StatusOK,
			wantSuccess: true,
			wantJSON:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reg := testServer(t)
			reg.sendResult = tt.result

			w := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/devices/1/messages", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp sendResponse
			decodeBody(t, w, &resp)
			if resp.Success != tt.wantSuccess {
				t.Errorf("success = %v, want %v", resp.Success, tt.wantSuccess)
			}
			if resp.Result.Code != tt.result.Code {
				t.Errorf("result = %q, want %q", resp.Result.Code, tt.result.Code)
			}

			sent, ok := reg.lastSend()
			if !ok {
				t.Fatal("SendToDevice not called")
			}
			if sent.id != 1 || sent.typ != "ping" || sent.json != tt.wantJSON {
				t.Errorf("sent = %+v, want id 1 type ping json %q", sent, tt.wantJSON)
			}
		})
	}
}

func TestSendMessage_InvalidBody(t *testing.T) {
	srv, reg := testServer(t)
	w := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/devices/1/messages", `{"type":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if _, ok := reg.lastSend(); ok {
		t.Error("SendToDevice called for an invalid body")
	}
}

// ─── History Endpoint Tests ────────────────────────────────────────

func TestDeviceHistory(t *testing.T) {
	reg := &mockRegistry{}
	hist := &mockHistory{entries: []history.Entry{
		{ID: 2, DeviceID: 1, Type: "RECEIVE", State: "Ready", CreatedAt: time.Now()},
		{ID: 1, DeviceID: 1, Type: "DEVICE", State: "Ready", CreatedAt: time.Now()},
		{ID: 3, DeviceID: 2, Type: "DEVICE", State: "NotPaired", CreatedAt: time.Now()},
	}}
	deps := testDeps(reg)
	deps.History = hist
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h := srv.Handler()

	w := doRequest(t, h, http.MethodGet, "/api/v1/devices/1/history?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		DeviceID uint64          `json:"device_id"`
		Entries  []history.Entry `json:"entries"`
		Count    int             `json:"count"`
	}
	decodeBody(t, w, &resp)
	if resp.DeviceID != 1 || resp.Count != 2 {
		t.Errorf("response = %+v, want 2 entries for device 1", resp)
	}
	if len(hist.limits) != 1 || hist.limits[0] != 10 {
		t.Errorf("limits = %v, want [10]", hist.limits)
	}

	if w := doRequest(t, h, http.MethodGet, "/api/v1/devices/1/history?limit=-2", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	hist.err = errors.New("disk gone")
	if w := doRequest(t, h, http.MethodGet, "/api/v1/devices/1/history", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("failing journal status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestDeviceHistory_Disabled(t *testing.T) {
	srv, _ := testServer(t)
	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/devices/1/history", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ─── Auth Tests ────────────────────────────────────────────────────

func authServer(t *testing.T, issuer string) *Server {
	t.Helper()
	deps := testDeps(&mockRegistry{})
	deps.Security = config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, Issuer: issuer}}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv
}

func TestAuthMiddleware(t *testing.T) {
	srv := authServer(t, "wearlink")
	h := srv.Handler()

	valid, err := IssueToken(testSecret, "wearlink", "cli", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	wrongIssuer, _ := IssueToken(testSecret, "someone-else", "cli", time.Minute)
	wrongSecret, _ := IssueToken("another-secret-that-is-32-characters", "wearlink", "cli", time.Minute)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic " + valid, http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + wrongIssuer, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, http.StatusUnauthorized},
		{"garbage", "Bearer not.a.token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// Health stays open.
	if w := doRequest(t, h, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status with auth = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestIssueToken_RequiresSecret(t *testing.T) {
	if _, err := IssueToken("", "", "cli", time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("IssueToken() error = %v, want ErrMissingSecret", err)
	}
}

func TestTicketStore(t *testing.T) {
	ts := newTicketStore()
	now := time.Now()
	ts.now = func() time.Time { return now }

	ticket := ts.issue()
	if !ts.redeem(ticket) {
		t.Fatal("redeem() fresh ticket = false")
	}
	if ts.redeem(ticket) {
		t.Error("redeem() reused ticket = true, want single use")
	}

	expired := ts.issue()
	now = now.Add(ticketTTL + time.Second)
	ts.clean()
	if ts.redeem(expired) {
		t.Error("redeem() expired ticket = true")
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestStartClose(t *testing.T) {
	srv, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start: expected error")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start(): expected error")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live health status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestClose_NotStarted(t *testing.T) {
	srv, _ := testServer(t)
	if err := srv.Close(); err != nil {
		t.Errorf("Close() on unstarted server = %v", err)
	}
}
