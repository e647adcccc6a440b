package tethered

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// =============================================================================
// Fake simulator
// =============================================================================

type simServer struct {
	t  *testing.T
	ts *httptest.Server

	peers  []peerFrame
	status map[uint64]string
	apps   map[uint64]frame

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	seen    []string
}

func newSimServer(t *testing.T) *simServer {
	t.Helper()
	s := &simServer{
		t:      t,
		peers:  []peerFrame{{ID: 1, Name: "Sim Watch"}, {ID: 2, Name: "Sim Band"}},
		status: map[uint64]string{1: "CONNECTED", 2: "NOT_PAIRED"},
		apps:   map[uint64]frame{1: {App: "app-1", Version: 3, Found: true}},
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.serve(conn)
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *simServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *simServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := decodeFrame(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.seen = append(s.seen, req.Op)
		s.mu.Unlock()

		switch req.Op {
		case opHello:
			s.push(frame{Op: opReady})
		case opDevices:
			s.push(frame{Op: opResult, ID: req.ID, Peers: s.peers})
		case opStatus:
			status, ok := s.status[req.Peer]
			if !ok {
				s.push(frame{Op: opResult, ID: req.ID, Error: codeInvalidState})
				continue
			}
			s.push(frame{Op: opResult, ID: req.ID, Status: status})
		case opSubscribe, opStore:
			s.push(frame{Op: opResult, ID: req.ID})
		case opAppInfo:
			app, ok := s.apps[req.Peer]
			if !ok || app.App != req.App {
				s.push(frame{Op: opResult, ID: req.ID, App: req.App})
				continue
			}
			s.push(frame{Op: opResult, ID: req.ID, App: app.App, Version: app.Version, Found: true})
		case opSend:
			s.push(frame{Op: opSent, ID: req.ID, Status: string(transport.MessageSuccess)})
		case opOpenApp:
			s.push(frame{Op: opOpened, ID: req.ID, Status: string(transport.OpenAppAlreadyRunning)})
		}
	}
}

func (s *simServer) push(f frame) {
	data, err := encodeFrame(f)
	if err != nil {
		s.t.Errorf("encodeFrame() error = %v", err)
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.WriteMessage(websocket.BinaryMessage, data) //nolint:errcheck
}

func (s *simServer) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close()
}

func (s *simServer) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

// listener records SDK lifecycle callbacks.
type listener struct {
	ready    chan struct{}
	initErr  chan error
	shutdown chan struct{}
}

func newListener() *listener {
	return &listener{
		ready:    make(chan struct{}, 1),
		initErr:  make(chan error, 1),
		shutdown: make(chan struct{}, 1),
	}
}

func (l *listener) SDKReady()              { l.ready <- struct{}{} }
func (l *listener) SDKInitError(err error) { l.initErr <- err }
func (l *listener) SDKShutdown()           { l.shutdown <- struct{}{} }

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func connect(t *testing.T, s *simServer) (*Transport, *listener) {
	t.Helper()
	tr := New(Config{URL: s.url(), RequestTimeout: time.Second})
	l := newListener()
	if err := tr.Initialize(l); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { tr.Shutdown() }) //nolint:errcheck
	wait(t, l.ready, "SDKReady")
	return tr, l
}

// =============================================================================
// Tests
// =============================================================================

func TestNewDefaults(t *testing.T) {
	tr := New(Config{})
	if tr.cfg.URL != DefaultURL {
		t.Errorf("URL = %q, want %q", tr.cfg.URL, DefaultURL)
	}
	if tr.cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want %v", tr.cfg.RequestTimeout, DefaultRequestTimeout)
	}
}

func TestInitializeBadScheme(t *testing.T) {
	tr := New(Config{URL: "http://127.0.0.1:7381"})
	if err := tr.Initialize(newListener()); err == nil {
		t.Error("Initialize() with http scheme should fail")
	}
}

func TestInitializeUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	tr := New(Config{URL: url, DialTimeout: time.Second})
	err := tr.Initialize(newListener())
	if !errors.Is(err, transport.ErrServiceUnavailable) {
		t.Errorf("Initialize() error = %v, want %v", err, transport.ErrServiceUnavailable)
	}
}

func TestKnownDevicesAndStatus(t *testing.T) {
	s := newSimServer(t)
	tr, _ := connect(t, s)

	peers, err := tr.KnownDevices()
	if err != nil {
		t.Fatalf("KnownDevices() error = %v", err)
	}
	if len(peers) != 2 || peers[0].ID != 1 || peers[0].Name != "Sim Watch" {
		t.Fatalf("KnownDevices() = %+v", peers)
	}

	tests := []struct {
		peer uint64
		want transport.PeerStatus
	}{
		{1, transport.PeerConnected},
		{2, transport.PeerNotPaired},
	}
	for _, tt := range tests {
		got, err := tr.DeviceStatus(transport.Peer{ID: tt.peer})
		if err != nil {
			t.Errorf("DeviceStatus(%d) error = %v", tt.peer, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DeviceStatus(%d) = %q, want %q", tt.peer, got, tt.want)
		}
	}
}

func TestRemoteErrorIsTransportFault(t *testing.T) {
	s := newSimServer(t)
	tr, _ := connect(t, s)

	_, err := tr.DeviceStatus(transport.Peer{ID: 99})
	if !errors.Is(err, transport.ErrInvalidState) {
		t.Errorf("DeviceStatus() error = %v, want %v", err, transport.ErrInvalidState)
	}
}

func TestApplicationInfo(t *testing.T) {
	s := newSimServer(t)
	tr, _ := connect(t, s)

	type info struct {
		app   transport.App
		found bool
	}
	got := make(chan info, 2)
	fn := func(app transport.App, found bool) { got <- info{app, found} }

	if err := tr.ApplicationInfo(transport.Peer{ID: 1}, "app-1", fn); err != nil {
		t.Fatalf("ApplicationInfo() error = %v", err)
	}
	res := wait(t, got, "app info")
	if !res.found || res.app.ID != "app-1" || res.app.Version != 3 {
		t.Errorf("ApplicationInfo() = %+v", res)
	}

	if err := tr.ApplicationInfo(transport.Peer{ID: 2}, "app-1", fn); err != nil {
		t.Fatalf("ApplicationInfo() error = %v", err)
	}
	if res := wait(t, got, "app info"); res.found {
		t.Errorf("ApplicationInfo() on peer 2 found = true, want false")
	}
}

func TestSendAndOpen(t *testing.T) {
	s := newSimServer(t)
	tr, _ := connect(t, s)
	peer := transport.Peer{ID: 1}
	app := transport.App{ID: "app-1"}

	sent := make(chan transport.MessageStatus, 1)
	if err := tr.SendMessage(peer, app, []string{"cmd", "a=1"}, func(s transport.MessageStatus) { sent <- s }); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := wait(t, sent, "send status"); got != transport.MessageSuccess {
		t.Errorf("send status = %q, want %q", got, transport.MessageSuccess)
	}

	opened := make(chan transport.OpenAppStatus, 1)
	if err := tr.OpenApplication(peer, app, func(s transport.OpenAppStatus) { opened <- s }); err != nil {
		t.Fatalf("OpenApplication() error = %v", err)
	}
	if got := wait(t, opened, "open status"); !got.Opened() {
		t.Errorf("open status = %q, want opened", got)
	}
}

func TestInboundEvents(t *testing.T) {
	s := newSimServer(t)
	tr, _ := connect(t, s)
	peer := transport.Peer{ID: 1}
	app := transport.App{ID: "app-1", Version: 3}

	statuses := make(chan transport.PeerStatus, 1)
	if err := tr.RegisterForDeviceEvents(peer, func(_ transport.Peer, st transport.PeerStatus) { statuses <- st }); err != nil {
		t.Fatalf("RegisterForDeviceEvents() error = %v", err)
	}
	messages := make(chan []any, 1)
	if err := tr.RegisterForAppEvents(peer, app, func(p transport.Peer, a transport.App, elements []any, st transport.MessageStatus) {
		if p.ID == 1 && a.ID == "app-1" && st == transport.MessageSuccess {
			messages <- elements
		}
	}); err != nil {
		t.Fatalf("RegisterForAppEvents() error = %v", err)
	}

	s.push(frame{Op: opDevice, Peer: 1, Status: "NOT_CONNECTED"})
	if got := wait(t, statuses, "device event"); got != transport.PeerNotConnected {
		t.Errorf("device event = %q, want %q", got, transport.PeerNotConnected)
	}

	s.push(frame{Op: opMessage, Peer: 1, Elements: []any{"type=response", "n=2"}})
	got := wait(t, messages, "app message")
	if len(got) != 2 || got[0] != "type=response" || got[1] != "n=2" {
		t.Errorf("message elements = %v", got)
	}

	if err := tr.UnregisterForEvents(peer); err != nil {
		t.Fatalf("UnregisterForEvents() error = %v", err)
	}
	s.push(frame{Op: opMessage, Peer: 1, Elements: []any{"late=1"}})
	select {
	case m := <-messages:
		t.Errorf("message delivered after unregister: %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionLossReportsShutdown(t *testing.T) {
	s := newSimServer(t)
	tr, l := connect(t, s)

	s.dropConnection()
	wait(t, l.shutdown, "SDKShutdown")

	if _, err := tr.KnownDevices(); !errors.Is(err, transport.ErrServiceUnavailable) {
		t.Errorf("KnownDevices() after loss error = %v, want %v", err, transport.ErrServiceUnavailable)
	}
}

func TestShutdownIsQuiet(t *testing.T) {
	s := newSimServer(t)
	tr, l := connect(t, s)

	if err := tr.OpenStore("app-1"); err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	if err := tr.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case <-l.shutdown:
		t.Error("SDKShutdown reported for a local shutdown")
	case <-time.After(50 * time.Millisecond):
	}
	if err := tr.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	ops := s.ops()
	if len(ops) == 0 || ops[0] != opHello {
		t.Errorf("first op = %v, want %q", ops, opHello)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not cbor", []byte{0xff, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeFrame(tt.data); err == nil {
				t.Error("decodeFrame() should fail")
			}
		})
	}

	data, err := encodeFrame(frame{ID: 1})
	if err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}
	if _, err := decodeFrame(data); err == nil {
		t.Error("decodeFrame() without op should fail")
	}
}
