package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/wearlink-core/internal/codec"
	"github.com/nerrad567/wearlink-core/internal/events"
)

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dialHub connects a WebSocket client and waits for the hub to register it.
func dialHub(t *testing.T, srv *Server, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	before := srv.Hub().ClientCount()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	eventually(t, "client registration", func() bool {
		return srv.Hub().ClientCount() == before+1
	})
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	return msg
}

func writeWSMessage(t *testing.T, conn *websocket.Conn, msg WSMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func wsServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// ─── Hub Tests ─────────────────────────────────────────────────────

func TestHub_StreamsEvents(t *testing.T) {
	srv, ts := wsServer(t)
	conn := dialHub(t, srv, ts, "")

	version := 3
	srv.Hub().Publish(events.DeviceChanged(events.DeviceView{ID: 42, Name: "Watch", State: "Ready", Version: &version}))

	msg := readWSMessage(t, conn)
	if msg.Type != WSTypeEvent {
		t.Errorf("type = %q, want %q", msg.Type, WSTypeEvent)
	}
	if msg.EventType != "DEVICE" {
		t.Errorf("event_type = %q, want DEVICE", msg.EventType)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want object", msg.Payload)
	}
	if payload["state"] != "Ready" || payload["version"] != float64(3) {
		t.Errorf("payload = %v", payload)
	}
}

func TestHub_ReceivePayload(t *testing.T) {
	srv, ts := wsServer(t)
	conn := dialHub(t, srv, ts, "")

	decoded, err := codec.Decode([]any{"type=hr", "bpm=72"})
	if err != nil {
		t.Fatalf("codec.Decode() error = %v", err)
	}
	srv.Hub().Publish(events.Received(events.DeviceView{ID: 1, Name: "Watch", State: "Ready"}, decoded))

	msg := readWSMessage(t, conn)
	if msg.EventType != "RECEIVE" {
		t.Fatalf("event_type = %q, want RECEIVE", msg.EventType)
	}
	payload := msg.Payload.(map[string]any)
	message, ok := payload["message"].(map[string]any)
	if !ok {
		t.Fatalf("payload.message = %T, want object", payload["message"])
	}
	if message["bpm"] != "72" {
		t.Errorf("message = %v, want bpm 72", message)
	}
}

func TestHub_SubscriptionFilter(t *testing.T) {
	srv, ts := wsServer(t)
	conn := dialHub(t, srv, ts, "")

	writeWSMessage(t, conn, WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{"app_opened"}},
	})
	resp := readWSMessage(t, conn)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	view := events.DeviceView{ID: 1, Name: "Watch", State: "Ready"}
	srv.Hub().Publish(events.DeviceChanged(view))
	srv.Hub().Publish(events.AppOpened(view, true))

	msg := readWSMessage(t, conn)
	if msg.EventType != "APP_OPENED" {
		t.Errorf("first event = %q, want APP_OPENED (DEVICE filtered)", msg.EventType)
	}

	writeWSMessage(t, conn, WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "unsub-1",
		Payload: WSSubscribePayload{Channels: []string{"APP_OPENED"}},
	})
	if resp := readWSMessage(t, conn); resp.ID != "unsub-1" {
		t.Fatalf("unsubscribe response = %+v", resp)
	}

	// No subscriptions left: everything flows again.
	srv.Hub().Publish(events.DeviceChanged(view))
	if msg := readWSMessage(t, conn); msg.EventType != "DEVICE" {
		t.Errorf("event after unsubscribe = %q, want DEVICE", msg.EventType)
	}
}

func TestHub_PingAndErrors(t *testing.T) {
	srv, ts := wsServer(t)
	conn := dialHub(t, srv, ts, "")

	writeWSMessage(t, conn, WSMessage{Type: WSTypePing, ID: "p1"})
	if msg := readWSMessage(t, conn); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v, want pong p1", msg)
	}

	writeWSMessage(t, conn, WSMessage{Type: "dance", ID: "d1"})
	if msg := readWSMessage(t, conn); msg.Type != WSTypeError || msg.ID != "d1" {
		t.Errorf("unknown type reply = %+v, want error d1", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg := readWSMessage(t, conn); msg.Type != WSTypeError {
		t.Errorf("invalid JSON reply = %+v, want error", msg)
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	srv, ts := wsServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Hub().Run(ctx)
		close(done)
	}()

	conn := dialHub(t, srv, ts, "")
	cancel()
	<-done

	if n := srv.Hub().ClientCount(); n != 0 {
		t.Errorf("ClientCount() after Run exit = %d, want 0", n)
	}
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() after hub shutdown: expected error")
	}

	// Publishing to a closed hub must not panic.
	srv.Hub().Publish(events.Logged(events.LogEntry{Level: events.LevelNotice, Tag: "test", Message: "late"}))
}

// ─── WebSocket Auth Tests ──────────────────────────────────────────

func TestWebSocket_RequiresTicketWithAuth(t *testing.T) {
	srv := authServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err == nil {
		t.Fatal("Dial() without ticket: expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", resp)
	}
	resp.Body.Close()

	token, err := IssueToken(testSecret, "", "cli", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/ws-ticket", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	ticketResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST ws-ticket: %v", err)
	}
	var body struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(ticketResp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding ticket: %v", err)
	}
	ticketResp.Body.Close()

	conn := dialHub(t, srv, ts, "ticket="+body.Ticket)
	writeWSMessage(t, conn, WSMessage{Type: WSTypePing, ID: "after-auth"})
	if msg := readWSMessage(t, conn); msg.Type != WSTypePong {
		t.Errorf("reply = %+v, want pong", msg)
	}

	// Tickets are single use.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "ticket="+body.Ticket), nil)
	if err == nil {
		t.Fatal("Dial() with a used ticket: expected error")
	}
	if resp != nil {
		resp.Body.Close()
	}
}
