// Package tethered implements transport.Transport against a device simulator
// running on the host, reached over a WebSocket.
//
// Frames are CBOR maps (see frame.go) sent as binary WebSocket messages. Calls
// that the device layer expects to be synchronous (KnownDevices,
// DeviceStatus, the Register* calls) wait for a matching result frame.
// Asynchronous calls return once the request is written; their outcome
// arrives later as a result, sent or opened frame and is handed to the
// caller's callback.
//
// Callbacks run on a single dispatcher goroutine in the order the frames
// arrived, never on the reader goroutine.
//
// The device registry issues the synchronous calls from its loop, so an
// unresponsive simulator stalls the loop for up to RequestTimeout per call.
// A refresh makes two such calls per peer (DeviceStatus and
// RegisterForDeviceEvents).
package tethered

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// Default connection settings.
const (
	DefaultURL            = "ws://127.0.0.1:7381"
	DefaultDialTimeout    = 10 * time.Second
	DefaultRequestTimeout = 2 * time.Second

	// writeWait is the time allowed to write a frame.
	writeWait = 10 * time.Second
)

// ErrClosed is returned for calls on a transport that is not connected.
var ErrClosed = errors.New("tethered: connection closed")

// Config holds the simulator connection settings.
type Config struct {
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Logger defines the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

type appSub struct {
	app transport.App
	fn  transport.AppEventFunc
}

// Transport is a tethered simulator connection.
type Transport struct {
	cfg    Config
	logger Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu         sync.Mutex
	listener   transport.Listener
	nextID     uint64
	pending    map[uint64]func(frame)
	waiting    map[uint64]chan frame
	deviceSubs map[uint64]transport.DeviceEventFunc
	appSubs    map[uint64]appSub
	closing    bool

	queue *dispatcher
	done  chan struct{}
}

// New creates a Transport. Nothing is dialled until Initialize.
func New(cfg Config) *Transport {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Transport{
		cfg:        cfg,
		logger:     noopLogger{},
		pending:    make(map[uint64]func(frame)),
		waiting:    make(map[uint64]chan frame),
		deviceSubs: make(map[uint64]transport.DeviceEventFunc),
		appSubs:    make(map[uint64]appSub),
	}
}

// SetLogger sets the logger.
func (t *Transport) SetLogger(logger Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// Initialize dials the simulator and sends the hello frame. SDKReady or
// SDKInitError follows asynchronously.
func (t *Transport) Initialize(listener transport.Listener) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid simulator URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: simulator handshake failed (HTTP %d): %w",
				transport.ErrServiceUnavailable, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: dialing simulator: %w", transport.ErrServiceUnavailable, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.listener = listener
	t.closing = false
	t.queue = newDispatcher()
	t.done = make(chan struct{})
	queue, done := t.queue, t.done
	t.mu.Unlock()

	go queue.run()
	go t.readLoop(conn, queue, done)

	if err := t.write(frame{Op: opHello}); err != nil {
		t.Shutdown() //nolint:errcheck // already failing
		return err
	}
	return nil
}

// Shutdown closes the connection. Pending requests fail with ErrClosed.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.closing = true
	t.conn = nil
	t.listener = nil
	t.deviceSubs = make(map[uint64]transport.DeviceEventFunc)
	t.appSubs = make(map[uint64]appSub)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	data, _ := encodeFrame(frame{Op: opBye})
	conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	conn.WriteMessage(websocket.BinaryMessage, data) //nolint:errcheck // best effort goodbye
	t.writeMu.Unlock()

	err := conn.Close()
	<-done
	return err
}

// KnownDevices implements transport.Transport.
func (t *Transport) KnownDevices() ([]transport.Peer, error) {
	res, err := t.call(frame{Op: opDevices})
	if err != nil {
		return nil, err
	}
	peers := make([]transport.Peer, 0, len(res.Peers))
	for _, p := range res.Peers {
		peers = append(peers, p.peer())
	}
	return peers, nil
}

// DeviceStatus implements transport.Transport.
func (t *Transport) DeviceStatus(peer transport.Peer) (transport.PeerStatus, error) {
	res, err := t.call(frame{Op: opStatus, Peer: peer.ID})
	if err != nil {
		return "", err
	}
	return peerStatus(res.Status), nil
}

// RegisterForDeviceEvents implements transport.Transport.
func (t *Transport) RegisterForDeviceEvents(peer transport.Peer, fn transport.DeviceEventFunc) error {
	if _, err := t.call(frame{Op: opSubscribe, Peer: peer.ID}); err != nil {
		return err
	}
	t.mu.Lock()
	t.deviceSubs[peer.ID] = fn
	t.mu.Unlock()
	return nil
}

// RegisterForAppEvents implements transport.Transport.
func (t *Transport) RegisterForAppEvents(peer transport.Peer, app transport.App, fn transport.AppEventFunc) error {
	if _, err := t.call(frame{Op: opSubscribe, Peer: peer.ID, App: app.ID}); err != nil {
		return err
	}
	t.mu.Lock()
	t.appSubs[peer.ID] = appSub{app: app, fn: fn}
	t.mu.Unlock()
	return nil
}

// UnregisterForEvents implements transport.Transport.
func (t *Transport) UnregisterForEvents(peer transport.Peer) error {
	t.mu.Lock()
	delete(t.deviceSubs, peer.ID)
	delete(t.appSubs, peer.ID)
	t.mu.Unlock()
	return t.write(frame{Op: opUnsubscribe, Peer: peer.ID})
}

// ApplicationInfo implements transport.Transport.
func (t *Transport) ApplicationInfo(peer transport.Peer, appID string, fn transport.AppInfoFunc) error {
	return t.request(frame{Op: opAppInfo, Peer: peer.ID, App: appID}, func(res frame) {
		if err := remoteError(res.Error); err != nil {
			t.logger.Debug("application info failed", "peer_id", peer.ID, "error", err)
			fn(transport.App{ID: appID}, false)
			return
		}
		id := res.App
		if id == "" {
			id = appID
		}
		fn(transport.App{ID: id, Version: res.Version}, res.Found)
	})
}

// OpenApplication implements transport.Transport.
func (t *Transport) OpenApplication(peer transport.Peer, app transport.App, fn transport.OpenAppFunc) error {
	return t.request(frame{Op: opOpenApp, Peer: peer.ID, App: app.ID}, func(res frame) {
		if res.Error != "" {
			fn(transport.OpenAppUnknown)
			return
		}
		fn(transport.OpenAppStatus(res.Status))
	})
}

// SendMessage implements transport.Transport.
func (t *Transport) SendMessage(peer transport.Peer, app transport.App, elements []string, fn transport.SendFunc) error {
	payload := make([]any, len(elements))
	for i, el := range elements {
		payload[i] = el
	}
	return t.request(frame{Op: opSend, Peer: peer.ID, App: app.ID, Elements: payload}, func(res frame) {
		if res.Error != "" {
			fn(transport.MessageFailureUnknown)
			return
		}
		fn(transport.MessageStatus(res.Status))
	})
}

// OpenStore implements transport.Transport.
func (t *Transport) OpenStore(appID string) error {
	_, err := t.call(frame{Op: opStore, App: appID})
	return err
}

// =============================================================================
// Request plumbing
// =============================================================================

// request writes f with a fresh id and arranges for onReply to run on the
// dispatcher when the matching reply arrives.
func (t *Transport) request(f frame, onReply func(frame)) error {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", transport.ErrServiceUnavailable, ErrClosed)
	}
	t.nextID++
	f.ID = t.nextID
	t.pending[f.ID] = onReply
	t.mu.Unlock()

	if err := t.write(f); err != nil {
		t.mu.Lock()
		delete(t.pending, f.ID)
		t.mu.Unlock()
		return err
	}
	return nil
}

// call writes f and waits for its result frame. Reply errors are mapped to
// transport faults.
func (t *Transport) call(f frame) (frame, error) {
	reply := make(chan frame, 1)

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return frame{}, fmt.Errorf("%w: %w", transport.ErrServiceUnavailable, ErrClosed)
	}
	t.nextID++
	f.ID = t.nextID
	t.waiting[f.ID] = reply
	t.mu.Unlock()

	if err := t.write(f); err != nil {
		t.forget(f.ID)
		return frame{}, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-reply:
		if !ok {
			return frame{}, fmt.Errorf("%w: %w", transport.ErrServiceUnavailable, ErrClosed)
		}
		if err := remoteError(res.Error); err != nil {
			return frame{}, fmt.Errorf("%s: %w", f.Op, err)
		}
		return res, nil
	case <-timer.C:
		t.forget(f.ID)
		return frame{}, fmt.Errorf("%w: %s timed out after %s", transport.ErrServiceUnavailable, f.Op, t.cfg.RequestTimeout)
	}
}

func (t *Transport) forget(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
	delete(t.waiting, id)
}

func (t *Transport) write(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: %w", transport.ErrServiceUnavailable, ErrClosed)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: writing %s frame: %w", transport.ErrServiceUnavailable, f.Op, err)
	}
	return nil
}
