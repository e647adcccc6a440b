// Package transporttest provides a scriptable in-memory transport.Transport
// for tests and local demos.
package transporttest

import (
	"fmt"
	"sync"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// Method names accepted by Fail.
const (
	MethodInitialize      = "Initialize"
	MethodKnownDevices    = "KnownDevices"
	MethodDeviceStatus    = "DeviceStatus"
	MethodRegisterDevice  = "RegisterForDeviceEvents"
	MethodRegisterApp     = "RegisterForAppEvents"
	MethodApplicationInfo = "ApplicationInfo"
	MethodOpenApplication = "OpenApplication"
	MethodSendMessage     = "SendMessage"
	MethodOpenStore       = "OpenStore"
)

// Send records one SendMessage call.
type Send struct {
	Peer     transport.Peer
	App      transport.App
	Elements []string
	done     transport.SendFunc
}

// Transport is a fake transport. Peers, their status and installed apps are
// set up by the test; SDK and device callbacks are fired by helper methods or
// automatically when the Auto* fields are set.
//
// Callbacks always run on a new goroutine, like a real SDK.
type Transport struct {
	// AutoReady makes Initialize report SDKReady.
	AutoReady bool

	// AutoAppInfo answers ApplicationInfo from the installed apps. Without
	// it queries are held until AnswerAppInfo.
	AutoAppInfo bool

	// AutoSendStatus, when non-empty, completes every send with this status.
	AutoSendStatus transport.MessageStatus

	// OpenStatus answers OpenApplication. Empty means no answer.
	OpenStatus transport.OpenAppStatus

	mu         sync.Mutex
	listener   transport.Listener
	peers      []transport.Peer
	status     map[uint64]transport.PeerStatus
	apps       map[uint64]transport.App
	deviceSubs map[uint64]transport.DeviceEventFunc
	appSubs    map[uint64]appSub
	appQueries map[uint64]appQuery
	faults     map[string]error
	sends      []*Send
	calls      map[string]int
	stores     []string
	shutdown   bool
	wg         sync.WaitGroup
}

type appSub struct {
	app transport.App
	fn  transport.AppEventFunc
}

type appQuery struct {
	appID string
	fn    transport.AppInfoFunc
}

// New creates a fake with no peers.
func New() *Transport {
	return &Transport{
		status:     make(map[uint64]transport.PeerStatus),
		apps:       make(map[uint64]transport.App),
		deviceSubs: make(map[uint64]transport.DeviceEventFunc),
		appSubs:    make(map[uint64]appSub),
		appQueries: make(map[uint64]appQuery),
		faults:     make(map[string]error),
		calls:      make(map[string]int),
	}
}

// AddPeer registers a peer with an initial status.
func (t *Transport) AddPeer(peer transport.Peer, status transport.PeerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = append(t.peers, peer)
	t.status[peer.ID] = status
}

// RemovePeer forgets a peer.
func (t *Transport) RemovePeer(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.peers {
		if p.ID == id {
			t.peers = append(t.peers[:i], t.peers[i+1:]...)
			break
		}
	}
	delete(t.status, id)
}

// InstallApp marks an app as installed on a peer.
func (t *Transport) InstallApp(peerID uint64, app transport.App) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apps[peerID] = app
}

// Fail makes the named method return err until cleared with a nil err.
func (t *Transport) Fail(method string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.faults, method)
		return
	}
	t.faults[method] = err
}

// Calls returns how often the named method was invoked.
func (t *Transport) Calls(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[method]
}

// Sends returns a copy of every recorded send.
func (t *Transport) Sends() []Send {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Send, len(t.sends))
	for i, s := range t.sends {
		out[i] = *s
	}
	return out
}

// Stores returns the app ids passed to OpenStore.
func (t *Transport) Stores() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.stores...)
}

// Ready fires SDKReady on the registered listener.
func (t *Transport) Ready() {
	t.fireListener(func(l transport.Listener) { l.SDKReady() })
}

// InitError fires SDKInitError on the registered listener.
func (t *Transport) InitError(err error) {
	t.fireListener(func(l transport.Listener) { l.SDKInitError(err) })
}

// SDKShutdown fires SDKShutdown on the registered listener.
func (t *Transport) SDKShutdown() {
	t.fireListener(func(l transport.Listener) { l.SDKShutdown() })
}

// SetStatus changes a peer's status and notifies its subscriber.
func (t *Transport) SetStatus(peerID uint64, status transport.PeerStatus) {
	t.mu.Lock()
	t.status[peerID] = status
	fn := t.deviceSubs[peerID]
	peer := t.peerLocked(peerID)
	t.mu.Unlock()

	if fn != nil {
		t.async(func() { fn(peer, status) })
	}
}

// Deliver sends an inbound message to the app subscriber of a peer. The app
// argument lets tests simulate deliveries for the wrong application.
func (t *Transport) Deliver(peerID uint64, app transport.App, elements []any, status transport.MessageStatus) {
	t.mu.Lock()
	sub, ok := t.appSubs[peerID]
	peer := t.peerLocked(peerID)
	t.mu.Unlock()

	if ok {
		t.async(func() { sub.fn(peer, app, elements, status) })
	}
}

// DeliverAs sends an inbound message that claims to come from another peer,
// through the subscriber registered for subscriberID.
func (t *Transport) DeliverAs(subscriberID uint64, from transport.Peer, app transport.App, elements []any, status transport.MessageStatus) {
	t.mu.Lock()
	sub, ok := t.appSubs[subscriberID]
	t.mu.Unlock()

	if ok {
		t.async(func() { sub.fn(from, app, elements, status) })
	}
}

// CompleteSend finishes the i-th recorded send with status.
func (t *Transport) CompleteSend(i int, status transport.MessageStatus) error {
	t.mu.Lock()
	if i < 0 || i >= len(t.sends) {
		t.mu.Unlock()
		return fmt.Errorf("no send %d", i)
	}
	done := t.sends[i].done
	t.mu.Unlock()

	t.async(func() { done(status) })
	return nil
}

// Wait blocks until every callback fired so far has returned.
func (t *Transport) Wait() {
	t.wg.Wait()
}

// Subscribed reports whether a peer has device and app subscriptions.
func (t *Transport) Subscribed(peerID uint64) (device, app bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, device = t.deviceSubs[peerID]
	_, app = t.appSubs[peerID]
	return device, app
}

// Initialized reports whether a listener is registered.
func (t *Transport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener != nil
}

// IsShutdown reports whether Shutdown was called.
func (t *Transport) IsShutdown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdown
}

// Initialize implements transport.Transport.
func (t *Transport) Initialize(listener transport.Listener) error {
	if err := t.enter(MethodInitialize); err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = listener
	t.shutdown = false
	auto := t.AutoReady
	t.mu.Unlock()

	if auto {
		t.Ready()
	}
	return nil
}

// Shutdown implements transport.Transport.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdown = true
	t.listener = nil
	t.deviceSubs = make(map[uint64]transport.DeviceEventFunc)
	t.appSubs = make(map[uint64]appSub)
	return nil
}

// KnownDevices implements transport.Transport.
func (t *Transport) KnownDevices() ([]transport.Peer, error) {
	if err := t.enter(MethodKnownDevices); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Peer(nil), t.peers...), nil
}

// DeviceStatus implements transport.Transport.
func (t *Transport) DeviceStatus(peer transport.Peer) (transport.PeerStatus, error) {
	if err := t.enter(MethodDeviceStatus); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.status[peer.ID]
	if !ok {
		return transport.PeerUnknown, nil
	}
	return status, nil
}

// RegisterForDeviceEvents implements transport.Transport.
func (t *Transport) RegisterForDeviceEvents(peer transport.Peer, fn transport.DeviceEventFunc) error {
	if err := t.enter(MethodRegisterDevice); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deviceSubs[peer.ID] = fn
	return nil
}

// RegisterForAppEvents implements transport.Transport.
func (t *Transport) RegisterForAppEvents(peer transport.Peer, app transport.App, fn transport.AppEventFunc) error {
	if err := t.enter(MethodRegisterApp); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appSubs[peer.ID] = appSub{app: app, fn: fn}
	return nil
}

// UnregisterForEvents implements transport.Transport.
func (t *Transport) UnregisterForEvents(peer transport.Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls["UnregisterForEvents"]++
	delete(t.deviceSubs, peer.ID)
	delete(t.appSubs, peer.ID)
	return nil
}

// ApplicationInfo implements transport.Transport.
func (t *Transport) ApplicationInfo(peer transport.Peer, appID string, fn transport.AppInfoFunc) error {
	if err := t.enter(MethodApplicationInfo); err != nil {
		return err
	}
	t.mu.Lock()
	auto := t.AutoAppInfo
	if !auto {
		t.appQueries[peer.ID] = appQuery{appID: appID, fn: fn}
		t.mu.Unlock()
		return nil
	}
	app, found := t.installedLocked(peer.ID, appID)
	t.mu.Unlock()

	t.async(func() { fn(app, found) })
	return nil
}

// AnswerAppInfo completes the held ApplicationInfo query for a peer from
// the installed apps. It reports whether a query was pending.
func (t *Transport) AnswerAppInfo(peerID uint64) bool {
	t.mu.Lock()
	q, ok := t.appQueries[peerID]
	delete(t.appQueries, peerID)
	var app transport.App
	var found bool
	if ok {
		app, found = t.installedLocked(peerID, q.appID)
	}
	t.mu.Unlock()

	if ok {
		t.async(func() { q.fn(app, found) })
	}
	return ok
}

// PendingAppInfo reports whether an ApplicationInfo query for the peer is
// waiting for AnswerAppInfo.
func (t *Transport) PendingAppInfo(peerID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.appQueries[peerID]
	return ok
}

func (t *Transport) installedLocked(peerID uint64, appID string) (transport.App, bool) {
	app, installed := t.apps[peerID]
	if installed && app.ID == appID {
		return app, true
	}
	return transport.App{ID: appID}, false
}

// OpenApplication implements transport.Transport.
func (t *Transport) OpenApplication(_ transport.Peer, _ transport.App, fn transport.OpenAppFunc) error {
	if err := t.enter(MethodOpenApplication); err != nil {
		return err
	}
	t.mu.Lock()
	status := t.OpenStatus
	t.mu.Unlock()

	if status != "" {
		t.async(func() { fn(status) })
	}
	return nil
}

// SendMessage implements transport.Transport.
func (t *Transport) SendMessage(peer transport.Peer, app transport.App, elements []string, fn transport.SendFunc) error {
	if err := t.enter(MethodSendMessage); err != nil {
		return err
	}
	t.mu.Lock()
	t.sends = append(t.sends, &Send{
		Peer:     peer,
		App:      app,
		Elements: append([]string(nil), elements...),
		done:     fn,
	})
	status := t.AutoSendStatus
	t.mu.Unlock()

	if status != "" {
		t.async(func() { fn(status) })
	}
	return nil
}

// OpenStore implements transport.Transport.
func (t *Transport) OpenStore(appID string) error {
	if err := t.enter(MethodOpenStore); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stores = append(t.stores, appID)
	return nil
}

func (t *Transport) enter(method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[method]++
	return t.faults[method]
}

func (t *Transport) fireListener(fn func(transport.Listener)) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		t.async(func() { fn(l) })
	}
}

func (t *Transport) peerLocked(id uint64) transport.Peer {
	for _, p := range t.peers {
		if p.ID == id {
			return p
		}
	}
	return transport.Peer{ID: id}
}

func (t *Transport) async(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}
