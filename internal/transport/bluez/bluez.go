// Package bluez implements transport.Transport for real wearables on Linux.
//
// Connection tracking uses BlueZ directly over the system D-Bus: the devices
// under the configured adapter become peers (identified by their 48-bit
// address), and their Paired/Connected properties map onto PeerStatus.
// Application traffic goes through a companion agent that exports
// org.wearlink.Agent1 on the same bus:
//
//	ApplicationInfo(address, appID) → (found bool, version int32)
//	OpenApplication(address, appID) → status string
//	SendMessage(address, appID, elements []string) → status string
//	OpenStore(appID)
//	signal MessageReceived(address, appID, elements []string, status string)
package bluez

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// Default bus locations.
const (
	DefaultAdapter      = "hci0"
	DefaultAgentBusName = "org.wearlink.Agent"
	DefaultAgentPath    = "/org/wearlink/Agent"
)

// Config selects the adapter and agent.
type Config struct {
	Adapter      string
	AgentBusName string
	AgentPath    string
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

// Transport is a BlueZ-backed transport.
type Transport struct {
	cfg         Config
	adapterPath string
	dial        func() (busConn, error)
	logger      Logger

	mu         sync.Mutex
	conn       busConn
	listener   transport.Listener
	deviceSubs map[uint64]transport.DeviceEventFunc
	appSubs    map[uint64]appSub
	closing    bool
	done       chan struct{}
}

// New creates a Transport on the system bus.
func New(cfg Config) *Transport {
	return newTransport(cfg, dialSystemBus)
}

func newTransport(cfg Config, dial func() (busConn, error)) *Transport {
	if cfg.Adapter == "" {
		cfg.Adapter = DefaultAdapter
	}
	if cfg.AgentBusName == "" {
		cfg.AgentBusName = DefaultAgentBusName
	}
	if cfg.AgentPath == "" {
		cfg.AgentPath = DefaultAgentPath
	}
	return &Transport{
		cfg:         cfg,
		adapterPath: "/org/bluez/" + cfg.Adapter,
		dial:        dial,
		logger:      noopLogger{},
		deviceSubs:  make(map[uint64]transport.DeviceEventFunc),
		appSubs:     make(map[uint64]appSub),
	}
}

// SetLogger sets the logger.
func (t *Transport) SetLogger(logger Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// Initialize connects to the bus, checks that BlueZ and the agent are present
// and starts watching signals. SDKReady follows asynchronously.
func (t *Transport) Initialize(listener transport.Listener) error {
	conn, err := t.dial()
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrServiceUnavailable, err)
	}

	if err := t.checkNames(conn); err != nil {
		conn.Close() //nolint:errcheck // already failing
		return err
	}

	signals, err := conn.Signals(
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='"+t.adapterPath+"'",
		"type='signal',interface='"+agentIface+"',member='MessageReceived'",
		"type='signal',sender='"+dbusName+"',member='NameOwnerChanged',arg0='"+busName+"'",
	)
	if err != nil {
		conn.Close() //nolint:errcheck // already failing
		return fmt.Errorf("%w: %w", transport.ErrServiceUnavailable, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.listener = listener
	t.closing = false
	t.done = done
	t.mu.Unlock()

	go t.watch(signals, done)
	go listener.SDKReady()
	return nil
}

func (t *Transport) checkNames(conn busConn) error {
	body, err := conn.Call(dbusName, dbusPath, dbusName+".ListNames")
	if err != nil {
		return fmt.Errorf("%w: list bus names: %w", transport.ErrServiceUnavailable, err)
	}
	var names []string
	if err := dbus.Store(body, &names); err != nil {
		return fmt.Errorf("%w: list bus names: %w", transport.ErrServiceUnavailable, err)
	}

	var haveBluez, haveAgent bool
	for _, n := range names {
		switch n {
		case busName:
			haveBluez = true
		case t.cfg.AgentBusName:
			haveAgent = true
		}
	}
	if !haveBluez {
		return fmt.Errorf("%w: %s not found on system bus, is bluetooth.service running?",
			transport.ErrServiceUnavailable, busName)
	}
	if !haveAgent {
		return fmt.Errorf("%w: companion agent %s not found on system bus",
			transport.ErrServiceUnavailable, t.cfg.AgentBusName)
	}
	return nil
}

// Shutdown closes the bus connection.
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
	err := conn.Close()
	<-done
	return err
}

// KnownDevices lists the devices BlueZ knows under the adapter.
func (t *Transport) KnownDevices() ([]transport.Peer, error) {
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}

	body, err := conn.Call(busName, "/", objectManager)
	if err != nil {
		return nil, fmt.Errorf("%w: get managed objects: %w", transport.ErrServiceUnavailable, err)
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := dbus.Store(body, &objects); err != nil {
		return nil, fmt.Errorf("%w: get managed objects: %w", transport.ErrInvalidState, err)
	}

	if _, ok := objects[dbus.ObjectPath(t.adapterPath)][adapterIface]; !ok {
		return nil, fmt.Errorf("%w: adapter %s not present", transport.ErrServiceUnavailable, t.cfg.Adapter)
	}

	var peers []transport.Peer
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		mac := macFromPath(t.adapterPath, path)
		if mac == "" {
			continue
		}
		id, err := peerID(mac)
		if err != nil {
			t.logger.Debug("skipping device with unparsable address", "path", string(path), "error", err)
			continue
		}
		name := variantString(props, "Alias")
		if name == "" {
			name = variantString(props, "Name")
		}
		peers = append(peers, transport.Peer{ID: id, Name: name})
	}
	return peers, nil
}

// DeviceStatus maps the Paired and Connected properties onto PeerStatus.
func (t *Transport) DeviceStatus(peer transport.Peer) (transport.PeerStatus, error) {
	conn, err := t.connection()
	if err != nil {
		return "", err
	}

	body, err := conn.Call(busName, t.devicePath(peer.ID), propsIface+".GetAll", deviceIface)
	if err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.DBus.Error.UnknownObject" {
			return transport.PeerUnknown, nil
		}
		return "", fmt.Errorf("%w: device properties: %w", transport.ErrServiceUnavailable, err)
	}
	var props map[string]dbus.Variant
	if err := dbus.Store(body, &props); err != nil {
		return "", fmt.Errorf("%w: device properties: %w", transport.ErrInvalidState, err)
	}
	return statusFromProps(props), nil
}

func statusFromProps(props map[string]dbus.Variant) transport.PeerStatus {
	switch {
	case !variantBool(props, "Paired"):
		return transport.PeerNotPaired
	case variantBool(props, "Connected"):
		return transport.PeerConnected
	default:
		return transport.PeerNotConnected
	}
}

// RegisterForDeviceEvents implements transport.Transport.
func (t *Transport) RegisterForDeviceEvents(peer transport.Peer, fn transport.DeviceEventFunc) error {
	if _, err := t.connection(); err != nil {
		return err
	}
	t.mu.Lock()
	t.deviceSubs[peer.ID] = fn
	t.mu.Unlock()
	return nil
}

// RegisterForAppEvents implements transport.Transport.
func (t *Transport) RegisterForAppEvents(peer transport.Peer, app transport.App, fn transport.AppEventFunc) error {
	if _, err := t.connection(); err != nil {
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
	return nil
}

// ApplicationInfo asks the agent whether appID is installed.
func (t *Transport) ApplicationInfo(peer transport.Peer, appID string, fn transport.AppInfoFunc) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	go func() {
		body, err := t.agentCall(conn, "ApplicationInfo", macFromID(peer.ID), appID)
		var found bool
		var version int32
		if err == nil {
			err = dbus.Store(body, &found, &version)
		}
		if err != nil {
			t.logger.Debug("agent application info failed", "peer_id", peer.ID, "error", err)
			fn(transport.App{ID: appID}, false)
			return
		}
		fn(transport.App{ID: appID, Version: int(version)}, found)
	}()
	return nil
}

// OpenApplication asks the agent to launch the application.
func (t *Transport) OpenApplication(peer transport.Peer, app transport.App, fn transport.OpenAppFunc) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	go func() {
		body, err := t.agentCall(conn, "OpenApplication", macFromID(peer.ID), app.ID)
		var status string
		if err == nil {
			err = dbus.Store(body, &status)
		}
		if err != nil {
			t.logger.Debug("agent open application failed", "peer_id", peer.ID, "error", err)
			fn(transport.OpenAppUnknown)
			return
		}
		fn(transport.OpenAppStatus(status))
	}()
	return nil
}

// SendMessage hands the elements to the agent.
func (t *Transport) SendMessage(peer transport.Peer, app transport.App, elements []string, fn transport.SendFunc) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	payload := append([]string(nil), elements...)
	go func() {
		body, err := t.agentCall(conn, "SendMessage", macFromID(peer.ID), app.ID, payload)
		var status string
		if err == nil {
			err = dbus.Store(body, &status)
		}
		if err != nil {
			t.logger.Debug("agent send failed", "peer_id", peer.ID, "error", err)
			fn(transport.MessageFailureUnknown)
			return
		}
		fn(transport.MessageStatus(status))
	}()
	return nil
}

// OpenStore asks the agent to show the application's store page.
func (t *Transport) OpenStore(appID string) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	_, err = t.agentCall(conn, "OpenStore", appID)
	return err
}

func (t *Transport) agentCall(conn busConn, method string, args ...any) ([]any, error) {
	return conn.Call(t.cfg.AgentBusName, dbus.ObjectPath(t.cfg.AgentPath), agentIface+"."+method, args...)
}

func (t *Transport) connection() (busConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, fmt.Errorf("%w: not connected to the system bus", transport.ErrServiceUnavailable)
	}
	return t.conn, nil
}

func (t *Transport) devicePath(id uint64) dbus.ObjectPath {
	return deviceObjectPath(t.adapterPath, macFromID(id))
}
