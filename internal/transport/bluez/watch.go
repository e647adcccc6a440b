package bluez

import (
	"github.com/godbus/dbus/v5"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// watch turns bus signals into device and app callbacks. Callbacks run on
// this goroutine in signal order.
func (t *Transport) watch(signals <-chan *dbus.Signal, done chan struct{}) {
	defer close(done)

	for sig := range signals {
		switch sig.Name {
		case propsSignal:
			t.onPropertiesChanged(sig)
		case agentMessageSignal:
			t.onAgentMessage(sig)
		case dbusName + ".NameOwnerChanged":
			t.onNameOwnerChanged(sig)
		}
	}

	t.mu.Lock()
	closing := t.closing
	listener := t.listener
	t.conn = nil
	t.listener = nil
	t.mu.Unlock()

	if !closing && listener != nil {
		t.logger.Warn("system bus connection lost")
		listener.SDKShutdown()
	}
}

func (t *Transport) onPropertiesChanged(sig *dbus.Signal) {
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	_, connected := changed["Connected"]
	_, paired := changed["Paired"]
	if !connected && !paired {
		return
	}

	mac := macFromPath(t.adapterPath, sig.Path)
	if mac == "" {
		return
	}
	id, err := peerID(mac)
	if err != nil {
		return
	}

	t.mu.Lock()
	fn, subscribed := t.deviceSubs[id]
	t.mu.Unlock()
	if !subscribed {
		return
	}

	peer := transport.Peer{ID: id}
	status, err := t.DeviceStatus(peer)
	if err != nil {
		t.logger.Debug("status after property change failed", "peer_id", id, "error", err)
		return
	}
	fn(peer, status)
}

func (t *Transport) onAgentMessage(sig *dbus.Signal) {
	var (
		mac      string
		appID    string
		elements []string
		status   string
	)
	if err := dbus.Store(sig.Body, &mac, &appID, &elements, &status); err != nil {
		t.logger.Debug("malformed agent message signal", "error", err)
		return
	}
	id, err := peerID(mac)
	if err != nil {
		t.logger.Debug("agent message from unparsable address", "error", err)
		return
	}

	t.mu.Lock()
	sub, ok := t.appSubs[id]
	t.mu.Unlock()
	if !ok {
		return
	}

	app := sub.app
	if appID != app.ID {
		app = transport.App{ID: appID}
	}
	payload := make([]any, len(elements))
	for i, el := range elements {
		payload[i] = el
	}
	sub.fn(transport.Peer{ID: id}, app, payload, transport.MessageStatus(status))
}

// onNameOwnerChanged reports an SDK shutdown when BlueZ leaves the bus.
func (t *Transport) onNameOwnerChanged(sig *dbus.Signal) {
	var name, oldOwner, newOwner string
	if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil {
		return
	}
	if name != busName || newOwner != "" {
		return
	}

	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()
	if listener != nil {
		t.logger.Warn("bluez left the system bus")
		listener.SDKShutdown()
	}
}
