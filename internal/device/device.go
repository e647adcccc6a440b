package device

import (
	"errors"
	"time"

	"github.com/nerrad567/wearlink-core/internal/codec"
	"github.com/nerrad567/wearlink-core/internal/events"
	"github.com/nerrad567/wearlink-core/internal/transport"
)

// Device is one paired wearable. It is owned by the Registry and only ever
// touched from the Registry loop.
type Device struct {
	reg *Registry

	id    uint64
	name  string
	peer  *transport.Peer
	state State
	app   *transport.App

	// gen changes whenever the peer handle is attached or dropped. Device
	// and app event callbacks carry the gen they were registered under.
	gen uint64

	// seq changes on every state transition. App-info callbacks carry the
	// seq of the CheckingApp transition that issued them.
	seq uint64
}

func newDevice(reg *Registry, peer transport.Peer) *Device {
	return &Device{
		reg:   reg,
		id:    peer.ID,
		name:  peer.Name,
		state: StateInitializing,
	}
}

// View returns the public snapshot of the device.
func (d *Device) View() events.DeviceView {
	view := events.DeviceView{
		ID:    d.id,
		Name:  d.name,
		State: string(d.state),
	}
	if d.app != nil {
		version := d.app.Version
		view.Version = &version
	}
	return view
}

// setState is the only way state changes. Leaving Ready clears the app.
func (d *Device) setState(s State) {
	if s != StateReady {
		d.app = nil
	}
	d.state = s
	d.seq++
	d.reg.deviceStateChanged(d)
}

// attach points the device at a (possibly new) peer handle and re-derives
// its state from the transport.
func (d *Device) attach(peer transport.Peer) {
	t := d.reg.transport()
	if d.peer != nil {
		if err := t.UnregisterForEvents(*d.peer); err != nil {
			d.reg.logger.Debug("unregister before re-attach failed", "device_id", d.id, "error", err)
		}
	}

	d.peer = &peer
	d.name = peer.Name
	d.gen++
	gen := d.gen
	d.setState(StateInitializing)

	err := t.RegisterForDeviceEvents(peer, func(_ transport.Peer, status transport.PeerStatus) {
		d.reg.post(func() {
			if d.gen != gen {
				return
			}
			d.onStatus(status)
		})
	})
	if err != nil {
		d.lifecycleFault("register for device events", err)
		return
	}

	status, err := t.DeviceStatus(peer)
	if err != nil {
		d.lifecycleFault("get device status", err)
		return
	}
	d.onStatus(status)
}

// disconnect drops the peer handle and its subscriptions.
func (d *Device) disconnect() {
	if d.peer != nil {
		if t := d.reg.transport(); t != nil {
			if err := t.UnregisterForEvents(*d.peer); err != nil {
				d.reg.logger.Debug("unregister on disconnect failed", "device_id", d.id, "error", err)
			}
		}
	}
	d.peer = nil
	d.gen++
	d.setState(StateNotConnected)
}

func (d *Device) onStatus(status transport.PeerStatus) {
	d.reg.logger.Debug("device status changed", "device_id", d.id, "status", string(status), "state", string(d.state))

	switch status {
	case transport.PeerConnected:
		d.setState(StateCheckingApp)
		d.checkApp()
	case transport.PeerNotPaired:
		d.setState(StateNotPaired)
	case transport.PeerNotConnected:
		if d.state == StateReady {
			d.setState(StateConnectionLost)
		} else {
			d.setState(StateNotConnected)
		}
	default:
		d.setState(StateNotConnected)
	}
}

func (d *Device) checkApp() {
	t := d.reg.transport()
	appID := d.reg.appID()
	seq := d.seq
	gen := d.gen

	err := t.ApplicationInfo(*d.peer, appID, func(app transport.App, found bool) {
		d.reg.post(func() {
			if d.gen != gen || d.seq != seq {
				return
			}
			d.onAppInfo(app, found)
		})
	})
	if err != nil {
		d.lifecycleFault("query application info", err)
	}
}

func (d *Device) onAppInfo(app transport.App, found bool) {
	if !found || app.ID != d.reg.appID() {
		d.setState(StateAppNotInstalled)
		return
	}

	t := d.reg.transport()
	gen := d.gen
	err := t.RegisterForAppEvents(*d.peer, app, func(p transport.Peer, a transport.App, elements []any, status transport.MessageStatus) {
		d.reg.post(func() {
			if d.gen != gen {
				return
			}
			d.onMessage(p, a, elements, status)
		})
	})
	if err != nil {
		if code, ok := d.transportFault(err); ok {
			d.reg.logger.Error("register for app events failed", "device_id", d.id, "result", string(code), "error", err)
			return
		}
		d.reg.logger.Error("register for app events failed", "device_id", d.id, "error", err)
		d.setState(StateInvalidState)
		return
	}

	d.app = &app
	d.setState(StateReady)
}

func (d *Device) onMessage(peer transport.Peer, app transport.App, elements []any, status transport.MessageStatus) {
	if peer.ID != d.id || app.ID != d.reg.appID() {
		d.reg.logger.Debug("ignoring message for another device or app",
			"device_id", d.id, "peer_id", peer.ID, "app_id", app.ID)
		return
	}
	if status != transport.MessageSuccess || elements == nil {
		d.reg.logger.Error("inbound message not received", "device_id", d.id, "status", string(status))
		return
	}

	msg, err := codec.Decode(elements)
	if err != nil {
		d.reg.logger.Error("inbound message decode failed", "device_id", d.id, "error", err)
		return
	}

	d.reg.logger.Debug("message received", "device_id", d.id, "size", msg.Size, "fields", len(msg.Fields))
	if d.reg.metrics != nil {
		d.reg.metrics.RecordReceive(d.id, msg.Size)
	}
	d.reg.emit(events.Received(d.View(), msg))
}

// openApplication asks the device to launch the app. onResult runs exactly
// once on the loop, after openApplication has returned. The return value
// reports whether the request was dispatched.
func (d *Device) openApplication(onResult func(bool)) bool {
	resolved := false
	resolve := func(ok bool) {
		if resolved {
			return
		}
		resolved = true
		onResult(ok)
	}

	if d.peer == nil || d.app == nil || !d.reg.sdkReady {
		d.reg.later(func() { resolve(false) })
		return false
	}

	err := d.reg.transport().OpenApplication(*d.peer, *d.app, func(status transport.OpenAppStatus) {
		d.reg.post(func() {
			d.reg.logger.Debug("open application resolved", "device_id", d.id, "status", string(status))
			resolve(status.Opened())
		})
	})
	if err != nil {
		d.transportFault(err)
		d.reg.logger.Error("open application failed", "device_id", d.id, "error", err)
		d.reg.later(func() { resolve(false) })
		return false
	}
	return true
}

// sendJSON parses json and sends it. An empty string sends a null payload.
func (d *Device) sendJSON(messageType, json string, onResult func(SendResult)) {
	var payload codec.Value = codec.Null{}
	if json != "" {
		v, err := codec.ParseString(json)
		if err != nil {
			d.reg.logger.Error("could not parse payload", "device_id", d.id, "error", err)
			d.reg.later(func() { onResult(SendResult{Code: SendInvalidPayload}) })
			return
		}
		payload = v
	}
	d.send(messageType, payload, onResult)
}

// send encodes payload and transmits it.
func (d *Device) send(messageType string, payload codec.Value, onResult func(SendResult)) {
	encoded := codec.Encode(payload, messageType)
	for _, err := range encoded.Errors {
		d.reg.logger.Error("payload element dropped", "device_id", d.id, "error", err)
	}

	if encoded.Empty() {
		d.reg.later(func() { onResult(SendResult{Code: SendMessageEmpty}) })
		return
	}
	d.transmit(encoded.Elements, onResult)
}

// transmit sends a wire message, racing the transport against the send
// timeout. onResult runs exactly once, on the loop.
func (d *Device) transmit(elements []string, onResult func(SendResult)) {
	n := len(elements)
	if d.state != StateReady || d.app == nil {
		d.reg.later(func() { onResult(SendResult{Code: SendFailed, Elements: n}) })
		return
	}

	r := d.reg
	id := r.nextSendID()
	start := time.Now()
	var timer Timer

	finish := func(res SendResult) {
		if _, pending := r.inflight[id]; !pending {
			return
		}
		delete(r.inflight, id)
		if timer != nil {
			timer.Stop()
		}
		if r.metrics != nil {
			r.metrics.RecordSend(d.id, res, time.Since(start))
		}
		r.logger.Debug("send resolved", "device_id", d.id, "result", string(res.Code), "elements", n)
		onResult(res)
	}
	r.inflight[id] = finish

	timer = r.clock.AfterFunc(r.sendTimeout, func() {
		r.post(func() { finish(SendResult{Code: SendTimeout, Elements: n}) })
	})

	err := r.transport().SendMessage(*d.peer, *d.app, elements, func(status transport.MessageStatus) {
		r.post(func() {
			code := SendFailed
			if status == transport.MessageSuccess {
				code = SendSuccess
			}
			finish(SendResult{Code: code, Status: status, Elements: n})
		})
	})
	if err != nil {
		code, ok := d.transportFault(err)
		if !ok {
			code = SendFailed
		}
		r.logger.Error("send failed", "device_id", d.id, "error", err)
		r.later(func() { finish(SendResult{Code: code, Elements: n}) })
	}
}

// transportFault moves the device into the fault state matching err.
// It reports false when err is not a transport fault.
func (d *Device) transportFault(err error) (SendCode, bool) {
	switch {
	case errors.Is(err, transport.ErrInvalidState):
		d.setState(StateInvalidState)
		return SendInvalidState, true
	case errors.Is(err, transport.ErrServiceUnavailable):
		d.setState(StateServiceUnavailable)
		return SendServiceUnavailable, true
	default:
		return SendFailed, false
	}
}

// lifecycleFault handles a failed connection-tracking call. Anything that is
// not a transport fault leaves the device NotConnected.
func (d *Device) lifecycleFault(op string, err error) {
	d.reg.logger.Error("device "+op+" failed", "device_id", d.id, "error", err)
	if _, ok := d.transportFault(err); !ok {
		d.setState(StateNotConnected)
	}
}
