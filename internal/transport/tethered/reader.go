package tethered

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// readLoop decodes frames until the connection fails. It owns no callbacks:
// everything the device layer sees is pushed onto queue.
func (t *Transport) readLoop(conn *websocket.Conn, queue *dispatcher, done chan struct{}) {
	defer close(done)
	defer queue.close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(err, queue)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		f, err := decodeFrame(data)
		if err != nil {
			t.logger.Warn("dropping malformed simulator frame", "error", err)
			continue
		}
		t.handle(f, queue)
	}
}

func (t *Transport) handle(f frame, queue *dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch f.Op {
	case opReady, opInitError, opShutdown:
		l := t.listener
		if l == nil {
			return
		}
		switch f.Op {
		case opReady:
			queue.push(l.SDKReady)
		case opInitError:
			err := remoteError(f.Error)
			if err == nil {
				err = remoteError(codeServiceUnavailable)
			}
			queue.push(func() { l.SDKInitError(err) })
		default:
			queue.push(l.SDKShutdown)
		}

	case opResult, opSent, opOpened:
		if reply, ok := t.waiting[f.ID]; ok {
			delete(t.waiting, f.ID)
			reply <- f
			return
		}
		if fn, ok := t.pending[f.ID]; ok {
			delete(t.pending, f.ID)
			queue.push(func() { fn(f) })
			return
		}
		t.logger.Debug("reply for unknown request", "op", f.Op, "id", f.ID)

	case opDevice:
		fn, ok := t.deviceSubs[f.Peer]
		if !ok {
			return
		}
		peer := transport.Peer{ID: f.Peer}
		status := peerStatus(f.Status)
		queue.push(func() { fn(peer, status) })

	case opMessage:
		sub, ok := t.appSubs[f.Peer]
		if !ok {
			t.logger.Debug("message for unsubscribed peer", "peer_id", f.Peer)
			return
		}
		app := sub.app
		if f.App != "" {
			app = transport.App{ID: f.App, Version: f.Version}
		}
		status := transport.MessageStatus(f.Status)
		if status == "" {
			status = transport.MessageSuccess
		}
		peer := transport.Peer{ID: f.Peer}
		elements := f.Elements
		queue.push(func() { sub.fn(peer, app, elements, status) })

	default:
		t.logger.Debug("ignoring simulator frame", "op", f.Op)
	}
}

// connectionLost fails every outstanding request. Unless the loss was caused
// by Shutdown, the listener is told the SDK went away.
func (t *Transport) connectionLost(err error, queue *dispatcher) {
	t.mu.Lock()
	closing := t.closing
	listener := t.listener
	for id, reply := range t.waiting {
		close(reply)
		delete(t.waiting, id)
	}
	var orphaned []func(frame)
	for id, fn := range t.pending {
		orphaned = append(orphaned, fn)
		delete(t.pending, id)
	}
	if !closing {
		t.conn = nil
		t.listener = nil
	}
	t.mu.Unlock()

	failed := frame{Error: codeServiceUnavailable}
	for _, fn := range orphaned {
		queue.push(func() { fn(failed) })
	}

	if closing {
		return
	}
	t.logger.Warn("simulator connection lost", "error", err)
	if listener != nil {
		queue.push(listener.SDKShutdown)
	}
}

func peerStatus(s string) transport.PeerStatus {
	switch status := transport.PeerStatus(s); status {
	case transport.PeerConnected, transport.PeerNotConnected, transport.PeerNotPaired:
		return status
	default:
		return transport.PeerUnknown
	}
}

// dispatcher runs callbacks one at a time in push order. The queue is
// unbounded so the reader never blocks on a slow consumer.
type dispatcher struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{wake: make(chan struct{}, 1)}
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.items = append(d.items, fn)
	d.mu.Unlock()
	d.signal()
}

// close lets run exit once the queue is drained.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		items := d.items
		d.items = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range items {
			d.safely(fn)
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) safely(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
