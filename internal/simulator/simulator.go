// Package simulator decorates a transport so the debug build of the companion
// application can be exercised without a watch answering requests.
//
// The harness passes every call through to the wrapped transport. Outbound
// messages that carry request=<marker> and tid=<n> additionally get a
// synthesised reply, delivered after a random delay to the app-event handler
// the device layer registered:
//
//	["tid=<n>", "type=response", "request=logs", "log0=...", "log1=..."]
package simulator

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// Default harness settings.
const (
	DefaultMinDelay = 5 * time.Second
	DefaultMaxDelay = 10 * time.Second
)

// DefaultMarkers lists the request kinds answered when Config.Markers is empty.
var DefaultMarkers = []string{"logs"}

// ErrNotDebugApp is returned by Wrap for any application other than the debug
// build.
var ErrNotDebugApp = errors.New("simulator: harness only wraps the debug application")

// Config controls the harness.
type Config struct {
	// DebugAppID is the only application id the harness accepts. Required.
	DebugAppID string

	// MinDelay and MaxDelay bound the reply delay.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Markers are the request values that trigger a reply.
	Markers []string

	// LogLines are returned as log0..logN in replies. Defaults to a short
	// synthetic log.
	LogLines []string
}

// Logger defines the logging interface used by the harness.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}

type handler struct {
	app transport.App
	fn  transport.AppEventFunc
}

// Transport is the harness. It implements transport.Transport.
type Transport struct {
	transport.Transport

	cfg    Config
	logger Logger

	mu       sync.Mutex
	handlers map[uint64]handler
	timers   map[*time.Timer]struct{}
	closed   bool
}

// Wrap decorates t. appID must equal cfg.DebugAppID.
func Wrap(t transport.Transport, appID string, cfg Config) (*Transport, error) {
	if t == nil {
		return nil, fmt.Errorf("simulator: nil transport")
	}
	if cfg.DebugAppID == "" || appID != cfg.DebugAppID {
		return nil, fmt.Errorf("%w: %q", ErrNotDebugApp, appID)
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if len(cfg.Markers) == 0 {
		cfg.Markers = DefaultMarkers
	}
	if len(cfg.LogLines) == 0 {
		cfg.LogLines = []string{
			"simulator harness attached",
			"request received from host",
		}
	}

	return &Transport{
		Transport: t,
		cfg:       cfg,
		logger:    noopLogger{},
		handlers:  make(map[uint64]handler),
		timers:    make(map[*time.Timer]struct{}),
	}, nil
}

// SetLogger sets the logger.
func (s *Transport) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Initialize implements transport.Transport.
func (s *Transport) Initialize(listener transport.Listener) error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	return s.Transport.Initialize(listener)
}

// RegisterForAppEvents records fn so replies can be delivered to it.
func (s *Transport) RegisterForAppEvents(peer transport.Peer, app transport.App, fn transport.AppEventFunc) error {
	if err := s.Transport.RegisterForAppEvents(peer, app, fn); err != nil {
		return err
	}
	s.mu.Lock()
	s.handlers[peer.ID] = handler{app: app, fn: fn}
	s.mu.Unlock()
	return nil
}

// UnregisterForEvents implements transport.Transport.
func (s *Transport) UnregisterForEvents(peer transport.Peer) error {
	s.mu.Lock()
	delete(s.handlers, peer.ID)
	s.mu.Unlock()
	return s.Transport.UnregisterForEvents(peer)
}

// SendMessage passes the message through and schedules a reply when it is a
// recognised request.
func (s *Transport) SendMessage(peer transport.Peer, app transport.App, elements []string, fn transport.SendFunc) error {
	if err := s.Transport.SendMessage(peer, app, elements, fn); err != nil {
		return err
	}

	request, tid, ok := s.match(elements)
	if !ok {
		return nil
	}

	delay := s.delay()
	s.logger.Debug("simulated reply scheduled",
		"peer_id", peer.ID, "request", request, "tid", tid, "delay", delay.String())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		h, found := s.handlers[peer.ID]
		closed := s.closed
		s.mu.Unlock()

		if closed || !found {
			return
		}
		s.logger.Info("delivering simulated reply", "peer_id", peer.ID, "tid", tid)
		h.fn(peer, h.app, s.reply(tid, request), transport.MessageSuccess)
	})
	s.timers[timer] = struct{}{}
	return nil
}

// Shutdown stops pending replies and shuts the wrapped transport down.
func (s *Transport) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
	s.handlers = make(map[uint64]handler)
	s.mu.Unlock()

	return s.Transport.Shutdown()
}

// Pending returns the number of replies not yet delivered.
func (s *Transport) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// match reports the request marker and tid of a recognised request.
func (s *Transport) match(elements []string) (request, tid string, ok bool) {
	var haveRequest, haveTID bool
	for _, el := range elements {
		key, value, found := strings.Cut(el, "=")
		if !found {
			continue
		}
		switch key {
		case "request":
			request, haveRequest = value, true
		case "tid":
			tid, haveTID = value, true
		}
	}
	if !haveRequest || !haveTID {
		return "", "", false
	}
	for _, m := range s.cfg.Markers {
		if m == request {
			return request, tid, true
		}
	}
	return "", "", false
}

func (s *Transport) delay() time.Duration {
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + rand.N(span+1)
}

func (s *Transport) reply(tid, request string) []any {
	out := make([]any, 0, 3+len(s.cfg.LogLines))
	out = append(out, "tid="+tid, "type=response", "request="+request)
	for i, line := range s.cfg.LogLines {
		out = append(out, fmt.Sprintf("log%d=%s", i, line))
	}
	return out
}
