package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/wearlink-core/internal/events"
	"github.com/nerrad567/wearlink-core/internal/transport"
)

// opsBuffer is the capacity of the loop's operation queue.
const opsBuffer = 256

// Harness optionally decorates the transport of a debug-variant session.
type Harness func(t transport.Transport, appID string) (transport.Transport, error)

// Options holds the dependencies of a Registry.
type Options struct {
	// Factory builds the transport for each session. Required.
	Factory transport.Factory

	// Sink receives DEVICE, RECEIVE and APP_OPENED events. Required.
	Sink events.Sink

	// Logger is optional.
	Logger Logger

	// Clock schedules send timeouts. Defaults to the wall clock.
	Clock Clock

	// SendTimeout defaults to DefaultSendTimeout.
	SendTimeout time.Duration

	// ReleaseAppID and DebugAppID default to the built-in ids.
	ReleaseAppID string
	DebugAppID   string

	// Harness, if set, wraps the transport of debug-variant sessions.
	Harness Harness

	// Metrics is optional.
	Metrics Metrics
}

// session is the state of one Initialize…Shutdown pair.
type session struct {
	transport transport.Transport
	appID     string
	simulator bool
	debug     bool
	epoch     uint64
}

// Registry owns the transport session and the device set.
//
// All state is confined to the loop goroutine. Public methods are safe for
// concurrent use.
type Registry struct {
	factory      transport.Factory
	sink         events.Sink
	logger       Logger
	clock        Clock
	sendTimeout  time.Duration
	releaseAppID string
	debugAppID   string
	harness      Harness
	metrics      Metrics

	// Loop-owned state.
	sess        *session
	epoch       uint64
	sdkReady    bool
	devices     map[uint64]*Device
	pendingInit chan InitResult
	inflight    map[uint64]func(SendResult)
	sendSeq     uint64
	deferred    []func()

	ops      chan func()
	done     chan struct{}
	exited   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewRegistry creates a Registry. Call Start before using it.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}

	r := &Registry{
		factory:      opts.Factory,
		sink:         opts.Sink,
		logger:       opts.Logger,
		clock:        opts.Clock,
		sendTimeout:  opts.SendTimeout,
		releaseAppID: opts.ReleaseAppID,
		debugAppID:   opts.DebugAppID,
		harness:      opts.Harness,
		metrics:      opts.Metrics,
		devices:      make(map[uint64]*Device),
		inflight:     make(map[uint64]func(SendResult)),
		ops:          make(chan func(), opsBuffer),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	if r.clock == nil {
		r.clock = realClock{}
	}
	if r.sendTimeout <= 0 {
		r.sendTimeout = DefaultSendTimeout
	}
	if r.releaseAppID == "" {
		r.releaseAppID = DefaultReleaseAppID
	}
	if r.debugAppID == "" {
		r.debugAppID = DefaultDebugAppID
	}
	return r, nil
}

// Start launches the loop. The loop exits when ctx is cancelled or Stop is
// called.
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go r.run(ctx)
	return nil
}

// Stop shuts the session down and ends the loop.
func (r *Registry) Stop() {
	if !r.started.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil && !errors.Is(err, ErrStopped) {
		r.logger.Warn("session shutdown on stop failed", "error", err)
	}

	r.stopOnce.Do(func() {
		close(r.done)
	})
	<-r.exited
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.exited)
	for {
		select {
		case <-ctx.Done():
			r.exec(r.resetSession)
			return
		case <-r.done:
			return
		case fn := <-r.ops:
			r.exec(fn)
		}
	}
}

// exec runs one operation and then everything it deferred with later.
func (r *Registry) exec(fn func()) {
	r.safely(fn)
	for len(r.deferred) > 0 {
		next := r.deferred[0]
		r.deferred = r.deferred[1:]
		r.safely(next)
	}
}

func (r *Registry) safely(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("registry operation panic recovered", "panic", p)
		}
	}()
	fn()
}

// post queues fn for the loop. It is called from transport and timer
// goroutines, never from the loop itself.
func (r *Registry) post(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.exited:
	}
}

// later runs fn on the loop after the current operation returns.
func (r *Registry) later(fn func()) {
	r.deferred = append(r.deferred, fn)
}

// call runs fn on the loop and waits for it to return.
func (r *Registry) call(ctx context.Context, fn func()) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	ran := make(chan struct{})
	op := func() {
		defer close(ran)
		fn()
	}

	select {
	case r.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.exited:
		return ErrStopped
	}

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.exited:
		return ErrStopped
	}
}

// await waits for a result that the loop delivers later.
func await[T any](ctx context.Context, r *Registry, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.exited:
		return zero, ErrStopped
	}
}

// =============================================================================
// Loop-side helpers used by Device
// =============================================================================

func (r *Registry) transport() transport.Transport {
	if r.sess == nil {
		return nil
	}
	return r.sess.transport
}

func (r *Registry) appID() string {
	if r.sess == nil {
		return ""
	}
	return r.sess.appID
}

func (r *Registry) nextSendID() uint64 {
	r.sendSeq++
	return r.sendSeq
}

func (r *Registry) emit(e events.Event) {
	r.sink.Publish(e)
}

func (r *Registry) deviceStateChanged(d *Device) {
	r.logger.Info("device state changed", "device_id", d.id, "name", d.name, "state", string(d.state))
	if r.metrics != nil {
		r.metrics.RecordState(d.id, d.state)
	}
	r.NotifyDeviceStateChanged(d.View())
}

// NotifyDeviceStateChanged forwards a device's DEVICE event to the sink.
func (r *Registry) NotifyDeviceStateChanged(view events.DeviceView) {
	r.emit(events.DeviceChanged(view))
}

// =============================================================================
// Session lifecycle
// =============================================================================

// sdkListener routes SDK callbacks for one session epoch onto the loop.
type sdkListener struct {
	r     *Registry
	epoch uint64
}

func (l sdkListener) SDKReady() {
	l.r.post(func() {
		if !l.r.current(l.epoch) {
			return
		}
		l.r.onSDKReady()
	})
}

func (l sdkListener) SDKInitError(err error) {
	l.r.post(func() {
		if !l.r.current(l.epoch) {
			return
		}
		l.r.onSDKInitError(err)
	})
}

func (l sdkListener) SDKShutdown() {
	l.r.post(func() {
		if !l.r.current(l.epoch) {
			return
		}
		l.r.logger.Warn("transport SDK shut down")
		l.r.sdkReady = false
		l.r.clearDevices()
	})
}

func (r *Registry) current(epoch uint64) bool {
	return r.sess != nil && r.sess.epoch == epoch
}

// Initialize starts a new transport session, replacing any previous one.
// It resolves when the SDK reports ready (after the first device refresh) or
// fails to initialise.
func (r *Registry) Initialize(ctx context.Context, s Session) (InitResult, error) {
	if err := s.Validate(); err != nil {
		return InitResult{}, err
	}

	result := make(chan InitResult, 1)
	if err := r.call(ctx, func() { r.initialize(s, result) }); err != nil {
		return InitResult{}, err
	}
	return await(ctx, r, result)
}

func (r *Registry) initialize(s Session, result chan InitResult) {
	r.resetSession()

	debug := s.Variant == VariantDebug
	appID := r.releaseAppID
	if debug {
		appID = r.debugAppID
	}
	simulator := s.Mode == ModeSimulator

	fail := func(err error) {
		r.logger.Error("transport initialisation failed", "error", err)
		result <- InitResult{Simulator: simulator, DebugApplication: debug, Message: err.Error()}
	}

	t, err := r.factory(s.Endpoint())
	if err != nil {
		fail(fmt.Errorf("creating transport: %w", err))
		return
	}
	if debug && r.harness != nil {
		wrapped, err := r.harness(t, appID)
		if err != nil {
			t.Shutdown() //nolint:errcheck // best effort on the failure path
			fail(fmt.Errorf("attaching simulator harness: %w", err))
			return
		}
		t = wrapped
	}

	r.epoch++
	r.sess = &session{
		transport: t,
		appID:     appID,
		simulator: simulator,
		debug:     debug,
		epoch:     r.epoch,
	}
	r.pendingInit = result

	r.logger.Info("initialising transport",
		"endpoint", string(s.Endpoint()),
		"variant", string(s.Variant),
		"app_id", appID,
	)

	if err := t.Initialize(sdkListener{r: r, epoch: r.epoch}); err != nil {
		r.pendingInit = nil
		r.sess = nil
		t.Shutdown() //nolint:errcheck // best effort on the failure path
		fail(err)
	}
}

func (r *Registry) onSDKReady() {
	r.logger.Info("transport SDK ready")
	r.sdkReady = true
	r.refresh()

	if r.pendingInit != nil {
		r.pendingInit <- InitResult{
			Success:          true,
			Simulator:        r.sess.simulator,
			DebugApplication: r.sess.debug,
		}
		r.pendingInit = nil
	}
}

func (r *Registry) onSDKInitError(err error) {
	r.logger.Error("transport SDK initialisation error", "error", err)
	r.sdkReady = false

	if r.pendingInit != nil {
		r.pendingInit <- InitResult{
			Simulator:        r.sess.simulator,
			DebugApplication: r.sess.debug,
			Message:          err.Error(),
		}
		r.pendingInit = nil
	}
}

// Shutdown disconnects every device and releases the transport. It is
// idempotent.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.call(ctx, r.resetSession)
}

// resetSession tears down the current session, if any.
func (r *Registry) resetSession() {
	r.clearDevices()
	r.sdkReady = false

	if r.pendingInit != nil {
		r.pendingInit <- InitResult{Message: "initialisation superseded by shutdown"}
		r.pendingInit = nil
	}

	for id, finish := range r.inflight {
		finish(SendResult{Code: SendNotSent})
		delete(r.inflight, id)
	}

	if r.sess != nil {
		if err := r.sess.transport.Shutdown(); err != nil {
			r.logger.Warn("transport shutdown failed", "error", err)
		}
		r.logger.Info("transport session closed", "app_id", r.sess.appID)
		r.sess = nil
	}
}

func (r *Registry) clearDevices() {
	for id, d := range r.devices {
		d.disconnect()
		delete(r.devices, id)
	}
}

// OpenStore opens the store page of the session's application. Failures are
// logged and swallowed.
func (r *Registry) OpenStore(ctx context.Context) error {
	return r.call(ctx, func() {
		if r.sess == nil {
			r.logger.Debug("open store without a session")
			return
		}
		if err := r.sess.transport.OpenStore(r.sess.appID); err != nil {
			r.logger.Debug("open store failed", "error", err)
		}
	})
}

// =============================================================================
// Device queries and commands
// =============================================================================

// GetDevices returns the known devices. The list is re-derived from the
// transport when it is empty or forceReload is set. While the SDK is not
// ready the result is empty.
func (r *Registry) GetDevices(ctx context.Context, forceReload bool) ([]events.DeviceView, error) {
	var views []events.DeviceView
	err := r.call(ctx, func() {
		if !r.sdkReady {
			return
		}
		if len(r.devices) == 0 || forceReload {
			r.refresh()
		}
		views = r.views()
	})
	if views == nil {
		views = []events.DeviceView{}
	}
	return views, err
}

// GetDevice returns one device. ok is false when the SDK is not ready or the
// id is unknown.
func (r *Registry) GetDevice(ctx context.Context, id uint64) (view events.DeviceView, ok bool, err error) {
	err = r.call(ctx, func() {
		d := r.lookup(id)
		if d == nil {
			return
		}
		view, ok = d.View(), true
	})
	return view, ok, err
}

// OpenApplication asks a device to launch the application. It reports
// whether the request was dispatched; the outcome arrives later as an
// APP_OPENED event. ErrDeviceNotFound is returned for unknown ids.
func (r *Registry) OpenApplication(ctx context.Context, id uint64) (bool, error) {
	var dispatched, found bool
	err := r.call(ctx, func() {
		d := r.lookup(id)
		if d == nil {
			return
		}
		found = true
		dispatched = d.openApplication(func(success bool) {
			r.logger.Info("application open resolved", "device_id", id, "success", success)
			r.emit(events.AppOpened(d.View(), success))
		})
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	return dispatched, nil
}

// SendToDevice sends a JSON payload, tagged with messageType, and waits for
// the outcome. An unknown id resolves with SendDeviceNotFound.
func (r *Registry) SendToDevice(ctx context.Context, id uint64, messageType, json string) (SendResult, error) {
	result := make(chan SendResult, 1)
	err := r.call(ctx, func() {
		d := r.lookup(id)
		if d == nil {
			result <- SendResult{Code: SendDeviceNotFound}
			return
		}
		d.sendJSON(messageType, json, func(res SendResult) {
			result <- res
		})
	})
	if err != nil {
		return SendResult{}, err
	}
	return await(ctx, r, result)
}

func (r *Registry) lookup(id uint64) *Device {
	if !r.sdkReady {
		return nil
	}
	return r.devices[id]
}

func (r *Registry) views() []events.DeviceView {
	views := make([]events.DeviceView, 0, len(r.devices))
	for _, d := range r.devices {
		views = append(views, d.View())
	}
	slices.SortFunc(views, func(a, b events.DeviceView) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return views
}

// refresh re-derives the device set from the transport. Devices still
// reported keep their state and are only re-attached when their peer handle
// changed; devices no longer reported are disconnected and dropped.
func (r *Registry) refresh() {
	t := r.transport()
	if t == nil {
		return
	}

	peers, err := t.KnownDevices()
	if err != nil {
		r.logger.Error("listing known devices failed", "error", err)
		if errors.Is(err, transport.ErrInvalidState) || errors.Is(err, transport.ErrServiceUnavailable) {
			r.clearDevices()
		}
		return
	}

	seen := make(map[uint64]bool, len(peers))
	for _, p := range peers {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true

		d, ok := r.devices[p.ID]
		if !ok {
			d = newDevice(r, p)
			r.devices[p.ID] = d
			d.attach(p)
			continue
		}
		if d.peer == nil || *d.peer != p {
			d.attach(p)
		}
	}

	for id, d := range r.devices {
		if !seen[id] {
			d.disconnect()
			delete(r.devices, id)
		}
	}

	r.logger.Info("device list refreshed", "count", len(r.devices))
}
