// Package driver implements the DevTools session driver: a long-running
// WebSocket client that issues JSON-RPC commands with
// monotonically-increasing correlation ids, dispatches asynchronous
// events, and drives the page-visit state machine.
package driver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iipc/go-archiving-browser/behavior"
	"github.com/iipc/go-archiving-browser/internal/metrics"
	"github.com/iipc/go-archiving-browser/supervisor"
)

const readerJoinTimeout = 30 * time.Second

// Driver owns a debug port, its Supervisor, and (for the duration of one
// BrowsePage call) the page-visit context. It exposes a
// synchronous-per-call API; internally a reader goroutine runs
// concurrently with the caller's supervisory poll loop.
type Driver struct {
	port int

	supervisorOpts []supervisor.Option
	supervisor     *supervisor.Supervisor
	wsURL          string
	defaultProxy   string

	dialer Dialer

	nextID int64

	visit   *visitState
	aborted atomic.Bool

	behaviorFactory behavior.Factory

	// now is the clock used to evaluate the hard timeout; overridable by
	// tests so the 20-minute ceiling doesn't require a real-time sleep.
	now func() time.Time

	log *logrus.Entry
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithSupervisorOptions passes options through to the underlying
// Supervisor (exec path, proxy, cert errors).
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(d *Driver) { d.supervisorOpts = append(d.supervisorOpts, opts...) }
}

// WithDefaultProxy sets the proxy used when BrowsePage's Start is called
// without a per-call override.
func WithDefaultProxy(proxy string) Option {
	return func(d *Driver) { d.defaultProxy = proxy }
}

// WithDialer overrides the websocket dialer; used by tests to inject a
// fake transport.
func WithDialer(dialer Dialer) Option {
	return func(d *Driver) { d.dialer = dialer }
}

// WithBehaviorFactory overrides how a Behavior is constructed once a
// page's screenshot has been captured. Defaults to behavior.NewNop.
func WithBehaviorFactory(f behavior.Factory) Option {
	return func(d *Driver) { d.behaviorFactory = f }
}

// WithLogger attaches a logrus logger.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Driver) { d.log = log }
}

// WithRemoteWebSocketURL preconfigures the Driver to speak to an
// already-running chrome instance's DevTools websocket instead of
// spawning its own via a Supervisor. Start becomes a no-op once this is
// set. Tests also use this to attach a fake Conn without spawning a
// real process.
func WithRemoteWebSocketURL(wsURL string) Option {
	return func(d *Driver) { d.wsURL = wsURL }
}

// New creates a Driver bound to port, not yet started.
func New(port int, opts ...Option) *Driver {
	d := &Driver{
		port:            port,
		dialer:          wsDialer{},
		behaviorFactory: behavior.NewNop,
		now:             time.Now,
		log:             logrus.WithField("component", "driver"),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.WithField("port", d.port)
	return d
}

// String reports the driver's port, for log correlation.
func (d *Driver) String() string {
	return fmt.Sprintf("driver:%d", d.port)
}

// Start lazily brings up the Supervisor, using proxyOverride if
// non-empty, else the Driver's configured default proxy. If the Driver
// was constructed with WithRemoteWebSocketURL, Start is a no-op: the
// Driver connects to an already-running chrome instead of spawning one.
func (d *Driver) Start(ctx context.Context, proxyOverride string) error {
	if d.wsURL != "" {
		return nil
	}
	proxy := d.defaultProxy
	if proxyOverride != "" {
		proxy = proxyOverride
	}
	opts := append([]supervisor.Option{}, d.supervisorOpts...)
	if proxy != "" {
		opts = append(opts, supervisor.WithProxy(proxy))
	}
	sv := supervisor.New(d.port, opts...)
	wsURL, err := sv.Start(ctx)
	if err != nil {
		metrics.SupervisorStartFailures.Inc()
		if stopErr := sv.Stop(context.Background()); stopErr != nil {
			d.log.WithError(stopErr).Warn("error stopping chrome after failed start")
		}
		return &StartupError{err: err}
	}
	metrics.SupervisorStarts.Inc()
	d.supervisor = sv
	d.wsURL = wsURL
	return nil
}

// Stop tears down the Supervisor and any temp resources. Idempotent.
func (d *Driver) Stop(ctx context.Context) error {
	if d.supervisor == nil {
		return nil
	}
	err := d.supervisor.Stop(ctx)
	d.supervisor = nil
	d.wsURL = ""
	metrics.SupervisorStops.Inc()
	return err
}

// AbortBrowsePage sets the abort flag; safe to call from any goroutine.
func (d *Driver) AbortBrowsePage() {
	d.aborted.Store(true)
}

// Aborted reports whether AbortBrowsePage has been called for this
// Driver's current (or most recent) visit.
func (d *Driver) Aborted() bool {
	return d.aborted.Load()
}

// SendToChrome allocates the next command id, sends a JSON-RPC request
// over the active visit's websocket, and returns the id. It is the
// internal primitive the state machine uses, and is also the Sender a
// Behavior is constructed with.
func (d *Driver) SendToChrome(method string, params interface{}) (int64, error) {
	if d.visit == nil || d.visit.conn == nil {
		return 0, newBrowsingException("no active page visit", nil)
	}
	return d.sendLocked(d.visit, method, params)
}

func (d *Driver) sendLocked(v *visitState, method string, params interface{}) (int64, error) {
	id := atomic.AddInt64(&d.nextID, 1)
	req := rpcRequest{ID: id, Method: method, Params: params}
	d.log.WithFields(logrus.Fields{"id": id, "method": method}).Debug("sending to chrome")
	if err := v.conn.WriteMessage(req); err != nil {
		return id, err
	}
	metrics.CommandsSent.Inc()
	return id, nil
}

// BrowsePage synchronously loads url, takes a screenshot, runs a
// behavior, and returns its discovered outlinks. It returns
// *BrowsingAborted if AbortBrowsePage was called during the visit, or
// *BrowsingException for any transport/protocol failure.
func (d *Driver) BrowsePage(
	ctx context.Context,
	url string,
	onRequest func(message []byte),
	onScreenshot func(png []byte),
	onURLChange func(newURL string),
) (map[string]struct{}, error) {
	d.aborted.Store(false)
	if err := d.Start(ctx, ""); err != nil {
		return nil, err
	}

	conn, err := d.dialer.Dial(ctx, d.wsURL)
	if err != nil {
		return nil, newBrowsingException("failed to open websocket "+d.wsURL, err)
	}

	v := newVisitState(url, d.behaviorFactory)
	v.conn = conn
	v.wsURL = d.wsURL
	if onRequest != nil {
		v.onRequest = func(raw json.RawMessage) { onRequest([]byte(raw)) }
	}
	v.onScreenshot = onScreenshot
	v.onURLChange = onURLChange
	v.start = time.Now()
	d.visit = v

	events := make(chan driverEvent, 1024)
	readerDone := make(chan struct{})
	stop := make(chan struct{})
	readerID := randomID()

	go d.readLoop(conn, events, readerDone, stop, readerID)

	defer d.teardownVisit(conn, readerDone, stop, readerID)

	if err := d.sendVisitSequence(v); err != nil {
		return nil, newBrowsingException("failed during initial handshake with "+d.wsURL, err)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				v.transportDead = true
			} else {
				d.applyEvent(v, ev)
			}
		case <-ticker.C:
		case <-ctx.Done():
			return nil, newBrowsingException("context cancelled", ctx.Err())
		}

		d.drainEvents(v, events)

		if done, outlinks, err := d.terminal(v); done {
			return outlinks, err
		}
	}
}

// drainEvents applies any further events already buffered on the
// channel without blocking, so bursts of events between ticks are all
// applied before the termination conditions are (re-)evaluated.
func (d *Driver) drainEvents(v *visitState, events <-chan driverEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				v.transportDead = true
				return
			}
			d.applyEvent(v, ev)
		default:
			return
		}
	}
}

// sendVisitSequence implements the S1->S3 transition: enable the
// domains the driver consumes, set the analytics-neutralizing
// breakpoint, and navigate.
func (d *Driver) sendVisitSequence(v *visitState) error {
	for _, method := range []string{
		"Network.enable",
		"Page.enable",
		"Console.enable",
		"Debugger.enable",
		"Runtime.enable",
	} {
		if _, err := d.sendLocked(v, method, nil); err != nil {
			return err
		}
	}
	if _, err := d.sendLocked(v, "Debugger.setBreakpointByUrl", map[string]interface{}{
		"lineNumber": 1,
		"urlRegex":   analyticsBreakpointRegex,
	}); err != nil {
		return err
	}
	if _, err := d.sendLocked(v, "Page.navigate", map[string]string{"url": v.url}); err != nil {
		return err
	}
	return nil
}

func (d *Driver) readLoop(conn Conn, events chan<- driverEvent, done chan<- struct{}, stop <-chan struct{}, readerID string) {
	log := d.log.WithField("reader_id", readerID)
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		msg, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			log.WithError(err).Debug("reader loop exiting")
			select {
			case events <- driverEvent{kind: evTransportClosed, err: err}:
			default:
			}
			return
		}
		metrics.EventsReceived.Inc()
		events <- classifyMessage(msg)
	}
}

// teardownVisit always runs (deferred) at the end of BrowsePage: close
// the websocket if still connected, join the reader with a 30s
// deadline, and if still alive, clear its run flag and join again for
// another 30s, logging critically if still alive.
func (d *Driver) teardownVisit(conn Conn, readerDone <-chan struct{}, stop chan struct{}, readerID string) {
	log := d.log.WithField("reader_id", readerID)
	if err := conn.Close(); err != nil {
		log.WithError(err).Debug("error closing websocket during teardown")
	}

	select {
	case <-readerDone:
		d.visit = nil
		return
	case <-time.After(readerJoinTimeout):
		log.Error("reader still alive 30 seconds after closing websocket, nudging again")
	}

	close(stop)
	select {
	case <-readerDone:
	case <-time.After(readerJoinTimeout):
		log.Error("reader still alive 60 seconds after closing websocket")
	}
	d.visit = nil
}

func randomID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 6)
	rand.Read(buf)
	out := make([]byte, 6)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
