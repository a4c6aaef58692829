package zkteco

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

const (
	// DefaultTimeout applies to connect and to each exchange when unset.
	DefaultTimeout = 5 * time.Second

	// envelopeSize is the uint32 length prefix carried before each frame on the stream.
	envelopeSize = 4

	// eventQueueSize is the buffer size for device-pushed event frames.
	eventQueueSize = 64

	// exitWriteTimeout bounds the best-effort goodbye frame on disconnect.
	exitWriteTimeout = 500 * time.Millisecond
)

// State is the transport connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// TransportConfig holds device connection settings.
type TransportConfig struct {
	// Address is the device "host:port".
	Address string

	// Timeout bounds the dial plus handshake, and each request/reply exchange.
	// Default: 5 seconds.
	Timeout time.Duration

	// CommKey is sent in an auth frame when the device demands one.
	CommKey uint32
}

// TransportStats holds operational statistics.
type TransportStats struct {
	FramesTx         uint64
	FramesRx         uint64
	ChecksumFailures uint64
	Timeouts         uint64
	EventsDropped    uint64
	LastActivity     time.Time
	State            State
	Session          uint16
}

// reply is the outcome of one exchange as seen by the reader goroutine.
type reply struct {
	frame Frame
	err   error
}

// link is one physical connection. A new link is created on every connect so
// a reader goroutine from a dead connection cannot touch its successor.
type link struct {
	conn    net.Conn
	replies chan reply
	closed  *closeOnce
	pending atomic.Bool
}

func (l *link) close() {
	l.closed.Close()
	l.conn.Close()
}

// Transport owns a single stream connection to a device and exposes a
// strictly sequential request/reply exchange over it.
//
// State machine:
//
//	Disconnected -> Connecting -> Connected -> Disconnected
//
// A timed-out exchange or a socket error drops the transport to
// Disconnected. Transport never reconnects on its own; the caller decides.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Send calls are serialised; at most one request is outstanding.
type Transport struct {
	cfg TransportConfig

	// exchangeMu serialises Connect and Send so only one request is in flight.
	exchangeMu sync.Mutex
	// writeMu serialises socket writes between Send and Disconnect.
	writeMu sync.Mutex

	connMu  sync.RWMutex
	link    *link
	state   State
	session uint16
	// generation counts completed handshakes.
	generation uint64

	events chan Frame
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesTx         atomic.Uint64
	framesRx         atomic.Uint64
	checksumFailures atomic.Uint64
	timeouts         atomic.Uint64
	eventsDropped    atomic.Uint64
	lastActivity     atomic.Int64
}

// NewTransport creates a disconnected transport.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Transport{
		cfg:    cfg,
		events: make(chan Frame, eventQueueSize),
	}
}

// Connect opens the stream and performs the connect handshake.
//
// Calling Connect while already connected returns nil without reopening.
// Any dial, handshake or auth failure is reported as ErrConnect and leaves
// the transport Disconnected.
func (t *Transport) Connect(ctx context.Context) error {
	t.exchangeMu.Lock()
	defer t.exchangeMu.Unlock()

	if t.State() == StateConnected {
		return nil
	}
	t.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", t.cfg.Address)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("%w: dial %s: %w", ErrConnect, t.cfg.Address, err)
	}

	l := &link{
		conn:    conn,
		replies: make(chan reply, 1),
		closed:  newCloseOnce(),
	}

	t.connMu.Lock()
	t.link = l
	t.session = 0
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.readLoop(l)

	session, err := t.handshake(dialCtx, l)
	if err != nil {
		t.teardown(l)
		return fmt.Errorf("%w: handshake with %s: %w", ErrConnect, t.cfg.Address, err)
	}

	t.connMu.Lock()
	t.session = session
	t.state = StateConnected
	t.generation++
	t.connMu.Unlock()

	t.logInfo("device connected", "address", t.cfg.Address, "session", session)
	return nil
}

// handshake sends CmdConnect and, if challenged, CmdAuth with the comm key.
func (t *Transport) handshake(ctx context.Context, l *link) (uint16, error) {
	resp, err := t.exchange(ctx, l, CmdConnect, nil)
	if err != nil {
		return 0, err
	}
	session := resp.Session

	switch resp.Command {
	case CmdAckOK:
		return session, nil
	case CmdAckUnauth:
		t.connMu.Lock()
		t.session = session
		t.connMu.Unlock()

		key := make([]byte, 4)
		binary.LittleEndian.PutUint32(key, t.cfg.CommKey)
		authResp, err := t.exchange(ctx, l, CmdAuth, key)
		if err != nil {
			return 0, fmt.Errorf("auth: %w", err)
		}
		if authResp.Command != CmdAckOK {
			return 0, fmt.Errorf("auth rejected (reply %d)", authResp.Command)
		}
		return session, nil
	default:
		return 0, fmt.Errorf("unexpected connect reply %d", resp.Command)
	}
}

// Send writes one command and waits for the reply that answers it.
//
// Returns ErrNotConnected when disconnected, ErrTimeout when no reply
// arrives in time (the transport is then Disconnected), and
// ErrChecksumMismatch when the reply frame is corrupted.
func (t *Transport) Send(ctx context.Context, command uint16, payload []byte) (Frame, error) {
	t.exchangeMu.Lock()
	defer t.exchangeMu.Unlock()

	t.connMu.RLock()
	l, state := t.link, t.state
	t.connMu.RUnlock()

	if l == nil || state != StateConnected {
		return Frame{}, ErrNotConnected
	}
	return t.exchange(ctx, l, command, payload)
}

// exchange performs one request/reply round trip on l. Callers hold exchangeMu.
func (t *Transport) exchange(ctx context.Context, l *link, command uint16, payload []byte) (Frame, error) {
	frame, err := EncodeCommand(command, t.SessionID(), payload)
	if err != nil {
		return Frame{}, err
	}

	// Discard anything that arrived while no request was outstanding.
	select {
	case <-l.replies:
	default:
	}

	l.pending.Store(true)
	defer l.pending.Store(false)

	if err := t.writeFrame(ctx, l, frame); err != nil {
		t.teardown(l)
		return Frame{}, fmt.Errorf("%w: write: %w", ErrNotConnected, err)
	}

	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-l.replies:
		return r.frame, r.err
	case <-timer.C:
		t.timeouts.Add(1)
		t.logWarn("exchange timed out, dropping connection", "command", command, "timeout", t.cfg.Timeout.String())
		t.teardown(l)
		return Frame{}, fmt.Errorf("%w: command %d after %s", ErrTimeout, command, t.cfg.Timeout)
	case <-ctx.Done():
		// The reply may still arrive; the stream can no longer be trusted.
		t.teardown(l)
		return Frame{}, fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
	}
}

// writeFrame writes the length envelope and frame with a deadline.
func (t *Transport) writeFrame(ctx context.Context, l *link, frame []byte) error {
	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, envelopeSize+len(frame))
	binary.LittleEndian.PutUint32(buf, uint32(len(frame))) //nolint:gosec // bounded by MaxFrameSize
	copy(buf[envelopeSize:], frame)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := l.conn.Write(buf); err != nil {
		return err
	}

	t.framesTx.Add(1)
	t.lastActivity.Store(time.Now().Unix())
	return nil
}

// readLoop decodes frames until the link dies. Event pushes go to the events
// channel; everything else answers the outstanding request.
func (t *Transport) readLoop(l *link) {
	defer t.wg.Done()

	for {
		frame, err := readFrame(l.conn)
		if err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				t.checksumFailures.Add(1)
				t.logWarn("discarding corrupted frame", "error", err)
				t.deliver(l, reply{err: err})
				continue
			}

			select {
			case <-l.closed.Done():
			default:
				t.logWarn("device connection lost", "error", err)
			}
			t.deliver(l, reply{err: fmt.Errorf("%w: %w", ErrNotConnected, err)})
			t.teardown(l)
			return
		}

		t.framesRx.Add(1)
		t.lastActivity.Store(time.Now().Unix())

		if frame.Command == CmdRegEvent {
			select {
			case t.events <- frame:
			default:
				t.eventsDropped.Add(1)
				t.logWarn("event queue full, dropping event frame")
			}
			continue
		}

		t.deliver(l, reply{frame: frame})
	}
}

// deliver hands r to the waiting exchange, if there is one.
func (t *Transport) deliver(l *link, r reply) {
	if !l.pending.Load() {
		if r.err == nil {
			t.logDebug("dropping unsolicited frame", "command", r.frame.Command)
		}
		return
	}
	select {
	case l.replies <- r:
	default:
	}
}

// readFrame reads one length-prefixed frame from r and decodes it.
// An implausible length means the stream is out of step and is fatal.
func readFrame(r io.Reader) (Frame, error) {
	var sizeBuf [envelopeSize]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("read size: %w", err)
	}

	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < HeaderSize+ChecksumSize || size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: envelope length %d", ErrInvalidFrame, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return DecodeResponse(buf)
}

// teardown closes l and, if it is still the current link, marks the
// transport Disconnected.
func (t *Transport) teardown(l *link) {
	t.connMu.Lock()
	if t.link == l {
		t.link = nil
		t.state = StateDisconnected
		t.session = 0
	}
	t.connMu.Unlock()
	l.close()
}

// Disconnect releases the connection. It always succeeds and is safe to
// call repeatedly or while disconnected.
func (t *Transport) Disconnect() {
	t.connMu.RLock()
	l, state := t.link, t.state
	t.connMu.RUnlock()

	if l != nil {
		if state == StateConnected {
			if frame, err := EncodeCommand(CmdExit, t.SessionID(), nil); err == nil {
				ctx, cancel := context.WithTimeout(context.Background(), exitWriteTimeout)
				_ = t.writeFrame(ctx, l, frame)
				cancel()
			}
		}
		t.teardown(l)
		t.logInfo("device disconnected", "address", t.cfg.Address)
	}

	t.wg.Wait()
}

// Events returns device-pushed event frames. The channel is never closed.
func (t *Transport) Events() <-chan Frame {
	return t.events
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.state
}

// IsConnected returns true when the handshake has completed.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// Generation identifies the current connection. It changes on every
// successful Connect and is 0 while disconnected.
func (t *Transport) Generation() uint64 {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	if t.state != StateConnected {
		return 0
	}
	return t.generation
}

// SessionID returns the session assigned by the device, or 0.
func (t *Transport) SessionID() uint16 {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.session
}

// Address returns the configured device address.
func (t *Transport) Address() string {
	return t.cfg.Address
}

// Stats returns current operational statistics.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		FramesTx:         t.framesTx.Load(),
		FramesRx:         t.framesRx.Load(),
		ChecksumFailures: t.checksumFailures.Load(),
		Timeouts:         t.timeouts.Load(),
		EventsDropped:    t.eventsDropped.Load(),
		LastActivity:     time.Unix(t.lastActivity.Load(), 0),
		State:            t.State(),
		Session:          t.SessionID(),
	}
}

// SetLogger sets the logger for this transport.
func (t *Transport) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

func (t *Transport) setState(s State) {
	t.connMu.Lock()
	t.state = s
	t.connMu.Unlock()
}

func (t *Transport) getLogger() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

func (t *Transport) logDebug(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (t *Transport) logInfo(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (t *Transport) logWarn(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
