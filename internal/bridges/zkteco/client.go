package zkteco

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// punchQueueSize is the buffer between the event pump and the punch callback.
const punchQueueSize = 100

// Config identifies a device and how to reach it.
type Config struct {
	IP       string
	Port     int
	DeviceID int
	CommKey  int

	// Timeout bounds connect and each exchange. Default: 5 seconds.
	Timeout time.Duration

	// CaptureDir, when set, makes attendance and roster reads come from
	// capture files in this directory instead of the live device.
	CaptureDir string
}

// Address returns the device "host:port".
func (c Config) Address() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// DeviceInfo describes the terminal as reported by GET_INFO.
type DeviceInfo struct {
	SerialNumber string `json:"serial_number"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	TotalUsers   int    `json:"total_users"`
	TotalLogs    int    `json:"total_logs"`
	BatteryLevel *int   `json:"battery_level,omitempty"`
}

// TimeRange bounds a query inclusively. A zero Start or End is unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Device is the set of device operations the rest of the system depends on.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	GetDeviceInfo(ctx context.Context) (DeviceInfo, error)
	GetAttendanceRecords(ctx context.Context, r *TimeRange) ([]Punch, error)
	GetEmployees(ctx context.Context) ([]RosterEntry, error)
	EnableRealtimeEvents(ctx context.Context) error
	DisableRealtimeEvents(ctx context.Context)
	RealtimeEnabled() bool
	Ping(ctx context.Context) bool
}

var _ Device = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client and transport logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRecordSource overrides where attendance and roster payloads come from.
func WithRecordSource(src RecordSource) Option {
	return func(c *Client) { c.source = src }
}

// Client composes the transport and record decoder into device operations.
//
// Thread Safety:
//   - All methods are safe for concurrent use; device exchanges are serialised
//     by the underlying Transport.
//   - The punch callback runs on a dedicated goroutine.
type Client struct {
	cfg       Config
	transport *Transport
	source    RecordSource
	logger    Logger

	onPunch    func(Punch)
	callbackMu sync.RWMutex

	// pumpStop is non-nil while realtime events are enabled. pumpGen is
	// the transport generation the device registered events on.
	pumpMu   sync.Mutex
	pumpStop *closeOnce
	pumpGen  uint64
	pumpWG   sync.WaitGroup
}

// NewClient creates a disconnected client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	transport := NewTransport(TransportConfig{
		Address: cfg.Address(),
		Timeout: cfg.Timeout,
		CommKey: uint32(cfg.CommKey), //nolint:gosec // comm keys are small positive integers
	})

	c := &Client{cfg: cfg, transport: transport}
	for _, opt := range opts {
		opt(c)
	}

	if c.source == nil {
		if cfg.CaptureDir != "" {
			c.source = FileSource{Dir: cfg.CaptureDir}
		} else {
			c.source = liveSource{t: transport}
		}
	}
	if c.logger != nil {
		transport.SetLogger(c.logger)
	}
	return c
}

// Connect creates a client and connects it.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c := NewClient(cfg, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens the device connection. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect stops realtime delivery and closes the connection.
func (c *Client) Disconnect() {
	c.stopPump()
	c.transport.Disconnect()
}

// IsConnected reports whether the transport is connected.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Stats returns transport statistics.
func (c *Client) Stats() TransportStats {
	return c.transport.Stats()
}

// GetDeviceInfo queries the terminal for its identity and counters.
// Returns ErrNotConnected unless Connect has succeeded.
func (c *Client) GetDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	if !c.transport.IsConnected() {
		return DeviceInfo{}, ErrNotConnected
	}

	resp, err := c.transport.Send(ctx, CmdGetInfo, nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	if resp.Command == CmdAckError {
		return DeviceInfo{}, fmt.Errorf("%w: command %d", ErrCommandRejected, CmdGetInfo)
	}
	return parseDeviceInfo(resp.Payload), nil
}

// parseDeviceInfo reads newline-delimited key=value pairs. Unknown keys and
// malformed numbers are ignored.
func parseDeviceInfo(payload []byte) DeviceInfo {
	var info DeviceInfo
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "serial", "serialnumber", "sn":
			info.SerialNumber = value
		case "model":
			info.Model = value
		case "firmware", "fw":
			info.Firmware = value
		case "users":
			info.TotalUsers, _ = strconv.Atoi(value)
		case "logs":
			info.TotalLogs, _ = strconv.Atoi(value)
		case "battery":
			if n, err := strconv.Atoi(value); err == nil {
				info.BatteryLevel = &n
			}
		}
	}
	return info
}

// EncodeDeviceInfo renders info in the GET_INFO payload layout.
func EncodeDeviceInfo(info DeviceInfo) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "serial=%s\nmodel=%s\nfirmware=%s\nusers=%d\nlogs=%d\n",
		info.SerialNumber, info.Model, info.Firmware, info.TotalUsers, info.TotalLogs)
	if info.BatteryLevel != nil {
		fmt.Fprintf(&b, "battery=%d\n", *info.BatteryLevel)
	}
	return []byte(b.String())
}

// GetAttendanceRecords returns punches newest first, optionally restricted to r.
func (c *Client) GetAttendanceRecords(ctx context.Context, r *TimeRange) ([]Punch, error) {
	data, err := c.source.AttendanceData(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading attendance log: %w", err)
	}

	punches := DecodeAttendance(data, c.logger)
	if r == nil {
		return punches, nil
	}

	filtered := punches[:0]
	for _, p := range punches {
		if r.Contains(p.Timestamp) {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// GetEmployees returns the roster enrolled on the device.
func (c *Client) GetEmployees(ctx context.Context) ([]RosterEntry, error) {
	data, err := c.source.RosterData(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading roster: %w", err)
	}
	return DecodeRoster(data, c.logger), nil
}

// SetOnPunch sets the callback for realtime punches.
// Panics in the callback are recovered and logged.
func (c *Client) SetOnPunch(callback func(Punch)) {
	c.callbackMu.Lock()
	c.onPunch = callback
	c.callbackMu.Unlock()
}

// EnableRealtimeEvents subscribes to device-pushed punch notifications.
func (c *Client) EnableRealtimeEvents(ctx context.Context) error {
	resp, err := c.transport.Send(ctx, CmdRegEvent, nil)
	if err != nil {
		return fmt.Errorf("enabling realtime events: %w", err)
	}
	if resp.Command != CmdAckOK {
		return fmt.Errorf("%w: command %d (reply %d)", ErrCommandRejected, CmdRegEvent, resp.Command)
	}

	c.startPump(c.transport.Generation())
	c.logInfo("realtime events enabled", "session", c.transport.SessionID())
	return nil
}

// RealtimeEnabled reports whether punches are being delivered. It turns
// false once the connection that registered for events is gone, even if a
// later Connect or Ping has brought the device back.
func (c *Client) RealtimeEnabled() bool {
	gen := c.transport.Generation()
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()
	return c.pumpStop != nil && gen != 0 && gen == c.pumpGen
}

// DisableRealtimeEvents unsubscribes from push notifications. It never fails:
// an unreachable device is logged and otherwise ignored.
func (c *Client) DisableRealtimeEvents(ctx context.Context) {
	c.stopPump()

	if !c.transport.IsConnected() {
		return
	}
	resp, err := c.transport.Send(ctx, CmdUnregEvent, nil)
	if err != nil {
		c.logWarn("disabling realtime events failed", "error", err)
		return
	}
	if resp.Command != CmdAckOK {
		c.logWarn("device rejected realtime unsubscribe", "reply", resp.Command)
	}
}

// Ping connects if needed and reports whether the device is reachable.
// It never returns an error.
func (c *Client) Ping(ctx context.Context) bool {
	if c.transport.IsConnected() {
		return true
	}
	if err := c.transport.Connect(ctx); err != nil {
		c.logWarn("device ping failed", "address", c.cfg.Address(), "error", err)
		return false
	}
	return true
}

// startPump records gen as the registered connection. A pump that is
// already running is kept since the event channel outlives connections.
func (c *Client) startPump(gen uint64) {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()

	c.pumpGen = gen
	if c.pumpStop != nil {
		return
	}
	stop := newCloseOnce()
	c.pumpStop = stop

	queue := make(chan Punch, punchQueueSize)
	c.pumpWG.Add(2) //nolint:mnd // pump and callback worker
	go c.eventPump(stop, queue)
	go c.punchWorker(stop, queue)
}

func (c *Client) stopPump() {
	c.pumpMu.Lock()
	stop := c.pumpStop
	c.pumpStop = nil
	c.pumpMu.Unlock()

	if stop != nil {
		stop.Close()
		c.pumpWG.Wait()
	}
}

// eventPump decodes event frames into punches for the callback worker.
func (c *Client) eventPump(stop *closeOnce, queue chan<- Punch) {
	defer c.pumpWG.Done()

	for {
		select {
		case <-stop.Done():
			return
		case frame := <-c.transport.Events():
			for _, p := range DecodeAttendance(frame.Payload, c.logger) {
				select {
				case queue <- p:
				default:
					c.logWarn("punch queue full, dropping realtime punch", "user_id", p.UserID)
				}
			}
		}
	}
}

func (c *Client) punchWorker(stop *closeOnce, queue <-chan Punch) {
	defer c.pumpWG.Done()

	for {
		select {
		case <-stop.Done():
			return
		case p := <-queue:
			c.callbackMu.RLock()
			callback := c.onPunch
			c.callbackMu.RUnlock()

			if callback == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logWarn("punch callback panic", "panic", fmt.Sprint(r))
					}
				}()
				callback(p)
			}()
		}
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}
