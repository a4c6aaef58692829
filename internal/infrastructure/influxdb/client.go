package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/KelvinOps/bioauthentication/internal/infrastructure/config"
)

const (
	// startupPingTimeout bounds the reachability check in Connect.
	startupPingTimeout = 10 * time.Second
	// healthPingTimeout bounds each HealthCheck ping.
	healthPingTimeout = 5 * time.Second

	// Used when the batch settings are unset or negative.
	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client records attendance sync runs and device liveness in one bucket.
//
// Points are queued by the library's batching writer and posted in the
// background, so the sync and ping paths never wait on InfluxDB. A failed
// post is reported to the SetOnError callback and the point is dropped.
// All methods are safe for concurrent use.
type Client struct {
	client influxdb2.Client
	points api.WriteAPI
	bucket string

	closed  atomic.Bool
	onError atomic.Pointer[func(error)]
}

// Connect opens the metrics sink described by cfg. The server must answer
// a ping before any point is queued. A disabled sink yields ErrDisabled so
// callers can run without metrics.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	c := &Client{
		client: influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, batchOptions(cfg)),
		bucket: cfg.Bucket,
	}
	if err := c.ping(ctx, startupPingTimeout); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	c.points = c.client.WriteAPI(cfg.Org, cfg.Bucket)
	go c.reportFailures(c.points.Errors())
	return c, nil
}

// batchOptions maps the configured batch size and flush period onto the
// writer, substituting the fallbacks for unset or negative values.
func batchOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	size := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		size = uint(cfg.BatchSize) //nolint:gosec // checked positive
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(size).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // at least one second
}

func (c *Client) ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := c.client.Ping(ctx)
	switch {
	case err != nil:
		return err
	case !ok:
		return errors.New("server reported unhealthy")
	}
	return nil
}

// reportFailures drains the writer's error channel until the client closes.
func (c *Client) reportFailures(failures <-chan error) {
	for err := range failures {
		if fn := c.onError.Load(); fn != nil {
			(*fn)(err)
		}
	}
}

// SetOnError registers fn for background write failures. Passing nil
// silences them.
func (c *Client) SetOnError(fn func(err error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// HealthCheck reports whether the metrics server still answers. It feeds
// the API health endpoint alongside the database and MQTT checks.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	if err := c.ping(ctx, healthPingTimeout); err != nil {
		return fmt.Errorf("influxdb bucket %s: %w", c.bucket, err)
	}
	return nil
}

// IsConnected reports whether points are still accepted. It does not
// contact the server.
func (c *Client) IsConnected() bool {
	return c.points != nil && !c.closed.Load()
}

// Flush posts queued points immediately instead of waiting for the next
// flush tick. It does nothing once the client is closed.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.points.Flush()
	}
}

// Close posts whatever is still queued and releases the HTTP client.
// Later writes are dropped. Calling Close again is harmless.
func (c *Client) Close() error {
	if c.client == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.points != nil {
		c.points.Flush()
	}
	c.client.Close()
	return nil
}
