package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// pointWriter is the part of the library's non-blocking WriteAPI the
// client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Options tune a connection beyond the file configuration.
type Options struct {
	// BridgeID, when set, is added as a "bridge" tag to every point so
	// several bridges can share one bucket.
	BridgeID string
}

// Client records decoded ebus values and circuit health in InfluxDB.
//
// Writes never block the caller: points are batched by the library and
// sent in the background. Write failures arrive through SetOnError.
type Client struct {
	client influxdb2.Client
	writer pointWriter

	open    atomic.Bool
	dropped atomic.Uint64

	onError   func(err error)
	onErrorMu sync.RWMutex
}

// Connect pings the server and sets up the batched write API for
// cfg.Org and cfg.Bucket. Non-positive batch settings fall back to
// defaults.
//
// Returns ErrDisabled when cfg.Enabled is false.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, opts Options) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := defaultBatchSize
	if cfg.BatchSize > 0 {
		batchSize = cfg.BatchSize
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	options := influxdb2.DefaultOptions().
		SetBatchSize(uint(batchSize)). // #nosec G115 -- positive, checked above
		SetFlushInterval(uint(flush.Milliseconds()))
	if opts.BridgeID != "" {
		options.AddDefaultTag("bridge", opts.BridgeID)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	if err := ping(pingCtx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := &Client{client: client, writer: writeAPI}
	c.open.Store(true)
	go c.forwardErrors(writeAPI.Errors())

	return c, nil
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

// forwardErrors hands async write errors to the callback until the
// library closes the channel.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.onErrorMu.RLock()
		callback := c.onError
		c.onErrorMu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets the callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.onErrorMu.Lock()
	c.onError = callback
	c.onErrorMu.Unlock()
}

// IsConnected reports whether the client is open. It does not ping; use
// HealthCheck for that.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := ping(checkCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until buffered points are written. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() && c.writer != nil {
		c.writer.Flush()
	}
}

// Close flushes pending points and releases the client. Further writes
// are ignored. Close is idempotent.
func (c *Client) Close() error {
	if !c.open.Swap(false) {
		return nil
	}
	if c.writer != nil {
		c.writer.Flush()
	}
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// Dropped returns how many values were not written because their type
// has no InfluxDB field mapping.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}
