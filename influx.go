package ddpanel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

// InfluxConfig is the TSDB connection configuration, read from the
// environment.
type InfluxConfig struct {
	Addr  string `env:"INFLUX_ADDR" envDefault:"http://127.0.0.1:8086"`
	Token string `env:"INFLUX_TOKEN,required"`
}

// LoadInfluxConfig reads InfluxConfig from the environment.
func LoadInfluxConfig() (InfluxConfig, error) {
	var cfg InfluxConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("influx config: %w", err)
	}
	return cfg, nil
}

// PointWriter is the slice of the TSDB write API the sink needs. The influx
// client's blocking write API satisfies it directly.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

const influxOrgBucket = "ddpanel"

// NewInfluxWriter opens a blocking write API against cfg. Organization and
// bucket are both "ddpanel"; points carry millisecond precision.
func NewInfluxWriter(cfg InfluxConfig) PointWriter {
	opts := influxdb2.DefaultOptions().SetPrecision(time.Millisecond)
	client := influxdb2.NewClientWithOptions(cfg.Addr, cfg.Token, opts)
	return client.WriteAPIBlocking(influxOrgBucket, influxOrgBucket)
}

// DefaultTSDBBuffer is the point buffer size used outside replay mode.
const DefaultTSDBBuffer = 32

var defaultRetryDelays = []time.Duration{0, time.Second, 3 * time.Second}

// cachedClient batches points and writes them through a PointWriter with a
// small retry schedule. In async mode flushes run on detached goroutines and
// exhausted retries are charged to failCount instead of failing the caller.
type cachedClient struct {
	log    zerolog.Logger
	writer PointWriter

	buffered    []*write.Point
	bufferSize  int
	insertCount uint64
	failCount   atomic.Uint64
	lastFlush   time.Time
	asyncWrite  bool
	retryDelays []time.Duration // sleeps between attempts; attempts = len+1
}

func newCachedClient(log zerolog.Logger, writer PointWriter, bufferSize int) *cachedClient {
	if bufferSize <= 0 {
		bufferSize = DefaultTSDBBuffer
	}
	return &cachedClient{
		log:         log,
		writer:      writer,
		bufferSize:  bufferSize,
		lastFlush:   time.Now(),
		asyncWrite:  true,
		retryDelays: defaultRetryDelays,
	}
}

// push buffers one point, flushing when the buffer is full or the last flush
// is older than the flush interval.
func (c *cachedClient) push(ctx context.Context, p *write.Point) error {
	c.buffered = append(c.buffered, p)
	if len(c.buffered) >= c.bufferSize || time.Since(c.lastFlush) > flushInterval {
		return c.flush(ctx)
	}
	return nil
}

// flush hands the buffered points to the writer. The flush clock resets even
// when there is nothing to write.
func (c *cachedClient) flush(ctx context.Context) error {
	c.lastFlush = time.Now()
	if len(c.buffered) == 0 {
		return nil
	}

	points := c.buffered
	c.buffered = nil
	c.insertCount += uint64(len(points))

	if c.asyncWrite {
		// Detached on purpose: shutdown must not cancel in-flight inserts.
		// Replay mode compensates by sleeping before exit.
		bg := context.WithoutCancel(ctx)
		go func() {
			if err := c.insertRetry(bg, points); err != nil {
				c.log.Error().Err(err).Int("points", len(points)).Msg("async influx write failed")
				c.failCount.Add(uint64(len(points)))
			}
		}()
		return nil
	}

	if err := c.insertRetry(ctx, points); err != nil {
		c.failCount.Add(uint64(len(points)))
		return err
	}
	return nil
}

// finalFlush performs one synchronous flush regardless of the async setting.
func (c *cachedClient) finalFlush(ctx context.Context) error {
	async := c.asyncWrite
	c.asyncWrite = false
	err := c.flush(ctx)
	c.asyncWrite = async
	return err
}

func (c *cachedClient) insertRetry(ctx context.Context, points []*write.Point) error {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= len(c.retryDelays); attempt++ {
		if attempt > 0 {
			if delay := c.retryDelays[attempt-1]; delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err := c.writer.WritePoint(ctx, points...); err != nil {
			lastErr = err
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("influx write failed")
			continue
		}
		c.log.Debug().Msgf("%d points inserted, elapsed = %d ms", len(points), time.Since(start).Milliseconds())
		return nil
	}
	return lastErr
}
