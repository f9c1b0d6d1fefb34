package ddpanel

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

const flushInterval = 2 * time.Second

// InfluxAppender consumes the packet and uploader broadcasts and writes
// points to the TSDB through a batching client.
type InfluxAppender struct {
	log       zerolog.Logger
	client    *cachedClient
	cache     *RoomInfoCache
	counter   *DanmuCounter
	packets   *Subscription[*Packet]
	uploaders *Subscription[*UploaderSnapshot]
}

func newInfluxAppender(
	log zerolog.Logger,
	writer PointWriter,
	bufferSize int,
	cache *RoomInfoCache,
	packets *Subscription[*Packet],
	uploaders *Subscription[*UploaderSnapshot],
) *InfluxAppender {
	return &InfluxAppender{
		log:       log,
		client:    newCachedClient(log, writer, bufferSize),
		cache:     cache,
		counter:   NewDanmuCounter(log, cache),
		packets:   packets,
		uploaders: uploaders,
	}
}

// Run consumes until both broadcasts close, then flushes synchronously and
// reports teardown diagnostics.
func (a *InfluxAppender) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	readyP := a.packets.Ready()
	readyU := a.uploaders.Ready()

	for readyP != nil || readyU != nil {
		select {
		case <-ctx.Done():
			return a.teardown(ctx.Err())

		case <-ticker.C:
			if err := a.flushTick(ctx); err != nil {
				return a.teardown(err)
			}

		case <-readyP:
			closed, err := a.drainPackets(ctx)
			if err != nil {
				return a.teardown(err)
			}
			if closed {
				readyP = nil
			}

		case <-readyU:
			closed, err := a.drainUploaders(ctx)
			if err != nil {
				return a.teardown(err)
			}
			if closed {
				readyU = nil
			}
		}
	}
	return a.teardown(nil)
}

// flushTick drains ripe danmu buckets and forces out any buffered points.
func (a *InfluxAppender) flushTick(ctx context.Context) error {
	for _, p := range a.counter.Flush() {
		if err := a.client.push(ctx, p); err != nil {
			return err
		}
	}
	return a.client.flush(ctx)
}

// teardown drains the danmu counter, flushes synchronously and logs the
// lifetime counters. Shutdown must not abort the last writes, hence the
// detached context.
func (a *InfluxAppender) teardown(runErr error) error {
	a.client.buffered = append(a.client.buffered, a.counter.Drain()...)
	if err := a.client.finalFlush(context.Background()); err != nil && runErr == nil {
		runErr = err
	}

	a.log.Info().Uint64("insert_count", a.client.insertCount).Msg("influx appender finished")
	if n := len(a.client.buffered); n > 0 {
		a.log.Warn().Int("points", n).Msg("points left in buffer after final flush")
	}
	if n := a.client.failCount.Load(); n > 0 {
		a.log.Warn().Uint64("points", n).Msg("some inserts failed, consider a replay")
	}
	return runErr
}

func (a *InfluxAppender) drainPackets(ctx context.Context) (bool, error) {
	for {
		pkt, ok, recvErr := a.packets.TryRecv()
		if recvErr != nil {
			var lag *LagError
			if errors.As(recvErr, &lag) {
				a.log.Warn().Uint64("missed", lag.Missed).Msg("influx appender lagged on packets")
				continue
			}
			return true, nil
		}
		if !ok {
			return false, nil
		}
		if err := a.handlePacket(ctx, pkt); err != nil {
			return false, err
		}
	}
}

func (a *InfluxAppender) drainUploaders(ctx context.Context) (bool, error) {
	for {
		snap, ok, recvErr := a.uploaders.TryRecv()
		if recvErr != nil {
			var lag *LagError
			if errors.As(recvErr, &lag) {
				a.log.Warn().Uint64("missed", lag.Missed).Msg("influx appender lagged on uploaders")
				continue
			}
			return true, nil
		}
		if !ok {
			return false, nil
		}

		p := snap.point()
		if p == nil {
			a.log.Warn().Uint64("uid", snap.UID).Msg("uploader snapshot with no data")
			continue
		}
		if err := a.client.push(ctx, p); err != nil {
			return false, err
		}
	}
}

func (a *InfluxAppender) handlePacket(ctx context.Context, pkt *Packet) error {
	switch pkt.Operation {
	case "HeartbeatReply":
		popularity, err := strconv.ParseInt(pkt.Body, 10, 64)
		if err != nil {
			a.log.Warn().Err(err).Str("body", pkt.Body).Msg("bad heartbeat body")
			return nil
		}
		// popularity 1 means the room is offline; not worth a log line
		if popularity > 1 {
			a.log.Debug().Int64("popularity", popularity).Uint64("room", pkt.RoomID).Msg("heartbeat")
		}
		p := write.NewPoint(
			"live-popularity",
			map[string]string{
				"room_id":  strconv.FormatUint(pkt.RoomID, 10),
				"streamer": a.cache.Streamer(pkt.RoomID),
			},
			map[string]interface{}{"popularity": popularity},
			pkt.Time,
		)
		return a.client.push(ctx, p)

	case "SendMsgReply":
		return a.handleCommand(ctx, pkt)

	default:
		return nil
	}
}

func (a *InfluxAppender) handleCommand(ctx context.Context, pkt *Packet) error {
	var msg liveMessage
	if err := json.Unmarshal([]byte(pkt.Body), &msg); err != nil {
		a.log.Warn().Err(err).Uint64("room", pkt.RoomID).Msg("bad SendMsgReply body")
		return nil
	}

	switch msg.Cmd {
	case "DANMU_MSG":
		a.counter.Count(pkt.RoomID, pkt.Time)
		return nil

	case "SUPER_CHAT_MESSAGE":
		var sc superChat
		if err := json.Unmarshal(msg.Data, &sc); err != nil {
			a.log.Warn().Err(err).Msg("bad SUPER_CHAT_MESSAGE data")
			return nil
		}
		a.log.Info().Str("streamer", a.cache.Streamer(pkt.RoomID)).
			Str("sender", sc.UserInfo.Uname).Int64("price", sc.Price).Msg("superchat")
		return a.client.push(ctx, sc.point(a.cache, pkt.RoomID, pkt.Time))

	case "SUPER_CHAT_MESSAGE_JPN":
		// duplicate translation of SUPER_CHAT_MESSAGE; counting it would double-bill
		return nil

	case "SEND_GIFT":
		var g sendGift
		if err := json.Unmarshal(msg.Data, &g); err != nil {
			a.log.Warn().Err(err).Msg("bad SEND_GIFT data")
			return nil
		}
		if g.isFree() {
			return nil
		}
		a.log.Info().Str("streamer", a.cache.Streamer(pkt.RoomID)).Str("sender", g.Uname).
			Str("gift", g.GiftName).Int64("num", g.Num).Float64("price", g.price()).Msg("gift")
		return a.client.push(ctx, g.point(a.cache, pkt.RoomID, pkt.Time))

	case "USER_TOAST_MSG":
		var toast userToast
		if err := json.Unmarshal(msg.Data, &toast); err != nil {
			a.log.Warn().Err(err).Msg("bad USER_TOAST_MSG data")
			return nil
		}
		a.log.Info().Str("streamer", a.cache.Streamer(pkt.RoomID)).Str("sender", toast.Username).
			Str("role", toast.RoleName).Int64("num", toast.Num).Msg("guard purchase")
		return a.client.push(ctx, toast.point(a.cache, pkt.RoomID, pkt.Time))

	default:
		return nil
	}
}
