package ddpanel

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

// DanmuCounter buckets chat messages by wall-clock second and room. It
// tolerates out-of-order packets because buckets are keyed on the packet
// timestamp, not arrival time.
type DanmuCounter struct {
	log       zerolog.Logger
	cache     *RoomInfoCache
	lastFlush time.Time
	counter   map[int64]map[uint64]uint32
}

// NewDanmuCounter creates a counter resolving streamer tags through cache.
func NewDanmuCounter(log zerolog.Logger, cache *RoomInfoCache) *DanmuCounter {
	return &DanmuCounter{
		log:       log,
		cache:     cache,
		lastFlush: time.Now(),
		counter:   make(map[int64]map[uint64]uint32),
	}
}

// Count registers one danmu for the room at time t.
func (d *DanmuCounter) Count(roomID uint64, t time.Time) {
	sec := t.Unix()
	rooms := d.counter[sec]
	if rooms == nil {
		rooms = make(map[uint64]uint32)
		d.counter[sec] = rooms
	}
	rooms[roomID]++
}

// Flush converts and clears all buckets, at most once per second. Calls
// arriving sooner return nothing and leave the buckets in place.
func (d *DanmuCounter) Flush() []*write.Point {
	if time.Since(d.lastFlush) < time.Second {
		return nil
	}
	return d.Drain()
}

// Drain unconditionally converts and clears all buckets. Used at teardown so
// sub-second buckets are not lost.
func (d *DanmuCounter) Drain() []*write.Point {
	d.lastFlush = time.Now()
	counter := d.counter
	d.counter = make(map[int64]map[uint64]uint32)

	var points []*write.Point
	for sec, rooms := range counter {
		t := time.Unix(sec, 0)
		for roomID, count := range rooms {
			streamer := d.cache.Streamer(roomID)
			d.log.Debug().Msgf("%d danmu in %s @ %s", count, t.In(shanghai).Format("15:04:05"), streamer)
			points = append(points, write.NewPoint(
				"live-popularity",
				map[string]string{
					"room_id":  strconv.FormatUint(roomID, 10),
					"streamer": streamer,
				},
				map[string]interface{}{"danmu": int64(count)},
				t,
			))
		}
	}
	return points
}
