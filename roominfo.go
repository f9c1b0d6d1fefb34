package ddpanel

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// RoomInfoCache maps real room ids to streamer names. Writes happen once per
// new room (connector resolution or replayer backfill); reads happen on every
// emitted point.
type RoomInfoCache struct {
	log zerolog.Logger
	mu  sync.RWMutex
	m   map[uint64]string
}

// NewRoomInfoCache creates an empty cache.
func NewRoomInfoCache(log zerolog.Logger) *RoomInfoCache {
	return &RoomInfoCache{
		log: log,
		m:   make(map[uint64]string),
	}
}

// Store records the streamer name for a room.
func (c *RoomInfoCache) Store(roomID uint64, streamer string) {
	c.mu.Lock()
	c.m[roomID] = streamer
	c.mu.Unlock()
	c.log.Info().Uint64("room", roomID).Str("streamer", streamer).Msg("wrote streamer name to cache")
}

// Lookup returns the streamer name and whether the room is known.
func (c *RoomInfoCache) Lookup(roomID uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.m[roomID]
	return s, ok
}

// Streamer returns the cached streamer name, falling back to the decimal
// room id with a warning when the room was never resolved.
func (c *RoomInfoCache) Streamer(roomID uint64) string {
	if s, ok := c.Lookup(roomID); ok {
		return s
	}
	c.log.Warn().Uint64("room", roomID).Msg("streamer name not found in cache")
	return strconv.FormatUint(roomID, 10)
}
