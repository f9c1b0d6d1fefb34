package ddpanel

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

const rosterInterval = 10 * time.Second

// RosterConfig lists what to collect. Both lists are sets: order and
// repetition in the file carry no meaning.
type RosterConfig struct {
	LiveRooms []uint64 `toml:"live_rooms"`
	Users     []uint64 `toml:"users"`
}

func (c RosterConfig) equal(other RosterConfig) bool {
	return maps.Equal(toSet(c.LiveRooms), toSet(other.LiveRooms)) &&
		maps.Equal(toSet(c.Users), toSet(other.Users))
}

// normalize sorts and deduplicates both lists. A room listed twice must not
// get two connectors.
func (c *RosterConfig) normalize() {
	c.LiveRooms = dedupe(c.LiveRooms)
	c.Users = dedupe(c.Users)
}

func dedupe(ids []uint64) []uint64 {
	slices.Sort(ids)
	return slices.Compact(ids)
}

func toSet(ids []uint64) map[uint64]struct{} {
	s := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// LoadRoster parses the TOML roster file into a normalized config.
func LoadRoster(path string) (RosterConfig, error) {
	var cfg RosterConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("load roster %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// RosterWatcher re-reads the roster file on an interval and emits configs
// that differ from the previously emitted one.
type RosterWatcher struct {
	log      zerolog.Logger
	path     string
	last     RosterConfig
	interval time.Duration
	out      chan RosterConfig
}

// NewRosterWatcher creates a watcher seeded with the already-applied initial
// config, so an unchanged file produces no update.
func NewRosterWatcher(log zerolog.Logger, path string, initial RosterConfig) *RosterWatcher {
	return &RosterWatcher{
		log:      log,
		path:     path,
		last:     initial,
		interval: rosterInterval,
		out:      make(chan RosterConfig, 5),
	}
}

// C is the update channel. It closes when the watcher stops, which the
// Manager takes as the shutdown signal.
func (w *RosterWatcher) C() <-chan RosterConfig {
	return w.out
}

// Run polls the roster file until ctx ends. Read or parse failures after the
// first load are warnings; the cycle is skipped.
func (w *RosterWatcher) Run(ctx context.Context) {
	defer close(w.out)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cfg, err := LoadRoster(w.path)
		if err != nil {
			w.log.Warn().Err(err).Msg("roster reload failed")
			continue
		}
		if cfg.equal(w.last) {
			continue
		}
		w.last = cfg

		select {
		case w.out <- cfg:
		case <-ctx.Done():
			return
		}
	}
}
