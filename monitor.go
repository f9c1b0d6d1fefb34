package ddpanel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwy15/ddpanel/blive"
)

const (
	errBudget = 5
	errWindow = 5 * time.Minute
)

// failureWindow is a sliding-window error budget: more than budget failures
// inside window means give up.
type failureWindow struct {
	budget int
	window time.Duration
	fails  []time.Time
}

func newFailureWindow(budget int, window time.Duration) *failureWindow {
	return &failureWindow{budget: budget, window: window}
}

// fail records a failure at t and reports whether the budget is now blown.
func (w *failureWindow) fail(t time.Time) bool {
	keep := w.fails[:0]
	for _, ft := range w.fails {
		if t.Sub(ft) < w.window {
			keep = append(keep, ft)
		}
	}
	w.fails = append(keep, t)
	return len(w.fails) > w.budget
}

// RoomConnector keeps one room's live connection up and forwards every
// received packet into the broadcast.
type RoomConnector struct {
	log     zerolog.Logger
	roomID  uint64 // as listed in the roster, possibly a short id
	api     *blive.Client
	cache   *RoomInfoCache
	packets *Broadcast[*Packet]
}

// Run resolves the room once, then connects and pumps packets until ctx ends
// or the error budget is exhausted. A broadcast without subscribers is fatal
// immediately: it means every sink is gone.
func (m *RoomConnector) Run(ctx context.Context) error {
	room, err := m.api.InfoByRoom(ctx, m.roomID)
	if err != nil {
		return fmt.Errorf("resolve room %d: %w", m.roomID, err)
	}
	m.cache.Store(room.RoomID, room.Streamer)
	log := m.log.With().Uint64("room", room.RoomID).Str("streamer", room.Streamer).Logger()

	budget := newFailureWindow(errBudget, errWindow)
	for {
		err := m.connectOnce(ctx, room.RoomID)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrNoSubscribers) || errors.Is(err, ErrClosed) {
			return fmt.Errorf("room %d: %w", room.RoomID, err)
		}
		if budget.fail(time.Now()) {
			log.Error().Err(err).Msg("error budget exhausted, giving up")
			return err
		}
		// no sleep here: the next handshake is throttle enough
		log.Warn().Err(err).Msg("connection failed, retrying")
	}
}

// connectOnce runs a single connection lifecycle: fetch server + token, dial,
// forward packets.
func (m *RoomConnector) connectOnce(ctx context.Context, realID uint64) error {
	info, err := m.api.DanmuInfo(ctx, realID)
	if err != nil {
		return err
	}
	if len(info.Hosts) == 0 {
		return errors.New("empty danmu host list")
	}

	conn, err := m.api.Connect(ctx, info.Hosts[0].URL(), realID, info.Token)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		pkt, err := conn.Next()
		if err != nil {
			return err
		}
		if err := m.packets.Send(packetFromWire(realID, pkt)); err != nil {
			return fmt.Errorf("broadcast send: %w", err)
		}
	}
}
