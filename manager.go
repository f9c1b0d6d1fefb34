package ddpanel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwy15/ddpanel/blive"
)

const (
	packetCapacity   = 10_000
	uploaderCapacity = 1_000
)

// taskHandle controls one background goroutine.
type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *taskHandle) dead() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type sinkHandle struct {
	name string
	run  func(ctx context.Context) error
	done chan struct{}
	err  error
}

// Manager owns the broadcast channels and drives the lifecycle of room
// connectors, the uploader poller and the attached sinks.
//
// Attach sinks first, then call Start (record mode) or Replay. Both block
// until shutdown and run the drain sequence before returning.
type Manager struct {
	log         zerolog.Logger
	api         *blive.Client
	packetCap   int
	uploaderCap int

	packets   *Broadcast[*Packet]
	uploaders *Broadcast[*UploaderSnapshot]
	roster    *Watch[[]uint64]
	cache     *RoomInfoCache

	rooms  map[uint64]*taskHandle
	poller *taskHandle
	sinks  []*sinkHandle

	// replaced in tests
	spawnRoom func(ctx context.Context, roomID uint64) *taskHandle
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger inherited by every component.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithAPIClient overrides the REST client used for room resolution.
func WithAPIClient(api *blive.Client) ManagerOption {
	return func(m *Manager) { m.api = api }
}

// WithCapacities overrides the broadcast buffer sizes. Non-positive values
// keep the defaults.
func WithCapacities(packets, uploaders int) ManagerOption {
	return func(m *Manager) {
		m.packetCap = packets
		m.uploaderCap = uploaders
	}
}

// NewManager creates a Manager with empty broadcasts and no sinks.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		log:   zerolog.Nop(),
		rooms: make(map[uint64]*taskHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.packetCap <= 0 {
		m.packetCap = packetCapacity
	}
	if m.uploaderCap <= 0 {
		m.uploaderCap = uploaderCapacity
	}
	m.packets = NewBroadcast[*Packet](m.packetCap)
	m.uploaders = NewBroadcast[*UploaderSnapshot](m.uploaderCap)
	m.roster = NewWatch[[]uint64](nil)
	m.cache = NewRoomInfoCache(m.log)
	if m.api == nil {
		m.api = blive.NewClient(blive.WithLogger(m.log))
	}
	m.spawnRoom = m.startRoom
	return m
}

// AttachTSDBSink subscribes an influx appender to both broadcasts. A
// bufferSize <= 0 selects the default.
func (m *Manager) AttachTSDBSink(writer PointWriter, bufferSize int) *Manager {
	a := newInfluxAppender(
		m.log.With().Str("sink", "influx").Logger(),
		writer, bufferSize, m.cache,
		m.packets.Subscribe(), m.uploaders.Subscribe(),
	)
	m.addSink("influx", a.Run)
	return m
}

// AttachFileSink subscribes archive writers for packets and uploader
// snapshots. Both files open immediately, so a bad path fails the attach.
func (m *Manager) AttachFileSink(livePath, uploaderPath string) error {
	live, err := newFileSink(m.log.With().Str("sink", "file-live").Logger(), livePath, m.packets.Subscribe())
	if err != nil {
		return err
	}
	uploader, err := newFileSink(m.log.With().Str("sink", "file-uploader").Logger(), uploaderPath, m.uploaders.Subscribe())
	if err != nil {
		live.closeFile()
		return err
	}
	m.addSink("file-live", live.Run)
	m.addSink("file-uploader", uploader.Run)
	return nil
}

// AttachNoopSink subscribes consumers that discard everything. It keeps the
// broadcasts alive when no real sink is wanted.
func (m *Manager) AttachNoopSink() *Manager {
	m.addSink("noop-packets", runNoop(m.packets.Subscribe()))
	m.addSink("noop-uploaders", runNoop(m.uploaders.Subscribe()))
	return m
}

func runNoop[T any](sub *Subscription[T]) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			_, err := sub.Recv(ctx)
			switch {
			case err == nil:
			case errors.As(err, new(*LagError)):
			case errors.Is(err, ErrClosed):
				return nil
			default:
				return err
			}
		}
	}
}

func (m *Manager) addSink(name string, run func(context.Context) error) {
	m.sinks = append(m.sinks, &sinkHandle{name: name, run: run, done: make(chan struct{})})
}

// launchSinks starts every attached sink. Sinks terminate on broadcast
// closure, not on ctx: they must keep draining buffered items after the
// shutdown signal.
func (m *Manager) launchSinks(ctx context.Context) {
	sinkCtx := context.WithoutCancel(ctx)
	for _, s := range m.sinks {
		s := s // pin: per-iteration capture under the pre-1.22 go directive
		go func() {
			defer close(s.done)
			s.err = s.run(sinkCtx)
		}()
	}
}

// Start runs record mode: load the roster (the first load is fatal on
// error), launch sinks, spider and room connectors, then follow roster
// changes until ctx ends. Returns after the full drain sequence.
func (m *Manager) Start(ctx context.Context, rosterPath, cookiePath string) error {
	cfg, err := LoadRoster(rosterPath)
	if err != nil {
		return fmt.Errorf("initial roster load: %w", err)
	}
	if len(m.sinks) == 0 {
		return errors.New("no sinks attached")
	}
	m.launchSinks(ctx)

	spiderClient := blive.NewClient(
		blive.WithCookies(loadCookies(m.log, cookiePath)),
		blive.WithLogger(m.log),
	)
	m.startPoller(ctx, spiderClient)

	m.applyRoster(ctx, cfg)

	watcher := NewRosterWatcher(m.log, rosterPath, cfg)
	go watcher.Run(ctx)
	for update := range watcher.C() {
		m.applyRoster(ctx, update)
	}

	return m.finish()
}

// Replay feeds an archived packet stream through the sinks instead of live
// rooms. The trailing sleep lets detached TSDB writes land before the
// process exits.
func (m *Manager) Replay(ctx context.Context, archivePath string, delay time.Duration) error {
	if len(m.sinks) == 0 {
		return errors.New("no sinks attached")
	}
	m.launchSinks(ctx)

	r := &Replayer{
		log:     m.log.With().Str("task", "replayer").Logger(),
		api:     m.api,
		cache:   m.cache,
		packets: m.packets,
		delay:   delay,
	}
	runErr := r.Run(ctx, archivePath)

	finishErr := m.finish()
	time.Sleep(2 * time.Second)

	if runErr != nil {
		return runErr
	}
	return finishErr
}

func (m *Manager) startPoller(ctx context.Context, api *blive.Client) {
	pollCtx, cancel := context.WithCancel(ctx)
	h := &taskHandle{cancel: cancel, done: make(chan struct{})}
	p := &UploaderPoller{
		log:    m.log.With().Str("task", "uploader-poller").Logger(),
		api:    api,
		roster: m.roster,
		out:    m.uploaders,
	}
	go func() {
		defer close(h.done)
		p.Run(pollCtx)
	}()
	m.poller = h
}

// applyRoster stops rooms that left the roster, starts new ones and
// publishes the uploader set to the poller.
func (m *Manager) applyRoster(ctx context.Context, cfg RosterConfig) {
	toStop, toStart := diffRooms(m.rooms, cfg.LiveRooms)
	for _, id := range toStop {
		m.stopRoom(id)
	}
	for _, id := range toStart {
		m.rooms[id] = m.spawnRoom(ctx, id)
	}
	m.roster.Store(cfg.Users)
	m.log.Info().
		Int("rooms", len(cfg.LiveRooms)).
		Int("started", len(toStart)).
		Int("stopped", len(toStop)).
		Int("users", len(cfg.Users)).
		Msg("roster applied")
}

// diffRooms treats desired as a set, so a duplicated roster entry still maps
// to a single start action.
func diffRooms[V any](running map[uint64]V, desired []uint64) (toStop, toStart []uint64) {
	want := toSet(desired)
	for id := range running {
		if _, ok := want[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	for id := range want {
		if _, ok := running[id]; !ok {
			toStart = append(toStart, id)
		}
	}
	slices.Sort(toStop)
	slices.Sort(toStart)
	return toStop, toStart
}

func (m *Manager) stopRoom(id uint64) {
	h := m.rooms[id]
	if h == nil {
		return
	}
	delete(m.rooms, id)
	if h.dead() {
		m.log.Warn().Uint64("room", id).Msg("room task was already dead")
	}
	h.cancel()
	m.log.Info().Uint64("room", id).Msg("room stopped")
}

func (m *Manager) startRoom(ctx context.Context, roomID uint64) *taskHandle {
	roomCtx, cancel := context.WithCancel(ctx)
	h := &taskHandle{cancel: cancel, done: make(chan struct{})}

	conn := &RoomConnector{
		log:     m.log,
		roomID:  roomID,
		api:     m.api,
		cache:   m.cache,
		packets: m.packets,
	}
	go func() {
		defer close(h.done)
		if err := conn.Run(roomCtx); err != nil {
			m.log.Error().Err(err).Uint64("room", roomID).Msg("room connector died")
		}
	}()
	m.log.Info().Uint64("room", roomID).Msg("room started")
	return h
}

// finish runs the shutdown sequence: stop the producers, close the
// broadcasts so sinks drain and exit, then await every sink.
func (m *Manager) finish() error {
	m.log.Info().Msg("shutting down")

	for id, h := range m.rooms {
		if h.dead() {
			m.log.Warn().Uint64("room", id).Msg("room task was already dead")
		}
		h.cancel()
	}
	m.rooms = make(map[uint64]*taskHandle)

	if m.poller != nil {
		m.poller.cancel()
		<-m.poller.done
	}

	m.packets.Close()
	m.uploaders.Close()

	var firstErr error
	for _, s := range m.sinks {
		<-s.done
		if s.err != nil {
			m.log.Error().Err(s.err).Str("sink", s.name).Msg("sink finished with error")
			if firstErr == nil {
				firstErr = s.err
			}
		} else {
			m.log.Info().Str("sink", s.name).Msg("sink finished")
		}
	}
	return firstErr
}

// loadCookies reads a Cookie header line from path. A missing or unreadable
// file just means anonymous access.
func loadCookies(log zerolog.Logger, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("cookie file not loaded, going anonymous")
		return ""
	}
	return strings.TrimSpace(string(data))
}
