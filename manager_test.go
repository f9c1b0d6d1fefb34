package ddpanel

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestDiffRooms(t *testing.T) {
	running := map[uint64]int{1: 0, 2: 0, 3: 0}

	toStop, toStart := diffRooms(running, []uint64{2, 3, 4, 5})
	slices.Sort(toStop)
	slices.Sort(toStart)
	if !slices.Equal(toStop, []uint64{1}) {
		t.Errorf("toStop = %v, want [1]", toStop)
	}
	if !slices.Equal(toStart, []uint64{4, 5}) {
		t.Errorf("toStart = %v, want [4 5]", toStart)
	}

	toStop, toStart = diffRooms(running, []uint64{1, 2, 3})
	if len(toStop) != 0 || len(toStart) != 0 {
		t.Errorf("identical roster: toStop=%v toStart=%v", toStop, toStart)
	}

	// a room listed twice is still one start action
	toStop, toStart = diffRooms(running, []uint64{1, 2, 3, 4, 4})
	if len(toStop) != 0 || !slices.Equal(toStart, []uint64{4}) {
		t.Errorf("duplicated roster: toStop=%v toStart=%v", toStop, toStart)
	}

	toStop, toStart = diffRooms(map[uint64]int{}, nil)
	if len(toStop) != 0 || len(toStart) != 0 {
		t.Errorf("empty roster: toStop=%v toStart=%v", toStop, toStart)
	}
}

// fakeSpawn replaces the connector goroutine with a recording stub.
type fakeSpawn struct {
	mu        sync.Mutex
	started   []uint64
	cancelled []uint64
}

func (f *fakeSpawn) spawn(_ context.Context, roomID uint64) *taskHandle {
	f.mu.Lock()
	f.started = append(f.started, roomID)
	f.mu.Unlock()
	return &taskHandle{
		cancel: func() {
			f.mu.Lock()
			f.cancelled = append(f.cancelled, roomID)
			f.mu.Unlock()
		},
		done: make(chan struct{}),
	}
}

func (f *fakeSpawn) all() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.started)
}

func (f *fakeSpawn) stopped() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := slices.Clone(f.cancelled)
	slices.Sort(s)
	return s
}

func (f *fakeSpawn) reset() {
	f.mu.Lock()
	f.started = nil
	f.mu.Unlock()
}

func TestManagerApplyRoster(t *testing.T) {
	m := NewManager()
	spawner := &fakeSpawn{}
	m.spawnRoom = spawner.spawn

	ctx := context.Background()
	m.applyRoster(ctx, RosterConfig{LiveRooms: []uint64{1, 2, 3}, Users: []uint64{10}})
	if len(m.rooms) != 3 {
		t.Fatalf("running rooms = %d, want 3", len(m.rooms))
	}
	if got := m.roster.Load(); !slices.Equal(got, []uint64{10}) {
		t.Fatalf("published users = %v", got)
	}

	spawner.reset()
	m.applyRoster(ctx, RosterConfig{LiveRooms: []uint64{2, 3, 4}, Users: []uint64{10, 11}})
	if got := spawner.all(); !slices.Equal(got, []uint64{4}) {
		t.Fatalf("started = %v, want [4]", got)
	}
	if _, ok := m.rooms[1]; ok {
		t.Error("room 1 should have been stopped")
	}
	for _, id := range []uint64{2, 3, 4} {
		if _, ok := m.rooms[id]; !ok {
			t.Errorf("room %d missing", id)
		}
	}
	if got := m.roster.Load(); !slices.Equal(got, []uint64{10, 11}) {
		t.Fatalf("published users = %v", got)
	}
}

// A room listed twice in the roster file must end up with exactly one
// connector, and removing it must stop that connector.
func TestManagerApplyRosterDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watch_rooms.toml")
	if err := os.WriteFile(path, []byte("live_rooms = [5440, 5440]\nusers = []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadRoster(path)
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager()
	spawner := &fakeSpawn{}
	m.spawnRoom = spawner.spawn

	ctx := context.Background()
	m.applyRoster(ctx, cfg)
	if got := spawner.all(); !slices.Equal(got, []uint64{5440}) {
		t.Fatalf("started = %v, want exactly one connector for 5440", got)
	}
	if len(m.rooms) != 1 {
		t.Fatalf("running rooms = %d, want 1", len(m.rooms))
	}

	// a config built without LoadRoster must not double-start either
	m.applyRoster(ctx, RosterConfig{LiveRooms: []uint64{5440, 7, 7}})
	if got := spawner.all(); !slices.Equal(got, []uint64{5440, 7}) {
		t.Fatalf("started = %v, want [5440 7]", got)
	}

	m.applyRoster(ctx, RosterConfig{})
	if len(m.rooms) != 0 {
		t.Fatalf("running rooms = %d, want 0 after removal", len(m.rooms))
	}
	if got := spawner.stopped(); !slices.Equal(got, []uint64{5440, 7}) {
		t.Fatalf("stopped = %v, want both rooms cancelled", got)
	}
}

func TestManagerCapacities(t *testing.T) {
	m := NewManager(WithCapacities(8, 4))
	if m.packets.cap != 8 || m.uploaders.cap != 4 {
		t.Errorf("capacities = %d/%d, want 8/4", m.packets.cap, m.uploaders.cap)
	}

	m = NewManager(WithCapacities(0, -1))
	if m.packets.cap != packetCapacity || m.uploaders.cap != uploaderCapacity {
		t.Errorf("capacities = %d/%d, want the defaults", m.packets.cap, m.uploaders.cap)
	}
}

func TestManagerStopDeadRoom(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	close(done)
	m.rooms[7] = &taskHandle{cancel: func() {}, done: done}

	m.stopRoom(7)
	if len(m.rooms) != 0 {
		t.Fatal("dead room not removed from the map")
	}
}

func TestManagerNoopSinkFinish(t *testing.T) {
	m := NewManager()
	m.AttachNoopSink()
	m.launchSinks(context.Background())

	if err := m.packets.Send(&Packet{Operation: "HeartbeatReply", Body: "1", Time: time.Now(), RoomID: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := m.finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestManagerStartShutdown(t *testing.T) {
	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "watch_rooms.toml")
	if err := os.WriteFile(rosterPath, []byte("live_rooms = [101, 102]\nusers = []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager()
	m.AttachNoopSink()
	spawner := &fakeSpawn{}
	m.spawnRoom = spawner.spawn

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Start(ctx, rosterPath, filepath.Join(dir, "cookies.txt"))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("start did not shut down")
	}

	if got := spawner.all(); !slices.Equal(got, []uint64{101, 102}) {
		t.Fatalf("started = %v, want [101 102]", got)
	}
}

func TestManagerStartBadRoster(t *testing.T) {
	m := NewManager()
	m.AttachNoopSink()
	err := m.Start(context.Background(), filepath.Join(t.TempDir(), "missing.toml"), "")
	if err == nil {
		t.Fatal("expected error for missing roster")
	}
}

func TestManagerStartNoSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch_rooms.toml")
	if err := os.WriteFile(path, []byte("live_rooms = []\nusers = []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager()
	if err := m.Start(context.Background(), path, ""); err == nil {
		t.Fatal("expected error without sinks")
	}
}
