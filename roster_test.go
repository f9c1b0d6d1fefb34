package ddpanel

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeRoster(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch_rooms.toml")
	writeRoster(t, path, "live_rooms = [5440, 21452505]\nusers = [282994]\n")

	cfg, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Equal(cfg.LiveRooms, []uint64{5440, 21452505}) {
		t.Errorf("live_rooms = %v", cfg.LiveRooms)
	}
	if !slices.Equal(cfg.Users, []uint64{282994}) {
		t.Errorf("users = %v", cfg.Users)
	}
}

func TestLoadRosterMissing(t *testing.T) {
	if _, err := LoadRoster(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRosterNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch_rooms.toml")
	writeRoster(t, path, "live_rooms = [21452505, 5440, 5440]\nusers = [3, 3, 1]\n")

	cfg, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Equal(cfg.LiveRooms, []uint64{5440, 21452505}) {
		t.Errorf("live_rooms = %v, want sorted and deduplicated", cfg.LiveRooms)
	}
	if !slices.Equal(cfg.Users, []uint64{1, 3}) {
		t.Errorf("users = %v, want sorted and deduplicated", cfg.Users)
	}
}

func TestRosterConfigEqual(t *testing.T) {
	a := RosterConfig{LiveRooms: []uint64{1, 2}, Users: []uint64{3}}
	if !a.equal(RosterConfig{LiveRooms: []uint64{1, 2}, Users: []uint64{3}}) {
		t.Error("identical configs reported unequal")
	}
	if !a.equal(RosterConfig{LiveRooms: []uint64{2, 1}, Users: []uint64{3}}) {
		t.Error("rooms are a set, order must not matter")
	}
	if !a.equal(RosterConfig{LiveRooms: []uint64{1, 2, 2}, Users: []uint64{3}}) {
		t.Error("rooms are a set, repetition must not matter")
	}
	if a.equal(RosterConfig{LiveRooms: []uint64{1, 3}, Users: []uint64{3}}) {
		t.Error("different rooms reported equal")
	}
	if a.equal(RosterConfig{LiveRooms: []uint64{1, 2}, Users: nil}) {
		t.Error("different users reported equal")
	}
}

func TestRosterWatcherEmitsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch_rooms.toml")
	writeRoster(t, path, "live_rooms = [1]\nusers = []\n")

	initial, err := LoadRoster(path)
	if err != nil {
		t.Fatal(err)
	}
	w := NewRosterWatcher(zerolog.Nop(), path, initial)
	w.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	// unchanged file produces nothing
	select {
	case cfg := <-w.C():
		t.Fatalf("unexpected update %+v", cfg)
	case <-time.After(50 * time.Millisecond):
	}

	writeRoster(t, path, "live_rooms = [1, 2]\nusers = [7]\n")
	select {
	case cfg := <-w.C():
		if !slices.Equal(cfg.LiveRooms, []uint64{1, 2}) || !slices.Equal(cfg.Users, []uint64{7}) {
			t.Fatalf("update = %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update after file change")
	}

	cancel()
	select {
	case _, ok := <-w.C():
		if ok {
			t.Fatal("expected channel close, got another update")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update channel did not close")
	}
}

func TestRosterWatcherSkipsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch_rooms.toml")
	writeRoster(t, path, "live_rooms = [1]\nusers = []\n")

	initial, err := LoadRoster(path)
	if err != nil {
		t.Fatal(err)
	}
	w := NewRosterWatcher(zerolog.Nop(), path, initial)
	w.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeRoster(t, path, "live_rooms = [broken\n")
	select {
	case cfg := <-w.C():
		t.Fatalf("bad file produced update %+v", cfg)
	case <-time.After(50 * time.Millisecond):
	}

	writeRoster(t, path, "live_rooms = [9]\nusers = []\n")
	select {
	case cfg := <-w.C():
		if !slices.Equal(cfg.LiveRooms, []uint64{9}) {
			t.Fatalf("update = %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never recovered from the bad file")
	}
}
