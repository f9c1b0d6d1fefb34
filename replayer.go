package ddpanel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"

	"github.com/gwy15/ddpanel/blive"
)

// Long superchat bodies can exceed bufio's default line limit.
const maxArchiveLine = 4 << 20

// roomResolver is the slice of the REST client the replayer needs to backfill
// streamer names for rooms seen only in the archive.
type roomResolver interface {
	InfoByRoom(ctx context.Context, roomID uint64) (*blive.LiveRoom, error)
}

// Replayer feeds an archived packet stream back into the broadcast, as if the
// rooms were live.
type Replayer struct {
	log     zerolog.Logger
	api     roomResolver
	cache   *RoomInfoCache
	packets *Broadcast[*Packet]
	delay   time.Duration // pause after every 1,000 packets
}

// Run replays the archive at path and returns nil at EOF. A line that fails
// to parse aborts the replay: the archive is corrupt and continuing would
// silently drop data.
func (r *Replayer) Run(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip open %s: %w", path, err)
		}
		defer gz.Close()
		reader = gz
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxArchiveLine)

	count := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var pkt Packet
		if err := json.Unmarshal(scanner.Bytes(), &pkt); err != nil {
			return fmt.Errorf("parse archive line %d: %w", count+1, err)
		}

		if _, ok := r.cache.Lookup(pkt.RoomID); !ok {
			room, err := r.api.InfoByRoom(ctx, pkt.RoomID)
			if err != nil {
				return fmt.Errorf("resolve room %d: %w", pkt.RoomID, err)
			}
			r.cache.Store(pkt.RoomID, room.Streamer)
		}

		if err := r.packets.Send(&pkt); err != nil {
			return fmt.Errorf("replay send: %w", err)
		}

		count++
		if count%1000 == 0 {
			r.log.Info().Int("count", count).Msg("packets replayed")
			if r.delay > 0 {
				select {
				case <-time.After(r.delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	r.log.Info().Int("count", count).Msg("replay finished")
	return nil
}
