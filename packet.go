package ddpanel

import (
	"strconv"
	"time"

	"github.com/gwy15/ddpanel/blive"
)

// Packet is one timestamped message from a live room. It is the unit that
// flows through the broadcast, the archive files and the replayer.
type Packet struct {
	Operation string    `json:"operation"`
	Body      string    `json:"body"`
	Time      time.Time `json:"time"`
	RoomID    uint64    `json:"room_id"`
}

// packetFromWire stamps a received wire frame into an archived Packet.
// Heartbeat replies carry a binary popularity count; the body becomes its
// decimal rendering so archives stay plain JSON lines.
func packetFromWire(roomID uint64, p *blive.Packet) *Packet {
	body := string(p.Body)
	if p.OpType == blive.OpHeartbeatReply {
		body = strconv.FormatUint(uint64(p.Popularity()), 10)
	}
	return &Packet{
		Operation: blive.OpName(p.OpType),
		Body:      body,
		Time:      time.Now(),
		RoomID:    roomID,
	}
}

// shanghai is the timezone used for archive file naming and danmu bucket
// rendering. Falls back to a fixed offset when the zone database is absent.
var shanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()
