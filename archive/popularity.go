package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const windowSize = 5 * time.Minute

// DefaultResolution is the minimum spacing between emitted popularity points.
const DefaultResolution = 5 * time.Second

// Point is one popularity sample: the number of distinct active users over
// the trailing five minutes. Time is milliseconds since the epoch.
type Point struct {
	TimeMs     int64  `json:"time"`
	Popularity uint32 `json:"popularity"`
}

type entry struct {
	user uint64
	t    time.Time
}

// Estimator computes the five-minute unique-user count over an event stream.
// Events must be observed in time order.
type Estimator struct {
	// Resolution is the minimum spacing between emitted points. Zero emits
	// a point for every observed event.
	Resolution time.Duration

	window []entry
	counts map[uint64]uint32
	points []Point
}

// NewEstimator creates an Estimator with the default output resolution.
func NewEstimator() *Estimator {
	return &Estimator{
		Resolution: DefaultResolution,
		counts:     make(map[uint64]uint32),
	}
}

// Observe admits one event, evicts entries older than five minutes and
// appends a point unless the previous one is too recent. The window is
// updated even when the point is suppressed.
func (e *Estimator) Observe(user uint64, t time.Time) {
	e.window = append(e.window, entry{user: user, t: t})
	e.counts[user]++

	oldest := t.Add(-windowSize)
	for len(e.window) > 0 && e.window[0].t.Before(oldest) {
		old := e.window[0]
		e.window = e.window[1:]
		if c := e.counts[old.user]; c <= 1 {
			delete(e.counts, old.user)
		} else {
			e.counts[old.user] = c - 1
		}
	}

	if n := len(e.points); n > 0 && e.Resolution > 0 {
		if e.points[n-1].TimeMs > t.Add(-e.Resolution).UnixMilli() {
			return
		}
	}
	e.points = append(e.points, Point{
		TimeMs:     t.UnixMilli(),
		Popularity: uint32(len(e.counts)),
	})
}

// Points returns every point emitted so far.
func (e *Estimator) Points() []Point {
	return e.points
}

// flexUID tolerates a uid serialized as either a JSON number or a string.
type flexUID uint64

func (u *flexUID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("uid %s: %w", b, err)
	}
	*u = flexUID(v)
	return nil
}

// ExtractUser pulls the acting user id out of a SendMsgReply body, following
// the recorder's counting policy: chat messages by their info tuple, guard
// purchases by data.uid. The superchat match requires a literal backslash
// after the command name, so plain SUPER_CHAT_MESSAGE bodies do not count.
// The bool reports whether a user was extracted.
func ExtractUser(body []byte) (uint64, bool, error) {
	s := string(body)
	switch {
	case strings.Contains(s, "DANMU_MSG"):
		msg, err := ParseDanmuMsg(body)
		if err != nil {
			if errors.Is(err, ErrNotDanmu) {
				return 0, false, nil
			}
			return 0, false, err
		}
		return msg.UserID, true, nil

	case strings.Contains(s, `SUPER_CHAT_MESSAGE\`) || strings.Contains(s, "GUARD_BUY"):
		var payload struct {
			Data struct {
				UID flexUID `json:"uid"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, false, fmt.Errorf("uid payload: %w", err)
		}
		return uint64(payload.Data.UID), true, nil

	default:
		return 0, false, nil
	}
}
