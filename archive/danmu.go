package archive

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotDanmu reports a body whose cmd is not DANMU_MSG. Callers filtering
// by substring use it to skip look-alike commands.
var ErrNotDanmu = errors.New("not a danmu message")

// DanmuMsg is one chat message extracted from the raw archive. Time is
// milliseconds since the epoch, as stamped by the upstream server.
type DanmuMsg struct {
	Text     string `json:"text"`
	UserID   uint64 `json:"user_id"`
	Username string `json:"username"`
	TimeMs   int64  `json:"time"`
}

// ParseDanmuMsg decodes the DANMU_MSG heterogeneous info tuple: the ms
// timestamp sits at info[0][4], the text at info[1], the sender's uid and
// name at info[2][0] and info[2][1].
func ParseDanmuMsg(body []byte) (*DanmuMsg, error) {
	var outer struct {
		Cmd  string            `json:"cmd"`
		Info []json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("danmu envelope: %w", err)
	}
	if outer.Cmd != "DANMU_MSG" {
		return nil, ErrNotDanmu
	}
	if len(outer.Info) < 3 {
		return nil, fmt.Errorf("danmu info has %d elements", len(outer.Info))
	}

	var meta []json.RawMessage
	if err := json.Unmarshal(outer.Info[0], &meta); err != nil {
		return nil, fmt.Errorf("danmu meta: %w", err)
	}
	if len(meta) < 5 {
		return nil, fmt.Errorf("danmu meta has %d elements", len(meta))
	}
	var ts int64
	if err := json.Unmarshal(meta[4], &ts); err != nil {
		return nil, fmt.Errorf("danmu timestamp: %w", err)
	}

	var text string
	if err := json.Unmarshal(outer.Info[1], &text); err != nil {
		return nil, fmt.Errorf("danmu text: %w", err)
	}

	var sender []json.RawMessage
	if err := json.Unmarshal(outer.Info[2], &sender); err != nil {
		return nil, fmt.Errorf("danmu sender: %w", err)
	}
	if len(sender) < 2 {
		return nil, fmt.Errorf("danmu sender has %d elements", len(sender))
	}
	var uid uint64
	if err := json.Unmarshal(sender[0], &uid); err != nil {
		return nil, fmt.Errorf("danmu sender uid: %w", err)
	}
	var username string
	if err := json.Unmarshal(sender[1], &username); err != nil {
		return nil, fmt.Errorf("danmu sender name: %w", err)
	}

	return &DanmuMsg{
		Text:     text,
		UserID:   uid,
		Username: username,
		TimeMs:   ts,
	}, nil
}
