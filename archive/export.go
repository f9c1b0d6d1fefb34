package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gwy15/ddpanel"
)

// ExportDanmu collects every chat message sent in roomID from the archive.
// A cheap substring check skips unrelated lines before the JSON parse.
func ExportDanmu(scanner *bufio.Scanner, roomID uint64) ([]*DanmuMsg, error) {
	var messages []*DanmuMsg

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if !bytes.Contains(raw, []byte("SendMsgReply")) || !bytes.Contains(raw, []byte("DANMU_MSG")) {
			continue
		}

		var line ddpanel.Packet
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("parse line %d: %w", lineNo, err)
		}
		if line.RoomID != roomID || line.Operation != "SendMsgReply" {
			continue
		}

		msg, err := ParseDanmuMsg([]byte(line.Body))
		if err != nil {
			// combo commands contain the DANMU_MSG substring without being one
			if errors.Is(err, ErrNotDanmu) {
				continue
			}
			return nil, fmt.Errorf("parse danmu at line %d: %w", lineNo, err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return messages, nil
}

// EstimatePopularity runs the five-minute unique-user estimate for roomID
// over the archive. A resolution of zero emits a point per counted event.
func EstimatePopularity(scanner *bufio.Scanner, roomID uint64, resolution time.Duration) ([]Point, error) {
	est := NewEstimator()
	est.Resolution = resolution

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if !bytes.Contains(raw, []byte("SendMsgReply")) {
			continue
		}

		var line ddpanel.Packet
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("parse line %d: %w", lineNo, err)
		}
		if line.Operation != "SendMsgReply" || line.RoomID != roomID {
			continue
		}

		user, ok, err := ExtractUser([]byte(line.Body))
		if err != nil {
			return nil, fmt.Errorf("extract user at line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		est.Observe(user, line.Time)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return est.Points(), nil
}
