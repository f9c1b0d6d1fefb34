package blive

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const heartbeatInterval = 30 * time.Second

// LiveConnection is an authenticated WebSocket connection to one live room.
// It is not safe for concurrent Next calls.
type LiveConnection struct {
	ws      *websocket.Conn
	log     zerolog.Logger
	cancel  context.CancelFunc
	pending []*Packet

	wsMu sync.Mutex // serialises WebSocket writes (gorilla requires single-writer)

	closeOnce sync.Once
	closeErr  error
}

// Connect dials serverURL, authenticates for roomID and starts the heartbeat.
// The socket is force-closed when ctx ends, which unblocks a pending Next.
func (c *Client) Connect(ctx context.Context, serverURL string, roomID uint64, token string) (*LiveConnection, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	header.Set("User-Agent", userAgent)
	if c.cookies != "" {
		header.Set("Cookie", c.cookies)
	}

	ws, _, err := dialer.DialContext(ctx, serverURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	lc := &LiveConnection{
		ws:  ws,
		log: c.log.With().Uint64("room", roomID).Logger(),
	}

	if err := lc.write(buildAuthPacket(roomID, token)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	lc.cancel = cancel
	go lc.heartbeatLoop(connCtx)
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	lc.log.Debug().Str("url", serverURL).Int("token_len", len(token)).Msg("connected")
	return lc, nil
}

// Next returns the next decoded packet, blocking until one arrives or the
// connection breaks. A single WebSocket message may carry several frames;
// they are handed out one at a time.
func (lc *LiveConnection) Next() (*Packet, error) {
	for len(lc.pending) == 0 {
		_, message, err := lc.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}

		packets, err := decodePackets(message)
		if err != nil {
			lc.log.Warn().Err(err).Msg("decode error")
			continue
		}
		lc.pending = packets
	}

	p := lc.pending[0]
	lc.pending = lc.pending[1:]
	return p, nil
}

// Close stops the heartbeat and closes the socket. Safe to call more than once.
func (lc *LiveConnection) Close() error {
	lc.closeOnce.Do(func() {
		lc.cancel()
		lc.closeErr = lc.ws.Close()
	})
	return lc.closeErr
}

func (lc *LiveConnection) write(data []byte) error {
	lc.wsMu.Lock()
	defer lc.wsMu.Unlock()
	return lc.ws.WriteMessage(websocket.BinaryMessage, data)
}

// heartbeatLoop sends a heartbeat every 30 seconds. A send failure means the
// connection is going down; the read side will surface the error.
func (lc *LiveConnection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lc.write(buildHeartbeatPacket()); err != nil {
				lc.log.Warn().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}
