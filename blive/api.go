package blive

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

const (
	infoByRoomURL = "https://api.live.bilibili.com/xlive/web-room/v1/index/getInfoByRoom?room_id=%d"
	danmuInfoURL  = "https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo?id=%d"
	userCardURL   = "https://api.bilibili.com/x/web-interface/card?mid=%d"
	upstatURL     = "https://api.bilibili.com/x/space/upstat?%s"
	navURL        = "https://api.bilibili.com/x/web-interface/nav"
)

// Client is a minimal Bilibili REST client: room resolution, danmu server
// discovery, and the two uploader statistics endpoints.
type Client struct {
	hc      *http.Client
	cookies string
	log     zerolog.Logger

	wbi wbiCache
}

// NewClient creates a Client. Without options it uses http.DefaultClient,
// logs nothing, and identifies itself with a generated buvid3 device cookie.
func NewClient(opts ...Option) *Client {
	c := &Client{
		hc:  http.DefaultClient,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cookies == "" {
		c.cookies = "buvid3=" + generateBuvid3()
	}
	return c
}

// LiveRoom describes a live room as reported by getInfoByRoom.
type LiveRoom struct {
	RoomID   uint64 // real (long) room id
	UID      uint64
	Streamer string
}

// InfoByRoom resolves a possibly-short room id to the real room id and the
// streamer behind it.
func (c *Client) InfoByRoom(ctx context.Context, roomID uint64) (*LiveRoom, error) {
	var data struct {
		RoomInfo struct {
			RoomID uint64 `json:"room_id"`
			UID    uint64 `json:"uid"`
		} `json:"room_info"`
		AnchorInfo struct {
			BaseInfo struct {
				Uname string `json:"uname"`
			} `json:"base_info"`
		} `json:"anchor_info"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(infoByRoomURL, roomID), &data); err != nil {
		return nil, fmt.Errorf("getInfoByRoom(%d): %w", roomID, err)
	}
	return &LiveRoom{
		RoomID:   data.RoomInfo.RoomID,
		UID:      data.RoomInfo.UID,
		Streamer: data.AnchorInfo.BaseInfo.Uname,
	}, nil
}

// DanmuInfo carries what is needed to open a live connection.
type DanmuInfo struct {
	Token string   `json:"token"`
	Hosts []Server `json:"host_list"`
}

// Server is one danmu server candidate.
type Server struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WssPort int    `json:"wss_port"`
	WsPort  int    `json:"ws_port"`
}

// URL renders the wss endpoint for this server.
func (s Server) URL() string {
	return fmt.Sprintf("wss://%s:%d/sub", s.Host, s.WssPort)
}

// DanmuInfo fetches the auth token and server list for a real room id.
func (c *Client) DanmuInfo(ctx context.Context, realRoomID uint64) (*DanmuInfo, error) {
	var data DanmuInfo
	if err := c.getJSON(ctx, fmt.Sprintf(danmuInfoURL, realRoomID), &data); err != nil {
		return nil, fmt.Errorf("getDanmuInfo(%d): %w", realRoomID, err)
	}
	return &data, nil
}

// UserInfo is the follower-count slice of the card API response.
type UserInfo struct {
	Name      string `json:"name"`
	Followers uint64 `json:"followers"`
}

// UserInfo fetches name and follower count for a uid.
func (c *Client) UserInfo(ctx context.Context, uid uint64) (*UserInfo, error) {
	var data struct {
		Card struct {
			Name string `json:"name"`
		} `json:"card"`
		Follower uint64 `json:"follower"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(userCardURL, uid), &data); err != nil {
		return nil, fmt.Errorf("card(%d): %w", uid, err)
	}
	return &UserInfo{Name: data.Card.Name, Followers: data.Follower}, nil
}

// UploaderStat is the upstat API response reduced to what the panel records.
type UploaderStat struct {
	VideoViews   uint64 `json:"video_views"`
	ArticleViews uint64 `json:"article_views"`
	Likes        uint64 `json:"likes"`
}

// UploaderStat fetches video/article view counts and likes for a uid. The
// endpoint requires a wbi-signed query.
func (c *Client) UploaderStat(ctx context.Context, uid uint64) (*UploaderStat, error) {
	query, err := c.signQuery(ctx, map[string]string{"mid": fmt.Sprint(uid)})
	if err != nil {
		return nil, fmt.Errorf("upstat(%d): sign: %w", uid, err)
	}
	var data struct {
		Archive struct {
			View uint64 `json:"view"`
		} `json:"archive"`
		Article struct {
			View uint64 `json:"view"`
		} `json:"article"`
		Likes uint64 `json:"likes"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(upstatURL, query), &data); err != nil {
		return nil, fmt.Errorf("upstat(%d): %w", uid, err)
	}
	return &UploaderStat{
		VideoViews:   data.Archive.View,
		ArticleViews: data.Article.View,
		Likes:        data.Likes,
	}, nil
}

// getJSON performs a GET request and unmarshals the data field of the
// standard {code, message, data} envelope into out.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("api code %d: %s", envelope.Code, envelope.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("parse data: %w", err)
		}
	}
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://live.bilibili.com/")
	req.Header.Set("Origin", "https://live.bilibili.com")
	if c.cookies != "" {
		req.Header.Set("Cookie", c.cookies)
	}
}

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// generateBuvid3 creates a random buvid3 device identifier.
// Format: UUID v4 + "infoc" (e.g. "1702EE27-7022-473C-8F6B-4BC9DD6AE419infoc")
func generateBuvid3() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012Xinfoc",
		binary.BigEndian.Uint32(b[0:4]),
		binary.BigEndian.Uint16(b[4:6]),
		binary.BigEndian.Uint16(b[6:8]),
		binary.BigEndian.Uint16(b[8:10]),
		b[10:16])
}
