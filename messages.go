package ddpanel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// liveMessage is the outer shape of a SendMsgReply body.
type liveMessage struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

// flexUID decodes a uid that upstream serializes as either a JSON number or
// a string.
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

func (u flexUID) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

// giftReceiver is the send_master block: a gift billed to another streamer's
// room than the one that published the event.
type giftReceiver struct {
	RoomID uint64 `json:"room_id"`
	UID    uint64 `json:"uid"`
	Uname  string `json:"uname"`
}

// sendGift is the SEND_GIFT payload. price is in milli-units of the
// respective coin.
type sendGift struct {
	CoinType   string        `json:"coin_type"`
	GiftName   string        `json:"giftName"`
	PriceMilli int64         `json:"price"`
	Num        int64         `json:"num"`
	UID        flexUID       `json:"uid"`
	Uname      string        `json:"uname"`
	Receiver   *giftReceiver `json:"send_master"`
}

// isFree reports whether the gift was paid with free (silver) currency.
func (g *sendGift) isFree() bool {
	return g.CoinType != "gold"
}

// price is the gift value in CNY. Free gifts are worth nothing.
func (g *sendGift) price() float64 {
	if g.isFree() {
		return 0
	}
	return float64(g.PriceMilli) * float64(g.Num) / 1000.0
}

func (g *sendGift) point(cache *RoomInfoCache, roomID uint64, t time.Time) *write.Point {
	var streamer string
	if g.Receiver != nil {
		roomID = g.Receiver.RoomID
		streamer = g.Receiver.Uname
	} else {
		streamer = cache.Streamer(roomID)
	}

	tags := map[string]string{
		"room_id":  strconv.FormatUint(roomID, 10),
		"streamer": streamer,
	}
	var fields map[string]interface{}
	if g.isFree() {
		tags["type"] = "free"
		tags["gift_name"] = g.GiftName
		fields = map[string]interface{}{
			"num":  g.Num,
			"coin": float64(g.PriceMilli),
		}
	} else {
		tags["type"] = "gift"
		tags["gift_name"] = g.GiftName
		tags["sender"] = g.UID.String()
		tags["sender_name"] = g.Uname
		fields = map[string]interface{}{
			"num":   g.Num,
			"price": g.price(),
		}
	}
	return write.NewPoint("live-gift", tags, fields, t)
}

// superChat is the SUPER_CHAT_MESSAGE payload. price is already in CNY.
type superChat struct {
	UID      flexUID `json:"uid"`
	Price    int64   `json:"price"`
	UserInfo struct {
		Uname string `json:"uname"`
	} `json:"user_info"`
}

func (s *superChat) point(cache *RoomInfoCache, roomID uint64, t time.Time) *write.Point {
	return write.NewPoint(
		"live-gift",
		map[string]string{
			"room_id":     strconv.FormatUint(roomID, 10),
			"streamer":    cache.Streamer(roomID),
			"type":        "superchat",
			"gift_name":   "superchat",
			"sender":      s.UID.String(),
			"sender_name": s.UserInfo.Uname,
		},
		map[string]interface{}{"price": float64(s.Price)},
		t,
	)
}

// userToast is the USER_TOAST_MSG payload: a guardship purchase. price is in
// milli-CNY and is already the total for num months, so it is not multiplied
// by num again.
type userToast struct {
	UID        flexUID `json:"uid"`
	Username   string  `json:"username"`
	RoleName   string  `json:"role_name"`
	Num        int64   `json:"num"`
	PriceMilli int64   `json:"price"`
}

func (u *userToast) point(cache *RoomInfoCache, roomID uint64, t time.Time) *write.Point {
	return write.NewPoint(
		"live-gift",
		map[string]string{
			"room_id":     strconv.FormatUint(roomID, 10),
			"streamer":    cache.Streamer(roomID),
			"type":        "guard",
			"gift_name":   u.RoleName,
			"sender":      u.UID.String(),
			"sender_name": u.Username,
		},
		map[string]interface{}{
			"num":   u.Num,
			"price": float64(u.PriceMilli) * 0.001,
		},
		t,
	)
}
