package ddpanel

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwy15/ddpanel/blive"
)

func TestFailureWindowBudget(t *testing.T) {
	w := newFailureWindow(3, time.Minute)
	base := time.Now()

	for i := 0; i < 3; i++ {
		if w.fail(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("budget blown after %d failures", i+1)
		}
	}
	if !w.fail(base.Add(3 * time.Second)) {
		t.Fatal("4th failure inside the window should blow budget 3")
	}
}

func TestFailureWindowSlides(t *testing.T) {
	w := newFailureWindow(2, time.Minute)
	base := time.Now()

	w.fail(base)
	w.fail(base.Add(time.Second))

	// both old failures have expired by now
	if w.fail(base.Add(2 * time.Minute)) {
		t.Fatal("expired failures must not count")
	}
	w.fail(base.Add(2*time.Minute + time.Second))
	if !w.fail(base.Add(2*time.Minute + 2*time.Second)) {
		t.Fatal("3 fresh failures should blow budget 2")
	}
}

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestRoomConnectorGivesUp(t *testing.T) {
	hc := &http.Client{Transport: rtFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(req.URL.Path, "getInfoByRoom"):
			return jsonResponse(200, `{"code":0,"message":"0","data":{
				"room_info":{"room_id":5440,"uid":282994},
				"anchor_info":{"base_info":{"uname":"OhaAsakura"}}}}`), nil
		case strings.Contains(req.URL.Path, "getDanmuInfo"):
			return jsonResponse(200, `{"code":-412,"message":"request was banned","data":null}`), nil
		default:
			return jsonResponse(404, `{}`), nil
		}
	})}

	packets := NewBroadcast[*Packet](16)
	sub := packets.Subscribe()
	defer sub.Unsubscribe()

	cache := NewRoomInfoCache(zerolog.Nop())
	conn := &RoomConnector{
		log:     zerolog.Nop(),
		roomID:  510, // short id resolves to 5440
		api:     blive.NewClient(blive.WithHTTPClient(hc)),
		cache:   cache,
		packets: packets,
	}

	if err := conn.Run(context.Background()); err == nil {
		t.Fatal("expected error once the budget is exhausted")
	}
	if name, ok := cache.Lookup(5440); !ok || name != "OhaAsakura" {
		t.Errorf("cache entry = %q, %v; want resolved streamer", name, ok)
	}
}

func TestRoomConnectorResolveFatal(t *testing.T) {
	hc := &http.Client{Transport: rtFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"code":19002000,"message":"获取初始化数据失败","data":null}`), nil
	})}

	conn := &RoomConnector{
		log:     zerolog.Nop(),
		roomID:  1,
		api:     blive.NewClient(blive.WithHTTPClient(hc)),
		cache:   NewRoomInfoCache(zerolog.Nop()),
		packets: NewBroadcast[*Packet](4),
	}
	if err := conn.Run(context.Background()); err == nil {
		t.Fatal("expected resolve error without retries")
	}
}
