package archive

import (
	"testing"
	"time"
)

func TestEstimatorWindowTrace(t *testing.T) {
	base := time.Unix(1700000000, 0)
	est := NewEstimator()
	est.Resolution = 0

	est.Observe(1, base)
	est.Observe(2, base.Add(60*time.Second))
	est.Observe(1, base.Add(240*time.Second))
	// user 1's first event (at +0s) has left the window by now
	est.Observe(3, base.Add(301*time.Second))

	points := est.Points()
	want := []uint32{1, 2, 2, 3}
	if len(points) != len(want) {
		t.Fatalf("got %d points, want %d", len(points), len(want))
	}
	for i, w := range want {
		if points[i].Popularity != w {
			t.Errorf("point %d: popularity = %d, want %d", i, points[i].Popularity, w)
		}
	}
	if points[3].TimeMs != base.Add(301*time.Second).UnixMilli() {
		t.Errorf("point 3 time = %d", points[3].TimeMs)
	}
}

func TestEstimatorEvictionBoundary(t *testing.T) {
	base := time.Unix(1700000000, 0)

	// 299s apart: both users still inside the five minute window
	est := NewEstimator()
	est.Resolution = 0
	est.Observe(1, base)
	est.Observe(2, base.Add(299*time.Second))
	points := est.Points()
	if len(points) != 2 || points[1].Popularity != 2 {
		t.Fatalf("299s: got %+v", points)
	}

	// 301s apart: user 1 evicted before the second point is taken
	est = NewEstimator()
	est.Resolution = 0
	est.Observe(1, base)
	est.Observe(2, base.Add(301*time.Second))
	points = est.Points()
	if len(points) != 2 || points[1].Popularity != 1 {
		t.Fatalf("301s: got %+v", points)
	}
}

func TestEstimatorResolution(t *testing.T) {
	base := time.Unix(1700000000, 0)
	est := NewEstimator()
	if est.Resolution != DefaultResolution {
		t.Fatalf("default resolution = %v", est.Resolution)
	}

	est.Observe(1, base)
	est.Observe(2, base.Add(2*time.Second))
	est.Observe(3, base.Add(4*time.Second))
	est.Observe(4, base.Add(5*time.Second))

	points := est.Points()
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2: %+v", len(points), points)
	}
	if points[0].Popularity != 1 {
		t.Errorf("first point popularity = %d, want 1", points[0].Popularity)
	}
	// the suppressed events still entered the window
	if points[1].Popularity != 4 {
		t.Errorf("second point popularity = %d, want 4", points[1].Popularity)
	}
	if points[1].TimeMs != base.Add(5*time.Second).UnixMilli() {
		t.Errorf("second point time = %d", points[1].TimeMs)
	}
}

func TestExtractUser(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		user   uint64
		ok     bool
		hasErr bool
	}{
		{
			name: "danmu",
			body: realisticDanmu,
			user: 1437582,
			ok:   true,
		},
		{
			name: "danmu combo variant",
			body: `{"cmd":"DANMU_MSG:4:0:2:2:1:1","info":[]}`,
		},
		{
			name: "guard numeric uid",
			body: `{"cmd":"GUARD_BUY","data":{"uid":123,"username":"观众乙","guard_level":3,"num":1,"price":198000,"gift_name":"舰长"}}`,
			user: 123,
			ok:   true,
		},
		{
			name: "guard string uid",
			body: `{"cmd":"GUARD_BUY","data":{"uid":"456"}}`,
			user: 456,
			ok:   true,
		},
		{
			name: "plain superchat does not match",
			body: `{"cmd":"SUPER_CHAT_MESSAGE","data":{"uid":789,"price":30}}`,
		},
		{
			name: "escaped superchat inside another body",
			body: `{"cmd":"COMBO_SEND","data":{"uid":42,"raw":"{\"cmd\":\"SUPER_CHAT_MESSAGE\"}"}}`,
			user: 42,
			ok:   true,
		},
		{
			name: "unrelated command",
			body: `{"cmd":"INTERACT_WORD","data":{"uid":5,"uname":"路人"}}`,
		},
		{
			name:   "guard with garbage uid",
			body:   `{"cmd":"GUARD_BUY","data":{"uid":true}}`,
			hasErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user, ok, err := ExtractUser([]byte(tc.body))
			if tc.hasErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if user != tc.user {
				t.Errorf("user = %d, want %d", user, tc.user)
			}
		})
	}
}
