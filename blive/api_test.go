package blive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "Mozilla") {
			t.Errorf("User-Agent = %q", ua)
		}
		if r.Header.Get("Cookie") != "SESSDATA=abc" {
			t.Errorf("Cookie = %q", r.Header.Get("Cookie"))
		}
		fmt.Fprint(w, `{"code":0,"message":"","data":{"token":"tok","host_list":[{"host":"h.example.com","wss_port":443}]}}`)
	}))
	defer ts.Close()

	c := NewClient(WithCookies("SESSDATA=abc"), WithHTTPClient(ts.Client()))
	var data DanmuInfo
	if err := c.getJSON(context.Background(), ts.URL, &data); err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if data.Token != "tok" {
		t.Errorf("token = %q", data.Token)
	}
	if len(data.Hosts) != 1 || data.Hosts[0].URL() != "wss://h.example.com:443/sub" {
		t.Errorf("hosts = %+v", data.Hosts)
	}
}

func TestGetJSONAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":-412,"message":"request was banned","data":null}`)
	}))
	defer ts.Close()

	c := NewClient(WithHTTPClient(ts.Client()))
	err := c.getJSON(context.Background(), ts.URL, nil)
	if err == nil {
		t.Fatal("want error for non-zero code")
	}
	if !strings.Contains(err.Error(), "-412") || !strings.Contains(err.Error(), "banned") {
		t.Errorf("error = %v", err)
	}
}

func TestGetJSONHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(WithHTTPClient(ts.Client()))
	if err := c.getJSON(context.Background(), ts.URL, nil); err == nil {
		t.Fatal("want error for HTTP 502")
	}
}
