package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(5*time.Second, "test-agent")
	body, status, err := c.Get(context.Background(), srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want hello", body)
	}
}

func TestGetRetriesAntiBotHostOn403(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Header.Get("Sec-Fetch-Mode") != "navigate" {
			t.Errorf("expected enriched headers on retry")
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	c := New(5*time.Second, "test-agent", WithAntiBotHosts(host))
	body, status, err := c.Get(context.Background(), srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status != http.StatusOK || string(body) != "ok" {
		t.Errorf("expected successful retry, got status=%d body=%q", status, body)
	}
	if calls != 2 {
		t.Errorf("expected exactly one retry (2 calls), got %d", calls)
	}
}

func TestPostJSONSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want Bearer secret", got)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(5*time.Second, "test-agent")
	body, status, err := c.PostJSON(context.Background(), srv.URL, "secret", []byte(`{}`))
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if status != 200 || string(body) != `{"ok":true}` {
		t.Errorf("unexpected response: status=%d body=%q", status, body)
	}
}
