package target

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"redforge/internal/config"
)

func httpSpec(url string) Spec {
	return Spec{URL: url, Protocol: ProtocolHTTP, Timeout: 5 * time.Second}
}

func TestSendHTTP(t *testing.T) {
	var gotBody map[string]string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"response": "hello back"})
	}))
	defer srv.Close()

	spec := httpSpec(srv.URL)
	spec.Auth = Auth{Type: "bearer", Token: "sk-secret"}

	resp, err := NewClient().Send(context.Background(), "hello", spec)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Text != "hello back" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello back")
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if resp.LatencyMS < 0 {
		t.Errorf("negative latency")
	}
	if gotBody["message"] != "hello" {
		t.Errorf("default message field not used: %v", gotBody)
	}
	if gotAuth != "Bearer sk-secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestSendHTTPCustomMessageField(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	spec := httpSpec(srv.URL)
	spec.MessageField = "prompt"
	if _, err := NewClient().Send(context.Background(), "ping", spec); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotBody["prompt"] != "ping" {
		t.Errorf("prompt field not used: %v", gotBody)
	}
}

func TestSendHTTPAuthModes(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cases := []struct {
		auth   Auth
		header string
		want   string
	}{
		{Auth{Type: "api_key", Token: "k1"}, "X-API-Key", "k1"},
		{Auth{Type: "api_key", Token: "k2", Header: "X-Custom-Key"}, "X-Custom-Key", "k2"},
		{Auth{Type: "basic", Username: "u", Token: "p"}, "Authorization", "Basic dTpw"},
		{Auth{Type: "header", Token: "tok", Header: "X-Session"}, "X-Session", "tok"},
	}
	client := NewClient()
	for _, tc := range cases {
		spec := httpSpec(srv.URL)
		spec.Auth = tc.auth
		if _, err := client.Send(context.Background(), "x", spec); err != nil {
			t.Fatalf("Send failed for %s: %v", tc.auth.Type, err)
		}
		if v := got.Get(tc.header); v != tc.want {
			t.Errorf("auth %s: header %s = %q, want %q", tc.auth.Type, tc.header, v, tc.want)
		}
	}
}

func TestSendHTTPAuthInjectedOnce(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Values("Authorization")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	spec := httpSpec(srv.URL)
	spec.Auth = Auth{Type: "bearer", Token: "once"}
	spec.Headers = map[string]string{"X-Extra": "v"}
	if _, err := NewClient().Send(context.Background(), "x", spec); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Authorization injected %d times, want 1", len(got))
	}
}

func TestSendHTTPRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	resp, err := NewClient().Send(context.Background(), "x", httpSpec(srv.URL))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
}

func TestSendHTTPClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("denied"))
	}))
	defer srv.Close()

	resp, err := NewClient().Send(context.Background(), "x", httpSpec(srv.URL))
	if !errors.Is(err, ErrClient) {
		t.Fatalf("expected ErrClient, got %v", err)
	}
	if resp.Text != "denied" {
		t.Errorf("error body should still be extracted, got %q", resp.Text)
	}
}

func TestSendHTTPRefused(t *testing.T) {
	// Grab a port nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient().Send(context.Background(), "x", httpSpec(url))
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
}

func TestSendHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	spec := httpSpec(srv.URL)
	spec.Timeout = 50 * time.Millisecond
	_, err := NewClient().Send(context.Background(), "x", spec)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSendHTTPMaxResponseBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 1000)))
	}))
	defer srv.Close()

	spec := httpSpec(srv.URL)
	spec.MaxResponseBytes = 100
	resp, err := NewClient().Send(context.Background(), "x", spec)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(resp.Text) != 100 {
		t.Errorf("response not truncated: %d bytes", len(resp.Text))
	}
}

func TestPreflight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": "I can help with many things."})
	}))
	defer srv.Close()

	if err := NewClient().Preflight(context.Background(), httpSpec(srv.URL)); err != nil {
		t.Errorf("Preflight failed: %v", err)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("   "))
	}))
	defer empty.Close()
	if err := NewClient().Preflight(context.Background(), httpSpec(empty.URL)); err == nil {
		t.Error("Preflight should fail on empty response")
	}
}

func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]string
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			conn.WriteJSON(map[string]string{"response": "echo: " + msg["message"]})
		}
	}))
}

func TestSendWebsocket(t *testing.T) {
	srv := wsEchoServer(t)
	defer srv.Close()

	spec := Spec{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Protocol: ProtocolWebsocket,
		Timeout:  5 * time.Second,
	}
	client := NewClient()
	defer client.Close()

	resp, err := client.Send(context.Background(), "hi", spec)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Text != "echo: hi" {
		t.Errorf("Text = %q", resp.Text)
	}
}

func TestSendWebsocketSession(t *testing.T) {
	var conns int
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns++
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]string
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			conn.WriteJSON(map[string]string{"response": "ok"})
		}
	}))
	defer srv.Close()

	spec := Spec{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Protocol:  ProtocolWebsocket,
		Timeout:   5 * time.Second,
		SessionID: "sess-1",
	}
	client := NewClient()
	defer client.Close()

	for i := 0; i < 3; i++ {
		if _, err := client.Send(context.Background(), "x", spec); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if conns != 1 {
		t.Errorf("session should reuse one connection, got %d dials", conns)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.TargetConfig{
		BaseURL:  "wss://chat.example.com/api",
		Timeout:  "10s",
		Auth:     config.TargetAuthConfig{Type: "bearer", Token: "t"},
		Headers:  map[string]string{"X-Env": "staging"},
	}
	spec := FromConfig(cfg)
	if spec.Protocol != ProtocolWebsocket {
		t.Errorf("wss URL should infer websocket protocol, got %s", spec.Protocol)
	}
	if spec.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v", spec.Timeout)
	}
	if spec.messageField() != "message" {
		t.Errorf("default message field = %q", spec.messageField())
	}
}
