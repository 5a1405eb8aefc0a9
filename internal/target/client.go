// Package target is the only code that talks to the system under
// test. Every probe, recon turn and exploit payload goes through
// Client.Send; auth is injected here exactly once and credentials
// never leave this package unredacted.
package target

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"redforge/internal/config"
	"redforge/internal/logging"
)

// Protocol selects the transport.
type Protocol string

const (
	ProtocolHTTP      Protocol = "/http"
	ProtocolWebsocket Protocol = "/websocket"
)

// Auth describes how credentials attach to a request.
type Auth struct {
	Type     string // none, bearer, api_key, basic, header
	Token    string
	Header   string // header name for api_key/header auth (default X-API-Key)
	Username string
	Password string
}

// Spec describes one target endpoint.
type Spec struct {
	URL              string
	Protocol         Protocol
	MessageField     string // JSON field carrying the prompt (default "message")
	Headers          map[string]string
	Auth             Auth
	Timeout          time.Duration
	MaxResponseBytes int64
	SessionID        string // pins websocket sends to one connection
	RedactSecrets    bool
}

// FromConfig translates the yaml target section into a Spec.
func FromConfig(cfg config.TargetConfig) Spec {
	proto := ProtocolHTTP
	if cfg.Protocol == "ws" || strings.HasPrefix(cfg.BaseURL, "ws://") || strings.HasPrefix(cfg.BaseURL, "wss://") {
		proto = ProtocolWebsocket
	}
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	return Spec{
		URL:              cfg.BaseURL,
		Protocol:         proto,
		MessageField:     "message",
		Headers:          cfg.Headers,
		Auth: Auth{
			Type:     cfg.Auth.Type,
			Token:    cfg.Auth.Token,
			Header:   cfg.Auth.Header,
			Username: cfg.Auth.Username,
		},
		Timeout:          timeout,
		MaxResponseBytes: cfg.MaxResponseBytes,
		SessionID:        cfg.SessionID,
		RedactSecrets:    cfg.RedactSecrets,
	}
}

func (s Spec) messageField() string {
	if s.MessageField == "" {
		return "message"
	}
	return s.MessageField
}

func (s Spec) maxResponseBytes() int64 {
	if s.MaxResponseBytes <= 0 {
		return 1 << 20 // 1 MiB
	}
	return s.MaxResponseBytes
}

// Response is what the target sent back.
type Response struct {
	Text       string
	StatusCode int
	Headers    http.Header
	LatencyMS  int64
}

// Transport failure classes. Callers branch on these to decide
// between retrying, backing off and aborting.
var (
	ErrClient      = errors.New("target: request failed")
	ErrTimeout     = errors.New("target: request timed out")
	ErrRefused     = errors.New("target: connection refused")
	ErrRateLimited = errors.New("target: rate limited")
)

// Client sends prompts to targets over HTTP or websocket. Safe for
// concurrent use; websocket session connections are cached per
// session ID.
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer

	mu       sync.Mutex
	sessions map[string]*websocket.Conn
}

// NewClient creates a target client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		sessions:   make(map[string]*websocket.Conn),
	}
}

// Send delivers one prompt and returns the target's reply.
func (c *Client) Send(ctx context.Context, prompt string, spec Spec) (Response, error) {
	if spec.URL == "" {
		return Response{}, fmt.Errorf("%w: no target URL", ErrClient)
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	start := time.Now()
	var resp Response
	var err error
	if spec.Protocol == ProtocolWebsocket {
		resp, err = c.sendWS(ctx, prompt, spec)
	} else {
		resp, err = c.sendHTTP(ctx, prompt, spec)
	}
	resp.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		logging.TargetWarn("Send failed: url=%s err=%v", spec.URL, err)
		logging.Audit().TargetRequest("POST", spec.URL, resp.StatusCode, resp.LatencyMS, false, err.Error())
		return resp, err
	}
	logging.TargetDebug("Send ok: url=%s status=%d latency=%dms bytes=%d",
		spec.URL, resp.StatusCode, resp.LatencyMS, len(resp.Text))
	logging.Audit().TargetRequest("POST", spec.URL, resp.StatusCode, resp.LatencyMS, true, "")
	return resp, nil
}

// Preflight checks that the target answers a benign prompt. Used
// before reconnaissance starts so a dead endpoint fails fast.
func (c *Client) Preflight(ctx context.Context, spec Spec) error {
	resp, err := c.Send(ctx, "Hello! What can you help me with?", spec)
	if err != nil {
		return fmt.Errorf("target preflight failed: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return fmt.Errorf("%w: preflight got empty response", ErrClient)
	}
	return nil
}

// Close tears down any cached websocket session connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.sessions {
		conn.Close()
		delete(c.sessions, id)
	}
}

func (c *Client) sendHTTP(ctx context.Context, prompt string, spec Spec) (Response, error) {
	body, err := json.Marshal(map[string]string{spec.messageField(): prompt})
	if err != nil {
		return Response{}, fmt.Errorf("%w: encoding request: %v", ErrClient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrClient, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req.Header, spec.Auth)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, classifyNetErr(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, spec.maxResponseBytes()))
	if err != nil {
		return Response{StatusCode: httpResp.StatusCode}, classifyNetErr(err)
	}

	resp := Response{
		Text:       ExtractText(raw, httpResp.Header.Get("Content-Type")),
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return resp, ErrRateLimited
	case httpResp.StatusCode >= 400:
		return resp, fmt.Errorf("%w: status %d", ErrClient, httpResp.StatusCode)
	}
	return resp, nil
}

func (c *Client) sendWS(ctx context.Context, prompt string, spec Spec) (Response, error) {
	conn, cached, err := c.wsConn(ctx, spec)
	if err != nil {
		return Response{}, err
	}
	if !cached {
		defer conn.Close()
	}

	payload, err := json.Marshal(map[string]string{spec.messageField(): prompt})
	if err != nil {
		return Response{}, fmt.Errorf("%w: encoding message: %v", ErrClient, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.dropSession(spec.SessionID, conn)
		return Response{}, classifyNetErr(err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		c.dropSession(spec.SessionID, conn)
		return Response{}, classifyNetErr(err)
	}

	return Response{Text: ExtractText(raw, "")}, nil
}

// wsConn returns the connection to use for a send. Session-pinned
// specs reuse one cached connection; everything else dials fresh.
func (c *Client) wsConn(ctx context.Context, spec Spec) (conn *websocket.Conn, cached bool, err error) {
	if spec.SessionID != "" {
		c.mu.Lock()
		if existing, ok := c.sessions[spec.SessionID]; ok {
			c.mu.Unlock()
			return existing, true, nil
		}
		c.mu.Unlock()
	}

	header := http.Header{}
	for k, v := range spec.Headers {
		header.Set(k, v)
	}
	applyAuth(header, spec.Auth)

	conn, _, err = c.dialer.DialContext(ctx, spec.URL, header)
	if err != nil {
		return nil, false, classifyNetErr(err)
	}

	if spec.SessionID != "" {
		c.mu.Lock()
		c.sessions[spec.SessionID] = conn
		c.mu.Unlock()
		return conn, true, nil
	}
	return conn, false, nil
}

// dropSession evicts a broken cached connection.
func (c *Client) dropSession(sessionID string, conn *websocket.Conn) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	if c.sessions[sessionID] == conn {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
	conn.Close()
}

// applyAuth attaches credentials to the outgoing headers. Called on
// exactly one header set per request.
func applyAuth(h http.Header, auth Auth) {
	switch auth.Type {
	case "", "none":
	case "bearer":
		h.Set("Authorization", "Bearer "+auth.Token)
	case "api_key":
		name := auth.Header
		if name == "" {
			name = "X-API-Key"
		}
		h.Set(name, auth.Token)
	case "basic":
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Token))
		h.Set("Authorization", "Basic "+cred)
	case "header":
		if auth.Header != "" {
			h.Set(auth.Header, auth.Token)
		}
	}
}

// classifyNetErr maps transport failures onto the package error atoms.
func classifyNetErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", ErrRefused, err)
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "i/o timeout"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrClient, err)
}
