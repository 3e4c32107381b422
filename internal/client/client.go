package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatstream/internal/config"
	"chatstream/internal/models"
	"chatstream/internal/provider"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
	userAgent              = "chatstream/0.1"

	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	maxErrorBody           = 64 * 1024
	maxErrorText           = 150
)

// Request is one chat turn sent to the backend.
type Request struct {
	Messages    []models.WireMessage
	Model       string
	Credentials provider.Credentials
	SessionID   string
}

type chatPayload struct {
	Messages   []models.WireMessage `json:"messages"`
	Model      string               `json:"model"`
	APIKey     string               `json:"api_key"`
	APIBaseURL string               `json:"api_base_url,omitempty"`
	Provider   string               `json:"provider"`
	SessionID  string               `json:"session_id,omitempty"`
	Headers    map[string]string    `json:"headers,omitempty"`
}

type tokenPayload struct {
	Messages []models.WireMessage `json:"messages"`
	Model    string               `json:"model"`
}

// Client talks to the local completion backend.
type Client struct {
	chatURL  string
	tokenURL string
	timeout  time.Duration
	http     *http.Client
	logger   *slog.Logger
}

// New constructs a backend client. A nil httpClient selects a pooled client
// built from the backend timeouts. cfg.Timeout bounds the wait for response
// headers and each token info request; a stream body is bounded only by the
// caller's context.
func New(cfg config.BackendConfig, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ChatURL) == "" {
		return nil, errors.New("chat url must not be empty")
	}
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.Timeout, cfg.DialTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		chatURL:  cfg.ChatURL,
		tokenURL: cfg.TokenInfoURL,
		timeout:  cfg.Timeout,
		http:     httpClient,
		logger:   logger,
	}, nil
}

// Stream posts the turn and returns the event-stream body. The caller must
// close it. Cancelling ctx aborts the request and any pending body read.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	payload := chatPayload{
		Messages:   req.Messages,
		Model:      req.Model,
		APIKey:     req.Credentials.APIKey,
		APIBaseURL: req.Credentials.BaseURL,
		Provider:   req.Credentials.Provider,
		SessionID:  req.SessionID,
		Headers:    req.Credentials.Headers,
	}
	if payload.Messages == nil {
		payload.Messages = []models.WireMessage{}
	}

	httpReq, err := newRequest(ctx, c.chatURL, payload, contentTypeEventStream)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, parseStatusError(resp)
	}

	c.logger.Debug("chat stream opened",
		"model", req.Model,
		"provider", req.Credentials.Provider,
		"session_id", req.SessionID,
		"messages", len(req.Messages),
	)
	return resp.Body, nil
}

// TokenInfo asks the backend how much of the model's context messages use.
func (c *Client) TokenInfo(ctx context.Context, model string, messages []models.WireMessage) (models.TokenInfo, error) {
	if c.tokenURL == "" {
		return models.TokenInfo{}, errors.New("token info url not configured")
	}
	if messages == nil {
		messages = []models.WireMessage{}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := newRequest(ctx, c.tokenURL, tokenPayload{Messages: messages, Model: model}, contentTypeJSON)
	if err != nil {
		return models.TokenInfo{}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return models.TokenInfo{}, fmt.Errorf("token info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.TokenInfo{}, parseStatusError(resp)
	}

	var info models.TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return models.TokenInfo{}, fmt.Errorf("decode token info: %w", err)
	}
	if info.Error != "" {
		return models.TokenInfo{}, fmt.Errorf("token info: %s", info.Error)
	}
	return info, nil
}

func newRequest(ctx context.Context, url string, payload any, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// newHTTPClient sets no overall Timeout: it would cut off a long stream body.
func newHTTPClient(headerTimeout, dialTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Code    int
	Message string
	Retry   time.Duration
}

func (e *StatusError) Error() string { return e.Message }

// StatusCode returns the HTTP status of the response.
func (e *StatusError) StatusCode() int { return e.Code }

// RetryAfter returns the server's Retry-After hint, or zero.
func (e *StatusError) RetryAfter() time.Duration { return e.Retry }

func parseStatusError(resp *http.Response) error {
	se := &StatusError{
		Code:    resp.StatusCode,
		Message: fmt.Sprintf("Server error: %d", resp.StatusCode),
		Retry:   parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return se
	}

	var parsed struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch v := parsed.Error.(type) {
		case string:
			if v != "" {
				se.Message = v
				return se
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				se.Message = msg
				return se
			}
		}
		if parsed.Message != "" {
			se.Message = parsed.Message
		}
		return se
	}

	if text := string(body); strings.TrimSpace(text) != "" {
		se.Message = truncate(text, maxErrorText)
	}
	return se
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
