package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatstream/internal/config"
	"chatstream/internal/models"
)

const (
	maxBodyBytes        = 4 << 20 // 4 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	chatPath      = "/v1/chat/completions/stream"
	tokenInfoPath = "/v1/chat/token_info"

	defaultContextWindow = 200_000
	charsPerToken        = 4
)

// Server is the scripted completion backend.
type Server struct {
	cfg     config.MockBackendConfig
	script  Script
	app     *echo.Echo
	address string
	logger  *slog.Logger

	served     atomic.Uint64
	newSession func() string
}

// New constructs the mock backend with routing and middleware.
func New(cfg config.MockBackendConfig, script Script, logger *slog.Logger) (*Server, error) {
	if err := script.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = backendErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		cfg:        cfg,
		script:     script,
		app:        e,
		address:    fmt.Sprintf(":%d", cfg.Port),
		logger:     logger,
		newSession: uuid.NewString,
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routes for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting mock backend", "addr", s.address, "turns", len(s.script.Turns))

	// No write timeout: a scripted stream may run longer than any fixed deadline.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("mock backend shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST(chatPath, s.handleChatStream)
	s.app.POST(tokenInfoPath, s.handleTokenInfo)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Messages are only checked to be objects; the wire log may carry provider
// shapes the client keeps verbatim.
type chatRequest struct {
	Messages   []json.RawMessage `json:"messages"`
	Model      string            `json:"model"`
	APIKey     string            `json:"api_key"`
	APIBaseURL string            `json:"api_base_url"`
	Provider   string            `json:"provider"`
	SessionID  string            `json:"session_id"`
	Headers    map[string]string `json:"headers"`
}

func (s *Server) handleChatStream(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if req.Model == "" {
		return requestError{Status: http.StatusBadRequest, Message: "model is required"}
	}
	if len(req.Messages) == 0 {
		return requestError{Status: http.StatusBadRequest, Message: "messages must not be empty"}
	}
	for i, m := range req.Messages {
		if _, err := models.DecodeRawMessage(m); err != nil {
			return requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("messages[%d]: %v", i, err)}
		}
	}

	n := s.served.Add(1) - 1
	turn := s.script.Turns[n%uint64(len(s.script.Turns))]

	if turn.Status >= 300 {
		if turn.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(turn.RetryAfter))
		}
		return requestError{Status: turn.Status, Message: turn.Message}
	}

	sessionID := s.script.SessionID
	if sessionID == "" {
		sessionID = req.SessionID
	}
	if sessionID == "" {
		sessionID = s.newSession()
	}

	s.logger.Debug("streaming scripted turn",
		"turn", n,
		"model", req.Model,
		"provider", req.Provider,
		"session_id", sessionID,
		"frames", len(turn.Frames),
	)
	return s.writeStream(c, turn, sessionID)
}

func (s *Server) writeStream(c echo.Context, turn Turn, sessionID string) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		s.logger.Error("http writer does not support flushing")
		return requestError{Status: http.StatusInternalServerError, Message: "server does not support streaming responses"}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	for i, frame := range turn.Frames {
		if i > 0 && !sleep(ctx, s.cfg.ChunkDelay) {
			return nil
		}
		if i == 0 {
			frame.SessionID = sessionID
		}

		var err error
		if frame.Raw != "" {
			_, err = fmt.Fprintf(writer, "%s\n", frame.Raw)
		} else {
			err = writeDataLine(writer, frame)
		}
		if err != nil {
			s.logger.Warn("failed to write stream frame", "frame", i, "err", err)
			return nil
		}
		flusher.Flush()
	}

	if turn.OmitDone {
		return nil
	}
	if _, err := fmt.Fprint(writer, "data: [DONE]\n\n"); err != nil {
		s.logger.Warn("failed to write terminal sentinel", "err", err)
		return nil
	}
	flusher.Flush()
	return nil
}

type tokenInfoRequest struct {
	Messages []json.RawMessage `json:"messages"`
	Model    string            `json:"model"`
}

// handleTokenInfo estimates token usage from the encoded message size.
func (s *Server) handleTokenInfo(c echo.Context) error {
	var req tokenInfoRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if req.Model == "" {
		return c.JSON(http.StatusOK, models.TokenInfo{Error: "model is required"})
	}

	encoded, err := json.Marshal(req.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	used := (len(encoded) + charsPerToken - 1) / charsPerToken
	if len(req.Messages) == 0 {
		used = 0
	}

	return c.JSON(http.StatusOK, models.TokenInfo{
		MaxTokens:       defaultContextWindow,
		UsedTokens:      used,
		RemainingTokens: max(defaultContextWindow-used, 0),
		Model:           req.Model,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{Status: http.StatusBadRequest, Message: "request body is required"}
		}
		return requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid JSON payload: %v", err)}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{Status: http.StatusBadRequest, Message: "request body must contain a single JSON object"}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error string `json:"error"`
}

func backendErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, errorBody{Error: reqErr.Message})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, errorBody{Error: fmt.Sprint(he.Message)})
		return
	}

	_ = c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
}

func writeDataLine(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal stream payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write stream data: %w", err)
	}
	return nil
}
