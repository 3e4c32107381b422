package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"chatstream/internal/models"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxFailures    = 3
	defaultBreakerTimeout = 30 * time.Second
	defaultBreakerWindow  = 60 * time.Second
)

// Fetcher retrieves token accounting for a wire log.
type Fetcher interface {
	TokenInfo(ctx context.Context, model string, messages []models.WireMessage) (models.TokenInfo, error)
}

// AccountantConfig tunes the token-accounting side channel.
type AccountantConfig struct {
	// RequestsPerSecond throttles refreshes; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
	// MaxFailures consecutive failures open the breaker for BreakerTimeout.
	MaxFailures    uint32
	BreakerTimeout time.Duration
	BreakerWindow  time.Duration
}

type refresh struct {
	model      string
	messages   []models.WireMessage
	generation uint64
}

// Accountant keeps token information current for the latest wire log. It
// never blocks the caller and never reports failures beyond marking the
// information unavailable.
type Accountant struct {
	fetcher Fetcher
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[models.TokenInfo]
	timeout time.Duration
	logger  *slog.Logger

	pending chan refresh

	mu         sync.RWMutex
	info       *models.TokenInfo
	generation uint64
}

// NewAccountant constructs an accountant. Call Run to start processing.
func NewAccountant(fetcher Fetcher, cfg AccountantConfig, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = defaultBreakerTimeout
	}
	window := cfg.BreakerWindow
	if window <= 0 {
		window = defaultBreakerWindow
	}

	cb := gobreaker.NewCircuitBreaker[models.TokenInfo](gobreaker.Settings{
		Name:        "token-info",
		MaxRequests: 1,
		Interval:    window,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Accountant{
		fetcher: fetcher,
		limiter: rate.NewLimiter(limit, burst),
		breaker: cb,
		timeout: timeout,
		logger:  logger,
		pending: make(chan refresh, 1),
	}
}

// Run processes refreshes until ctx is cancelled.
func (a *Accountant) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.pending:
			a.fetch(ctx, req)
		}
	}
}

// Refresh schedules token accounting for messages. A refresh still waiting
// to run is replaced, so only the latest wire log is ever fetched.
func (a *Accountant) Refresh(model string, messages []models.WireMessage) {
	a.mu.Lock()
	gen := a.generation
	if model == "" {
		a.info = nil
	}
	a.mu.Unlock()
	if model == "" {
		return
	}

	req := refresh{model: model, messages: models.CloneWire(messages), generation: gen}
	for {
		select {
		case a.pending <- req:
			return
		default:
		}
		select {
		case <-a.pending:
		default:
		}
	}
}

// Info returns the latest token information, if available.
func (a *Accountant) Info() (models.TokenInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.info == nil {
		return models.TokenInfo{}, false
	}
	return *a.info, true
}

// Clear forgets token information and discards results of in-flight refreshes.
func (a *Accountant) Clear() {
	a.mu.Lock()
	a.info = nil
	a.generation++
	a.mu.Unlock()

	select {
	case <-a.pending:
	default:
	}
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (a *Accountant) BreakerState() gobreaker.State {
	return a.breaker.State()
}

func (a *Accountant) fetch(ctx context.Context, req refresh) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	info, err := a.breaker.Execute(func() (models.TokenInfo, error) {
		return a.fetcher.TokenInfo(reqCtx, req.model, req.messages)
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if req.generation != a.generation {
		return
	}
	if err != nil {
		a.logger.Debug("token info unavailable", "model", req.model, "error", err)
		a.info = nil
		return
	}
	a.info = &info
}
