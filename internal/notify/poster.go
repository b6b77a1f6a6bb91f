// Package notify delivers reports and rollout events to people and systems:
// JSON webhooks, Discord and email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultPostTimeout      = 10 * time.Second
	defaultBreakerOpenFor   = 30 * time.Second
	defaultBreakerThreshold = 5
)

// Poster sends JSON POST requests. Each destination host gets its own circuit
// breaker, so a dead endpoint is skipped until the breaker half-opens.
type Poster struct {
	client     *http.Client
	authHeader string
	logger     *zap.Logger
	openFor    time.Duration
	threshold  uint32

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type PosterOption func(*Poster)

func WithHTTPClient(client *http.Client) PosterOption {
	return func(p *Poster) {
		if client != nil {
			p.client = client
		}
	}
}

// WithAuthHeader sets the Authorization header sent with every request.
func WithAuthHeader(value string) PosterOption {
	return func(p *Poster) { p.authHeader = strings.TrimSpace(value) }
}

func WithPosterLogger(logger *zap.Logger) PosterOption {
	return func(p *Poster) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithBreaker(threshold uint32, openFor time.Duration) PosterOption {
	return func(p *Poster) {
		if threshold > 0 {
			p.threshold = threshold
		}
		if openFor > 0 {
			p.openFor = openFor
		}
	}
}

func NewPoster(opts ...PosterOption) *Poster {
	p := &Poster{
		client:    &http.Client{Timeout: defaultPostTimeout},
		logger:    zap.NewNop(),
		openFor:   defaultBreakerOpenFor,
		threshold: defaultBreakerThreshold,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poster) PostJSON(ctx context.Context, target string, payload any) error {
	target = strings.TrimSpace(target)
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid webhook url %q", target)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	breaker := p.breaker(parsed.Host)
	_, err = breaker.Execute(func() (interface{}, error) {
		return nil, p.post(ctx, target, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("webhook host %s unavailable: %w", parsed.Host, err)
	}
	return err
}

func (p *Poster) post(ctx context.Context, target string, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if p.authHeader != "" {
		request.Header.Set("Authorization", p.authHeader)
	}

	response, err := p.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("webhook status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}
	return nil
}

func (p *Poster) breaker(host string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if breaker, ok := p.breakers[host]; ok {
		return breaker
	}

	threshold := p.threshold
	logger := p.logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Timeout:     p.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	p.breakers[host] = breaker
	return breaker
}
