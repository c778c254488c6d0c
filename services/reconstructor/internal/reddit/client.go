package reddit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/ratelimit"
)

const (
	publicBaseURL   = "https://www.reddit.com"
	oauthBaseURL    = "https://oauth.reddit.com"
	defaultTokenURL = "https://www.reddit.com/api/v1/access_token"
	defaultUA       = "threadrecon/1.0"
	maxRetryAfter   = 30 * time.Second
)

// ClientConfig holds configurable settings for the Reddit client. With a
// client id set, requests carry an app-only OAuth token.
type ClientConfig struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	UserAgent      string
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Config     ClientConfig
	CB         *gobreaker.CircuitBreaker
	Limiter    *ratelimit.Limiter
	Log        *zap.Logger
}

// Option configures the Client.
type Option func(*Client)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.CB = cb }
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.Limiter = l }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.Log = log }
}

// WithHTTPClient replaces the transport client. OAuth is not applied on top.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func New(cfg ClientConfig, opts ...Option) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUA
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = publicBaseURL
		if cfg.ClientID != "" {
			cfg.BaseURL = oauthBaseURL
		}
	}

	base := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: &userAgentTransport{ua: cfg.UserAgent, next: http.DefaultTransport},
	}
	c := &Client{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		HTTPClient: base,
		Config:     cfg,
		Log:        zap.NewNop(),
	}
	if cfg.ClientID != "" {
		c.HTTPClient = appOnlyClient(cfg, base)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// appOnlyClient wraps base with a client-credentials token source. Tokens are
// cached and refreshed by the oauth2 transport.
func appOnlyClient(cfg ClientConfig, base *http.Client) *http.Client {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	hc := cc.Client(ctx)
	hc.Timeout = base.Timeout
	return hc
}

type userAgentTransport struct {
	ua   string
	next http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(r)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("reddit: status %d body=%q", e.Code, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsOutage reports whether err should count against the circuit breaker.
// Client errors such as a missing post say nothing about the remote's health.
func IsOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	if c.CB == nil {
		return c.getWithRetry(ctx, u)
	}
	result, err := c.CB.Execute(func() (interface{}, error) {
		return c.getWithRetry(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// getWithRetry sends u until it succeeds or retries run out. ctx bounds each
// request; once the caller it was detached from is done, no new request or
// retry starts, but the one in flight may finish.
func (c *Client) getWithRetry(ctx context.Context, u string) ([]byte, error) {
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(forest.Caller(ctx), stop)
	defer unhook()

	var lastErr error
	for attempt := 0; attempt <= c.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.Config.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			var se *StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > delay {
				delay = se.RetryAfter
			}
			c.Log.Debug("retrying request", zap.String("url", u), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			t := time.NewTimer(delay)
			select {
			case <-loopCtx.Done():
				t.Stop()
				return nil, loopCtx.Err()
			case <-t.C:
			}
		}
		if err := c.Limiter.Wait(loopCtx); err != nil {
			return nil, err
		}
		b, err := c.getOnce(ctx, u)
		if err == nil {
			return b, nil
		}
		lastErr = err
		c.Log.Warn("request failed", zap.String("url", u), zap.Int("attempt", attempt), zap.Error(err))
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return nil, err
		}
		if loopCtx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.Config.UserAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.Config.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       string(b[:min(len(b), 200)]),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return b, nil
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}
