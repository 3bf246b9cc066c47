package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/models"
	"kabu-trader/internal/resilience"
	"kabu-trader/internal/security"
)

const apiKeyHeader = "X-API-KEY"

// Config holds HTTP client settings.
type Config struct {
	Timeout            time.Duration
	RatePerSecond      float64
	Burst              int
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
	// HTTPClient overrides the default client; Timeout still applies per request.
	HTTPClient *http.Client
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:            10 * time.Second,
		RatePerSecond:      5,
		Burst:              5,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
	}
}

// Client talks to the broker REST API. One Client owns one token Session.
type Client struct {
	http    *http.Client
	timeout time.Duration
	session *Session
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	audit   *security.AuditLogger
	logger  zerolog.Logger
	now     func() time.Time
}

// NewClient creates a broker client. audit may be nil.
func NewClient(cfg Config, logger zerolog.Logger, audit *security.AuditLogger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		http:    httpClient,
		timeout: cfg.Timeout,
		session: &Session{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: resilience.NewCircuitBreaker("broker-snapshots", resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerMaxFailures,
			SuccessThreshold: 1,
			Timeout:          cfg.BreakerTimeout,
			IsFailure:        apperrors.IsTransient,
		}),
		audit:  audit,
		logger: logger.With().Str("component", "broker").Logger(),
		now:    time.Now,
	}
}

// Session exposes the token cache.
func (c *Client) Session() *Session {
	return c.session
}

// InvalidateSession drops the cached token, e.g. after the account changes.
func (c *Client) InvalidateSession() {
	c.session.Invalidate()
}

// BreakerState reports the snapshot circuit state.
func (c *Client) BreakerState() resilience.CircuitState {
	return c.breaker.State()
}

type tokenRequest struct {
	APIPassword string `json:"APIPassword"`
}

type tokenResponse struct {
	ResultCode flexString `json:"ResultCode"`
	Token      string     `json:"Token"`
}

type errorResponse struct {
	Code    flexString `json:"Code"`
	Message string     `json:"Message"`
}

// AcquireToken returns the cached token for the account endpoint or
// requests a new one.
func (c *Client) AcquireToken(ctx context.Context, acct *models.ApiAccount) (string, error) {
	if acct == nil {
		return "", apperrors.ErrNoActiveAccount
	}
	endpoint := NormalizeBaseURL(acct.BaseURL)
	if token, ok := c.session.Token(endpoint); ok {
		return token, nil
	}

	var resp tokenResponse
	status, body, err := c.send(ctx, http.MethodPost, endpoint+"/token", "", tokenRequest{APIPassword: acct.Password})
	if err != nil {
		err = &apperrors.TransportError{Op: "token", Err: err}
	} else if status >= 400 {
		err = parseError("token", status, body)
	}
	if err == nil {
		if derr := json.Unmarshal(body, &resp); derr != nil {
			err = fmt.Errorf("decoding token response: %w", derr)
		} else if resp.Token == "" {
			err = fmt.Errorf("token response carried no token (ResultCode=%s)", resp.ResultCode)
		}
	}
	if err != nil {
		c.session.Invalidate()
		authErr := &apperrors.AuthError{Endpoint: endpoint, Err: err}
		_ = c.audit.LogToken(ctx, endpoint, authErr)
		c.logger.Warn().Err(authErr).Str("endpoint", endpoint).Msg("Token acquisition failed")
		return "", authErr
	}

	c.session.Store(endpoint, resp.Token, c.now())
	_ = c.audit.LogToken(ctx, endpoint, nil)
	c.logger.Debug().Str("endpoint", endpoint).Str("token", security.MaskCredential(resp.Token)).Msg("Token acquired")
	return resp.Token, nil
}

// call performs an authenticated request, re-acquiring the token once on 401.
func (c *Client) call(ctx context.Context, acct *models.ApiAccount, op, method, path string, in, out interface{}) error {
	token, err := c.AcquireToken(ctx, acct)
	if err != nil {
		return err
	}
	url := NormalizeBaseURL(acct.BaseURL) + path

	status, body, err := c.send(ctx, method, url, token, in)
	if err == nil && status == http.StatusUnauthorized {
		c.logger.Info().Str("op", op).Msg("Token rejected, re-acquiring")
		c.session.Invalidate()
		if token, err = c.AcquireToken(ctx, acct); err != nil {
			return err
		}
		status, body, err = c.send(ctx, method, url, token, in)
	}
	if err != nil {
		return &apperrors.TransportError{Op: op, Err: err}
	}
	if status >= 400 {
		return parseError(op, status, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

// send issues one HTTP request under the rate limiter and timeout.
func (c *Client) send(ctx context.Context, method, url, token string, in interface{}) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(apiKeyHeader, token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logging.LogAPICall(c.logger, method, url, 0, time.Since(start), err)
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	logging.LogAPICall(c.logger, method, url, resp.StatusCode, time.Since(start), err)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// parseError builds a BrokerError from an error response body.
func parseError(op string, status int, body []byte) error {
	var er errorResponse
	message := ""
	if err := json.Unmarshal(body, &er); err == nil {
		message = er.Message
	} else {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return apperrors.NewBrokerError(op, status, string(er.Code), security.Truncate(security.MaskSensitive(message), 300))
}

// flexString decodes JSON strings, numbers and null into a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		*f = ""
		return nil
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(v))
		return nil
	}
	*f = flexString(s)
	return nil
}

func (f flexString) String() string { return string(f) }
