package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"sendhub/internal/breaker"
)

// RetryPolicy controls retries for a single logical request. The zero value is
// not usable; use DefaultRetryPolicy as a base.
type RetryPolicy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	SuccessCodes map[int]bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.5,
		SuccessCodes: map[int]bool{200: true, 201: true, 202: true, 204: true},
	}
}

var retryableStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type Response struct {
	Success               bool
	StatusCode            int
	Body                  []byte
	CircuitBreakerTripped bool
	Attempts              int
}

// Client is an HTTP client with retry/backoff and a per-host sliding-window
// circuit breaker. Breakers are process-local; replicas converge on their own.
type Client struct {
	http   *http.Client
	logger *zap.Logger

	breakerThreshold int
	breakerWindow    time.Duration
	breakerReset     time.Duration

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

func New(logger *zap.Logger, breakerThreshold int, breakerWindow, breakerReset time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:           logger,
		breakerThreshold: breakerThreshold,
		breakerWindow:    breakerWindow,
		breakerReset:     breakerReset,
		breakers:         make(map[string]*breaker.Breaker),
	}
}

// Do performs the request with retries. Network errors, timeouts and
// retryable status codes back off and retry up to policy.MaxRetries;
// non-retryable statuses return immediately with Success=false.
func (c *Client) Do(ctx context.Context, req Request, policy RetryPolicy) (*Response, error) {
	host, err := hostOf(req.URL)
	if err != nil {
		return nil, err
	}

	br := c.hostBreaker(host)

	var resp *Response
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		brErr := br.Do(func() error {
			r, err := c.doOnce(ctx, req, policy)
			resp = r
			if err != nil {
				return err
			}
			if !r.Success && retryableStatus[r.StatusCode] {
				return errRetryableStatus
			}
			return nil
		})

		if errors.Is(brErr, breaker.ErrOpen) {
			return &Response{Success: false, CircuitBreakerTripped: true, Attempts: attempt}, nil
		}
		if brErr == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}
		if errors.Is(brErr, errRetryableStatus) {
			// Keep the parsed response from the last attempt.
			lastErr = brErr
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = brErr
	}

	if resp != nil {
		resp.Attempts = policy.MaxRetries + 1
		return resp, nil
	}
	return nil, lastErr
}

var errRetryableStatus = errors.New("retryable status")

func (c *Client) doOnce(ctx context.Context, req Request, policy RetryPolicy) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	return &Response{
		Success:    policy.SuccessCodes[httpResp.StatusCode],
		StatusCode: httpResp.StatusCode,
		Body:       body,
	}, nil
}

func (c *Client) hostBreaker(host string) *breaker.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	br, ok := c.breakers[host]
	if !ok {
		br = breaker.New(host, c.breakerThreshold, c.breakerWindow, c.breakerReset)
		c.breakers[host] = br
	}
	return br
}

// BreakerStates returns a snapshot of every per-host breaker for /metrics
// style introspection.
func (c *Client) BreakerStates() map[string]breaker.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]breaker.Snapshot, len(c.breakers))
	for host, br := range c.breakers {
		out[host] = br.State()
	}
	return out
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	d := float64(policy.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(policy.MaxDelay) {
		d = float64(policy.MaxDelay)
	}
	if policy.JitterFactor > 0 {
		d += rand.Float64() * d * policy.JitterFactor
	}
	return time.Duration(d)
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}
