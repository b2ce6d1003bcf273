package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strconv"
	"time"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/netutil"
	"github.com/rs/zerolog/log"
)

const (
	defaultRequestTimeout = 300 * time.Second
	maxErrorBodyBytes     = 2048
)

// retryPolicy bounds the automatic retries on rate limiting. No other
// failure is retried.
type retryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxRetryAfter  time.Duration
}

var defaultRetryPolicy = retryPolicy{
	MaxRetries:     3,
	InitialBackoff: 2 * time.Second,
	MaxRetryAfter:  30 * time.Second,
}

// backoff returns the wait before retry number attempt (0-based): 2s, 4s, 8s.
// A Retry-After hint replaces it, capped at MaxRetryAfter.
func (p retryPolicy) backoff(attempt int, retryAfter time.Duration) time.Duration {
	wait := p.InitialBackoff * time.Duration(1<<attempt)
	if retryAfter > 0 {
		wait = retryAfter
		if wait > p.MaxRetryAfter {
			wait = p.MaxRetryAfter
		}
	}
	return wait
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(h string, now time.Time) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// httpBackend is the transport shared by the provider clients.
type httpBackend struct {
	name   string
	client *http.Client
	retry  retryPolicy
	// errorMessage extracts a human message from an error body; nil uses the raw body.
	errorMessage func(body []byte) string
}

func newHTTPBackend(name string, timeout time.Duration, errorMessage func([]byte) string) httpBackend {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return httpBackend{
		name:         name,
		client:       netutil.Default().NewHTTPClient(timeout),
		retry:        defaultRetryPolicy,
		errorMessage: errorMessage,
	}
}

// doJSON sends payload (nil for GET) and decodes the 2xx response into out.
// HTTP 429 is retried per the retry policy; everything else is classified
// and returned immediately.
func (b *httpBackend) doJSON(ctx context.Context, op, method, url string, headers map[string]string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		status, respBody, retryAfter, err := b.roundTrip(ctx, op, method, url, headers, body)
		if err != nil {
			return err
		}

		if status >= 200 && status < 300 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to parse %s response: %w", b.name, err)
			}
			return nil
		}

		apiErr := sentinelerrors.WrapProviderError(op, b.name, fmt.Errorf("API error (%d): %s", status, b.describe(respBody)), status)
		if status != http.StatusTooManyRequests || attempt >= b.retry.MaxRetries {
			return apiErr
		}

		wait := b.retry.backoff(attempt, retryAfter)
		log.Warn().
			Str("provider", b.name).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("Provider rate limited, backing off")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sentinelerrors.WrapTimeoutError(op, b.name, ctx.Err())
		case <-timer.C:
		}
	}
}

func (b *httpBackend) roundTrip(ctx context.Context, op, method, url string, headers map[string]string, body []byte) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		// Some providers take the API key as a query parameter
		var urlErr *neturl.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = redactQuery(urlErr.URL)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, 0, sentinelerrors.WrapTimeoutError(op, b.name, err)
		}
		return 0, nil, 0, sentinelerrors.WrapConnectionError(op, b.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, 0, sentinelerrors.WrapConnectionError(op, b.name, fmt.Errorf("failed to read response: %w", err))
	}
	return resp.StatusCode, respBody, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), nil
}

func (b *httpBackend) describe(body []byte) string {
	if b.errorMessage != nil {
		if msg := b.errorMessage(body); msg != "" {
			return msg
		}
	}
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return string(bytes.TrimSpace(body))
}

func redactQuery(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	u.RawQuery = "REDACTED"
	return u.String()
}
