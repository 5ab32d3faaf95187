package driver

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClientFactory builds the shared pooled *http.Client every concrete
// driver is handed, plus the rate limiter and retry policy wrapped around it.
type HTTPClientFactory struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClientFactory builds a factory tuned per the transport budget:
// 10s connect timeout, 30s per-request timeout, 90s idle timeout, 10 idle
// conns per host, keep-alive 60s, TLS 1.2 minimum. requestsPerSecond sets the
// factory's single rate limiter, which Do waits on before every attempt; it is
// shared by every request sent through Do on this factory, whatever the
// provider.
func NewHTTPClientFactory(requestsPerSecond float64) *HTTPClientFactory {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
	}

	return &HTTPClientFactory{
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
	}
}

// Client returns the shared *http.Client. Concrete drivers wrap it further
// (e.g. with an oauth2.Transport) rather than constructing their own.
// Requests sent through it directly get the pooling, timeouts and TLS floor
// but neither the rate limiter nor the retries that Do adds; every driver the
// registry builds is handed this client.
func (f *HTTPClientFactory) Client() *http.Client { return f.client }

// Do executes req with up to 3 attempts total, retrying on transport errors
// and 5xx responses (any other response is returned as is), with exponential
// backoff between attempts (100ms, then 200ms) plus up to 50ms of jitter, and
// waiting on the factory's rate limiter before each attempt.
func (f *HTTPClientFactory) Do(req *http.Request) (*http.Response, error) {
	const maxAttempts = 3
	backoff := 100 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := f.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		resp, err := f.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %s", resp.Status)
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
		select {
		case <-time.After(backoff + jitter):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}
