package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paytochat/paygate/internal/domain"
	"github.com/paytochat/paygate/internal/payment"
)

// Retry policy. Delay before retry n (0-indexed) is
// min(maxDelay, baseDelay*2^n + jitter), jitter drawn from [0, 1s).
const (
	maxRetries     = 3
	baseDelay      = 1 * time.Second
	maxDelay       = 10 * time.Second
	maxJitter      = 1 * time.Second
	requestTimeout = 30 * time.Second
)

var facilitatorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paygate_facilitator_retries_total",
	Help: "Retries against the facilitator, by endpoint",
}, []string{"endpoint"})

// UnreachableError is returned once the retry budget is exhausted. It
// carries the attempt count and the last transport-level cause.
type UnreachableError struct {
	Attempts int
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("facilitator unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Request is the body sent to both facilitator endpoints.
type Request struct {
	PaymentPayload      *payment.Payload           `json:"paymentPayload"`
	PaymentRequirements domain.PaymentRequirements `json:"paymentRequirements"`
}

// Response is a completed transport exchange. A non-2xx status or a
// failure flag in the body is a business outcome for the caller, not a
// transport fault, so it is never retried here.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the facilitator returned a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client talks to the x402 facilitator verify/settle endpoints with a
// per-attempt deadline and bounded, jittered retries on transport
// failure.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// test hooks
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		sleep:      sleepContext,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},
	}
}

// Verify checks the payment authorization via POST {base}/verify.
func (c *Client) Verify(ctx context.Context, req *Request) (*Response, error) {
	return c.send(ctx, "verify", req)
}

// Settle executes the payment on-chain via POST {base}/settle.
func (c *Client) Settle(ctx context.Context, req *Request) (*Response, error) {
	return c.send(ctx, "settle", req)
}

func (c *Client) send(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			facilitatorRetriesTotal.WithLabelValues(endpoint).Inc()
			if err := c.sleep(ctx, retryDelay(attempt-1, c.jitter())); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, endpoint, body)
		if err == nil {
			return resp, nil
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("facilitator %s failed: %w", endpoint, err)
		}
		lastErr = err
	}

	return nil, &UnreachableError{Attempts: maxRetries + 1, Err: lastErr}
}

// attempt performs one exchange under a hard 30s deadline; on expiry
// the in-flight request is aborted and the error is retryable.
func (c *Client) attempt(ctx context.Context, endpoint string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "paygate/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// retryDelay computes the backoff before 0-indexed retry n.
func retryDelay(n int, jitter time.Duration) time.Duration {
	d := baseDelay<<uint(n) + jitter
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// isRetryable classifies transport-level failures worth retrying:
// timeouts and aborts, connection resets, DNS failures, and generic
// network or content-length transport errors. Completed HTTP exchanges
// never reach here regardless of status.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	msg := err.Error()
	for _, marker := range []string{
		"connection reset",
		"network",
		"fetch failed",
		"ContentLength",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
