package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryDelays is the wait before each retry. Its length is the retry
// budget: at most len(retryDelays)+1 requests per call.
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// maxRetryAfter caps a server supplied Retry-After.
const maxRetryAfter = 16 * time.Second

// statusError is an HTTP failure from a provider endpoint.
type statusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.StatusCode, truncateUTF8(strings.TrimSpace(e.Body), 200))
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// withRetry runs call until it succeeds, fails permanently, or the
// retry budget is spent. Failures are mapped to *Error.
func withRetry(ctx context.Context, name string, opts Options, call func(ctx context.Context) (*Completion, error)) (*Completion, error) {
	logger := opts.Logger
	var lastErr error

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
		c, err := call(callCtx)
		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil {
			return c, nil
		}

		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, &Error{Kind: Timeout, Provider: name, Message: "request cancelled", Err: ctx.Err()}
		}
		if timedOut {
			return nil, &Error{Kind: Timeout, Provider: name, Message: fmt.Sprintf("no reply within %s", opts.CallTimeout), Err: err}
		}

		lastErr = err
		var se *statusError
		retryable := false
		switch {
		case errors.As(err, &se):
			switch {
			case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
				return nil, &Error{
					Kind:       AuthenticationFailed,
					Provider:   name,
					StatusCode: se.StatusCode,
					Message:    "the API key was rejected",
					Hint:       keyHint,
					Err:        err,
				}
			case retryableStatus(se.StatusCode):
				retryable = true
			default:
				return nil, &Error{Kind: BadResponse, Provider: name, StatusCode: se.StatusCode, Message: se.Error(), Err: err}
			}
		case isNetworkError(err):
			retryable = true
		default:
			return nil, &Error{Kind: BadResponse, Provider: name, Message: err.Error(), Err: err}
		}

		if !retryable || attempt >= len(retryDelays) {
			break
		}

		delay := retryDelays[attempt]
		if se != nil && se.RetryAfter > delay {
			delay = min(se.RetryAfter, maxRetryAfter)
		}
		logger.Info("retrying after provider error",
			"provider", name,
			"attempt", attempt+1,
			"backoff_ms", delay.Milliseconds(),
			"error", err,
		)
		if err := opts.Sleep(ctx, delay); err != nil {
			return nil, &Error{Kind: Timeout, Provider: name, Message: "request cancelled during backoff", Err: err}
		}
	}

	logger.Warn("provider retries exhausted", "provider", name, "error", lastErr)
	pe := &Error{Kind: ProviderUnavailable, Provider: name, Message: "service unavailable after retries", Err: lastErr}
	var se *statusError
	if errors.As(lastErr, &se) {
		pe.StatusCode = se.StatusCode
	}
	return nil, pe
}

func isNetworkError(err error) bool {
	var ne net.Error
	var oe *net.OpError
	return errors.As(err, &ne) || errors.As(err, &oe) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
