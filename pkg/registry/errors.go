package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"

	"github.com/ocipack/ocipack/pkg/oci"
)

// ErrProtocol marks malformed or unexpected registry responses. Match
// with errors.Is.
var ErrProtocol = errors.New("registry protocol error")

// checkResponse maps a registry response status to the error taxonomy:
// 401/403 are authentication failures, 404 is not found, 5xx and 429
// are transient, and any other unexpected status is a protocol error.
// A nil return means the status is one of the expected codes.
func checkResponse(resp *http.Response, op string, expected ...int) error {
	for _, code := range expected {
		if resp.StatusCode == code {
			return nil
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode, detail, errdefs.ErrUnauthenticated)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: status %d: %w", op, resp.StatusCode, errdefs.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode, detail, errdefs.ErrUnavailable)
	default:
		return fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode, detail, ErrProtocol)
	}
}

// retryable reports whether the error is a transient transport or
// server failure worth retrying on an idempotent request.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsUnavailable(err) {
		return true
	}
	// Cancellation aborts the whole operation, not just one attempt.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failures (connection reset, timeout) surface as
	// url.Error values without an errdefs marker.
	return !errdefs.IsNotFound(err) &&
		!errdefs.IsUnauthorized(err) &&
		!errdefs.IsInvalidArgument(err) &&
		!errors.Is(err, ErrProtocol) &&
		!errors.Is(err, oci.ErrDigestMismatch)
}

// retry runs op with bounded exponential backoff, retrying only
// transient failures up to maxRetries additional attempts. It is used
// for idempotent requests only; upload sessions are restarted whole
// instead.
func retry(maxRetries uint64, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(bo, maxRetries))
}
