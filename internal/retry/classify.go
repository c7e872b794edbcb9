// Package retry implements the Retry Executor (C2): typed error
// classification plus an adaptive backoff policy around any idempotent
// remote call (§4.2). All calls in §4.4 are either idempotent by
// construction or tolerant of duplicate submission because the provider
// deduplicates by payload hash or returns the same job id.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/brightloom/voicefuse/internal/pipeline"
)

// ClassifyHTTP maps an HTTP status code (and, for transport failures, the
// error returned by http.Client.Do) to an ErrorKind per §4.2/§7.
//
//   - 429                        -> RateLimited
//   - connection reset/timeout,
//     DNS failure, 502/503/504   -> TransientNetwork
//   - 401/403                    -> Auth (not retried)
//   - other 5xx, other 4xx
//     (including 400), and any
//     other status               -> ProviderError ("Other" in §4.2)
func ClassifyHTTP(statusCode int, err error) pipeline.ErrorKind {
	if err != nil {
		if isTransientNetworkErr(err) {
			return pipeline.KindTransientNetwork
		}
		// err but no usable status code (e.g. request never left the
		// client) — still network-shaped, so treat as transient.
		if statusCode == 0 {
			return pipeline.KindTransientNetwork
		}
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return pipeline.KindRateLimited
	case statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusGatewayTimeout:
		return pipeline.KindTransientNetwork
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return pipeline.KindAuth
	case statusCode >= 500:
		return pipeline.KindProviderError
	case statusCode >= 400:
		return pipeline.KindProviderError
	default:
		return pipeline.KindProviderError
	}
}

// isTransientNetworkErr reports whether err looks like a connection reset,
// timeout, or DNS failure rather than an application-level rejection.
func isTransientNetworkErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}
