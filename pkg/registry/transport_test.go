package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
)

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		header string
		want   challenge
	}{
		{
			header: `Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:foo/bar:pull"`,
			want: challenge{
				Realm:   "https://auth.example.com/token",
				Service: "registry.example.com",
				Scope:   "repository:foo/bar:pull",
			},
		},
		{
			header: `Bearer realm="https://auth.example.com/token"`,
			want:   challenge{Realm: "https://auth.example.com/token"},
		},
		{
			header: `realm=http://localhost/token,service=local`,
			want:   challenge{Realm: "http://localhost/token", Service: "local"},
		},
		{
			header: "",
			want:   challenge{},
		},
	}
	for _, tc := range tests {
		if got := parseChallenge(tc.header); got != tc.want {
			t.Errorf("parseChallenge(%q) = %+v, want %+v", tc.header, got, tc.want)
		}
	}
}

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func TestCheckResponse(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
		desc   string
	}{
		{http.StatusUnauthorized, errdefs.IsUnauthorized, "unauthorized"},
		{http.StatusForbidden, errdefs.IsUnauthorized, "unauthorized"},
		{http.StatusNotFound, errdefs.IsNotFound, "not found"},
		{http.StatusInternalServerError, errdefs.IsUnavailable, "unavailable"},
		{http.StatusBadGateway, errdefs.IsUnavailable, "unavailable"},
		{http.StatusTooManyRequests, errdefs.IsUnavailable, "unavailable"},
		{http.StatusBadRequest, func(err error) bool { return errors.Is(err, ErrProtocol) }, "protocol"},
	}
	for _, tc := range tests {
		err := checkResponse(newResponse(tc.status, "detail"), "test op", http.StatusOK)
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if !tc.check(err) {
			t.Errorf("status %d: error %v is not %s", tc.status, err, tc.desc)
		}
	}
	if err := checkResponse(newResponse(http.StatusOK, ""), "test op", http.StatusOK, http.StatusCreated); err != nil {
		t.Errorf("expected status produced error: %v", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	transient := checkResponse(newResponse(http.StatusServiceUnavailable, ""), "op", http.StatusOK)
	if !retryable(transient) {
		t.Error("5xx not classified as retryable")
	}
	for _, status := range []int{
		http.StatusNotFound,
		http.StatusUnauthorized,
		http.StatusBadRequest,
	} {
		err := checkResponse(newResponse(status, ""), "op", http.StatusOK)
		if retryable(err) {
			t.Errorf("status %d classified as retryable", status)
		}
	}
	for _, err := range []error{context.Canceled, context.DeadlineExceeded} {
		if retryable(fmt.Errorf("fetching blob: %w", err)) {
			t.Errorf("%v classified as retryable", err)
		}
	}
}

func TestParseRangeEnd(t *testing.T) {
	if end, ok := parseRangeEnd("0-1023"); !ok || end != 1023 {
		t.Errorf("parseRangeEnd(0-1023) = %d, %v", end, ok)
	}
	if _, ok := parseRangeEnd("garbage"); ok {
		t.Error("parseRangeEnd accepted garbage")
	}
}
