package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a failed provider call.
type Kind string

const (
	// KindNetwork means no response was received: dial failure, timeout or a
	// cancelled context.
	KindNetwork Kind = "network"
	// KindHTTP means the provider answered with a non-2xx status, or with a
	// 2xx body that carries a provider error.
	KindHTTP Kind = "http"
	// KindProtocol means the response body could not be interpreted.
	KindProtocol Kind = "protocol"
	// KindAuth means the provider rejected an authorization code or refresh
	// token.
	KindAuth Kind = "auth"
)

// token-rejection codes observed on the sync endpoint
var tokenRejectedCodes = map[string]bool{
	"IllegalAccessToken":       true,
	"InvalidAccessToken":       true,
	"AccessTokenExpired":       true,
	"ExpiredAccessToken":       true,
	"IllegalRefreshToken":      true,
	"MissingAccessToken":       true,
	"isv.invalid-access-token": true,
	"isv.access-token-expired": true,
	"isp.access-token-expired": true,
	"invalid-sessionkey":       true,
	"27":                       true,
}

// Error is the single error shape returned for a failed provider call.
type Error struct {
	Kind       Kind
	Method     string
	StatusCode int

	// provider error details, empty when the provider did not send any
	Code      string
	Message   string
	RequestID string

	// Body is the raw response body, if one was read.
	Body []byte

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("aliexpress ")
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Method != "" {
		b.WriteString(" calling ")
		b.WriteString(e.Method)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
		if e.Message != "" {
			fmt.Fprintf(&b, " %s", e.Message)
		}
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [request_id=%s]", e.RequestID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TokenRejected reports whether the provider refused the access token used
// for the call. Callers can refresh and retry once when this is true.
func (e *Error) TokenRejected() bool {
	if e.Kind != KindHTTP {
		return false
	}
	return tokenRejectedCodes[e.Code]
}

// Status maps the error to the HTTP status and message a host process should
// return to its own caller.
func (e *Error) Status() (int, string) {
	switch e.Kind {
	case KindNetwork:
		var ne net.Error
		if errors.Is(e.Err, context.DeadlineExceeded) || (errors.As(e.Err, &ne) && ne.Timeout()) {
			return http.StatusGatewayTimeout, "provider request timed out"
		}
		return http.StatusBadGateway, "provider unreachable"
	case KindAuth:
		return http.StatusUnauthorized, "provider authorization failed"
	case KindProtocol:
		return http.StatusBadGateway, "invalid provider response"
	default:
		return http.StatusBadGateway, "provider returned an error"
	}
}

// KindOf returns the Kind of err if it is, or wraps, an *Error. It returns the
// empty Kind otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient failure that a caller may
// retry. Only network failures qualify: a provider error response will not
// change on resend.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsTokenRejected reports whether err is a provider response rejecting the
// access token.
func IsTokenRejected(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.TokenRejected()
}
