// Package transport sends signed requests to the provider and normalizes
// every failure into a single *Error value.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/request"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 10 << 20
)

// Client issues signed requests. It is safe for concurrent use.
type Client struct {
	client           *http.Client
	limiter          *rate.Limiter
	maxResponseBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The client's timeout is
// kept unless WithTimeout is also supplied after this option.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		cp := *c.client
		cp.Timeout = d
		c.client = &cp
	}
}

// WithRateLimit caps outbound calls at perSecond with the given burst. A
// non-positive rate leaves calls unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMaxResponseBytes limits the size of a response body that will be read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// New creates a Client. By default requests time out after 30 seconds, are
// not rate limited and may return up to 10MiB.
func New(opts ...Option) *Client {
	initMetrics()

	c := &Client{
		client:           &http.Client{Timeout: defaultTimeout},
		maxResponseBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send dispatches req and returns the provider's JSON payload. Any failure is
// returned as an *Error.
func (c *Client) Send(ctx context.Context, req request.SignedRequest) (json.RawMessage, error) {
	method := req.Params[request.ParamMethod]
	if method == "" {
		method = pathOf(req.URL)
	}

	start := time.Now()
	body, err := c.send(ctx, method, req)
	recordCall(ctx, method, time.Since(start), err)

	if err != nil {
		zerolog.Ctx(ctx).Debug().
			Err(err).
			Str("method", method).
			Dur("duration", time.Since(start)).
			Msg("provider call failed")
	}

	return body, err
}

func (c *Client) send(ctx context.Context, method string, req request.SignedRequest) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindNetwork, Method: method, Err: fmt.Errorf("rate limit wait aborted: %w", err)}
		}
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Method: method, Err: fmt.Errorf("could not create request: %w", err)}
	}
	if ct := req.ContentType(); ct != "" {
		httpReq.Header.Set("Content-Type", ct)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Method: method, Err: networkCause(ctx, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Method: method, StatusCode: resp.StatusCode, Err: networkCause(ctx, err)}
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, &Error{
			Kind:       KindProtocol,
			Method:     method,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("response body exceeds %d bytes", c.maxResponseBytes),
		}
	}

	return ParseResponse(method, resp.StatusCode, data)
}

// ParseResponse interprets a provider response body. It recognizes the error
// envelope of the sync endpoint and the top-level code of the rest endpoint.
func ParseResponse(method string, statusCode int, data []byte) (json.RawMessage, error) {
	var envelope providerEnvelope
	jsonErr := decodeObject(data, &envelope)

	if statusCode < 200 || statusCode >= 300 {
		e := &Error{Kind: KindHTTP, Method: method, StatusCode: statusCode, Body: data}
		if jsonErr == nil {
			envelope.fill(e)
		}
		if e.Message == "" {
			e.Message = http.StatusText(statusCode)
		}
		return nil, e
	}

	if jsonErr != nil {
		return nil, &Error{
			Kind:       KindProtocol,
			Method:     method,
			StatusCode: statusCode,
			Body:       data,
			Err:        fmt.Errorf("response is not a JSON object: %w", jsonErr),
		}
	}

	if envelope.isError() {
		e := &Error{Kind: KindHTTP, Method: method, StatusCode: statusCode, Body: data}
		envelope.fill(e)
		return nil, e
	}

	return json.RawMessage(data), nil
}

type providerError struct {
	Type      string `json:"type"`
	Code      Code   `json:"code"`
	Msg       string `json:"msg"`
	SubCode   string `json:"sub_code"`
	SubMsg    string `json:"sub_msg"`
	RequestID string `json:"request_id"`
}

type providerEnvelope struct {
	ErrorResponse *providerError `json:"error_response"`

	// rest endpoint shape
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (p providerEnvelope) isError() bool {
	if p.ErrorResponse != nil {
		return true
	}
	return p.Code != "" && p.Code != "0"
}

func (p providerEnvelope) fill(e *Error) {
	if er := p.ErrorResponse; er != nil {
		e.Code = string(er.Code)
		if er.SubCode != "" && e.Code == "" {
			e.Code = er.SubCode
		}
		e.Message = er.Msg
		if er.SubMsg != "" {
			e.Message = strings.TrimSpace(e.Message + " " + er.SubMsg)
		}
		e.RequestID = er.RequestID
		return
	}
	if p.Code != "0" {
		e.Code = string(p.Code)
	}
	e.Message = p.Message
	e.RequestID = p.RequestID
}

// Code is a provider error code. The provider sends codes both as strings and
// as bare numbers.
type Code string

func (c *Code) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Code(s)
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("unsupported code value %s", string(data))
	}
	*c = Code(n.String())
	return nil
}

func decodeObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("expected a JSON object")
	}
	return json.Unmarshal(trimmed, v)
}

// networkCause prefers the context's error when the context ended, so that
// callers can match context.DeadlineExceeded and context.Canceled.
func networkCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func pathOf(rawURL string) string {
	s := rawURL
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "/rest/"); i >= 0 {
		return s[i+len("/rest"):]
	}
	return s
}
