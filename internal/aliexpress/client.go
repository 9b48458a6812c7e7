// Package aliexpress runs business methods against the provider's sync
// endpoint. Every method is described by a Descriptor and executed through
// Client.Call; the typed wrappers only shape parameters.
package aliexpress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/request"
	"github.com/chinmina/aliexpress-bridge/internal/signature"
	"github.com/chinmina/aliexpress-bridge/internal/token"
	"github.com/chinmina/aliexpress-bridge/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Client signs and sends business calls.
type Client struct {
	appKey  string
	builder request.Builder
	tokens  oauth2.TokenSource
	sender  token.Sender
	catalog *Catalog
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCatalog replaces the built-in method catalog.
func WithCatalog(c *Catalog) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.catalog = c
		}
	}
}

// WithBaseURL sets the provider base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(cl *Client) {
		if baseURL != "" {
			now := cl.builder.Now
			cl.builder = request.NewBuilder(baseURL, cl.builder.Secret)
			cl.builder.Now = now
		}
	}
}

// WithClock replaces the clock used for request timestamps.
func WithClock(now func() time.Time) ClientOption {
	return func(cl *Client) {
		cl.builder.Now = now
	}
}

// NewClient creates a Client for the given application. Access tokens are
// read from tokens on every call.
func NewClient(cred token.Credential, tokens oauth2.TokenSource, sender token.Sender, opts ...ClientOption) *Client {
	c := &Client{
		appKey:  cred.AppKey,
		builder: request.NewBuilder(token.DefaultBaseURL, cred.AppSecret),
		tokens:  tokens,
		sender:  sender,
		catalog: DefaultCatalog(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Catalog returns the catalog the client resolves methods from.
func (c *Client) Catalog() *Catalog {
	return c.catalog
}

// Call runs the named business method with params and returns the provider's
// JSON response. Parameter and token problems are reported before any request
// is sent.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	desc, ok := c.catalog.Lookup(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	prepared, err := desc.Prepare(params)
	if err != nil {
		return nil, err
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("no access token for %s: %w", method, err)
	}

	req, err := c.builder.Build(desc.HTTPMethod, desc.Name, prepared, request.Shared{
		AppKey:      c.appKey,
		AccessToken: tok.AccessToken,
		SignMethod:  signature.MethodSHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("could not build %s request: %w", method, err)
	}

	log.Ctx(ctx).Debug().
		Str("method", method).
		Str("httpMethod", req.Method).
		Msg("calling provider")

	body, err := c.sender.Send(ctx, req)
	if transport.IsTokenRejected(err) {
		return nil, &TokenRejectedError{AccessToken: tok.AccessToken, Err: err}
	}
	return body, err
}

// TokenRejectedError reports that the provider rejected the access token a
// call was signed with. It wraps the provider's *transport.Error.
type TokenRejectedError struct {
	AccessToken string
	Err         error
}

func (e *TokenRejectedError) Error() string {
	return e.Err.Error()
}

func (e *TokenRejectedError) Unwrap() error {
	return e.Err
}

// ResponseKey is the member of the response object holding a method's
// result, for example "aliexpress_ds_product_get_response".
func ResponseKey(method string) string {
	return strings.ReplaceAll(method, ".", "_") + "_response"
}

// Unwrap returns the method's result member from a response, or the whole
// response when the member is absent.
func Unwrap(method string, body json.RawMessage) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("could not decode %s response: %w", method, err)
	}
	if inner, ok := envelope[ResponseKey(method)]; ok {
		return inner, nil
	}
	return body, nil
}

func (c *Client) callUnwrapped(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	body, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return Unwrap(method, body)
}
