// Package request assembles signed provider requests: it merges shared
// authentication parameters with business parameters and a timestamp, signs
// the result and encodes it for the wire.
package request

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/signature"
)

const (
	DefaultSyncEndpoint = "https://api-sg.aliexpress.com/sync"
	DefaultRestEndpoint = "https://api-sg.aliexpress.com/rest"
)

// Shared holds the authentication parameters sent with every business call.
type Shared struct {
	AppKey      string
	AccessToken string
	SignMethod  string
}

// SignedRequest is a dispatchable request. Params holds the full signed
// parameter set including the signature, for diagnostics.
type SignedRequest struct {
	Method string
	URL    string
	Body   string
	Params ParamSet
}

// ContentType returns the content type of Body, or the empty string when the
// request carries no body.
func (r SignedRequest) ContentType() string {
	if r.Body == "" {
		return ""
	}
	return "application/x-www-form-urlencoded;charset=utf-8"
}

// Builder signs and encodes requests for one application secret.
type Builder struct {
	SyncEndpoint string
	RestEndpoint string
	Secret       string

	// Now supplies the request timestamp. Nil uses time.Now.
	Now func() time.Time
}

// NewBuilder creates a Builder for the given API base URL, for example
// "https://api-sg.aliexpress.com".
func NewBuilder(baseURL, secret string) Builder {
	base := strings.TrimRight(baseURL, "/")
	return Builder{
		SyncEndpoint: base + "/sync",
		RestEndpoint: base + "/rest",
		Secret:       secret,
	}
}

// Timestamp returns the current timestamp parameter: epoch milliseconds as a
// decimal string.
func (b Builder) Timestamp() string {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	return strconv.FormatInt(now().UnixMilli(), 10)
}

// Build creates a signed business call to the sync endpoint. httpMethod
// selects the encoding: GET puts the parameters in the query string, POST
// sends them as a form body.
//
// Business parameters are stringified before signing; the reserved shared
// parameters always take precedence over business parameters of the same name.
func (b Builder) Build(httpMethod string, method string, params map[string]any, shared Shared) (SignedRequest, error) {
	set, err := StringifyAll(params)
	if err != nil {
		return SignedRequest{}, err
	}
	delete(set, ParamSign)

	signMethod := shared.SignMethod
	if signMethod == "" {
		signMethod = signature.MethodSHA256
	}

	set[ParamAppKey] = shared.AppKey
	set[ParamAccessToken] = shared.AccessToken
	set[ParamSignMethod] = signMethod
	set[ParamMethod] = method
	set[ParamTimestamp] = b.Timestamp()

	// business calls are signed without a path prefix
	set[ParamSign] = signature.SignParams(withoutSign(set), b.Secret, "")

	endpoint := b.SyncEndpoint
	if endpoint == "" {
		endpoint = DefaultSyncEndpoint
	}

	encoded := values(set).Encode()
	if httpMethod == http.MethodPost {
		return SignedRequest{
			Method: http.MethodPost,
			URL:    endpoint,
			Body:   encoded,
			Params: set,
		}, nil
	}

	return SignedRequest{
		Method: http.MethodGet,
		URL:    endpoint + "?" + encoded,
		Params: set,
	}, nil
}

// BuildAuth creates a signed token-lifecycle call. The API path (for example
// "/auth/token/create") is both the signing prefix and the route appended to
// the rest endpoint. The parameters travel in the query string of a POST.
func (b Builder) BuildAuth(path string, appKey string, params ParamSet) SignedRequest {
	set := params.Clone()
	if set == nil {
		set = ParamSet{}
	}
	delete(set, ParamSign)

	set[ParamAppKey] = appKey
	set[ParamSignMethod] = signature.MethodSHA256
	set[ParamTimestamp] = b.Timestamp()

	// token calls are signed with the API path as prefix
	set[ParamSign] = signature.SignParams(withoutSign(set), b.Secret, path)

	endpoint := b.RestEndpoint
	if endpoint == "" {
		endpoint = DefaultRestEndpoint
	}

	return SignedRequest{
		Method: http.MethodPost,
		URL:    endpoint + path + "?" + values(set).Encode(),
		Params: set,
	}
}

func withoutSign(set ParamSet) map[string]string {
	if _, ok := set[ParamSign]; !ok {
		return set
	}
	c := set.Clone()
	delete(c, ParamSign)
	return c
}

func values(set ParamSet) url.Values {
	v := make(url.Values, len(set))
	for k, val := range set {
		v.Set(k, val)
	}
	return v
}
