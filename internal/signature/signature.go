// Package signature implements the provider's request signing scheme: a
// canonical concatenation of sorted parameters, authenticated with
// HMAC-SHA256 and rendered as upper-case hex.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// MethodSHA256 is the value sent as the sign_method parameter.
const MethodSHA256 = "sha256"

// Canonicalize returns the signing input for a parameter set: keys sorted in
// byte-wise ascending order, each followed directly by its value, with no
// separators.
//
// The provider repeats this exact sort on its side. Any other collation
// (locale aware, case folded, numeric) produces a signature mismatch that the
// provider reports only as a generic signature failure.
func Canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	size := 0
	for k, v := range params {
		keys = append(keys, k)
		size += len(k) + len(v)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.Grow(size)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign computes the HMAC-SHA256 of pathPrefix+canonical keyed with secret.
//
// pathPrefix is empty for business calls on the sync endpoint and is the
// literal API path (for example "/auth/token/create") for token calls. The two
// endpoint families verify signatures differently: do not unify them.
func Sign(canonical, secret, pathPrefix string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(pathPrefix))
	mac.Write([]byte(canonical))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// SignParams is a convenience for Sign(Canonicalize(params), ...).
func SignParams(params map[string]string, secret, pathPrefix string) string {
	return Sign(Canonicalize(params), secret, pathPrefix)
}
