package jwt

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/auth0/go-jwt-middleware/v3/validator"
)

// MethodsClaim is the private claim restricting which business methods a
// caller may invoke.
const MethodsClaim = "aliexpress_methods"

// CallerClaims are the private claims the bridge reads from a caller token.
type CallerClaims struct {
	// Methods lists the business methods the caller may invoke. An entry
	// ending in ".*" allows every method under that prefix. An empty list
	// allows all methods.
	Methods []string `json:"aliexpress_methods,omitempty"`
}

// Validate rejects blank method entries, which would otherwise read as a
// restriction that matches nothing.
func (c *CallerClaims) Validate(_ context.Context) error {
	for _, m := range c.Methods {
		if strings.TrimSpace(m) == "" {
			return errors.New(MethodsClaim + " contains an empty entry")
		}
	}
	return nil
}

// Allows reports whether the caller may invoke method. Nil claims allow
// everything, as when authorization is disabled.
func (c *CallerClaims) Allows(method string) bool {
	if c == nil || len(c.Methods) == 0 {
		return true
	}
	return slices.ContainsFunc(c.Methods, func(allowed string) bool {
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			return strings.HasPrefix(method, prefix)
		}
		return allowed == method
	})
}

func callerCustomClaims() validator.CustomClaims {
	return &CallerClaims{}
}
