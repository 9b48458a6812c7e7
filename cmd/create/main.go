// This command is only used for local testing: it signs a caller JWT with the
// development key so requests can be made against a local server.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	localjwt "github.com/chinmina/aliexpress-bridge/internal/jwt"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Audience string `env:"UTIL_AUDIENCE, default=aliexpress-bridge"`
	Subject  string `env:"UTIL_SUBJECT, default=test-subject"`
	Issuer   string `env:"UTIL_ISSUER, default=https://local.testing"`
	KeyFile  string `env:"UTIL_KEY_FILE, default=.development/keys/jwk-sig-testing-priv.json"`

	// Methods is a comma separated list of business methods the caller may
	// invoke. Empty allows all methods.
	Methods string `env:"UTIL_METHODS"`

	Validity time.Duration `env:"UTIL_VALIDITY, default=1m"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	jwksBytes, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading jwks: %v\n", err)
		os.Exit(1)
	}

	jwksKey, err := jwk.ParseKey(jwksBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading jwks: %v\n", err)
		os.Exit(1)
	}

	token := jwt.New()
	_ = token.Set(jwt.AudienceKey, []string{cfg.Audience})
	_ = token.Set(jwt.SubjectKey, cfg.Subject)
	_ = token.Set(jwt.IssuerKey, cfg.Issuer)

	token = validity(token, cfg.Validity)

	if methods := splitMethods(cfg.Methods); len(methods) > 0 {
		if err := token.Set(localjwt.MethodsClaim, methods); err != nil {
			fmt.Fprintf(os.Stderr, "error setting method claim: %v\n", err)
			os.Exit(1)
		}
	}

	tokenStr, err := createJWT(jwksKey, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating JWT: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s", tokenStr)
}

func splitMethods(list string) []string {
	var methods []string
	for m := range strings.SplitSeq(list, ",") {
		if m = strings.TrimSpace(m); m != "" {
			methods = append(methods, m)
		}
	}
	return methods
}

func createJWT(key jwk.Key, token jwt.Token) (string, error) {
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), key))
	if err != nil {
		return "", err
	}

	return string(signed), nil
}

func validity(token jwt.Token, d time.Duration) jwt.Token {
	now := time.Now().UTC()

	_ = token.Set(jwt.IssuedAtKey, now)
	_ = token.Set(jwt.NotBeforeKey, now.Add(-1*time.Minute))
	_ = token.Set(jwt.ExpirationKey, now.Add(d))

	return token
}
