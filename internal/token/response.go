package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/transport"
)

// tokenResponse is the provider's reply to token create and refresh calls.
type tokenResponse struct {
	Code                  transport.Code `json:"code"`
	RequestID             string         `json:"request_id"`
	AccessToken           string         `json:"access_token"`
	RefreshToken          string         `json:"refresh_token"`
	ExpiresIn             flexInt64      `json:"expires_in"`
	RefreshExpiresIn      flexInt64      `json:"refresh_expires_in"`
	ExpireTime            flexInt64      `json:"expire_time"`
	RefreshTokenValidTime flexInt64      `json:"refresh_token_valid_time"`
	UserID                flexID         `json:"user_id"`
	SellerID              flexID         `json:"seller_id"`
	Account               string         `json:"account"`
	AccountPlatform       string         `json:"account_platform"`
}

var errNoAccessToken = errors.New("token response carried no access token")

func parseTokenResponse(body []byte, now time.Time) (State, error) {
	var r tokenResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return State{}, fmt.Errorf("could not decode token response: %w", err)
	}
	if r.AccessToken == "" {
		return State{}, errNoAccessToken
	}

	return State{
		AccessToken:      r.AccessToken,
		RefreshToken:     r.RefreshToken,
		ExpiresAt:        expiry(now, int64(r.ExpireTime), int64(r.ExpiresIn)),
		RefreshExpiresAt: expiry(now, int64(r.RefreshTokenValidTime), int64(r.RefreshExpiresIn)),
		UserID:           string(r.UserID),
		SellerID:         string(r.SellerID),
		Account:          r.Account,
		IssuedAt:         now,
	}, nil
}

// expiry prefers the absolute epoch-millisecond time and falls back to the
// relative seconds value.
func expiry(now time.Time, absoluteMillis, relativeSecs int64) time.Time {
	if absoluteMillis > 0 {
		return time.UnixMilli(absoluteMillis)
	}
	if relativeSecs > 0 {
		return now.Add(time.Duration(relativeSecs) * time.Second)
	}
	return time.Time{}
}

// flexInt64 accepts a JSON number or a quoted number.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", string(data), err)
	}
	*f = flexInt64(n)
	return nil
}

// flexID accepts an identifier sent as a string or as a bare number.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid identifier %s: %w", s, err)
	}
	*f = flexID(n.String())
	return nil
}
