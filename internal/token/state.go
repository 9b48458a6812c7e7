package token

import (
	"time"
)

// Credential identifies the application to the provider.
type Credential struct {
	AppKey    string
	AppSecret string
}

// Status is the position of a Manager in the token lifecycle.
type Status int

const (
	Unauthorized Status = iota
	Authorized
	Expired
)

func (s Status) String() string {
	switch s {
	case Authorized:
		return "authorized"
	case Expired:
		return "expired"
	default:
		return "unauthorized"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is an issued token pair and the account it was issued for. It is
// never modified after issuance: a refresh produces a new State.
type State struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
	UserID           string    `json:"user_id,omitempty"`
	SellerID         string    `json:"seller_id,omitempty"`
	Account          string    `json:"account,omitempty"`
	IssuedAt         time.Time `json:"issued_at"`
}

// ExpiresWithin reports whether the access token expires within d of now. A
// state without a known expiry never reports as expiring.
func (s State) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.ExpiresAt)
}

// CanRefresh reports whether the refresh token is still usable at now.
func (s State) CanRefresh(now time.Time) bool {
	if s.RefreshToken == "" {
		return false
	}
	return s.RefreshExpiresAt.IsZero() || now.Before(s.RefreshExpiresAt)
}

// Summary is the non-secret view of a State.
type Summary struct {
	Status           Status    `json:"status"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
	IssuedAt         time.Time `json:"issued_at,omitzero"`
	UserID           string    `json:"user_id,omitempty"`
	SellerID         string    `json:"seller_id,omitempty"`
	Account          string    `json:"account,omitempty"`
}

// snapshot is the unit swapped atomically by the Manager.
type snapshot struct {
	state   State
	expired bool
}
