package flux

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the identity claims of an openid connect `id_token`
type IdToken struct {
	Subject   string
	Email     string
	Name      string
	Nonce     string
	Issuer    string
	ExpiresAt time.Time
}

// ParseIdTokenUnverified reads the claims without checking the signature.
// The token was received from the service over tls. It is used only for display and expiry.
func ParseIdTokenUnverified(idToken string) (*IdToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(idToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims")
	}

	t := &IdToken{}

	if subject, err := claims.GetSubject(); err == nil {
		t.Subject = subject
	}
	if issuer, err := claims.GetIssuer(); err == nil {
		t.Issuer = issuer
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		t.ExpiresAt = expiresAt.Time
	}
	if email, ok := claims["email"].(string); ok {
		t.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		t.Name = name
	}
	if nonce, ok := claims["nonce"].(string); ok {
		t.Nonce = nonce
	}

	return t, nil
}

// a token without an expiration never expires
func (self *IdToken) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}
