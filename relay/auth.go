package relay

import (
	"errors"
	"fmt"
)

// ErrUnknownToken is returned for tokens that do not belong to any user.
var ErrUnknownToken = errors.New("unknown token")

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// StaticTokens is a fixed token table.
type StaticTokens map[string]string

// Authenticate looks token up.
func (s StaticTokens) Authenticate(token string) (string, error) {
	userID, ok := s[token]
	if !ok || userID == "" {
		return "", ErrUnknownToken
	}
	return userID, nil
}

// TokenIdentity treats every token as the id of its user.
type TokenIdentity struct{}

// Authenticate returns token.
func (TokenIdentity) Authenticate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token: %w", ErrUnknownToken)
	}
	return token, nil
}

// NewAuthenticator returns the authenticator for tokens.
func NewAuthenticator(tokens map[string]string) Authenticator {
	if len(tokens) == 0 {
		return TokenIdentity{}
	}
	return StaticTokens(tokens)
}
