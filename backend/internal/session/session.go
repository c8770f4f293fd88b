// Package session caches authenticated user sessions in two tiers: a
// process-local memory tier and a durable badger tier that survives restarts.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned when no live session exists in any tier
var ErrNotFound = errors.New("session not found")

// Credential is the provider credential handle kept with a session. It is
// encoded field by field so stored sessions stay readable across versions.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// CredentialFromToken converts an oauth2 token into a storable credential
func CredentialFromToken(tok *oauth2.Token, scopes []string) Credential {
	if tok == nil {
		return Credential{Scopes: scopes}
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry.UTC(),
		Scopes:       scopes,
	}
}

// Token rebuilds the oauth2 token. A token source built from it refreshes
// the access token on demand using RefreshToken.
func (c Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// Session is one authenticated user
type Session struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email"`
	Name        string     `json:"name,omitempty"`
	Picture     string     `json:"picture,omitempty"`
	Credential  Credential `json:"credential"`
	CreatedAt   time.Time  `json:"created_at"`
	RefreshedAt time.Time  `json:"refreshed_at"`
}

// Encode serializes a session for the durable tier
func Encode(s *Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

// Decode parses a session written by Encode
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.UserID == "" {
		return nil, fmt.Errorf("failed to decode session: missing user_id")
	}
	return &s, nil
}

func (s *Session) clone() *Session {
	c := *s
	c.Credential.Scopes = append([]string(nil), s.Credential.Scopes...)
	return &c
}
