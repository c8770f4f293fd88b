// Package identity exchanges Google sign-in authorization codes for a
// verified identity and a mailbox credential.
package identity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"

	"github.com/edeng23/beyond-meet/backend/internal/session"
	apperrors "github.com/edeng23/beyond-meet/backend/pkg/errors"
	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

// Identity is the verified account behind an authorization code
type Identity struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

type validateFunc func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// GoogleProvider is the Google OAuth2 identity provider
type GoogleProvider struct {
	oauth    *oauth2.Config
	validate validateFunc
	logger   *zap.Logger
}

// NewGoogleProvider creates a provider for the given OAuth client
func NewGoogleProvider(clientID, clientSecret, redirectURL string, scopes []string) *GoogleProvider {
	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		validate: idtoken.Validate,
		logger:   logger.Named("identity"),
	}
}

// OAuthConfig returns the client config, used to refresh stored credentials
func (p *GoogleProvider) OAuthConfig() *oauth2.Config {
	return p.oauth
}

// Exchange trades an authorization code for the user's identity and an
// offline credential. An empty redirectURI uses the configured one.
func (p *GoogleProvider) Exchange(ctx context.Context, code, redirectURI string) (*Identity, session.Credential, error) {
	cfg := *p.oauth
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, session.Credential{}, apperrors.NewBaseError(apperrors.ErrorTypeAuth, apperrors.ErrInvalidCode.Message, err)
		}
		return nil, session.Credential{}, apperrors.NewTransientIO("token exchange", err)
	}
	if tok.RefreshToken == "" {
		return nil, session.Credential{}, apperrors.ErrNoRefreshToken
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, session.Credential{}, apperrors.NewBaseError(apperrors.ErrorTypeAuth, "no id token returned", nil)
	}
	payload, err := p.validate(ctx, rawID, p.oauth.ClientID)
	if err != nil {
		return nil, session.Credential{}, apperrors.NewBaseError(apperrors.ErrorTypeAuth, "invalid id token", err)
	}

	id := &Identity{
		UserID:  payload.Subject,
		Email:   claim(payload, "email"),
		Name:    claim(payload, "name"),
		Picture: claim(payload, "picture"),
	}
	if id.UserID == "" || id.Email == "" {
		return nil, session.Credential{}, apperrors.NewBaseError(apperrors.ErrorTypeAuth, "id token missing subject or email", nil)
	}

	p.logger.Info("User authenticated",
		zap.String("user_id", id.UserID),
		zap.String("email", id.Email),
	)
	return id, session.CredentialFromToken(tok, cfg.Scopes), nil
}

func claim(p *idtoken.Payload, key string) string {
	if v, ok := p.Claims[key].(string); ok {
		return v
	}
	return ""
}

// String hides the secret when the provider is logged
func (p *GoogleProvider) String() string {
	return fmt.Sprintf("GoogleProvider{client_id=%s}", p.oauth.ClientID)
}
