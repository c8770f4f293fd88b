// Package mailsource reads calendar-invite messages from a Gmail mailbox
package mailsource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/edeng23/beyond-meet/backend/internal/ingest"
	"github.com/edeng23/beyond-meet/backend/internal/session"
	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

// ErrMessageNotFound is returned by Fetch when the id does not exist
var ErrMessageNotFound = errors.New("message not found")

const (
	me       = "me"
	pageSize = 500
)

// Gmail is a MessageSource over one account
type Gmail struct {
	svc    *gmail.Service
	logger *zap.Logger
}

// NewGmail wraps an authenticated Gmail service
func NewGmail(svc *gmail.Service) *Gmail {
	return &Gmail{svc: svc, logger: logger.Named("gmail")}
}

// Profile returns the mailbox owner's address
func (g *Gmail) Profile(ctx context.Context) (string, error) {
	profile, err := g.svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return strings.ToLower(profile.EmailAddress), nil
}

// Search returns the ids of every message matching query across all pages
func (g *Gmail) Search(ctx context.Context, query string) ([]string, error) {
	var ids []string
	call := g.svc.Users.Messages.List(me).Q(query).MaxResults(pageSize)
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	g.logger.Debug("Mailbox search complete",
		zap.String("query", query),
		zap.Int("messages", len(ids)),
	)
	return ids, nil
}

// Fetch returns the raw RFC 5322 bytes of one message
func (g *Gmail) Fetch(ctx context.Context, messageID string) ([]byte, error) {
	msg, err := g.svc.Users.Messages.Get(me, messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		return nil, fmt.Errorf("failed to fetch message %s: %w", messageID, err)
	}
	return decodeRaw(msg.Raw)
}

// Gmail encodes raw messages as base64url, with or without padding
func decodeRaw(raw string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return data, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw message: %w", err)
	}
	return data, nil
}

// Factory opens a Gmail source per session credential
type Factory struct {
	oauth   *oauth2.Config
	options []option.ClientOption
}

// NewFactory creates a factory. The oauth config refreshes expired access
// tokens; extra options are appended to every service (endpoints in tests).
func NewFactory(oauth *oauth2.Config, opts ...option.ClientOption) *Factory {
	return &Factory{oauth: oauth, options: opts}
}

// ForSession builds a source authorized with the session's credential
func (f *Factory) ForSession(ctx context.Context, s *session.Session) (ingest.MessageSource, error) {
	if s.Credential.RefreshToken == "" && s.Credential.AccessToken == "" {
		return nil, errors.New("session has no credential")
	}

	ts := f.oauth.TokenSource(ctx, s.Credential.Token())
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, f.options...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return NewGmail(svc), nil
}
