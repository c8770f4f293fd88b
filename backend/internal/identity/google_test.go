package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"

	apperrors "github.com/edeng23/beyond-meet/backend/pkg/errors"
)

func newTestProvider(t *testing.T, tokenHandler http.HandlerFunc) *GoogleProvider {
	t.Helper()
	srv := httptest.NewServer(tokenHandler)
	t.Cleanup(srv.Close)

	p := NewGoogleProvider("client-id", "secret", "postmessage", []string{"openid", "email"})
	p.oauth.Endpoint = oauth2.Endpoint{
		AuthURL:   srv.URL + "/auth",
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	p.validate = func(ctx context.Context, raw, audience string) (*idtoken.Payload, error) {
		if raw != "good-id-token" || audience != "client-id" {
			return nil, errors.New("bad token")
		}
		return &idtoken.Payload{
			Subject: "sub-123",
			Claims: map[string]interface{}{
				"email":   "me@home.com",
				"name":    "Me",
				"picture": "https://example.com/me.png",
			},
		}, nil
	}
	return p
}

func tokenResponse(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestExchange_Success(t *testing.T) {
	var gotRedirect string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotRedirect = r.PostForm.Get("redirect_uri")
		tokenResponse(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600,"id_token":"good-id-token"}`)(w, r)
	})

	id, cred, err := p.Exchange(context.Background(), "code", "")
	require.NoError(t, err)
	assert.Equal(t, &Identity{UserID: "sub-123", Email: "me@home.com", Name: "Me", Picture: "https://example.com/me.png"}, id)
	assert.Equal(t, "at", cred.AccessToken)
	assert.Equal(t, "rt", cred.RefreshToken)
	assert.Equal(t, []string{"openid", "email"}, cred.Scopes)
	assert.False(t, cred.Expiry.IsZero())
	assert.Equal(t, "postmessage", gotRedirect)
}

func TestExchange_RedirectOverride(t *testing.T) {
	var gotRedirect string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotRedirect = r.PostForm.Get("redirect_uri")
		tokenResponse(`{"access_token":"at","refresh_token":"rt","id_token":"good-id-token"}`)(w, r)
	})

	_, _, err := p.Exchange(context.Background(), "code", "http://localhost:3000/cb")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/cb", gotRedirect)
	assert.Equal(t, "postmessage", p.oauth.RedirectURL, "override does not leak into the shared config")
}

func TestExchange_InvalidGrant(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Bad Request"}`))
	})

	_, _, err := p.Exchange(context.Background(), "stale", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidCode))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestExchange_NoRefreshToken(t *testing.T) {
	p := newTestProvider(t, tokenResponse(`{"access_token":"at","id_token":"good-id-token"}`))

	_, _, err := p.Exchange(context.Background(), "code", "")
	assert.True(t, errors.Is(err, apperrors.ErrNoRefreshToken))
	assert.False(t, errors.Is(err, apperrors.ErrInvalidCode))
}

func TestExchange_BadIDToken(t *testing.T) {
	p := newTestProvider(t, tokenResponse(`{"access_token":"at","refresh_token":"rt","id_token":"forged"}`))

	_, _, err := p.Exchange(context.Background(), "code", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeAuth))
}

func TestExchange_ServerErrorIsTransient(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, _, err := p.Exchange(context.Background(), "code", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeTransient))
}
