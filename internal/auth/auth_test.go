package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/studyhub-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func TestExtractCredential(t *testing.T) {
	cookieNames := []string{"access_token", "token"}

	tcases := []struct {
		name           string
		setup          func(r *http.Request)
		expectedToken  string
		expectedSource types.CredentialSource
		expectedCookie string
		err            error
	}{
		{
			name: "first cookie wins",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "token", Value: "second"})
				r.AddCookie(&http.Cookie{Name: "access_token", Value: "first"})
				r.Header.Set("Authorization", "Bearer header")
			},
			expectedToken:  "first",
			expectedSource: types.SourceCookie,
			expectedCookie: "access_token",
		},
		{
			name: "fallback cookie name",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "token", Value: "second"})
			},
			expectedToken:  "second",
			expectedSource: types.SourceCookie,
			expectedCookie: "token",
		},
		{
			name: "authorization header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer header-token")
			},
			expectedToken:  "header-token",
			expectedSource: types.SourceHeader,
		},
		{
			name: "malformed authorization header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic abc")
			},
			err: ErrInvalidToken,
		},
		{
			name: "handshake token param",
			setup: func(r *http.Request) {
				r.URL.RawQuery = url.Values{"token": {"hs-token"}}.Encode()
			},
			expectedToken:  "hs-token",
			expectedSource: types.SourceHandshake,
		},
		{
			name: "handshake auth payload",
			setup: func(r *http.Request) {
				r.URL.RawQuery = url.Values{"auth": {`{"token":"payload-token"}`}}.Encode()
			},
			expectedToken:  "payload-token",
			expectedSource: types.SourceHandshake,
		},
		{
			name: "malformed handshake payload",
			setup: func(r *http.Request) {
				r.URL.RawQuery = url.Values{"auth": {`{not json`}}.Encode()
			},
			err: ErrInvalidToken,
		},
		{
			name:  "no credential",
			setup: func(r *http.Request) {},
			err:   ErrNoCredential,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.setup(r)

			cred, err := ExtractCredential(r, cookieNames)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expectedToken, cred.Token)
			assert.Equal(t, tc.expectedSource, cred.Source)
			assert.Equal(t, tc.expectedCookie, cred.CookieName)
		})
	}
}

func TestVerifier_Verify(t *testing.T) {
	v := NewVerifier(testKey)

	valid, err := Sign(testKey, "42", time.Hour)
	require.NoError(t, err)

	expired, err := Sign(testKey, "42", -time.Hour)
	require.NoError(t, err)

	wrongKey, err := Sign([]byte("other-key"), "42", time.Hour)
	require.NoError(t, err)

	numericId, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user-id": 7,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(testKey)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "42",
	}).SignedString(testKey)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testKey)
	require.NoError(t, err)

	tcases := []struct {
		name        string
		token       string
		expectedUid string
		err         error
	}{
		{name: "valid token", token: valid, expectedUid: "42"},
		{name: "numeric user id claim", token: numericId, expectedUid: "7"},
		{name: "empty token", token: "", err: ErrNoCredential},
		{name: "malformed token", token: "not-a-jwt", err: ErrInvalidToken},
		{name: "expired token", token: expired, err: ErrInvalidToken},
		{name: "invalid signature", token: wrongKey, err: ErrInvalidToken},
		{name: "missing exp", token: noExp, err: ErrInvalidToken},
		{name: "missing user id", token: noUser, err: ErrInvalidToken},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			uid, err := v.Verify(tc.token)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.Empty(t, uid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedUid, uid)
		})
	}
}
