package authority

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/studyhub-realtime/internal/testutil"
	"github.com/npezzotti/studyhub-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cookieCred = types.Credential{Token: "cookie-token", Source: types.SourceCookie, CookieName: "access_token"}

func TestCheckMembership(t *testing.T) {
	tcases := []struct {
		name     string
		status   int
		body     string
		expected types.Membership
		err      error
		anyErr   bool
	}{
		{
			name:     "member",
			status:   http.StatusOK,
			body:     `{"isMember":true,"role":"owner"}`,
			expected: types.Membership{IsMember: true, Role: ptr("owner")},
		},
		{
			name:     "not a member",
			status:   http.StatusOK,
			body:     `{"isMember":false,"role":null}`,
			expected: types.Membership{IsMember: false},
		},
		{name: "forbidden", status: http.StatusForbidden, expected: types.Membership{IsMember: false}},
		{name: "not found", status: http.StatusNotFound, expected: types.Membership{IsMember: false}},
		{name: "unauthorized", status: http.StatusUnauthorized, err: ErrUnauthorized},
		{name: "server error", status: http.StatusBadGateway, anyErr: true},
		{name: "bad body", status: http.StatusOK, body: `{`, anyErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/groups/g1/membership", r.URL.Path)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL+"/", time.Second, testutil.TestLogger(t))
			m, err := c.CheckMembership(context.Background(), "g1", cookieCred)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			if tc.anyErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, m)
		})
	}
}

func TestCheckMembership_ForwardsCredential(t *testing.T) {
	tcases := []struct {
		name   string
		cred   types.Credential
		assert func(t *testing.T, r *http.Request)
	}{
		{
			name: "cookie",
			cred: cookieCred,
			assert: func(t *testing.T, r *http.Request) {
				c, err := r.Cookie("access_token")
				require.NoError(t, err)
				assert.Equal(t, "cookie-token", c.Value)
				assert.Empty(t, r.Header.Get("Authorization"))
			},
		},
		{
			name: "header",
			cred: types.Credential{Token: "header-token", Source: types.SourceHeader},
			assert: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer header-token", r.Header.Get("Authorization"))
				assert.Empty(t, r.Cookies())
			},
		},
		{
			name: "handshake",
			cred: types.Credential{Token: "hs-token", Source: types.SourceHandshake},
			assert: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer hs-token", r.Header.Get("Authorization"))
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tc.assert(t, r)
				w.Write([]byte(`{"isMember":true}`))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second, testutil.TestLogger(t))
			m, err := c.CheckMembership(context.Background(), "g1", tc.cred)
			require.NoError(t, err)
			assert.True(t, m.IsMember)
		})
	}
}

func TestCheckMembership_NoCredential(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testutil.TestLogger(t))
	_, err := c.CheckMembership(context.Background(), "g1", types.Credential{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, called.Load(), "expected no request without a credential")
}

func TestCheckMembership_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 50*time.Millisecond, testutil.TestLogger(t))
	_, err := c.CheckMembership(context.Background(), "g1", cookieCred)
	assert.Error(t, err)
}

func TestListMyGroups(t *testing.T) {
	tcases := []struct {
		name     string
		status   int
		body     string
		expected []types.Group
		err      error
		anyErr   bool
	}{
		{
			name:     "bare list",
			status:   http.StatusOK,
			body:     `[{"id":"g1","name":"Algebra"},{"id":"g2","name":"Biology"}]`,
			expected: []types.Group{{Id: "g1", Name: "Algebra"}, {Id: "g2", Name: "Biology"}},
		},
		{
			name:     "wrapped list",
			status:   http.StatusOK,
			body:     `{"groups":[{"id":"g3","name":"Chemistry"}]}`,
			expected: []types.Group{{Id: "g3", Name: "Chemistry"}},
		},
		{name: "unauthorized", status: http.StatusUnauthorized, err: ErrUnauthorized},
		{name: "server error", status: http.StatusInternalServerError, anyErr: true},
		{name: "bad body", status: http.StatusOK, body: `"nope"`, anyErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/groups/mine", r.URL.Path)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second, testutil.TestLogger(t))
			groups, err := c.ListMyGroups(context.Background(), cookieCred)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			if tc.anyErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, groups)
		})
	}
}

func TestCachedGroups(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[{"id":"g1","name":"Algebra"}]`))
	}))
	defer srv.Close()

	cached := NewCachedGroups(NewClient(srv.URL, time.Second, testutil.TestLogger(t)), time.Minute)
	defer cached.Stop()

	for i := 0; i < 3; i++ {
		groups, err := cached.ListMyGroups(context.Background(), "u1", cookieCred)
		require.NoError(t, err)
		assert.Equal(t, []types.Group{{Id: "g1", Name: "Algebra"}}, groups)
	}
	assert.Equal(t, int32(1), calls.Load())

	cached.Invalidate("u1")
	_, err := cached.ListMyGroups(context.Background(), "u1", cookieCred)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = cached.ListMyGroups(context.Background(), "u2", cookieCred)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	require.NoError(t, cached.ForgetGroups(context.Background(), "u2", "g1"))
	_, err = cached.ListMyGroups(context.Background(), "u2", cookieCred)
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load(), "expected a revocation to drop the cached list")
}

func ptr[T any](v T) *T {
	return &v
}
