package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/conductor/internal/store"
)

func newRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func serve(t *testing.T, repo *store.SQLiteStore, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OwnerIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareHeaderOwner(t *testing.T) {
	repo := newRepo(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeaderName, "discord:42")
	req.Header.Set(TimezoneHeaderName, "Europe/Berlin")
	rec, owner := serve(t, repo, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "discord:42", owner)
	assert.Empty(t, rec.Result().Cookies())

	user, err := repo.GetUser(context.Background(), "discord:42")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "Europe/Berlin", user.Timezone)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeaderName, "discord:42")
	req.Header.Set(TimezoneHeaderName, "Mars/Olympus")
	_, _ = serve(t, repo, req)
	user, err = repo.GetUser(context.Background(), "discord:42")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", user.Timezone, "invalid zones are ignored")
}

func TestMiddlewareRejectsInvalidHeader(t *testing.T) {
	repo := newRepo(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeaderName, "a/b")
	rec, owner := serve(t, repo, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, owner)
}

func TestMiddlewareAnonymousCookie(t *testing.T) {
	repo := newRepo(t)

	rec, owner := serve(t, repo, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Regexp(t, `^anon_[a-f0-9]{32}$`, owner)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	_, again := serve(t, repo, req)
	assert.Equal(t, owner, again)

	user, err := repo.GetUser(context.Background(), owner)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "anon-"+owner[len(owner)-8:], user.Username)
}

func TestValidOwnerID(t *testing.T) {
	assert.True(t, ValidOwnerID("u1"))
	assert.True(t, ValidOwnerID("user@example.com"))
	assert.False(t, ValidOwnerID(""))
	assert.False(t, ValidOwnerID("has space"))
	assert.False(t, ValidOwnerID("../etc"))
}
