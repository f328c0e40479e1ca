package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/internal/profile"
	"github.com/powerbot/powerbot/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	p := &profile.Profile{Data: dir}
	require.NoError(t, p.Validate())
	s, err := store.Open(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	livefeed, err := config.OpenLivefeed(filepath.Join(dir, "livefeed.json"))
	require.NoError(t, err)

	return NewServer(p, s, livefeed, nil), s
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestTop10(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	for i, name := range []string{"alice", "bob"} {
		identity, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-"+name, name, nil)
		require.NoError(t, err)
		_, err = s.ApplyBalanceDelta(ctx, identity.UserID, float64(10*(i+1)), store.PlatformDiscord, "grant", "", "")
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/economy/top10", nil)
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Top []struct {
			Rank     int     `json:"rank"`
			Username string  `json:"username"`
			Balance  float64 `json:"balance"`
		} `json:"top"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Top, 2)
	require.Equal(t, "bob", body.Top[0].Username)
	require.Equal(t, 1, body.Top[0].Rank)
}

func TestBalanceLookup(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	identity, _, _, err := s.GetOrCreateDiscordUser(ctx, "d-1", "alice", nil)
	require.NoError(t, err)
	_, err = s.ApplyBalanceDelta(ctx, identity.UserID, 7.5, store.PlatformDiscord, "grant", "", "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/economy/balance/d-1", nil)
	srv.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "7.5")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/economy/balance/nobody", nil)
	srv.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLivefeedWhitelistMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.livefeed.Add("203.0.113.7"))

	handler := srv.requireWhitelisted(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/livefeed/publish", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		c := srv.echo.NewContext(req, rec)
		if err := handler(c); err != nil {
			srv.echo.HTTPErrorHandler(err, c)
		}
		return rec.Code
	}

	require.Equal(t, http.StatusOK, call("203.0.113.7:4444"))
	require.Equal(t, http.StatusOK, call("127.0.0.1:4444"))
	require.Equal(t, http.StatusForbidden, call("198.51.100.9:4444"))
}
