package upstream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/config"
)

func newTokenStore(t *testing.T) *TokenStore {
	t.Helper()
	s, err := NewTokenStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestTokenStore_RoundTrip(t *testing.T) {
	s := newTokenStore(t)

	record := json.RawMessage(`{"access_token":"abc123","token_type":"Bearer","extra":{"idp":"corp"}}`)
	require.NoError(t, s.Put("github", record))

	got, ok := s.Get("github")
	require.True(t, ok)
	assert.JSONEq(t, string(record), string(got), "records are stored opaquely")
	assert.Equal(t, "abc123", s.BearerToken("github"))

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "oauth_github.json", entries[0].Name())

	require.NoError(t, s.Delete("github"))
	_, ok = s.Get("github")
	assert.False(t, ok)
	require.NoError(t, s.Delete("github"), "deleting a missing record is not an error")
}

func TestTokenStore_ExpiredTokenReadsAsAbsent(t *testing.T) {
	s := newTokenStore(t)

	expired, _ := json.Marshal(map[string]interface{}{
		"access_token": "old",
		"expires_at":   time.Now().Add(-time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, s.Put("github", expired))
	assert.Empty(t, s.BearerToken("github"))

	// The raw record is still readable for the refresh collaborator.
	_, ok := s.Get("github")
	assert.True(t, ok)
}

func TestTokenStore_RejectsHostileNames(t *testing.T) {
	s := newTokenStore(t)

	for _, name := range []string{"", "../etc", "a/b", ".hidden", "a b"} {
		assert.Error(t, s.Put(name, json.RawMessage(`{}`)), name)
		_, ok := s.Get(name)
		assert.False(t, ok, name)
	}
}

func TestTokenStore_UndecodableRecordIsMissing(t *testing.T) {
	s := newTokenStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "oauth_github.json"), []byte("not json"), 0o600))

	_, ok := s.Get("github")
	assert.False(t, ok)
	assert.Error(t, s.Put("github", json.RawMessage(`not json`)), "writes must be valid JSON")
}

func TestWithBearerHeader(t *testing.T) {
	cfg := &config.UpstreamConfig{
		Name:    "web",
		URL:     "https://web.example.com/mcp",
		Headers: map[string]string{"X-Team": "infra"},
	}

	out := withBearerHeader(cfg, "tok")
	assert.Equal(t, "Bearer tok", out.Headers["Authorization"])
	assert.Equal(t, "infra", out.Headers["X-Team"])
	assert.NotContains(t, cfg.Headers, "Authorization", "original config is untouched")

	// An explicit Authorization header wins over the stored token.
	cfg.Headers["Authorization"] = "Basic xyz"
	same := withBearerHeader(cfg, "tok")
	assert.Equal(t, "Basic xyz", same.Headers["Authorization"])
}
