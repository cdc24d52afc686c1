package upstream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// tokenNamePattern limits token file names to configured server names; a
// record id is a path component and must never escape the store directory.
var tokenNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// TokenStore persists per-upstream OAuth tokens as opaque JSON records,
// one file per server under clientSessions/oauth_<server>.json. The proxy
// does not run the authorization flow against the upstream's identity
// provider; an external collaborator writes the record and the worker
// injects the access token as a bearer header on the next connect.
type TokenStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewTokenStore creates the store directory if needed.
func NewTokenStore(dir string, logger *zap.Logger) (*TokenStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token store directory: %w", err)
	}
	return &TokenStore{dir: dir, logger: logger}, nil
}

func (s *TokenStore) path(server string) (string, error) {
	if !tokenNamePattern.MatchString(server) {
		return "", fmt.Errorf("invalid server name %q", server)
	}
	return filepath.Join(s.dir, "oauth_"+server+".json"), nil
}

// Get returns the raw stored record for a server. Undecodable or missing
// records read as absent.
func (s *TokenStore) Get(server string) (json.RawMessage, bool) {
	p, err := s.path(server)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	if !json.Valid(data) {
		s.logger.Warn("Discarding undecodable upstream token record",
			zap.String("upstream", server))
		return nil, false
	}
	return data, true
}

// BearerToken peeks the access token out of the stored record. Records
// carrying an expires_at timestamp in the past read as absent.
func (s *TokenStore) BearerToken(server string) string {
	raw, ok := s.Get(server)
	if !ok {
		return ""
	}
	var rec struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ""
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return ""
	}
	return rec.AccessToken
}

// Put writes the record atomically: temp file, fsync, rename.
func (s *TokenStore) Put(server string, record json.RawMessage) error {
	p, err := s.path(server)
	if err != nil {
		return err
	}
	if !json.Valid(record) {
		return fmt.Errorf("token record for %q is not valid JSON", server)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, ".oauth-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(record); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write token record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync token record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to persist token record: %w", err)
	}
	return nil
}

// Delete removes a server's record. Missing records are not an error.
func (s *TokenStore) Delete(server string) error {
	p, err := s.path(server)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
