// Package auth implements the proxy's OAuth 2.1 authorization surface:
// dynamic client registration, the PKCE authorization-code flow, opaque
// bearer tokens whose scopes name upstream tags, and the bearer middleware
// that turns a token into a session tag filter.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record id prefixes double as filename prefixes in the storage directory.
const (
	PrefixClient  = "client-"
	PrefixCode    = "code-"
	PrefixToken   = "tkn-"
	PrefixRefresh = "rft-"
)

// idPattern is the only shape accepted for record ids after the prefix.
// Everything else is rejected before touching the filesystem.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// expirable lets the sweeper treat all record kinds uniformly.
type expirable interface {
	expired(now time.Time) bool
}

// ClientRecord is a dynamically registered OAuth client.
type ClientRecord struct {
	ID           string    `json:"client_id"`
	Name         string    `json:"client_name"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c *ClientRecord) expired(time.Time) bool { return false }

// CodeRecord is a one-shot authorization code binding the client,
// redirect URI, resource, and scopes granted at consent, with its PKCE
// challenge.
type CodeRecord struct {
	Code          string    `json:"code"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	Resource      string    `json:"resource,omitempty"`
	Scopes        []string  `json:"scopes"`
	CodeChallenge string    `json:"code_challenge"`
	Method        string    `json:"code_challenge_method"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (c *CodeRecord) expired(now time.Time) bool { return now.After(c.ExpiresAt) }

// TokenRecord is an opaque access token.
type TokenRecord struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	Resource  string    `json:"resource,omitempty"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *TokenRecord) expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// RefreshRecord is an opaque refresh token.
type RefreshRecord struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	Resource  string    `json:"resource,omitempty"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *RefreshRecord) expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Store persists auth records one JSON file per record under a single
// directory. Writes go through a temp file and rename so a crash never
// leaves a half-written record; unparsable files count as missing.
type Store struct {
	dir    string
	logger *zap.Logger

	mu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewStore opens (creating if needed) the storage directory.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create auth storage dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// validateID rejects ids that are empty, carry the wrong prefix, or could
// escape the storage directory.
func validateID(id, prefix string) error {
	if !strings.HasPrefix(id, prefix) {
		return fmt.Errorf("id %q does not carry prefix %q", id, prefix)
	}
	rest := strings.TrimPrefix(id, prefix)
	if rest == "" || !idPattern.MatchString(rest) {
		return fmt.Errorf("id %q is malformed", id)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// put writes a record atomically.
func (s *Store) put(id, prefix string, record interface{}) error {
	if err := validateID(id, prefix); err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+id+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

// get loads a record. Missing files, undecodable files, and expired records
// all report found=false.
func (s *Store) get(id, prefix string, out expirable) (bool, error) {
	if err := validateID(id, prefix); err != nil {
		return false, nil
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path(id))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read record: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("Discarding undecodable auth record", zap.String("id", id))
		return false, nil
	}
	if out.expired(time.Now()) {
		return false, nil
	}
	return true, nil
}

// delete removes a record; missing is not an error.
func (s *Store) delete(id, prefix string) error {
	if err := validateID(id, prefix); err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// PutClient stores a registered client.
func (s *Store) PutClient(c *ClientRecord) error { return s.put(c.ID, PrefixClient, c) }

// GetClient loads a registered client.
func (s *Store) GetClient(id string) (*ClientRecord, bool, error) {
	var c ClientRecord
	ok, err := s.get(id, PrefixClient, &c)
	if !ok || err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// PutCode stores an authorization code.
func (s *Store) PutCode(c *CodeRecord) error { return s.put(c.Code, PrefixCode, c) }

// TakeCode loads and deletes an authorization code in one step, making the
// code single-use.
func (s *Store) TakeCode(code string) (*CodeRecord, bool, error) {
	var c CodeRecord
	ok, err := s.get(code, PrefixCode, &c)
	if !ok || err != nil {
		return nil, false, err
	}
	if err := s.delete(code, PrefixCode); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// PutToken stores an access token.
func (s *Store) PutToken(t *TokenRecord) error { return s.put(t.Token, PrefixToken, t) }

// GetToken loads an access token.
func (s *Store) GetToken(token string) (*TokenRecord, bool, error) {
	var t TokenRecord
	ok, err := s.get(token, PrefixToken, &t)
	if !ok || err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

// DeleteToken revokes an access token.
func (s *Store) DeleteToken(token string) error { return s.delete(token, PrefixToken) }

// PutRefresh stores a refresh token.
func (s *Store) PutRefresh(r *RefreshRecord) error { return s.put(r.Token, PrefixRefresh, r) }

// TakeRefresh loads and deletes a refresh token; refresh tokens rotate.
func (s *Store) TakeRefresh(token string) (*RefreshRecord, bool, error) {
	var r RefreshRecord
	ok, err := s.get(token, PrefixRefresh, &r)
	if !ok || err != nil {
		return nil, false, err
	}
	if err := s.delete(token, PrefixRefresh); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// DeleteRefresh revokes a refresh token.
func (s *Store) DeleteRefresh(token string) error { return s.delete(token, PrefixRefresh) }

// StartSweeper deletes expired records every interval until Stop or ctx
// cancellation.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop terminates the sweeper and waits for the current pass to finish.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.doneCh:
	case <-time.After(time.Second):
	}
}

// Sweep removes every expired record. Clients never expire.
func (s *Store) Sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("Auth sweep failed to list storage dir", zap.Error(err))
		return
	}

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")

		var record expirable
		var prefix string
		switch {
		case strings.HasPrefix(id, PrefixCode):
			record, prefix = &CodeRecord{}, PrefixCode
		case strings.HasPrefix(id, PrefixToken):
			record, prefix = &TokenRecord{}, PrefixToken
		case strings.HasPrefix(id, PrefixRefresh):
			record, prefix = &RefreshRecord{}, PrefixRefresh
		default:
			continue
		}

		ok, err := s.get(id, prefix, record)
		if err != nil {
			continue
		}
		if !ok {
			// Missing means expired or undecodable; either way the file
			// has no further use.
			if s.delete(id, prefix) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Debug("Auth sweep removed expired records",
			zap.Int("removed", removed), zap.Time("at", now))
	}
}
