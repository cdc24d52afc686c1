package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// scopePrefix is the only scope family the proxy issues: each scope names
// one upstream tag.
const scopePrefix = "tag:"

// Options configures the authorization server.
type Options struct {
	// Issuer is the externally visible base URL, e.g. http://127.0.0.1:3050.
	Issuer     string
	CodeTTL    time.Duration
	TokenTTL   time.Duration
	RefreshTTL time.Duration
	// AllTags returns the current tag universe for scope validation.
	AllTags func() []string
}

// Authorizer implements the OAuth 2.1 endpoints.
type Authorizer struct {
	store  *Store
	opts   Options
	logger *zap.Logger
}

// NewAuthorizer builds the authorization server over the record store.
func NewAuthorizer(store *Store, opts Options, logger *zap.Logger) *Authorizer {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 10 * time.Minute
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 30 * 24 * time.Hour
	}
	if opts.AllTags == nil {
		opts.AllTags = func() []string { return nil }
	}
	return &Authorizer{store: store, opts: opts, logger: logger}
}

func newID(prefix string) string {
	return prefix + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// ScopeTags converts token scopes back to their tag names.
func ScopeTags(scopes []string) []string {
	tags := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if strings.HasPrefix(s, scopePrefix) {
			tags = append(tags, strings.TrimPrefix(s, scopePrefix))
		}
	}
	return tags
}

// validateScopes rejects anything outside the tag: family or naming an
// unknown tag. An empty request means the full universe.
func (a *Authorizer) validateScopes(raw string) ([]string, error) {
	universe := a.opts.AllTags()
	if strings.TrimSpace(raw) == "" {
		scopes := make([]string, 0, len(universe))
		for _, tag := range universe {
			scopes = append(scopes, scopePrefix+tag)
		}
		sort.Strings(scopes)
		return scopes, nil
	}

	known := map[string]bool{}
	for _, tag := range universe {
		known[tag] = true
	}

	var scopes []string
	for _, s := range strings.Fields(raw) {
		if !strings.HasPrefix(s, scopePrefix) {
			return nil, fmt.Errorf("unsupported scope %q", s)
		}
		if !known[strings.TrimPrefix(s, scopePrefix)] {
			return nil, fmt.Errorf("unknown tag in scope %q", s)
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// Metadata serves RFC 8414 authorization server metadata.
func (a *Authorizer) Metadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(a.opts.Issuer, "/")
	scopes := make([]string, 0)
	for _, tag := range a.opts.AllTags() {
		scopes = append(scopes, scopePrefix+tag)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"revocation_endpoint":                   issuer + "/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"scopes_supported":                      scopes,
	})
}

// ProtectedResourceMetadata serves RFC 9728 protected resource metadata so
// MCP clients can discover the authorization server.
func (a *Authorizer) ProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(a.opts.Issuer, "/")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":              issuer + "/mcp",
		"authorization_servers": []string{issuer},
		"bearer_methods_supported": []string{
			"header",
		},
	})
}

type registrationRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// Register implements RFC 7591 dynamic client registration. Clients are
// public; no secret is issued.
func (a *Authorizer) Register(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed registration request")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "at least one redirect_uri is required")
		return
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri must be absolute")
			return
		}
	}

	client := &ClientRecord{
		ID:           newID(PrefixClient),
		Name:         req.ClientName,
		RedirectURIs: req.RedirectURIs,
		CreatedAt:    time.Now(),
	}
	if err := a.store.PutClient(client); err != nil {
		a.logger.Error("Failed to persist client registration", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to store client")
		return
	}

	a.logger.Info("OAuth client registered",
		zap.String("client_id", client.ID),
		zap.String("client_name", client.Name))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"client_id":                  client.ID,
		"client_name":                client.Name,
		"redirect_uris":              client.RedirectURIs,
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
	})
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize access</title></head>
<body>
<h1>Authorize {{.ClientName}}</h1>
<p>The application requests access to the following server groups:</p>
<ul>{{range .Scopes}}<li><code>{{.}}</code></li>{{end}}</ul>
<form method="post" action="/authorize">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="resource" value="{{.Resource}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="S256">
<button type="submit" name="decision" value="approve">Approve</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>`))

// Authorize handles both the consent page (GET) and the decision (POST).
func (a *Authorizer) Authorize(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		a.authorizeDecision(w, r)
		return
	}

	q := r.URL.Query()
	client, redirectURI, ok := a.resolveClient(w, q.Get("client_id"), q.Get("redirect_uri"))
	if !ok {
		return
	}
	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, q.Get("state"), "unsupported_response_type", "only code is supported")
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		redirectError(w, r, redirectURI, q.Get("state"), "invalid_request", "PKCE with S256 is required")
		return
	}
	scopes, err := a.validateScopes(q.Get("scope"))
	if err != nil {
		redirectError(w, r, redirectURI, q.Get("state"), "invalid_scope", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = consentTemplate.Execute(w, map[string]interface{}{
		"ClientName":    client.Name,
		"ClientID":      client.ID,
		"RedirectURI":   redirectURI,
		"State":         q.Get("state"),
		"Scope":         strings.Join(scopes, " "),
		"Scopes":        scopes,
		"CodeChallenge": q.Get("code_challenge"),
		"Resource":      q.Get("resource"),
	})
}

func (a *Authorizer) authorizeDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	_, redirectURI, ok := a.resolveClient(w, r.PostFormValue("client_id"), r.PostFormValue("redirect_uri"))
	if !ok {
		return
	}
	state := r.PostFormValue("state")

	if r.PostFormValue("decision") != "approve" {
		redirectError(w, r, redirectURI, state, "access_denied", "the resource owner denied the request")
		return
	}
	scopes, err := a.validateScopes(r.PostFormValue("scope"))
	if err != nil {
		redirectError(w, r, redirectURI, state, "invalid_scope", err.Error())
		return
	}

	code := &CodeRecord{
		Code:          newID(PrefixCode),
		ClientID:      r.PostFormValue("client_id"),
		RedirectURI:   redirectURI,
		Resource:      r.PostFormValue("resource"),
		Scopes:        scopes,
		CodeChallenge: r.PostFormValue("code_challenge"),
		Method:        "S256",
		ExpiresAt:     time.Now().Add(a.opts.CodeTTL),
	}
	if err := a.store.PutCode(code); err != nil {
		a.logger.Error("Failed to persist authorization code", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to store code")
		return
	}

	u, _ := url.Parse(redirectURI)
	values := u.Query()
	values.Set("code", code.Code)
	if state != "" {
		values.Set("state", state)
	}
	u.RawQuery = values.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// resolveClient validates client_id and redirect_uri together; errors here
// must not redirect anywhere.
func (a *Authorizer) resolveClient(w http.ResponseWriter, clientID, redirectURI string) (*ClientRecord, string, bool) {
	client, found, err := a.store.GetClient(clientID)
	if err != nil || !found {
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return nil, "", false
	}
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return client, redirectURI, true
		}
	}
	oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not registered")
	return nil, "", false
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, code, description)
		return
	}
	values := u.Query()
	values.Set("error", code)
	values.Set("error_description", description)
	if state != "" {
		values.Set("state", state)
	}
	u.RawQuery = values.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// Token handles code exchange and refresh-token rotation.
func (a *Authorizer) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		a.exchangeCode(w, r)
	case "refresh_token":
		a.refreshGrant(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func verifyPKCE(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func (a *Authorizer) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code, found, err := a.store.TakeCode(r.PostFormValue("code"))
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to load code")
		return
	}
	// A second exchange of the same code lands here: TakeCode already
	// removed it.
	if !found {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or already used")
		return
	}
	if code.ClientID != r.PostFormValue("client_id") ||
		code.RedirectURI != r.PostFormValue("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code was issued to a different client")
		return
	}
	if code.Resource != r.PostFormValue("resource") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code was bound to a different resource")
		return
	}
	if !verifyPKCE(code.CodeChallenge, r.PostFormValue("code_verifier")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	a.issueTokens(w, code.ClientID, code.Resource, code.Scopes)
}

func (a *Authorizer) refreshGrant(w http.ResponseWriter, r *http.Request) {
	refresh, found, err := a.store.TakeRefresh(r.PostFormValue("refresh_token"))
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to load refresh token")
		return
	}
	if !found {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or expired")
		return
	}
	if refresh.ClientID != r.PostFormValue("client_id") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token was issued to a different client")
		return
	}
	a.issueTokens(w, refresh.ClientID, refresh.Resource, refresh.Scopes)
}

func (a *Authorizer) issueTokens(w http.ResponseWriter, clientID, resource string, scopes []string) {
	token := &TokenRecord{
		Token:     newID(PrefixToken),
		ClientID:  clientID,
		Resource:  resource,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(a.opts.TokenTTL),
	}
	refresh := &RefreshRecord{
		Token:     newID(PrefixRefresh),
		ClientID:  clientID,
		Resource:  resource,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(a.opts.RefreshTTL),
	}
	if err := a.store.PutToken(token); err != nil {
		a.logger.Error("Failed to persist access token", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to store token")
		return
	}
	if err := a.store.PutRefresh(refresh); err != nil {
		a.logger.Error("Failed to persist refresh token", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to store refresh token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  token.Token,
		"token_type":    "Bearer",
		"expires_in":    int(a.opts.TokenTTL.Seconds()),
		"refresh_token": refresh.Token,
		"scope":         strings.Join(scopes, " "),
	})
}

// Revoke implements RFC 7009. Unknown tokens still return 200.
func (a *Authorizer) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	token := r.PostFormValue("token")
	switch {
	case strings.HasPrefix(token, PrefixToken):
		_ = a.store.DeleteToken(token)
	case strings.HasPrefix(token, PrefixRefresh):
		_ = a.store.DeleteRefresh(token)
	}
	w.WriteHeader(http.StatusOK)
}
