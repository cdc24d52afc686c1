package logs

import (
	"net/url"
	"regexp"
	"strings"
)

// Placeholders substituted for sensitive values in user-facing messages.
const (
	RedactedCredential = "[REDACTED_CREDENTIAL]"
	RedactedPath       = "[REDACTED_PATH]"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	basicPattern  = regexp.MustCompile(`(?i)\bBasic\s+[A-Za-z0-9+/]+=*`)
	// Common API key shapes: GitHub, OpenAI/Anthropic, AWS access keys, and
	// our own prefixed tokens.
	keyPattern = regexp.MustCompile(`\b(gh[poushr]_[A-Za-z0-9]{20,}|sk-[A-Za-z0-9\-]{20,}|AKIA[0-9A-Z]{16}|tkn-[0-9A-HJKMNP-TV-Z]{10,})\b`)
	// token=..., api_key=..., secret: ... style assignments.
	assignPattern = regexp.MustCompile(`(?i)\b(token|secret|password|api[_-]?key|client[_-]?secret|authorization)\s*[=:]\s*[^\s&",}]+`)
	urlPattern    = regexp.MustCompile(`\bhttps?://[^\s"']+`)
	pathPattern   = regexp.MustCompile(`(?:^|[\s"'=(])((?:/[\w.\-]+){2,}/?|[A-Za-z]:\\(?:[\w.\-]+\\?)+)`)
)

// Redact masks credentials, reduces URLs to their host, and hides absolute
// filesystem paths. Applied to every error string that can leave the process
// through health endpoints, gate responses, or aggregated call metadata.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, RedactedCredential)
	s = basicPattern.ReplaceAllString(s, RedactedCredential)
	s = keyPattern.ReplaceAllString(s, RedactedCredential)
	s = assignPattern.ReplaceAllStringFunc(s, func(m string) string {
		idx := strings.IndexAny(m, "=:")
		if idx < 0 {
			return RedactedCredential
		}
		return m[:idx+1] + RedactedCredential
	})
	s = urlPattern.ReplaceAllStringFunc(s, hostOnly)
	s = pathPattern.ReplaceAllStringFunc(s, func(m string) string {
		// Keep the leading delimiter character, replace the path itself.
		if len(m) > 0 && m[0] != '/' && m[0] != '\\' && !isDriveLetter(m) {
			return string(m[0]) + RedactedPath
		}
		return RedactedPath
	})
	return s
}

// HostOnly reduces a URL to scheme and host, dropping path, query, and any
// embedded userinfo. Non-URLs are returned unchanged.
func HostOnly(raw string) string {
	if raw == "" {
		return raw
	}
	return hostOnly(raw)
}

func hostOnly(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

func isDriveLetter(s string) bool {
	return len(s) >= 2 && s[1] == ':' &&
		((s[0] >= 'A' && s[0] <= 'Z') || (s[0] >= 'a' && s[0] <= 'z'))
}
