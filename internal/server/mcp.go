package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/auth"
	"github.com/onemcp/onemcp/internal/jsonrpc"
	"github.com/onemcp/onemcp/internal/logs"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/tagfilter"
)

// rawQueryValue extracts key's value from the undecoded query string,
// unescaping percent sequences but leaving '+' intact. url.Values decodes
// '+' to a space, which would destroy the AND operator in filter values
// like tag-filter=web+prod.
func rawQueryValue(rawQuery, key string) string {
	for _, pair := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k != key {
			continue
		}
		if decoded, err := url.PathUnescape(v); err == nil {
			return decoded
		}
		return v
	}
	return ""
}

// sessionFromRequest builds a session from the query parameters, intersected
// with the caller's auth scope filter. `tags` and `tag-filter` are mutually
// exclusive.
func (s *HTTPServer) sessionFromRequest(r *http.Request, transport session.Transport) (*session.Session, *jsonrpc.Error) {
	q := r.URL.Query()
	rawFilter := rawQueryValue(r.URL.RawQuery, "tag-filter")
	rawTags := q.Get("tags")
	if rawFilter != "" && rawTags != "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "tags and tag-filter are mutually exclusive")
	}

	var (
		expr   tagfilter.Expr = tagfilter.MatchAll
		source string
	)
	switch {
	case rawFilter != "":
		parsed, err := tagfilter.Parse(rawFilter)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid tag-filter: "+err.Error())
		}
		expr, source = parsed, rawFilter
	case rawTags != "":
		var names []string
		for _, tag := range strings.Split(rawTags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				names = append(names, tag)
			}
		}
		expr, source = tagfilter.AnyOf(names), "tags="+rawTags
	}

	pagination := false
	if v := q.Get("pagination"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "pagination must be a boolean")
		}
		pagination = parsed
	}

	return s.sessions.Create(session.Options{
		Transport:  transport,
		Filter:     tagfilter.And(auth.ScopeFilter(r.Context()), expr),
		Source:     source,
		Preset:     q.Get("preset"),
		Pagination: pagination,
	}), nil
}

// gateExemptMethods bypass the availability gate: the handshake and ping
// never fan out to upstreams, so loading state is irrelevant to them.
var gateExemptMethods = map[string]bool{
	"initialize": true,
	"ping":       true,
}

// applyGate evaluates availability for one inbound request. Returns false
// after writing the 202/503 response when the request must not proceed.
func (s *HTTPServer) applyGate(w http.ResponseWriter, sess *session.Session, msg *jsonrpc.Message) bool {
	if msg == nil || msg.Request == nil || gateExemptMethods[msg.Request.Method] {
		return true
	}

	a := computeAvailability(s.manager, sess.Filter, s.cfg.PartialAvailability)
	switch a.Decision {
	case gateRetry:
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"error":         "servers_loading",
			"retryAfter":    30,
			"details":       a.details(),
			"serverDetails": s.serverDetails(sess.Filter),
		})
		return false
	case gateUnavailable:
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":         "service_unavailable",
			"details":       a.details(),
			"serverDetails": s.serverDetails(sess.Filter),
		})
		return false
	}

	if a.Partial {
		w.Header().Set(headerPartial, "true")
		w.Header().Set(headerAvailableCount, strconv.Itoa(a.Available))
		w.Header().Set(headerTotalCount, strconv.Itoa(a.Total))
		w.Header().Set(headerLoadingCount, strconv.Itoa(a.Loading))
	}
	return true
}

// serverDetail is the per-upstream entry in gate responses. Errors and OAuth
// URLs are sanitized before leaving the process.
type serverDetail struct {
	State            string `json:"state"`
	Error            string `json:"error,omitempty"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
}

func (s *HTTPServer) serverDetails(filter tagfilter.Expr) map[string]serverDetail {
	details := make(map[string]serverDetail)
	for name, info := range s.manager.Snapshot() {
		c, ok := s.manager.Client(name)
		if !ok || !filter.Matches(tagfilter.TagSet(c.Config().Tags)) {
			continue
		}
		d := serverDetail{State: info.State.String()}
		if info.LastError != nil {
			d.Error = logs.Redact(info.LastError.Error())
		}
		if info.AuthorizationURL != "" {
			d.AuthorizationURL = logs.HostOnly(info.AuthorizationURL)
		}
		details[name] = d
	}
	return details
}

func (a availability) details() map[string]int {
	return map[string]int{
		"total":     a.Total,
		"available": a.Available,
		"loading":   a.Loading,
		"failed":    a.Total - a.Available - a.Loading,
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRPCError(w http.ResponseWriter, status int, rpcErr *jsonrpc.Error) {
	writeJSON(w, status, jsonrpc.NewErrorResponse(jsonrpc.ID{}, rpcErr))
}

// handleMCPPost is the streamable-HTTP request path. The first POST carries
// no session header and must be an initialize request; the response returns
// the assigned id in the Mcp-Session-Id header.
func (s *HTTPServer) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	msg, decodeErr := jsonrpc.Decode(body)

	var sess *session.Session
	if id := r.Header.Get(sessionHeader); id != "" {
		existing, found := s.sessions.Get(id)
		if !found {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		sess = existing
	} else {
		if decodeErr != nil {
			writeRPCError(w, http.StatusBadRequest,
				jsonrpc.NewError(jsonrpc.CodeParseError, decodeErr.Error()))
			return
		}
		if msg.Request == nil || msg.Request.Method != "initialize" {
			writeRPCError(w, http.StatusBadRequest,
				jsonrpc.NewError(jsonrpc.CodeInvalidParams, "missing Mcp-Session-Id header"))
			return
		}
		created, rpcErr := s.sessionFromRequest(r, session.TransportHTTP)
		if rpcErr != nil {
			writeRPCError(w, http.StatusBadRequest, rpcErr)
			return
		}
		sess = created
	}
	w.Header().Set(sessionHeader, sess.ID)

	if decodeErr == nil && !s.applyGate(w, sess, msg) {
		return
	}

	response := s.router.Handle(r.Context(), sess, body)
	if response == nil {
		// Notification or client response: acknowledged, no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleMCPStream opens the standalone SSE stream of the streamable
// transport, carrying server-initiated messages for an existing session.
func (s *HTTPServer) handleMCPStream(w http.ResponseWriter, r *http.Request) {
	sess, found := s.sessions.Get(r.Header.Get(sessionHeader))
	if !found {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.serveEventStream(w, r, sess, false)
}

func (s *HTTPServer) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if err := s.sessions.Close(id); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSSE is the legacy transport: the GET creates the session, announces
// the messages endpoint, and the session lives as long as the stream.
func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, rpcErr := s.sessionFromRequest(r, session.TransportSSE)
	if rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, rpcErr)
		return
	}
	defer func() { _ = s.sessions.Close(sess.ID) }()
	s.serveEventStream(w, r, sess, true)
}

// handleMessages accepts legacy-SSE requests; responses travel back over the
// event stream, so the POST itself only acknowledges receipt.
func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess, found := s.sessions.Get(r.URL.Query().Get("sessionId"))
	if !found {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	msg, decodeErr := jsonrpc.Decode(body)
	if decodeErr == nil && !s.applyGate(w, sess, msg) {
		return
	}

	response := s.router.Handle(r.Context(), sess, body)
	if response != nil {
		if err := sess.Send(response); err != nil {
			s.logger.Warn("Failed to deliver response over event stream",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// sseSink serializes writes to one event stream.
type sseSink struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func (s *sseSink) send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// serveEventStream attaches the session's outbound channel to an SSE
// response and blocks until either side goes away.
func (s *HTTPServer) serveEventStream(w http.ResponseWriter, r *http.Request, sess *session.Session, legacy bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if !legacy {
		w.Header().Set(sessionHeader, sess.ID)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, f: flusher}
	if legacy {
		if err := sink.send("endpoint", []byte("/messages?sessionId="+sess.ID)); err != nil {
			return
		}
	}

	sess.AttachSink(func(data []byte) error { return sink.send("message", data) })
	defer sess.DetachSink()

	select {
	case <-r.Context().Done():
	case <-sess.Context().Done():
	}
}
