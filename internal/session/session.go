// Package session tracks inbound client sessions across the stdio,
// streamable HTTP, and legacy SSE transports. A session owns the caller's
// tag filter, its resource subscriptions, and the server-to-client channel
// used for notifications and reverse-direction requests.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/onemcp/onemcp/internal/jsonrpc"
	"github.com/onemcp/onemcp/internal/tagfilter"
)

// Transport identifies which inbound surface a session arrived on.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// maxPendingMessages bounds the queue held for a session whose event stream
// is not attached. Oldest messages are dropped first.
const maxPendingMessages = 256

// SinkFunc delivers one server-to-client JSON-RPC message.
type SinkFunc func(data []byte) error

// Session is one inbound client connection.
type Session struct {
	ID        string
	Transport Transport
	CreatedAt time.Time

	// Filter admits upstreams by their tags; FilterSource is the raw
	// expression for logging and health output.
	Filter       tagfilter.Expr
	FilterSource string
	Preset       string
	Pagination   bool

	ctx    context.Context
	cancel context.CancelFunc

	lastTouched atomic.Int64

	mu            sync.Mutex
	sink          SinkFunc
	pending       [][]byte
	subscriptions map[string]bool
	initialized   bool
	clientName    string
	clientVersion string

	// pendingRequests maps reverse-direction request ids to their response
	// channels.
	pendingRequests map[string]chan *jsonrpc.Response
}

func newSession(id string, transport Transport, filter tagfilter.Expr, source string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:              id,
		Transport:       transport,
		CreatedAt:       time.Now(),
		Filter:          filter,
		FilterSource:    source,
		ctx:             ctx,
		cancel:          cancel,
		subscriptions:   make(map[string]bool),
		pendingRequests: make(map[string]chan *jsonrpc.Response),
	}
	s.Touch()
	return s
}

// Context is cancelled when the session closes; in-flight fan-outs hang off
// it.
func (s *Session) Context() context.Context { return s.ctx }

// Touch records activity for TTL expiry and reverse-direction binding.
func (s *Session) Touch() {
	s.lastTouched.Store(time.Now().UnixNano())
}

// LastTouched returns the time of the most recent activity.
func (s *Session) LastTouched() time.Time {
	return time.Unix(0, s.lastTouched.Load())
}

// Admits reports whether the session's filter admits an upstream with the
// given tags.
func (s *Session) Admits(tags []string) bool {
	return s.Filter.Matches(tagfilter.TagSet(tags))
}

// MarkInitialized records the client handshake.
func (s *Session) MarkInitialized(name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.clientName = name
	s.clientVersion = version
}

// Initialized reports whether the MCP handshake completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// ClientInfo returns the name and version the client sent at initialize.
func (s *Session) ClientInfo() (name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientName, s.clientVersion
}

// AttachSink connects the server-to-client channel and flushes any queued
// messages through it.
func (s *Session) AttachSink(sink SinkFunc) {
	s.mu.Lock()
	s.sink = sink
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, data := range queued {
		if sink(data) != nil {
			return
		}
	}
}

// DetachSink removes the server-to-client channel; subsequent sends queue.
func (s *Session) DetachSink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}

// Send delivers a server-to-client message, queueing it when no stream is
// attached.
func (s *Session) Send(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	s.mu.Lock()
	sink := s.sink
	if sink == nil {
		if len(s.pending) >= maxPendingMessages {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return sink(data)
}

// Subscribe records a resource subscription by namespaced URI.
func (s *Session) Subscribe(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[uri] = true
}

// Unsubscribe removes a resource subscription.
func (s *Session) Unsubscribe(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, uri)
}

// SubscribedTo reports whether the session subscribed to the namespaced URI.
func (s *Session) SubscribedTo(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[uri]
}

// Request sends a reverse-direction request to the client and waits for its
// response. Used for sampling, elicitation, and roots listing initiated by
// upstreams.
func (s *Session) Request(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	ch := make(chan *jsonrpc.Response, 1)

	// Register under the wire form of the id so HandleClientResponse's
	// response.ID.String() lookup matches.
	key := jsonrpc.NewID(id).String()
	s.mu.Lock()
	s.pendingRequests[key] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingRequests, key)
		s.mu.Unlock()
	}()

	request, err := jsonrpc.NewRequest(jsonrpc.NewID(id), method, params)
	if err != nil {
		return nil, err
	}
	if err := s.Send(request); err != nil {
		return nil, fmt.Errorf("failed to deliver request to client: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, fmt.Errorf("session closed")
	case response := <-ch:
		return response, nil
	}
}

// HandleClientResponse routes a response from the client to the waiting
// reverse-direction request. Returns false when no request matches the id.
func (s *Session) HandleClientResponse(response *jsonrpc.Response) bool {
	id := response.ID.String()
	s.mu.Lock()
	ch, ok := s.pendingRequests[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- response:
	default:
	}
	return true
}

// Close cancels the session context, aborting in-flight fan-outs and
// pending reverse-direction requests.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	s.sink = nil
	s.pending = nil
	s.mu.Unlock()
}
