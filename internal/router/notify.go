package router

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/aggregator"
	"github.com/onemcp/onemcp/internal/jsonrpc"
	"github.com/onemcp/onemcp/internal/session"
)

// handleClientNotification processes notifications sent by an inbound
// client. Every recognized method fans out to the session's admitted
// upstreams; cancellation additionally aborts the matching in-flight
// request locally.
func (r *Router) handleClientNotification(ctx context.Context, sess *session.Session, n *jsonrpc.Notification) {
	sess.Touch()

	switch n.Method {
	case "notifications/cancelled":
		var p struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason"`
		}
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return
		}
		requestID := string(bytes.TrimSpace(p.RequestID))
		if r.CancelRequest(sess.ID, requestID) {
			r.logger.Debug("Cancelled in-flight request",
				zap.String("session_id", sess.ID),
				zap.String("request_id", requestID),
				zap.String("reason", p.Reason))
		}
		r.forwardToUpstreams(sess, n)

	case "notifications/initialized",
		"notifications/roots/list_changed",
		"notifications/progress":
		r.forwardToUpstreams(sess, n)

	default:
		r.logger.Debug("Dropping unrecognized client notification",
			zap.String("session_id", sess.ID),
			zap.String("method", n.Method))
	}
}

// forwardToUpstreams relays a client notification to every admitted Ready
// upstream, best effort, with params.client naming the originating
// session.
func (r *Router) forwardToUpstreams(sess *session.Session, n *jsonrpc.Notification) {
	params, ok := clientNotificationParams(sess, n.Params)
	if !ok {
		return
	}
	r.observer.ObserveNotification("client_to_upstream")
	clients := r.admitted(sess)
	go func() {
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, c := range clients {
			if err := c.SendNotification(fctx, n.Method, params); err != nil {
				r.logger.Debug("Failed to forward client notification",
					zap.String("upstream", c.Name()),
					zap.String("method", n.Method),
					zap.Error(err))
			}
		}
	}()
}

// clientNotificationParams augments a client notification's params with the
// originating session id under the "client" key.
func clientNotificationParams(sess *session.Session, raw json.RawMessage) (map[string]interface{}, bool) {
	params := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, false
		}
	}
	params["client"] = sess.ID
	return params, true
}

// HandleUpstreamNotification processes a notification pushed by an upstream:
// list_changed feeds the aggregator, resource updates go to subscribed
// sessions, everything else is forwarded to admitting sessions tagged with
// the originating server.
func (r *Router) HandleUpstreamNotification(ctx context.Context, upstreamName string, n mcp.JSONRPCNotification) {
	switch n.Method {
	case "notifications/tools/list_changed",
		"notifications/prompts/list_changed",
		"notifications/resources/list_changed":
		r.aggregator.HandleUpstreamNotification(ctx, upstreamName, n)

	case "notifications/resources/updated":
		r.forwardResourceUpdated(upstreamName, n)

	case "notifications/progress", "notifications/message", "notifications/cancelled":
		r.forwardToAdmitting(upstreamName, n)

	default:
		r.logger.Debug("Dropping unrecognized upstream notification",
			zap.String("upstream", upstreamName),
			zap.String("method", n.Method))
	}
}

// forwardResourceUpdated renames the URI into the aggregated namespace and
// delivers only to sessions holding a matching subscription.
func (r *Router) forwardResourceUpdated(upstreamName string, n mcp.JSONRPCNotification) {
	params := notificationParams(n)
	uri, _ := params["uri"].(string)
	if uri == "" {
		return
	}
	namespaced := aggregator.JoinURI(upstreamName, uri)
	params["uri"] = namespaced
	params["server"] = upstreamName

	out, err := jsonrpc.NewNotification(n.Method, params)
	if err != nil {
		return
	}
	r.sessions.ForEach(func(s *session.Session) {
		if s.SubscribedTo(namespaced) {
			if err := s.Send(out); err != nil {
				r.logger.Debug("Failed to deliver resource update",
					zap.String("session_id", s.ID), zap.Error(err))
			}
		}
	})
}

// forwardToAdmitting passes a notification through to every session whose
// filter admits the upstream, with the originating server recorded in the
// params.
func (r *Router) forwardToAdmitting(upstreamName string, n mcp.JSONRPCNotification) {
	c, ok := r.manager.Client(upstreamName)
	if !ok {
		return
	}
	tags := c.Config().Tags

	params := notificationParams(n)
	params["server"] = upstreamName
	out, err := jsonrpc.NewNotification(n.Method, params)
	if err != nil {
		return
	}

	r.sessions.ForEach(func(s *session.Session) {
		if s.Admits(tags) {
			if err := s.Send(out); err != nil {
				r.logger.Debug("Failed to forward upstream notification",
					zap.String("session_id", s.ID), zap.Error(err))
			}
		}
	})
}

// NotifyListChanged pushes an aggregated list_changed notification to every
// session whose filter admits the changed upstream. Wired as the
// aggregator's sink.
func (r *Router) NotifyListChanged(kind aggregator.ChangeKind, upstreamName string) {
	c, ok := r.manager.Client(upstreamName)
	var tags []string
	if ok {
		tags = c.Config().Tags
	}

	out, err := jsonrpc.NewNotification(kind.NotificationMethod(), nil)
	if err != nil {
		return
	}
	delivered := 0
	r.sessions.ForEach(func(s *session.Session) {
		// Removed upstreams have no tags left; every session hears about
		// a disappearing capability set.
		if !ok || s.Admits(tags) {
			if s.Send(out) == nil {
				delivered++
			}
		}
	})
	r.logger.Debug("Propagated list_changed",
		zap.String("kind", string(kind)),
		zap.String("upstream", upstreamName),
		zap.Int("sessions", delivered))
}

// notificationParams flattens an mcp-go notification's params into a map.
func notificationParams(n mcp.JSONRPCNotification) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range n.Params.AdditionalFields {
		out[k] = v
	}
	if len(n.Params.Meta) > 0 {
		out["_meta"] = n.Params.Meta
	}
	return out
}
