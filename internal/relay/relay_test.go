package relay

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/jsonrpc"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/tagfilter"
)

func TestTagParams(t *testing.T) {
	out, err := tagParams(map[string]interface{}{"maxTokens": 100}, "llm-server")
	require.NoError(t, err)
	assert.Equal(t, float64(100), out["maxTokens"])

	meta := out["_meta"].(map[string]interface{})
	assert.Equal(t, "llm-server", meta["onemcp/server"])
}

func TestTagParams_PreservesExistingMeta(t *testing.T) {
	out, err := tagParams(map[string]interface{}{
		"_meta": map[string]interface{}{"trace": "abc"},
	}, "srv")
	require.NoError(t, err)
	meta := out["_meta"].(map[string]interface{})
	assert.Equal(t, "abc", meta["trace"])
	assert.Equal(t, "srv", meta["onemcp/server"])
}

func TestForward_NoAdmittingSession(t *testing.T) {
	sessions := session.NewManager(time.Hour, zap.NewNop())
	r := New(sessions, zap.NewNop())

	filter, err := tagfilter.Parse("db")
	require.NoError(t, err)
	sessions.Create(session.Options{Filter: filter, Source: "db"})

	bridge := &upstreamBridge{relay: r, upstream: "web-server", tags: []string{"web"}}
	_, err = bridge.CreateMessage(context.Background(), mcp.CreateMessageRequest{})
	assert.Error(t, err)
}

func TestForward_RoundTrip(t *testing.T) {
	sessions := session.NewManager(time.Hour, zap.NewNop())
	r := New(sessions, zap.NewNop())
	s := sessions.Create(session.Options{})

	s.AttachSink(func(data []byte) error {
		go func() {
			msg, err := jsonrpc.Decode(data)
			if err != nil || msg.Request == nil {
				return
			}
			resp, _ := jsonrpc.NewResult(msg.Request.ID, map[string]interface{}{
				"role":  "assistant",
				"model": "test-model",
				"content": map[string]interface{}{
					"type": "text",
					"text": "hello",
				},
			})
			s.HandleClientResponse(resp)
		}()
		return nil
	})

	bridge := &upstreamBridge{relay: r, upstream: "llm", tags: nil}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := bridge.CreateMessage(ctx, mcp.CreateMessageRequest{})
	require.NoError(t, err)
	assert.Equal(t, "test-model", result.Model)
}

func TestForward_ClientError(t *testing.T) {
	sessions := session.NewManager(time.Hour, zap.NewNop())
	r := New(sessions, zap.NewNop())
	s := sessions.Create(session.Options{})

	s.AttachSink(func(data []byte) error {
		go func() {
			msg, err := jsonrpc.Decode(data)
			if err != nil || msg.Request == nil {
				return
			}
			s.HandleClientResponse(jsonrpc.NewErrorResponse(msg.Request.ID,
				jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "sampling unsupported")))
		}()
		return nil
	})

	bridge := &upstreamBridge{relay: r, upstream: "llm"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := bridge.Elicit(ctx, mcp.ElicitationRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampling unsupported")
}

func TestListRoots_RoundTrip(t *testing.T) {
	sessions := session.NewManager(time.Hour, zap.NewNop())
	r := New(sessions, zap.NewNop())
	s := sessions.Create(session.Options{})

	s.AttachSink(func(data []byte) error {
		go func() {
			msg, err := jsonrpc.Decode(data)
			if err != nil || msg.Request == nil || msg.Request.Method != "roots/list" {
				return
			}
			resp, _ := jsonrpc.NewResult(msg.Request.ID, map[string]interface{}{
				"roots": []map[string]interface{}{
					{"uri": "file:///home/user/project", "name": "project"},
				},
			})
			s.HandleClientResponse(resp)
		}()
		return nil
	})

	bridge := &upstreamBridge{relay: r, upstream: "fs"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := bridge.ListRoots(ctx, mcp.ListRootsRequest{})
	require.NoError(t, err)
	require.Len(t, result.Roots, 1)
	assert.Equal(t, "file:///home/user/project", result.Roots[0].URI)
}

func TestClientOptions_Count(t *testing.T) {
	r := New(session.NewManager(time.Hour, zap.NewNop()), zap.NewNop())
	opts := r.ClientOptions(&config.UpstreamConfig{Name: "x", Tags: []string{"a"}})
	assert.Len(t, opts, 3)
}
