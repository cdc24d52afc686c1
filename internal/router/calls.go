package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/onemcp/onemcp/internal/aggregator"
	"github.com/onemcp/onemcp/internal/jsonrpc"
	"github.com/onemcp/onemcp/internal/logs"
	"github.com/onemcp/onemcp/internal/session"
)

// upstreamError maps a proxied call failure to a JSON-RPC error, with
// deadline expiry reported as cancellation and credentials scrubbed from
// the message.
func upstreamError(err error) *jsonrpc.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return jsonrpc.NewError(jsonrpc.CodeRequestCancelled, "request cancelled: "+err.Error())
	}
	return jsonrpc.NewError(jsonrpc.CodeInternalError, "upstream request failed: "+logs.Redact(err.Error()))
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (r *Router) handleToolCall(ctx context.Context, sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed tools/call params: "+err.Error())
	}

	upstreamName, toolName, err := aggregator.SplitName(p.Name)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown tool: "+p.Name)
	}
	c, ok := r.admittedByName(sess, upstreamName)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown tool: "+p.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Config().RequestTimeout(r.opts.RequestTimeout))
	defer cancel()

	result, err := c.CallTool(ctx, toolName, p.Arguments)
	r.manager.RecordCallResult(upstreamName, err == nil)
	if err != nil {
		return nil, upstreamError(err)
	}
	return result, nil
}

type promptGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (r *Router) handlePromptGet(ctx context.Context, sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	var p promptGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed prompts/get params: "+err.Error())
	}

	upstreamName, promptName, err := aggregator.SplitName(p.Name)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown prompt: "+p.Name)
	}
	c, ok := r.admittedByName(sess, upstreamName)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown prompt: "+p.Name)
	}

	result, err := c.GetPrompt(ctx, promptName, p.Arguments)
	r.manager.RecordCallResult(upstreamName, err == nil)
	if err != nil {
		return nil, upstreamError(err)
	}
	return result, nil
}

type resourceURIParams struct {
	URI string `json:"uri"`
}

func (r *Router) handleResourceRead(ctx context.Context, sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	var p resourceURIParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed resources/read params: "+err.Error())
	}

	upstreamName, uri, err := aggregator.SplitURI(p.URI)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown resource: "+p.URI)
	}
	c, ok := r.admittedByName(sess, upstreamName)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown resource: "+p.URI)
	}

	result, err := c.ReadResource(ctx, uri)
	r.manager.RecordCallResult(upstreamName, err == nil)
	if err != nil {
		return nil, upstreamError(err)
	}
	return namespaceContents(result, upstreamName), nil
}

// namespaceContents re-prefixes the URIs inside read results so follow-up
// reads and subscriptions route back through the proxy.
func namespaceContents(result *mcp.ReadResourceResult, upstreamName string) *mcp.ReadResourceResult {
	for i, contents := range result.Contents {
		switch c := contents.(type) {
		case mcp.TextResourceContents:
			c.URI = aggregator.JoinURI(upstreamName, c.URI)
			result.Contents[i] = c
		case mcp.BlobResourceContents:
			c.URI = aggregator.JoinURI(upstreamName, c.URI)
			result.Contents[i] = c
		}
	}
	return result
}

func (r *Router) handleSubscribe(ctx context.Context, sess *session.Session, params json.RawMessage, subscribe bool) (interface{}, *jsonrpc.Error) {
	var p resourceURIParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed subscription params: "+err.Error())
	}

	upstreamName, uri, err := aggregator.SplitURI(p.URI)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown resource: "+p.URI)
	}
	c, ok := r.admittedByName(sess, upstreamName)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown resource: "+p.URI)
	}

	if subscribe {
		err = c.Subscribe(ctx, uri)
	} else {
		err = c.Unsubscribe(ctx, uri)
	}
	r.manager.RecordCallResult(upstreamName, err == nil)
	if err != nil {
		return nil, upstreamError(err)
	}

	if subscribe {
		sess.Subscribe(p.URI)
	} else {
		sess.Unsubscribe(p.URI)
	}
	return map[string]interface{}{}, nil
}

type completeParams struct {
	Ref struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
		URI  string `json:"uri,omitempty"`
	} `json:"ref"`
	Argument struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"argument"`
}

func (r *Router) handleComplete(ctx context.Context, sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	var p completeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed completion params: "+err.Error())
	}

	var (
		upstreamName string
		ref          map[string]interface{}
	)
	switch p.Ref.Type {
	case "ref/prompt":
		name, prompt, err := aggregator.SplitName(p.Ref.Name)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown prompt: "+p.Ref.Name)
		}
		upstreamName = name
		ref = map[string]interface{}{"type": "ref/prompt", "name": prompt}
	case "ref/resource":
		name, uri, err := aggregator.SplitURI(p.Ref.URI)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown resource: "+p.Ref.URI)
		}
		upstreamName = name
		ref = map[string]interface{}{"type": "ref/resource", "uri": uri}
	default:
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown completion ref type: "+p.Ref.Type)
	}

	c, ok := r.admittedByName(sess, upstreamName)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "completion target unavailable")
	}

	req := mcp.CompleteRequest{}
	req.Params.Ref = ref
	req.Params.Argument.Name = p.Argument.Name
	req.Params.Argument.Value = p.Argument.Value

	result, err := c.Complete(ctx, req)
	r.manager.RecordCallResult(upstreamName, err == nil)
	if err != nil {
		return nil, upstreamError(err)
	}
	return result, nil
}
