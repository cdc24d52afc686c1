package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/onemcp/onemcp/internal/aggregator"
	"github.com/onemcp/onemcp/internal/jsonrpc"
	"github.com/onemcp/onemcp/internal/logs"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/upstream"
)

// mergeConcurrency bounds the fan-out when merging capability lists.
const mergeConcurrency = 8

type listParams struct {
	Cursor string `json:"cursor"`
}

// fetchPage fetches one page of a capability list from one upstream, with
// items already namespaced.
type fetchPage[T any] func(ctx context.Context, c *upstream.Client, cursor string) ([]T, string, error)

// collectAll drains every page of one upstream's list.
func collectAll[T any](ctx context.Context, c *upstream.Client, fetch fetchPage[T]) ([]T, error) {
	var out []T
	cursor := ""
	for {
		items, next, err := fetch(ctx, c, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// mergeLists fans the full-list fetch out across the admitted upstreams.
// Failures do not abort the merge; they are reported per upstream so the
// client sees partial results with error metadata.
func mergeLists[T any](ctx context.Context, r *Router, clients []*upstream.Client, fetch fetchPage[T]) ([]T, map[string]string) {
	var (
		mu     sync.Mutex
		merged []T
		errs   = map[string]string{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mergeConcurrency)
	for _, c := range clients {
		g.Go(func() error {
			items, err := collectAll(gctx, c, fetch)
			r.manager.RecordCallResult(c.Name(), err == nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[c.Name()] = logs.Redact(err.Error())
				return nil
			}
			merged = append(merged, items...)
			return nil
		})
	}
	_ = g.Wait()
	return merged, errs
}

// paginatedList walks the admitted upstreams in name order, proxying each
// upstream's inner cursor and re-slicing oversized pages to the configured
// page limit.
func paginatedList[T any](ctx context.Context, r *Router, clients []*upstream.Client, rawCursor string, fetch fetchPage[T]) ([]T, string, *jsonrpc.Error) {
	if len(clients) == 0 {
		return nil, "", nil
	}

	byName := make(map[string]*upstream.Client, len(clients))
	names := make([]string, 0, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
		names = append(names, c.Name())
	}
	sort.Strings(names)

	cursor := pageCursor{Upstream: names[0]}
	if rawCursor != "" {
		decoded, err := decodeCursor(rawCursor)
		if err != nil {
			return nil, "", jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid cursor: "+err.Error())
		}
		cursor = decoded
	}

	// nextName returns the first admitted upstream strictly after name.
	nextName := func(name string) string {
		idx := sort.SearchStrings(names, name)
		if idx < len(names) && names[idx] == name {
			idx++
		}
		if idx >= len(names) {
			return ""
		}
		return names[idx]
	}

	for {
		c, ok := byName[cursor.Upstream]
		if !ok {
			// The upstream left the admitted set since the cursor was
			// issued; resume at the next name.
			next := nextName(cursor.Upstream)
			if next == "" {
				return nil, "", nil
			}
			cursor = pageCursor{Upstream: next}
			continue
		}

		items, innerNext, err := fetch(ctx, c, cursor.Inner)
		r.manager.RecordCallResult(c.Name(), err == nil)
		if err != nil {
			// Skip a misbehaving upstream rather than failing the walk.
			next := nextName(cursor.Upstream)
			if next == "" {
				return nil, "", nil
			}
			cursor = pageCursor{Upstream: next}
			continue
		}

		if cursor.Offset > len(items) {
			cursor.Offset = len(items)
		}
		page := items[cursor.Offset:]

		if len(page) > r.opts.PaginationLimit {
			nextCursor := pageCursor{
				Upstream: cursor.Upstream,
				Inner:    cursor.Inner,
				Offset:   cursor.Offset + r.opts.PaginationLimit,
			}
			return page[:r.opts.PaginationLimit], encodeCursor(nextCursor), nil
		}

		if len(page) > 0 {
			if innerNext != "" {
				return page, encodeCursor(pageCursor{Upstream: cursor.Upstream, Inner: innerNext}), nil
			}
			if next := nextName(cursor.Upstream); next != "" {
				return page, encodeCursor(pageCursor{Upstream: next}), nil
			}
			return page, "", nil
		}

		// Empty page: keep walking.
		if innerNext != "" {
			cursor = pageCursor{Upstream: cursor.Upstream, Inner: innerNext}
			continue
		}
		next := nextName(cursor.Upstream)
		if next == "" {
			return nil, "", nil
		}
		cursor = pageCursor{Upstream: next}
	}
}

func parseListParams(params json.RawMessage) (listParams, *jsonrpc.Error) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return p, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed list params: "+err.Error())
		}
	}
	return p, nil
}

// listResult assembles the wire shape shared by every list handler.
func listResult(key string, items interface{}, nextCursor string, errs map[string]string) map[string]interface{} {
	result := map[string]interface{}{key: items}
	if nextCursor != "" {
		result["nextCursor"] = nextCursor
	}
	if len(errs) > 0 {
		result["_meta"] = map[string]interface{}{metaErrorsKey: errs}
	}
	return result
}

func fetchTools(ctx context.Context, c *upstream.Client, cursor string) ([]mcp.Tool, string, error) {
	page, err := c.ListTools(ctx, cursor)
	if err != nil {
		return nil, "", err
	}
	tools := make([]mcp.Tool, len(page.Tools))
	for i, tool := range page.Tools {
		tool.Name = aggregator.JoinName(c.Name(), tool.Name)
		tools[i] = tool
	}
	return tools, string(page.NextCursor), nil
}

func fetchPrompts(ctx context.Context, c *upstream.Client, cursor string) ([]mcp.Prompt, string, error) {
	page, err := c.ListPrompts(ctx, cursor)
	if err != nil {
		return nil, "", err
	}
	prompts := make([]mcp.Prompt, len(page.Prompts))
	for i, prompt := range page.Prompts {
		prompt.Name = aggregator.JoinName(c.Name(), prompt.Name)
		prompts[i] = prompt
	}
	return prompts, string(page.NextCursor), nil
}

func fetchResources(ctx context.Context, c *upstream.Client, cursor string) ([]mcp.Resource, string, error) {
	page, err := c.ListResources(ctx, cursor)
	if err != nil {
		return nil, "", err
	}
	resources := make([]mcp.Resource, len(page.Resources))
	for i, resource := range page.Resources {
		resource.URI = aggregator.JoinURI(c.Name(), resource.URI)
		resources[i] = resource
	}
	return resources, string(page.NextCursor), nil
}

// resourceTemplate is the proxy's wire shape for templates; the upstream's
// uriTemplate string is prefixed like a resource URI.
type resourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

func fetchTemplates(ctx context.Context, c *upstream.Client, cursor string) ([]resourceTemplate, string, error) {
	page, err := c.ListResourceTemplates(ctx, cursor)
	if err != nil {
		return nil, "", err
	}
	templates := make([]resourceTemplate, len(page.ResourceTemplates))
	for i, tpl := range page.ResourceTemplates {
		raw := ""
		if tpl.URITemplate != nil {
			raw = tpl.URITemplate.Raw()
		}
		templates[i] = resourceTemplate{
			URITemplate: aggregator.JoinURI(c.Name(), raw),
			Name:        aggregator.JoinName(c.Name(), tpl.Name),
			Description: tpl.Description,
			MIMEType:    tpl.MIMEType,
		}
	}
	return templates, string(page.NextCursor), nil
}

func (r *Router) handleToolsList(ctx context.Context, sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	p, rpcErr := parseListParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	clients := r.admitted(sess)

	if r.paginationEnabled(sess) {
		items, next, rpcErr := paginatedList(ctx, r, clients, p.Cursor, fetchTools)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return listResult("tools", nonNil(items), next, nil), nil
	}

	merged, errs := mergeLists(ctx, r, clients, fetchTools)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return listResult("tools", nonNil(merged), "", errs), nil
}

func (r *Router) handlePromptsList(ctx context.Context, sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	p, rpcErr := parseListParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	clients := r.admitted(sess)

	if r.paginationEnabled(sess) {
		items, next, rpcErr := paginatedList(ctx, r, clients, p.Cursor, fetchPrompts)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return listResult("prompts", nonNil(items), next, nil), nil
	}

	merged, errs := mergeLists(ctx, r, clients, fetchPrompts)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return listResult("prompts", nonNil(merged), "", errs), nil
}

func (r *Router) handleResourcesList(ctx context.Context, sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	p, rpcErr := parseListParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	clients := r.admitted(sess)

	if r.paginationEnabled(sess) {
		items, next, rpcErr := paginatedList(ctx, r, clients, p.Cursor, fetchResources)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return listResult("resources", nonNil(items), next, nil), nil
	}

	merged, errs := mergeLists(ctx, r, clients, fetchResources)
	sort.Slice(merged, func(i, j int) bool { return merged[i].URI < merged[j].URI })
	return listResult("resources", nonNil(merged), "", errs), nil
}

func (r *Router) handleTemplatesList(ctx context.Context, sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	p, rpcErr := parseListParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	clients := r.admitted(sess)

	if r.paginationEnabled(sess) {
		items, next, rpcErr := paginatedList(ctx, r, clients, p.Cursor, fetchTemplates)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return listResult("resourceTemplates", nonNil(items), next, nil), nil
	}

	merged, errs := mergeLists(ctx, r, clients, fetchTemplates)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return listResult("resourceTemplates", nonNil(merged), "", errs), nil
}

// nonNil keeps empty lists as [] instead of null on the wire.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
