package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// OperationReadme is the operation that returns a server's documentation.
const OperationReadme = "readme"

// Keys of the unified tool input.
const (
	inputOperation   = "operation"
	inputUnlockToken = "tool_unlock_token"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// Operation is one tool of a server as seen through the unified tool.
type Operation struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ServerInfo groups the tools of one backend behind a single unified tool.
type ServerInfo struct {
	// Name is the unified tool name: the server name with '-' replaced by '_'.
	Name string `json:"name"`

	// Server is the backend name.
	Server string `json:"server"`

	// Description is the backend's ai_description.
	Description string `json:"description"`

	Operations []Operation `json:"operations"`
}

// Tools returns every discovered tool as an MCP tool definition, sorted by
// exposed name.
func (r *Registry) Tools(ctx context.Context) []mcp.Tool {
	r.Init(ctx)

	tools := make([]mcp.Tool, 0, len(r.tools))
	for _, t := range r.sortedTools() {
		desc := t.Description
		if desc == "" {
			desc = t.AIDescription
		}
		schema := t.InputSchema
		if len(schema) == 0 || string(schema) == "null" {
			schema = emptyObjectSchema
		}
		tools = append(tools, mcp.NewToolWithRawSchema(t.ExposedName, desc, schema))
	}
	return tools
}

// Servers groups the discovered tools by backend, sorted by server name.
func (r *Registry) Servers(ctx context.Context) []ServerInfo {
	r.Init(ctx)

	byServer := make(map[string]*ServerInfo)
	for _, t := range r.sortedTools() {
		info, ok := byServer[t.Server]
		if !ok {
			info = &ServerInfo{
				Name:        unifiedName(t.Server),
				Server:      t.Server,
				Description: t.AIDescription,
			}
			byServer[t.Server] = info
		}
		info.Operations = append(info.Operations, Operation{Name: t.Name, Description: t.Description})
	}

	servers := make([]ServerInfo, 0, len(byServer))
	for _, info := range byServer {
		servers = append(servers, *info)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Server < servers[j].Server })
	return servers
}

// Readme documents the operations of server, which may be given by backend
// name or unified name.
func (r *Registry) Readme(ctx context.Context, server string) (string, error) {
	info, tools, ok := r.lookupServer(ctx, server)
	if !ok {
		return "", fmt.Errorf("unknown server %q", server)
	}
	return readme(info, tools, r.opts.UnlockToken), nil
}

// HandleOperation dispatches a unified tool call: input["operation"] names
// the backend tool, or "readme" for the documentation. Every operation but
// readme needs the unlock token. The remaining keys are forwarded as the tool
// arguments.
func (r *Registry) HandleOperation(ctx context.Context, server string, input map[string]any) ToolResult {
	info, tools, ok := r.lookupServer(ctx, server)
	if !ok {
		return errorResult(fmt.Sprintf("Server %s is not available.", server))
	}

	op, _ := input[inputOperation].(string)
	if op == "" {
		return errorResult(`Missing required parameter: operation. Use {"operation":"readme"} to list the available operations.`)
	}
	if op == OperationReadme {
		return textResult(readme(info, tools, r.opts.UnlockToken))
	}

	var target *Tool
	for _, t := range tools {
		if t.Name == op {
			target = t
			break
		}
	}
	if target == nil {
		names := make([]string, 0, len(tools)+1)
		for _, t := range tools {
			names = append(names, t.Name)
		}
		names = append(names, OperationReadme)
		return errorResult(fmt.Sprintf("Unknown operation: %s. Available operations: %s", op, strings.Join(names, ", ")))
	}
	if !validUnlockToken(r.opts.UnlockToken, input) {
		return errorResult(`Invalid or missing tool_unlock_token. Use {"operation":"readme"} to obtain it.`)
	}

	args := make(map[string]any, len(input))
	for k, v := range input {
		if k == inputOperation || k == inputUnlockToken {
			continue
		}
		args[k] = v
	}
	return r.Call(ctx, target.ExposedName, args)
}

func (r *Registry) lookupServer(ctx context.Context, server string) (ServerInfo, []*Tool, bool) {
	for _, info := range r.Servers(ctx) {
		if info.Server != server && info.Name != server {
			continue
		}
		var tools []*Tool
		for _, t := range r.sortedTools() {
			if t.Server == info.Server {
				tools = append(tools, t)
			}
		}
		return info, tools, true
	}
	return ServerInfo{}, nil, false
}

func (r *Registry) sortedTools() []*Tool {
	tools := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ExposedName < tools[j].ExposedName })
	return tools
}

func unifiedName(server string) string {
	return strings.ReplaceAll(server, "-", "_")
}
