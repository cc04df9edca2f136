// Package bridge proxies tool calls to local MCP servers that speak
// line-delimited JSON-RPC 2.0 over stdio.
//
// A Registry starts one child process per enabled backend on first use,
// discovers its tools with tools/list and exposes each one under
// "<prefix><server>_<tool>". Calls to one backend are serialized; calls to
// different backends run independently. A backend whose process exits is
// dead for the rest of the registry's life.
//
// Every failure at the call boundary is a ToolResult with IsError set:
//
//	registry := bridge.NewRegistry(bridge.DocumentSource{Store: store}, logger, bridge.Options{
//		CallTimeout: 30 * time.Second,
//	})
//	defer registry.Close()
//
//	result := registry.Call(ctx, "mcp_mcplink_local_files_read", map[string]any{"path": "notes.txt"})
//	if result.IsError {
//		log.Println(result.Text())
//	}
//
// Conn is the transport underneath. It can be used on its own over any pair
// of pipes.
package bridge
