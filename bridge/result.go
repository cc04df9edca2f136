package bridge

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolResult is the outcome of a tool call in MCP content form. Failures of
// the bridge itself are results with IsError set, never Go errors.
type ToolResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError"`
}

// Text joins the text of every text content item.
func (r ToolResult) Text() string {
	var parts []string
	for _, item := range r.Content {
		var tc mcp.TextContent
		if err := json.Unmarshal(item, &tc); err != nil || tc.Type != "text" {
			continue
		}
		parts = append(parts, tc.Text)
	}
	return strings.Join(parts, "\n")
}

func textResult(text string) ToolResult {
	return ToolResult{Content: []json.RawMessage{textItem(text)}}
}

func errorResult(text string) ToolResult {
	r := textResult(text)
	r.IsError = true
	return r
}

func textItem(text string) json.RawMessage {
	b, err := json.Marshal(mcp.NewTextContent(text))
	if err != nil {
		// A struct of two strings always encodes
		panic(err)
	}
	return b
}

// normalizeResult converts the result member of a tools/call response.
// An object with a content array passes through unchanged, a bare string
// becomes one text item and anything else is rendered as indented JSON.
func normalizeResult(result json.RawMessage) ToolResult {
	trimmed := bytes.TrimSpace(result)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			if raw, ok := obj["content"]; ok {
				var content []json.RawMessage
				if err := json.Unmarshal(raw, &content); err == nil {
					var isError bool
					if flag, ok := obj["isError"]; ok {
						_ = json.Unmarshal(flag, &isError)
					}
					if content == nil {
						content = []json.RawMessage{}
					}
					return ToolResult{Content: content, IsError: isError}
				}
			}
		}
	}

	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return textResult(s)
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return textResult(string(trimmed))
	}
	return textResult(buf.String())
}
