package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type property struct {
	name   string
	schema struct {
		Type        any    `json:"type"`
		Description string `json:"description"`
	}
}

// readme renders the operation documentation of one server.
func readme(info ServerInfo, tools []*Tool, unlockToken string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n%s\n\n", info.Name, info.Description)

	sb.WriteString("## Available Operations\n\n")
	for _, op := range info.Operations {
		desc := op.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", op.Name, desc)
	}

	fmt.Fprintf(&sb, `
## Usage-Safety Token
Your tool_unlock_token for this installation is: %[1]s

You MUST include tool_unlock_token in the input dict for all operations except readme.

## Input Structure
All parameters are passed in a single 'input' dict:

1. For this documentation:
   {
     "input": {"operation": "readme"}
   }

2. For executing operations:
   {
     "input": {
       "operation": "operation_name",
       "tool_unlock_token": %[1]q,
       ... additional parameters specific to the operation ...
     }
   }

## Operation Schemas
`, unlockToken)

	for _, t := range tools {
		desc := t.Description
		if desc == "" {
			desc = "No description available"
		}
		fmt.Fprintf(&sb, "\n### %s\n%s\n\nExample usage:\n{\n  \"input\": {\n    \"operation\": %q,\n    \"tool_unlock_token\": %q", t.Name, desc, t.Name, unlockToken)
		if examples := parameterExamples(t.InputSchema); examples != "" {
			sb.WriteString(",\n")
			sb.WriteString(examples)
		} else {
			sb.WriteString("\n       // No additional parameters")
		}
		sb.WriteString("\n  }\n}\n")
	}
	return sb.String()
}

// parameterExamples lists one example line per property, in schema order.
func parameterExamples(inputSchema json.RawMessage) string {
	var schema struct {
		Properties json.RawMessage `json:"properties"`
		Required   []string        `json:"required"`
	}
	if len(inputSchema) == 0 || json.Unmarshal(inputSchema, &schema) != nil {
		return ""
	}
	props, err := orderedProperties(schema.Properties)
	if err != nil || len(props) == 0 {
		return ""
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	lines := make([]string, 0, len(props))
	for _, p := range props {
		line := fmt.Sprintf("       %q: %s", p.name, exampleValue(p.name, p.schema.Type))
		if required[p.name] {
			line += " // REQUIRED"
		}
		if p.schema.Description != "" {
			line += "  // " + p.schema.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, ",\n")
}

func exampleValue(name string, typ any) string {
	// A type list such as ["string","null"] is documented by its first entry
	if list, ok := typ.([]any); ok && len(list) > 0 {
		typ = list[0]
	}
	switch typ {
	case "number", "integer":
		return "123"
	case "boolean":
		return "true"
	case "array":
		return `["item1", "item2"]`
	case "object":
		return "{}"
	default:
		return fmt.Sprintf("%q", "example_"+name)
	}
}

// orderedProperties decodes a properties object keeping its key order.
func orderedProperties(raw json.RawMessage) ([]property, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("properties is not an object")
	}

	var props []property
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, errors.New("unexpected property key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		p := property{name: name}
		_ = json.Unmarshal(value, &p.schema)
		props = append(props, p)
	}
	return props, nil
}
