package mcp

import (
	"context"
	"encoding/json"
)

// Tool is one callable tool exposed by a server, as reported by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Result is the normalized outcome of a tools/call. A tool-reported failure
// (IsError) is an ordinary result the LLM can react to, not a transport error.
type Result struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

// Adapter speaks the wire protocol to one external tool server. Both
// transports implement it; nothing above this boundary branches on
// transport kind.
type Adapter interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (Result, error)
	Close() error
}

// content blocks as carried in MCP tools/call results
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// resultFromRPC flattens an MCP call result (content blocks + isError) into
// a Result.
func resultFromRPC(raw map[string]any) Result {
	var res Result
	if v, ok := raw["isError"].(bool); ok {
		res.IsError = v
	}
	blocks, ok := raw["content"].([]any)
	if !ok {
		if b, err := json.Marshal(raw); err == nil {
			res.Text = string(b)
		}
		return res
	}
	for _, v := range blocks {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		var c contentBlock
		if err := json.Unmarshal(b, &c); err != nil {
			continue
		}
		if c.Type == "text" {
			res.Text += c.Text
		}
	}
	return res
}
