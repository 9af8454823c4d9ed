package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/opsloop/opsloop/internal/mcp"
	"github.com/opsloop/opsloop/internal/run"
)

const maxToolNameLen = 64

var unsafeToolNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// EncodeToolName folds a server id and tool name into a single identifier
// acceptable to LLM providers: alphanumerics and underscores, starting with a
// letter, at most 64 characters.
func EncodeToolName(serverID, toolName string) string {
	combined := serverID + "__" + toolName
	safe := unsafeToolNameChars.ReplaceAllString(combined, "_")
	if safe != "" && !isLetter(safe[0]) {
		safe = "t_" + safe
	}
	if len(safe) > maxToolNameLen {
		safe = safe[:maxToolNameLen]
	}
	return safe
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Translator maps between the MCP catalog and the flat tool namespace a
// provider sees. Decoding goes through the table built at construction, never
// through string splitting, so sanitized names round-trip exactly.
type Translator struct {
	specs     []ToolSpec
	byEncoded map[string]mcp.CatalogTool
}

// NewTranslator builds the encode/decode table for one catalog snapshot.
func NewTranslator(catalog []mcp.CatalogTool) *Translator {
	t := &Translator{byEncoded: make(map[string]mcp.CatalogTool, len(catalog))}
	for _, ct := range catalog {
		encoded := EncodeToolName(ct.ServerID, ct.Name)
		if _, taken := t.byEncoded[encoded]; taken {
			continue
		}
		t.byEncoded[encoded] = ct
		desc := ct.Description
		if len(desc) > 512 {
			cut := 512
			for cut > 0 && !utf8.RuneStart(desc[cut]) {
				cut--
			}
			desc = desc[:cut]
		}
		params := ct.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		t.specs = append(t.specs, ToolSpec{Name: encoded, Description: desc, Parameters: params})
	}
	return t
}

// Specs returns the provider-ready tool specs.
func (t *Translator) Specs() []ToolSpec { return t.specs }

// ToolsText renders the catalog as prompt text for providers without native
// tool support.
func (t *Translator) ToolsText() string {
	if len(t.specs) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, spec := range t.specs {
		ct := t.byEncoded[spec.Name]
		fmt.Fprintf(&b, "- server_id=%s tool_name=%s: %s\n", ct.ServerID, ct.Name, spec.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// resolve maps a text-mode server/tool pair back through the catalog.
func (t *Translator) resolve(serverID, toolName string) (mcp.CatalogTool, bool) {
	ct, ok := t.byEncoded[EncodeToolName(serverID, toolName)]
	if !ok {
		return mcp.CatalogTool{}, false
	}
	return ct, true
}

// DecodeCompletion interprets a model completion as the next planner action.
// Native tool calls win over text; text must contain one JSON action object.
// Anything else is ErrParse, which the planner retries once.
func (t *Translator) DecodeCompletion(c Completion) (run.Action, error) {
	if len(c.ToolCalls) > 0 {
		tc := c.ToolCalls[0]
		ct, ok := t.byEncoded[tc.Name]
		if !ok {
			return nil, run.ErrParse{Raw: tc.Name}
		}
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		return run.ToolCallAction{ServerID: ct.ServerID, ToolName: ct.Name, Arguments: args}, nil
	}
	return t.decodeText(c.Text)
}

type textAction struct {
	Action    string         `json:"action"`
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Answer    string         `json:"answer"`
}

func (t *Translator) decodeText(text string) (run.Action, error) {
	raw := strings.TrimSpace(text)
	if obj := firstJSONObject(raw); obj != "" {
		var parsed textAction
		if err := json.Unmarshal([]byte(obj), &parsed); err == nil {
			switch parsed.Action {
			case "tool_call":
				if parsed.ServerID != "" && parsed.ToolName != "" {
					args := parsed.Arguments
					if args == nil {
						args = map[string]any{}
					}
					if ct, ok := t.resolve(parsed.ServerID, parsed.ToolName); ok {
						return run.ToolCallAction{ServerID: ct.ServerID, ToolName: ct.Name, Arguments: args}, nil
					}
					return run.ToolCallAction{ServerID: parsed.ServerID, ToolName: parsed.ToolName, Arguments: args}, nil
				}
			case "finish":
				return run.FinishAction{Answer: parsed.Answer}, nil
			}
		}
	}
	// Lenient fallback for models that announce completion in prose.
	if idx := strings.Index(strings.ToUpper(raw), "FINISH"); idx >= 0 {
		rest := strings.TrimSpace(raw[idx+len("FINISH"):])
		rest = strings.TrimLeft(rest, ":- ")
		if rest == "" {
			rest = raw
		}
		return run.FinishAction{Answer: rest}, nil
	}
	return nil, run.ErrParse{Raw: raw}
}

// firstJSONObject extracts the first balanced top-level JSON object from s,
// tracking strings and escapes so braces in values do not break the scan.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
