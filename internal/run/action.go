package run

// Action is the per-turn decision produced by the LLM. It is never persisted
// as its own entity; the planner folds it into an Event immediately.
type Action interface{ isAction() }

// ToolCallAction asks the planner to invoke one MCP tool.
type ToolCallAction struct {
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// FinishAction carries the final answer and terminates the run.
type FinishAction struct {
	Answer string `json:"answer"`
}

func (ToolCallAction) isAction() {}
func (FinishAction) isAction()   {}
