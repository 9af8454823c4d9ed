package run

import (
	"encoding/json"
	"time"
)

// Status enumerates the lifecycle states of a run.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:          {StatusRunning, StatusCancelled, StatusCompleted, StatusFailed},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Run is one execution of a goal. It is owned by the store; the planner
// mutates it only through store methods and never carries a private copy
// across a suspension point.
type Run struct {
	ID                  string           `json:"run_id"`
	Goal                string           `json:"goal"`
	AgentProfileID      string           `json:"agent_profile_id"`
	Status              Status           `json:"status"`
	CheckpointStepIndex int              `json:"checkpoint_step_index"`
	Answer              *string          `json:"answer,omitempty"`
	Error               *string          `json:"error,omitempty"`
	PendingApproval     *PendingToolCall `json:"pending_approval,omitempty"`
	Context             map[string]any   `json:"context,omitempty"`
	StreamTokens        bool             `json:"stream_tokens,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

// PendingToolCall is the tool call held for human approval while a run is
// awaiting_approval.
type PendingToolCall struct {
	ServerID  string         `json:"server_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	StepIndex int            `json:"step_index"`
}

// Event kinds recorded in the append-only run log.
const (
	EventLLMAction    = "llm_action"
	EventToolResult   = "tool_result"
	EventStatusChange = "status_change"
	EventToken        = "token"
	EventAnswer       = "answer"
)

// Event is one immutable entry in a run's step history. Entries are strictly
// ordered by StepIndex within a run and are never updated or deleted; the
// checkpoint cursor is what makes replay skip them.
type Event struct {
	RunID     string          `json:"run_id"`
	StepIndex int             `json:"step_index"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToolCallPayload is the payload of a tool_result event.
type ToolCallPayload struct {
	ServerID      string         `json:"server_id"`
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments"`
	ResultSummary string         `json:"result_summary"`
	IsError       bool           `json:"is_error"`
	Rejected      bool           `json:"rejected,omitempty"`
	Approved      bool           `json:"approved,omitempty"`
}

// LLMActionPayload is the payload of a llm_action event.
type LLMActionPayload struct {
	Kind        string `json:"kind"` // tool_call | finish | parse_error | timeout
	RawResponse string `json:"raw_response,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// AnswerPayload is the payload of an answer event: the final answer, plus
// the legacy agent that produced it when the run bypassed the planner loop.
type AnswerPayload struct {
	Answer  string `json:"answer"`
	AgentID string `json:"agent_id,omitempty"`
}

// StatusChangePayload is the payload of a status_change event.
type StatusChangePayload struct {
	Status          Status           `json:"status"`
	Error           string           `json:"error,omitempty"`
	PendingToolCall *PendingToolCall `json:"pending_tool_call,omitempty"`
}

// AgentProfile is startup configuration controlling a run's prompt, allowed
// tool servers, and approval policy. Profiles are read-only for the lifetime
// of the process.
type AgentProfile struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	RolePrompt            string   `json:"role_prompt"`
	AllowedToolServerIDs  []string `json:"allowed_tool_servers"`
	ApprovalRequiredTools []string `json:"approval_required_tools"`
	ModelOverride         string   `json:"model_override,omitempty"`
	Enabled               bool     `json:"enabled"`
}

// AllowsServer reports whether the profile may use tools from the given
// server. A "*" entry allows every connected server.
func (p AgentProfile) AllowsServer(serverID string) bool {
	for _, id := range p.AllowedToolServerIDs {
		if id == "*" || id == serverID {
			return true
		}
	}
	return false
}

// RequiresApproval is the HITL gate: it reports whether the named tool must
// pass human approval before execution. Pure; its only state is the profile.
func (p AgentProfile) RequiresApproval(toolName string) bool {
	for _, t := range p.ApprovalRequiredTools {
		if t == toolName {
			return true
		}
	}
	return false
}
