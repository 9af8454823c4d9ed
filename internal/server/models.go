package server

import (
	"encoding/json"

	"github.com/opsloop/opsloop/internal/run"
)

// HTTPError is the unified error body returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// CreateRunRequest submits a new goal for execution.
type CreateRunRequest struct {
	Goal           string         `json:"goal"`
	AgentProfileID string         `json:"agent_profile_id"`
	Context        map[string]any `json:"context,omitempty"`
	StreamTokens   bool           `json:"stream_tokens,omitempty"`
}

// ApproveRequest resolves a run suspended in awaiting_approval. When approved,
// ModifiedArguments (if present) replaces the held call's arguments.
type ApproveRequest struct {
	Approved          bool           `json:"approved"`
	ModifiedArguments map[string]any `json:"modified_arguments,omitempty"`
}

// RunListResponse pages through runs newest first.
type RunListResponse struct {
	Runs   []run.Run `json:"runs"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// EventResponse is a stored run event with its log position.
type EventResponse struct {
	ID        int64           `json:"id"`
	StepIndex int             `json:"step_index"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// ProfileResponse describes a configured agent profile without exposing its
// role prompt.
type ProfileResponse struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	AllowedToolServers    []string `json:"allowed_tool_servers"`
	ApprovalRequiredTools []string `json:"approval_required_tools"`
}
