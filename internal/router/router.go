// Package router is the legacy single-shot path: when a run's profile allows
// no tool servers, the goal is routed to one in-process agent which answers
// in a single call. There is no loop, no retry, and no checkpointing here.
package router

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/opsloop/opsloop/internal/llm"
)

// Result is the outcome of one routed task.
type Result struct {
	AgentID string         `json:"agent_id"`
	Output  string         `json:"output"`
	Details map[string]any `json:"details,omitempty"`
}

// Agent is a legacy domain agent. Execute is single-call: an error is
// terminal for the run.
type Agent interface {
	ID() string
	Description() string
	Keywords() []string
	Execute(ctx context.Context, task string, runContext map[string]any) (Result, error)
}

// Router picks the agent whose keywords best match the task. With no keyword
// hits it optionally asks the routing model to pick, then falls back to the
// general agent.
type Router struct {
	agents   []Agent
	fallback Agent
	picker   llm.Provider
	logger   *log.Logger
}

// New builds a router over the given agents. fallback answers tasks no agent
// claims; picker may be nil, disabling model-assisted routing.
func New(agents []Agent, fallback Agent, picker llm.Provider, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.New(log.Writer(), "[ROUTER] ", log.LstdFlags)
	}
	return &Router{agents: agents, fallback: fallback, picker: picker, logger: logger}
}

// Execute routes the task and runs the chosen agent once.
func (r *Router) Execute(ctx context.Context, task string, runContext map[string]any) (Result, error) {
	agent := r.pick(ctx, task)
	r.logger.Printf("task routed to agent %s", agent.ID())
	res, err := agent.Execute(ctx, task, runContext)
	if err != nil {
		return Result{}, fmt.Errorf("agent %s: %w", agent.ID(), err)
	}
	if res.AgentID == "" {
		res.AgentID = agent.ID()
	}
	return res, nil
}

func (r *Router) pick(ctx context.Context, task string) Agent {
	taskLower := strings.ToLower(task)
	var best Agent
	bestScore := 0
	for _, a := range r.agents {
		score := 0
		for _, kw := range a.Keywords() {
			if strings.Contains(taskLower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	if best != nil {
		return best
	}
	if r.picker != nil {
		if a := r.pickWithModel(ctx, task); a != nil {
			return a
		}
	}
	return r.fallback
}

// pickWithModel asks the routing model to name an agent. Any failure or an
// unknown answer falls through to the general agent.
func (r *Router) pickWithModel(ctx context.Context, task string) Agent {
	var lines []string
	for _, a := range r.agents {
		lines = append(lines, fmt.Sprintf("- %s: %s", a.ID(), a.Description()))
	}
	req := llm.Request{
		System: "You route operations tasks to the single best-suited agent. " +
			"Reply with exactly one agent id from the list, nothing else.",
		Prompt: fmt.Sprintf("Agents:\n%s\n\nTask: %s\n\nAgent id:", strings.Join(lines, "\n"), task),
	}
	c, err := r.picker.Complete(ctx, req)
	if err != nil {
		r.logger.Printf("routing model failed, using fallback agent: %v", err)
		return nil
	}
	answer := strings.TrimSpace(strings.ToLower(c.Text))
	for _, a := range r.agents {
		if strings.Contains(answer, a.ID()) {
			return a
		}
	}
	return nil
}
