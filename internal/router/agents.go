package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsloop/opsloop/internal/llm"
)

// llmAgent answers a task in one model call under a role-specific system
// prompt. The legacy agents differ only in role, keywords and prompt.
type llmAgent struct {
	id          string
	description string
	keywords    []string
	system      string
	provider    llm.Provider
}

func (a *llmAgent) ID() string          { return a.id }
func (a *llmAgent) Description() string { return a.description }
func (a *llmAgent) Keywords() []string  { return a.keywords }

func (a *llmAgent) Execute(ctx context.Context, task string, runContext map[string]any) (Result, error) {
	prompt := task
	if len(runContext) > 0 {
		if ctxJSON, err := json.Marshal(runContext); err == nil {
			prompt = fmt.Sprintf("%s\n\nAdditional context:\n%s", task, ctxJSON)
		}
	}
	c, err := a.provider.Complete(ctx, llm.Request{System: a.system, Prompt: prompt})
	if err != nil {
		return Result{}, err
	}
	return Result{AgentID: a.id, Output: c.Text}, nil
}

// NewNetworkDiagnosticsAgent analyzes connectivity and DNS issues.
func NewNetworkDiagnosticsAgent(provider llm.Provider) Agent {
	return &llmAgent{
		id:          "network_diagnostics",
		description: "diagnoses connectivity, DNS, latency and routing problems",
		keywords:    []string{"ping", "connectivity", "reachable", "dns", "resolve", "latency", "network", "port", "firewall", "traceroute"},
		system: "You are a network diagnostics assistant. Analyze the described " +
			"connectivity problem and explain likely causes and concrete next checks. " +
			"You have no live tool access; reason from the description alone.",
		provider: provider,
	}
}

// NewLogAnalysisAgent interprets log excerpts and error patterns.
func NewLogAnalysisAgent(provider llm.Provider) Agent {
	return &llmAgent{
		id:          "log_analysis",
		description: "interprets log excerpts, stack traces and error patterns",
		keywords:    []string{"log", "logs", "error", "exception", "stack trace", "traceback", "grep", "crash"},
		system: "You are a log analysis assistant. Identify the salient errors and " +
			"patterns in the described logs and suggest root causes. " +
			"You have no live tool access; reason from the description alone.",
		provider: provider,
	}
}

// NewSystemMonitoringAgent reasons about resource usage and health signals.
func NewSystemMonitoringAgent(provider llm.Provider) Agent {
	return &llmAgent{
		id:          "system_monitoring",
		description: "reasons about cpu, memory, disk and service health signals",
		keywords:    []string{"cpu", "memory", "disk", "load", "monitor", "usage", "health", "uptime", "process"},
		system: "You are a system monitoring assistant. Interpret the described " +
			"resource and health signals and advise what to inspect next. " +
			"You have no live tool access; reason from the description alone.",
		provider: provider,
	}
}

// NewGeneralAgent answers anything the specialists do not claim.
func NewGeneralAgent(provider llm.Provider) Agent {
	return &llmAgent{
		id:          "general",
		description: "answers general operations questions",
		keywords:    nil,
		system:      "You are a helpful operations assistant. Answer the question directly and concisely.",
		provider:    provider,
	}
}

// DefaultAgents builds the standard legacy agent set for one provider.
func DefaultAgents(provider llm.Provider) ([]Agent, Agent) {
	agents := []Agent{
		NewNetworkDiagnosticsAgent(provider),
		NewLogAnalysisAgent(provider),
		NewSystemMonitoringAgent(provider),
	}
	return agents, NewGeneralAgent(provider)
}
