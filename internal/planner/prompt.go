package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opsloop/opsloop/internal/llm"
	"github.com/opsloop/opsloop/internal/run"
	"github.com/opsloop/opsloop/internal/store"
)

const defaultRolePrompt = "You are an operations assistant that achieves the user's goal by calling tools."

const actionFormatInstruction = "Respond with exactly one JSON object, no other text. Choose one:\n" +
	`1. To call a tool: {"action": "tool_call", "server_id": "<id>", "tool_name": "<name>", "arguments": {...}}` + "\n" +
	`2. To finish: {"action": "finish", "answer": "<final answer to the user>"}`

const nativeFinishInstruction = "Use the provided functions to act. When the goal is achieved, " +
	`reply with exactly one JSON object: {"action": "finish", "answer": "<final answer to the user>"}`

// buildPrompt assembles the per-step system and user prompts. In text mode
// the tool catalog and the JSON action format are embedded; in native mode
// the provider receives the specs directly and only the finish convention is
// spelled out.
func buildPrompt(rolePrompt, goal string, translator *llm.Translator, conversation []string, budget int, nativeTools bool) (system, user string) {
	if rolePrompt == "" {
		rolePrompt = defaultRolePrompt
	}

	var sys strings.Builder
	sys.WriteString(rolePrompt)
	sys.WriteString("\n\n")
	if nativeTools {
		sys.WriteString(nativeFinishInstruction)
	} else {
		sys.WriteString("Available MCP tools (server_id, tool_name, description):\n")
		sys.WriteString(translator.ToolsText())
		sys.WriteString("\n\n")
		sys.WriteString(actionFormatInstruction)
	}
	sys.WriteString("\n\n")
	sys.WriteString(structuralInstruction)

	var usr strings.Builder
	usr.WriteString(userGoalStart + "\n")
	usr.WriteString(goal)
	usr.WriteString("\n" + userGoalEnd + "\n\n")
	if lines := truncateConversation(conversation, budget); len(lines) > 0 {
		usr.WriteString("Previous steps and results:\n")
		usr.WriteString(strings.Join(lines, "\n"))
		usr.WriteString("\n\n")
	}
	usr.WriteString("What is the next action? Reply with one JSON object only.")
	return sys.String(), usr.String()
}

// truncateConversation enforces the context budget by dropping whole oldest
// steps, never by silently slicing lines. A marker records that truncation
// happened.
func truncateConversation(lines []string, budget int) []string {
	if budget <= 0 || len(lines) == 0 {
		return lines
	}
	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	dropped := 0
	for total > budget && len(lines) > 1 {
		total -= len(lines[0]) + 1
		lines = lines[1:]
		dropped++
	}
	if dropped > 0 {
		out := make([]string, 0, len(lines)+1)
		out = append(out, fmt.Sprintf("(%d earlier steps omitted to fit the context budget)", dropped))
		out = append(out, lines...)
		return out
	}
	return lines
}

// conversationFromEvents renders a run's persisted history as prompt lines.
// Events below the checkpoint are replayed here as context only, never as
// actions. Tool output passes through the injection filter when enabled.
func conversationFromEvents(events []store.StoredEvent, filterEnabled bool) []string {
	var lines []string
	for _, ev := range events {
		switch ev.Kind {
		case run.EventToolResult:
			var p run.ToolCallPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			if p.Rejected {
				lines = append(lines, fmt.Sprintf(
					"Step %d: the call to %s.%s was REJECTED by a human reviewer; do not retry it, choose a different approach or finish.",
					ev.StepIndex, p.ServerID, p.ToolName))
				continue
			}
			status := "ok"
			if p.IsError {
				status = "error"
			}
			args, _ := json.Marshal(p.Arguments)
			summary := applyFilter(p.ResultSummary, filterEnabled)
			lines = append(lines, fmt.Sprintf("Step %d: called %s.%s with %s -> [%s] %s",
				ev.StepIndex, p.ServerID, p.ToolName, args, status, summary))
		case run.EventLLMAction:
			var p run.LLMActionPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			switch p.Kind {
			case "timeout":
				lines = append(lines, fmt.Sprintf("Step %d: the model call timed out and was retried.", ev.StepIndex))
			case "parse_error":
				lines = append(lines, fmt.Sprintf(
					"Step %d: the previous reply could not be parsed. Reply with exactly one JSON action object.", ev.StepIndex))
			}
		}
	}
	return lines
}
