// Package planner is the run execution core: a persisted state machine that
// drives the think-act loop, checkpoints every step, suspends for human
// approval, and falls back to the legacy router when a profile allows no
// tool servers.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsloop/opsloop/config"
	"github.com/opsloop/opsloop/internal/llm"
	"github.com/opsloop/opsloop/internal/mcp"
	"github.com/opsloop/opsloop/internal/router"
	"github.com/opsloop/opsloop/internal/run"
	"github.com/opsloop/opsloop/internal/store"
)

const maxResultSummaryLen = 4000

// Store is the persistence surface the planner consumes.
type Store interface {
	GetRun(ctx context.Context, id string) (run.Run, error)
	SetStatus(ctx context.Context, id string, to run.Status) error
	CompleteRun(ctx context.Context, id, answer string) error
	FailRun(ctx context.Context, id, errMsg string) error
	SetPendingApproval(ctx context.Context, id string, pending run.PendingToolCall) error
	ClearPendingApproval(ctx context.Context, id string) error
	AppendEvent(ctx context.Context, runID string, stepIndex int, kind string, payload any) (int64, error)
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]store.StoredEvent, error)
	AdvanceCheckpoint(ctx context.Context, runID string, stepIndex int) error
	ListRunIDsByStatus(ctx context.Context, statuses ...run.Status) ([]string, error)
}

// ToolCaller is the MCP manager surface the planner consumes.
type ToolCaller interface {
	CatalogFor(profile run.AgentProfile) []mcp.CatalogTool
	CallTool(ctx context.Context, serverID, toolName string, args map[string]any, timeout time.Duration) (mcp.Result, error)
}

// TaskRouter is the legacy single-shot path.
type TaskRouter interface {
	Execute(ctx context.Context, task string, runContext map[string]any) (router.Result, error)
}

// Publisher receives live event notifications. Best-effort; the store stays
// authoritative.
type Publisher interface {
	Publish(ev store.StoredEvent)
}

// Planner executes runs. One instance serves all runs; per-run state lives
// in the store, never on the struct.
type Planner struct {
	store           Store
	tools           ToolCaller
	providers       map[string]llm.Provider
	defaultProvider string
	legacy          TaskRouter
	profiles        map[string]run.AgentProfile
	cfg             config.PlannerConfig
	pub             Publisher
	logger          *log.Logger
	tracer          trace.Tracer
}

// New wires a planner. pub may be nil when no live streaming is needed.
func New(st Store, tools ToolCaller, providers map[string]llm.Provider, defaultProvider string,
	legacy TaskRouter, profiles map[string]run.AgentProfile, cfg config.PlannerConfig,
	pub Publisher, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	return &Planner{
		store:           st,
		tools:           tools,
		providers:       providers,
		defaultProvider: defaultProvider,
		legacy:          legacy,
		profiles:        profiles,
		cfg:             cfg,
		pub:             pub,
		logger:          logger,
		tracer:          otel.Tracer("planner"),
	}
}

func (p *Planner) providerFor(profile run.AgentProfile) llm.Provider {
	if profile.ModelOverride != "" {
		if prov, ok := p.providers[profile.ModelOverride]; ok {
			return prov
		}
		p.logger.Printf("profile %s: unknown model override %q, using default", profile.ID, profile.ModelOverride)
	}
	return p.providers[p.defaultProvider]
}

// Execute drives a run to its next suspension or terminal state. It is safe
// to call on a freshly created run, on crash resume, and after approval; the
// persisted checkpoint decides where work picks up.
func (p *Planner) Execute(ctx context.Context, runID string) error {
	ctx, span := p.tracer.Start(ctx, "planner.run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	r, err := p.store.GetRun(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load run")
		return err
	}
	if r.Status.Terminal() || r.Status == run.StatusAwaitingApproval {
		return nil
	}

	profile, ok := p.profiles[r.AgentProfileID]
	if !ok {
		return p.failRun(ctx, runID, run.ErrProfileNotFound{ProfileID: r.AgentProfileID}.Error())
	}

	if r.Status == run.StatusPending {
		if err := p.store.SetStatus(ctx, runID, run.StatusRunning); err != nil {
			return err
		}
		p.publishStatus(runID, run.StatusRunning, "", nil)
	}

	goal := applyFilter(r.Goal, p.cfg.FilterEnabled)
	catalog := p.tools.CatalogFor(profile)
	if len(catalog) == 0 {
		// Deliberate short-circuit, not a one-iteration loop.
		return p.runLegacy(ctx, r, goal)
	}
	return p.loop(ctx, r, profile, goal, catalog)
}

// ResumeInterrupted re-enters every run left in running at process start.
// Nothing in-flight survives a crash, so the persisted checkpoint is the
// whole truth.
func (p *Planner) ResumeInterrupted(ctx context.Context) error {
	ids, err := p.store.ListRunIDsByStatus(ctx, run.StatusRunning)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p.logger.Printf("resuming interrupted run %s", id)
		if err := p.Execute(ctx, id); err != nil {
			p.logger.Printf("resume run %s: %v", id, err)
		}
	}
	return nil
}

func (p *Planner) runLegacy(ctx context.Context, r run.Run, goal string) error {
	ctx, span := p.tracer.Start(ctx, "planner.legacy_route")
	defer span.End()

	res, err := p.legacy.Execute(ctx, goal, r.Context)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "legacy route")
		return p.failRun(ctx, r.ID, "legacy router failed: "+err.Error())
	}
	if _, err := p.record(ctx, r.ID, r.CheckpointStepIndex, run.EventAnswer,
		run.AnswerPayload{Answer: res.Output, AgentID: res.AgentID}); err != nil {
		return err
	}
	if err := p.store.CompleteRun(ctx, r.ID, res.Output); err != nil {
		return err
	}
	p.publishStatus(r.ID, run.StatusCompleted, "", nil)
	return nil
}

func (p *Planner) loop(ctx context.Context, r run.Run, profile run.AgentProfile, goal string, catalog []mcp.CatalogTool) error {
	translator := llm.NewTranslator(catalog)
	provider := p.providerFor(profile)
	step := r.CheckpointStepIndex
	llmRetried := false
	parseRetried := false

	for {
		// Cancellation and suspension are observed through the store, the
		// single coordination point; an approval request racing this loop
		// lands here.
		cur, err := p.store.GetRun(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() || cur.Status == run.StatusAwaitingApproval {
			return nil
		}

		if step >= p.cfg.MaxSteps {
			return p.failRun(ctx, r.ID, run.ErrStepLimitExceeded{MaxSteps: p.cfg.MaxSteps}.Error())
		}

		stepCtx, stepSpan := p.tracer.Start(ctx, "planner.step",
			trace.WithAttributes(attribute.String("run.id", r.ID), attribute.Int("step", step)))

		events, err := p.store.ListEvents(stepCtx, r.ID, 0, 500)
		if err != nil {
			stepSpan.End()
			return err
		}

		// Reconcile after a crash between event persistence and cursor
		// advance: a step with a persisted tool_result is executed history,
		// never replayed as an action.
		for _, ev := range events {
			if ev.Kind == run.EventToolResult && ev.StepIndex >= step {
				step = ev.StepIndex + 1
			}
		}
		if step > cur.CheckpointStepIndex {
			if err := p.store.AdvanceCheckpoint(stepCtx, r.ID, step); err != nil {
				stepSpan.End()
				return err
			}
		}

		conversation := conversationFromEvents(events, p.cfg.FilterEnabled)

		// Streaming forces text mode: function call deltas are not
		// reassembled, so the catalog goes into the prompt instead.
		textMode := !provider.NativeTools() || cur.StreamTokens
		system, user := buildPrompt(profile.RolePrompt, goal, translator, conversation, p.cfg.ContextBudget, !textMode)
		req := llm.Request{System: system, Prompt: user}
		if !textMode {
			req.Tools = translator.Specs()
		}

		completion, err := p.callModel(stepCtx, provider, req, cur.StreamTokens, r.ID, step)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.End()
			kind := "error"
			if isTimeout(err) {
				kind = "timeout"
			}
			if _, recErr := p.record(ctx, r.ID, step, run.EventLLMAction,
				run.LLMActionPayload{Kind: kind, Detail: err.Error()}); recErr != nil {
				return recErr
			}
			if llmRetried {
				if kind == "timeout" {
					return p.failRun(ctx, r.ID, run.ErrLLMTimeout{Timeout: p.cfg.LLMTimeout.String()}.Error())
				}
				return p.failRun(ctx, r.ID, "llm provider unreachable")
			}
			llmRetried = true
			continue
		}

		action, err := translator.DecodeCompletion(completion)
		if err != nil {
			stepSpan.End()
			var parseErr run.ErrParse
			if !errors.As(err, &parseErr) {
				return p.failRun(ctx, r.ID, "undecodable model output")
			}
			if _, recErr := p.record(ctx, r.ID, step, run.EventLLMAction,
				run.LLMActionPayload{Kind: "parse_error", RawResponse: truncate(completion.Text, 500)}); recErr != nil {
				return recErr
			}
			if parseRetried {
				return p.failRun(ctx, r.ID, parseErr.Error())
			}
			parseRetried = true
			continue
		}

		switch a := action.(type) {
		case run.FinishAction:
			if _, err := p.record(stepCtx, r.ID, step, run.EventAnswer, run.AnswerPayload{Answer: a.Answer}); err != nil {
				stepSpan.End()
				return err
			}
			if err := p.store.CompleteRun(stepCtx, r.ID, a.Answer); err != nil {
				stepSpan.End()
				return err
			}
			p.publishStatus(r.ID, run.StatusCompleted, "", nil)
			stepSpan.End()
			return nil

		case run.ToolCallAction:
			if profile.RequiresApproval(a.ToolName) {
				pending := run.PendingToolCall{
					ServerID:  a.ServerID,
					ToolName:  a.ToolName,
					Arguments: a.Arguments,
					StepIndex: step,
				}
				if err := p.store.SetPendingApproval(stepCtx, r.ID, pending); err != nil {
					stepSpan.End()
					return err
				}
				p.publishStatus(r.ID, run.StatusAwaitingApproval, "", &pending)
				p.logger.Printf("run %s suspended awaiting approval of %s.%s", r.ID, a.ServerID, a.ToolName)
				stepSpan.End()
				return nil
			}
			if err := p.executeToolStep(stepCtx, r.ID, step, a, false); err != nil {
				stepSpan.End()
				return err
			}
			stepSpan.End()
			step++
			llmRetried = false
			parseRetried = false
		}
	}
}

// executeToolStep calls the tool, persists the tool_result event, and only
// then advances the checkpoint. A crash between call and persistence is
// indistinguishable from a crash before the call, so resume re-issues it.
func (p *Planner) executeToolStep(ctx context.Context, runID string, step int, a run.ToolCallAction, approved bool) error {
	ctx, span := p.tracer.Start(ctx, "planner.tool_call", trace.WithAttributes(
		attribute.String("mcp.server", a.ServerID),
		attribute.String("mcp.tool", a.ToolName)))
	defer span.End()

	payload := run.ToolCallPayload{
		ServerID:  a.ServerID,
		ToolName:  a.ToolName,
		Arguments: a.Arguments,
		Approved:  approved,
	}
	res, err := p.tools.CallTool(ctx, a.ServerID, a.ToolName, a.Arguments, p.cfg.ToolTimeout)
	if err != nil {
		// Folded into history so the next turn can route around the dead
		// server; never auto-retried here.
		span.RecordError(err)
		payload.IsError = true
		var unavailable run.ErrToolServerUnavailable
		if errors.As(err, &unavailable) {
			payload.ResultSummary = unavailable.Error()
		} else {
			payload.ResultSummary = "tool call failed: " + err.Error()
		}
	} else {
		payload.IsError = res.IsError
		payload.ResultSummary = truncate(res.Text, maxResultSummaryLen)
	}

	if _, err := p.record(ctx, runID, step, run.EventToolResult, payload); err != nil {
		return err
	}
	return p.store.AdvanceCheckpoint(ctx, runID, step+1)
}

// Approve resolves a pending approval. Approved calls run with the original
// or substituted arguments; rejected calls leave a rejection event the next
// planner turn sees, and planning resumes. Rejection is not cancellation.
func (p *Planner) Approve(ctx context.Context, runID string, approved bool, modifiedArguments map[string]any) error {
	r, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusAwaitingApproval || r.PendingApproval == nil {
		return run.ErrInvalidStateTransition{RunID: runID, From: r.Status, To: run.StatusRunning}
	}
	pending := *r.PendingApproval

	if err := p.store.ClearPendingApproval(ctx, runID); err != nil {
		return err
	}
	p.publishStatus(runID, run.StatusRunning, "", nil)

	if approved {
		args := pending.Arguments
		if modifiedArguments != nil {
			args = modifiedArguments
		}
		call := run.ToolCallAction{ServerID: pending.ServerID, ToolName: pending.ToolName, Arguments: args}
		if err := p.executeToolStep(ctx, runID, pending.StepIndex, call, true); err != nil {
			return err
		}
	} else {
		payload := run.ToolCallPayload{
			ServerID:      pending.ServerID,
			ToolName:      pending.ToolName,
			Arguments:     pending.Arguments,
			Rejected:      true,
			ResultSummary: "rejected by a human reviewer; the tool was not called",
		}
		if _, err := p.record(ctx, runID, pending.StepIndex, run.EventToolResult, payload); err != nil {
			return err
		}
		if err := p.store.AdvanceCheckpoint(ctx, runID, pending.StepIndex+1); err != nil {
			return err
		}
	}
	return p.Execute(ctx, runID)
}

// callModel invokes the provider under the planner timeout, streaming tokens
// out through the publisher when the run asked for them.
func (p *Planner) callModel(ctx context.Context, provider llm.Provider, req llm.Request, streamTokens bool, runID string, step int) (llm.Completion, error) {
	if p.cfg.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.LLMTimeout)
		defer cancel()
	}
	if streamTokens {
		return provider.Stream(ctx, req, func(token string) {
			p.publishEphemeral(runID, step, run.EventToken, map[string]string{"token": token})
		})
	}
	return provider.Complete(ctx, req)
}

// record persists one event and notifies live subscribers.
func (p *Planner) record(ctx context.Context, runID string, step int, kind string, payload any) (int64, error) {
	id, err := p.store.AppendEvent(ctx, runID, step, kind, payload)
	if err != nil {
		return 0, err
	}
	if p.pub != nil {
		b, _ := json.Marshal(payload)
		p.pub.Publish(store.StoredEvent{
			ID: id, RunID: runID, StepIndex: step, Kind: kind,
			Payload: b, CreatedAt: time.Now().UTC(),
		})
	}
	return id, nil
}

// publishStatus emits a live status notification. Status changes are not
// part of the persisted step log; GetRun is authoritative for state.
func (p *Planner) publishStatus(runID string, status run.Status, errMsg string, pending *run.PendingToolCall) {
	p.publishEphemeral(runID, 0, run.EventStatusChange,
		run.StatusChangePayload{Status: status, Error: errMsg, PendingToolCall: pending})
}

func (p *Planner) publishEphemeral(runID string, step int, kind string, payload any) {
	if p.pub == nil {
		return
	}
	b, _ := json.Marshal(payload)
	p.pub.Publish(store.StoredEvent{
		RunID: runID, StepIndex: step, Kind: kind,
		Payload: b, CreatedAt: time.Now().UTC(),
	})
}

func (p *Planner) failRun(ctx context.Context, runID, msg string) error {
	p.logger.Printf("run %s failed: %s", runID, msg)
	if err := p.store.FailRun(ctx, runID, msg); err != nil {
		return fmt.Errorf("fail run %s: %w", runID, err)
	}
	p.publishStatus(runID, run.StatusFailed, msg, nil)
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// truncate cuts on a rune boundary so summaries never carry a split rune
// into prompts or JSON payloads.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
