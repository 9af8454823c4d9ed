package mcp

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/opsloop/opsloop/internal/run"
)

// Descriptor identifies one configured tool server and how to reach it.
type Descriptor struct {
	ID        string
	Name      string
	Transport string // stdio | sse
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
}

// CatalogTool is a tool tagged with its owning server, disambiguating name
// collisions across servers.
type CatalogTool struct {
	ServerID string `json:"server_id"`
	Tool
}

// ServerInfo is the manager's view of one server, for governance endpoints.
type ServerInfo struct {
	ID    string `json:"server_id"`
	Name  string `json:"name"`
	Live  bool   `json:"connected"`
	Tools []Tool `json:"tools"`
}

type serverState struct {
	desc    Descriptor
	adapter Adapter
	tools   []Tool
	live    bool
}

// Manager owns the pool of transport adapters, aggregates their catalogs
// into one namespace, routes calls, and tracks per-server liveness. One
// instance is constructed at startup and injected into every planner by
// reference.
type Manager struct {
	logger *log.Logger

	mu      sync.RWMutex
	servers map[string]*serverState

	callCounter otelmetric.Int64Counter
	errCounter  otelmetric.Int64Counter
}

// NewManager constructs an empty manager; call ConnectAll before use.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[MCP] ", log.LstdFlags)
	}
	m := &Manager{logger: logger, servers: make(map[string]*serverState)}
	meter := otel.Meter("mcp")
	if c, err := meter.Int64Counter("mcp_tool_calls_total"); err == nil {
		m.callCounter = c
	}
	if c, err := meter.Int64Counter("mcp_tool_call_errors_total"); err == nil {
		m.errCounter = c
	}
	return m
}

func newAdapter(ctx context.Context, desc Descriptor) (Adapter, error) {
	switch desc.Transport {
	case "stdio":
		return StartStdio(ctx, desc.Command, desc.Args, desc.Env)
	case "sse":
		return DialSSE(desc.URL, 0), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", desc.Transport)
	}
}

// ConnectAll connects every descriptor concurrently and fetches each server's
// tool catalog. A server whose connection or catalog fetch fails is recorded
// not-live and excluded from the aggregate catalog; it never aborts the rest.
func (m *Manager) ConnectAll(ctx context.Context, descriptors []Descriptor) {
	var wg sync.WaitGroup
	for _, desc := range descriptors {
		wg.Add(1)
		go func(desc Descriptor) {
			defer wg.Done()
			state := &serverState{desc: desc}
			adapter, err := newAdapter(ctx, desc)
			if err != nil {
				m.logger.Printf("server %s: connect failed: %v", desc.ID, err)
				m.setServer(desc.ID, state)
				return
			}
			tools, err := adapter.ListTools(ctx)
			if err != nil {
				m.logger.Printf("server %s: tools/list failed: %v", desc.ID, err)
				_ = adapter.Close()
				m.setServer(desc.ID, state)
				return
			}
			state.adapter = adapter
			state.tools = tools
			state.live = true
			m.setServer(desc.ID, state)
			m.logger.Printf("server %s connected with %d tools", desc.ID, len(tools))
		}(desc)
	}
	wg.Wait()
}

func (m *Manager) setServer(id string, state *serverState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[id] = state
}

// Catalog returns the flat aggregate catalog of all live servers, each tool
// tagged with its owning server id.
func (m *Manager) Catalog() []CatalogTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CatalogTool
	for id, st := range m.servers {
		if !st.live {
			continue
		}
		for _, t := range st.tools {
			out = append(out, CatalogTool{ServerID: id, Tool: t})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CatalogFor restricts the aggregate catalog to the servers a profile may
// use. An empty allow list yields an empty catalog; that emptiness is the
// signal the planner uses to fall back to the legacy router.
func (m *Manager) CatalogFor(profile run.AgentProfile) []CatalogTool {
	if len(profile.AllowedToolServerIDs) == 0 {
		return nil
	}
	all := m.Catalog()
	out := make([]CatalogTool, 0, len(all))
	for _, t := range all {
		if profile.AllowsServer(t.ServerID) {
			out = append(out, t)
		}
	}
	return out
}

// IsLive reports current liveness of one server. It is a query, not a push:
// the planner consults it lazily before each call.
func (m *Manager) IsLive(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.servers[serverID]
	return ok && st.live
}

// Servers summarizes all configured servers and their exposed tools.
func (m *Manager) Servers() []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerInfo, 0, len(m.servers))
	for id, st := range m.servers {
		name := st.desc.Name
		if name == "" {
			name = id
		}
		out = append(out, ServerInfo{ID: id, Name: name, Live: st.live, Tools: st.tools})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CallTool routes a call to the owning adapter under a caller-supplied
// timeout. A transport failure marks the server not-live and surfaces as
// ErrToolServerUnavailable; the manager itself never retries. A tool that
// executed and reported failure comes back as Result{IsError: true}, nil.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any, timeout time.Duration) (Result, error) {
	m.mu.RLock()
	st, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok || !st.live {
		return Result{}, run.ErrToolServerUnavailable{ServerID: serverID, Cause: fmt.Errorf("not connected")}
	}
	if m.callCounter != nil {
		m.callCounter.Add(ctx, 1)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The deadline is enforced here, not trusted to the adapter: a stdio
	// server that accepts the request and never replies would otherwise block
	// past the timeout. The abandoned call drains into the buffered channel.
	type callOutcome struct {
		res Result
		err error
	}
	done := make(chan callOutcome, 1)
	go func() {
		res, err := st.adapter.CallTool(ctx, toolName, args)
		done <- callOutcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		if m.errCounter != nil {
			m.errCounter.Add(context.Background(), 1)
		}
		m.markDown(serverID)
		return Result{}, run.ErrToolServerUnavailable{ServerID: serverID, Cause: ctx.Err()}
	case out := <-done:
		if out.err != nil {
			if m.errCounter != nil {
				m.errCounter.Add(ctx, 1)
			}
			m.markDown(serverID)
			return Result{}, run.ErrToolServerUnavailable{ServerID: serverID, Cause: out.err}
		}
		return out.res, nil
	}
}

func (m *Manager) markDown(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.servers[serverID]; ok {
		st.live = false
		m.logger.Printf("server %s marked not-live", serverID)
	}
}

// Close shuts down every adapter.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.servers {
		if st.adapter != nil {
			if err := st.adapter.Close(); err != nil {
				m.logger.Printf("server %s: close: %v", id, err)
			}
		}
		st.live = false
	}
}
