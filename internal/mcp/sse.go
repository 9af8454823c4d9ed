package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// sseAdapter speaks JSON-RPC over HTTP: each request is POSTed to the server
// endpoint and the reply arrives as Server-Sent Events framed JSON on the
// response body.
type sseAdapter struct {
	url        string
	httpClient *http.Client
	mu         sync.Mutex
	seq        int64
}

// DialSSE returns an Adapter over an HTTP+SSE tool server endpoint.
func DialSSE(url string, timeout time.Duration) Adapter {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &sseAdapter{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *sseAdapter) send(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.mu.Unlock()

	body, err := json.Marshal(rpcReq{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp sse: server returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxJSONFrameBytes)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		if line != "" {
			// comments and event names are ignored
			continue
		}
		// blank line terminates one event
		payload := data.String()
		data.Reset()
		if payload == "" {
			continue
		}
		var rpc rpcResp
		if err := json.Unmarshal([]byte(payload), &rpc); err != nil {
			continue
		}
		if rpc.ID != id {
			continue
		}
		if rpc.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", rpc.Error.Code, rpc.Error.Message)
		}
		return rpc.Result, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("mcp sse: stream ended without response")
}

func (c *sseAdapter) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	raw, ok := res["tools"].([]any)
	if !ok {
		return nil, errors.New("invalid tools/list response")
	}
	out := make([]Tool, 0, len(raw))
	for _, v := range raw {
		b, _ := json.Marshal(v)
		var t Tool
		if err := json.Unmarshal(b, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *sseAdapter) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	res, err := c.send(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return Result{}, err
	}
	return resultFromRPC(res), nil
}

func (c *sseAdapter) Close() error { return nil }
