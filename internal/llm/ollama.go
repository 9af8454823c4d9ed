package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opsloop/opsloop/config"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaClient talks to a local Ollama server. Local models get the tool
// catalog embedded in the prompt and answer in the JSON action format.
type ollamaClient struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

type ollamaRequest struct {
	Model   string `json:"model"`
	System  string `json:"system,omitempty"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options struct {
		Temperature float64 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func newOllamaClient(cfg config.LLMProvider) *ollamaClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &ollamaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *ollamaClient) NativeTools() bool { return false }

func (c *ollamaClient) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body := ollamaRequest{
		Model:  c.model,
		System: req.System,
		Prompt: req.Prompt,
		Stream: stream,
	}
	body.Options.Temperature = c.temperature
	if req.Temperature != 0 {
		body.Options.Temperature = req.Temperature
	}
	body.Options.NumPredict = c.maxTokens
	if req.MaxTokens != 0 {
		body.Options.NumPredict = req.MaxTokens
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *ollamaClient) Complete(ctx context.Context, req Request) (Completion, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Completion{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return Completion{Text: parsed.Response}, nil
}

func (c *ollamaClient) Stream(ctx context.Context, req Request, onToken func(string)) (Completion, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onToken != nil {
				onToken(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Completion{}, fmt.Errorf("stream read failed: %w", err)
	}
	return Completion{Text: full.String()}, nil
}
