package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carapace-sec/carapace/pkg/types"
)

const fetchDescription = `Fetches a URL and returns the response body.

Usage:
- Only http and https URLs are supported
- The body is truncated to a size budget
- Use method POST with a body to submit data`

const (
	fetchTimeout    = 60 * time.Second
	fetchBodyBudget = 256 * 1024
)

// FetchTool implements HTTP fetching.
type FetchTool struct {
	client   *http.Client
	manifest Manifest
}

// FetchInput represents the input for the fetch tool.
type FetchInput struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
	Body   string `json:"body,omitempty"`
}

// NewFetchTool creates a new fetch tool.
func NewFetchTool() *FetchTool {
	return &FetchTool{
		client: &http.Client{Timeout: fetchTimeout},
		manifest: Manifest{
			OperationType: types.OpReadExternal,
			Categories:    []string{"browsing"},
		},
	}
}

func (t *FetchTool) ID() string          { return "fetch" }
func (t *FetchTool) Description() string { return fetchDescription }

// Hint marks non-GET requests as external writes.
func (t *FetchTool) Hint(args json.RawMessage) *types.ClassificationHint {
	var params FetchInput
	if err := json.Unmarshal(args, &params); err == nil {
		method := strings.ToUpper(params.Method)
		if method != "" && method != "GET" && method != "HEAD" {
			return &types.ClassificationHint{
				OperationType: types.OpWriteExternal,
				Categories:    []string{"browsing"},
			}
		}
	}
	return t.manifest.Hint(args)
}

func (t *FetchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The URL to fetch"
			},
			"method": {
				"type": "string",
				"description": "HTTP method (default: GET)"
			},
			"body": {
				"type": "string",
				"description": "Request body for POST/PUT"
			}
		},
		"required": ["url"]
	}`)
}

func (t *FetchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params FetchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
		return nil, fmt.Errorf("unsupported URL scheme: %s", params.URL)
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, params.URL, body)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyBudget))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Result{
		Title:  fmt.Sprintf("Fetched %s", params.URL),
		Output: string(data),
		Metadata: map[string]any{
			"status": resp.StatusCode,
			"url":    params.URL,
		},
	}, nil
}
