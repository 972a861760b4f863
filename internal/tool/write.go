package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carapace-sec/carapace/pkg/types"
)

const writeDescription = `Writes content to a file on the user's filesystem.

Usage:
- The path parameter must be an absolute path
- Creates parent directories as needed
- Overwrites the file if it already exists`

// WriteTool implements file writing.
type WriteTool struct {
	workDir  string
	manifest Manifest
}

// WriteInput represents the input for the write tool.
type WriteInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// NewWriteTool creates a new write tool.
func NewWriteTool(workDir string) *WriteTool {
	return &WriteTool{
		workDir: workDir,
		manifest: Manifest{
			OperationType: types.OpWriteLocal,
			Categories:    []string{"documents"},
		},
	}
}

func (t *WriteTool) ID() string          { return "write_file" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Hint(args json.RawMessage) *types.ClassificationHint {
	return t.manifest.Hint(args)
}

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "The absolute path of the file to write"
			},
			"content": {
				"type": "string",
				"description": "The content to write"
			}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	if err := os.MkdirAll(filepath.Dir(params.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &Result{
		Title:  fmt.Sprintf("Wrote %s", filepath.Base(params.Path)),
		Output: fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.Path),
		Metadata: map[string]any{
			"file":  params.Path,
			"bytes": len(params.Content),
		},
	}, nil
}
