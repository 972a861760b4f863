package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/carapace-sec/carapace/pkg/types"
)

const bashDescription = `Executes a shell command on the user's machine.

Usage:
- Provide the command as a single string
- An optional timeout in seconds bounds execution (default 120)
- stdout and stderr are returned together`

// defaultBashTimeout bounds command execution.
const defaultBashTimeout = 120 * time.Second

// BashTool implements shell command execution.
type BashTool struct {
	workDir  string
	manifest Manifest
}

// BashInput represents the input for the bash tool.
type BashInput struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// NewBashTool creates a new bash tool.
func NewBashTool(workDir string) *BashTool {
	return &BashTool{
		workDir: workDir,
		manifest: Manifest{
			OperationType: types.OpExecute,
			Categories:    []string{"system"},
		},
	}
}

func (t *BashTool) ID() string          { return "bash" }
func (t *BashTool) Description() string { return bashDescription }

// Hint refines the manifest prior: commands that only read (ls, cat,
// grep and friends) classify as local reads, network clients as
// external reads.
func (t *BashTool) Hint(args json.RawMessage) *types.ClassificationHint {
	var params BashInput
	if err := json.Unmarshal(args, &params); err != nil || params.Command == "" {
		return t.manifest.Hint(args)
	}

	names := commandNames(params.Command)
	if len(names) == 0 {
		return t.manifest.Hint(args)
	}

	hint := &types.ClassificationHint{
		OperationType: types.OpExecute,
		Categories:    []string{"system"},
	}
	if allIn(names, readOnlyCommands) {
		hint.OperationType = types.OpReadLocal
	} else if allIn(names, networkCommands) {
		hint.OperationType = types.OpReadExternal
		hint.Categories = []string{"browsing"}
	}
	return hint
}

var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true,
	"grep": true, "find": true, "wc": true, "stat": true,
	"pwd": true, "echo": true, "which": true, "file": true,
}

var networkCommands = map[string]bool{
	"curl": true, "wget": true,
}

// commandNames parses a shell command line and returns the names of the
// commands it runs. Unparseable input yields nil, leaving the
// conservative manifest hint in place.
func commandNames(command string) []string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil
	}

	var names []string
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok && len(call.Args) > 0 {
			var b strings.Builder
			printer := syntax.NewPrinter()
			printer.Print(&b, call.Args[0])
			if name := strings.TrimSpace(b.String()); name != "" {
				names = append(names, name)
			}
		}
		return true
	})
	return names
}

func allIn(names []string, set map[string]bool) bool {
	for _, name := range names {
		if !set[name] {
			return false
		}
	}
	return len(names) > 0
}

func (t *BashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The shell command to execute"
			},
			"timeout": {
				"type": "integer",
				"description": "Timeout in seconds (default: 120)"
			}
		},
		"required": ["command"]
	}`)
}

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params BashInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeout := defaultBashTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", params.Command)
	if t.workDir != "" {
		cmd.Dir = t.workDir
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return &Result{
			Title:  "Command failed",
			Output: fmt.Sprintf("%s\n(exit error: %v)", output, err),
		}, nil
	}

	return &Result{
		Title:  "Command finished",
		Output: output,
	}, nil
}
