package tool

import (
	"encoding/json"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/carapace-sec/carapace/pkg/types"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	workDir string
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.ID()]; !exists {
		r.order = append(r.order, tool.ID())
	}
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, id := range r.order {
		tools = append(tools, r.tools[id])
	}
	return tools
}

// Hint returns the manifest hint for a tool invocation, nil for unknown
// tools. Implements the gate's HintLookup.
func (r *Registry) Hint(tool string, args json.RawMessage) *types.ClassificationHint {
	t, ok := r.Get(tool)
	if !ok {
		return nil
	}
	return t.Hint(args)
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() []*schema.ToolInfo {
	tools := r.List()
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, ToolInfo(t))
	}
	return infos
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string) *Registry {
	r := NewRegistry(workDir)
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewFetchTool())
	return r
}
