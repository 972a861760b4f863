package tool

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/carapace-sec/carapace/pkg/types"
)

// Manifest is a tool's static classification prior plus the path
// patterns that refine it per invocation.
type Manifest struct {
	OperationType types.OperationType
	Categories    []string

	// SensitivePatterns upgrade a read/write to its _sensitive variant
	// when the invocation's path matches.
	SensitivePatterns []string
	// SkillPatterns mark writes as skill_modify when the path matches.
	SkillPatterns []string
}

// sensitiveDefaults covers secrets and credentials stores that should
// always classify as sensitive regardless of what the model thinks.
var sensitiveDefaults = []string{
	"**/.ssh/**",
	"**/.gnupg/**",
	"**/.aws/credentials",
	"**/.netrc",
	"**/*.pem",
	"**/*.key",
	"**/server.token",
}

// skillDefaults marks the agent's own skill scripts.
var skillDefaults = []string{
	"skills/**",
	"**/skills/**",
}

// Hint derives the classification prior for one invocation.
func (m Manifest) Hint(args json.RawMessage) *types.ClassificationHint {
	hint := &types.ClassificationHint{
		OperationType: m.OperationType,
		Categories:    m.Categories,
	}

	path := argPath(args)
	if path == "" {
		return hint
	}

	if matchAny(append(m.SkillPatterns, skillDefaults...), path) {
		switch m.OperationType {
		case types.OpWriteLocal, types.OpWriteSensitive:
			hint.OperationType = types.OpSkillModify
		}
		return hint
	}

	if matchAny(append(m.SensitivePatterns, sensitiveDefaults...), path) {
		switch m.OperationType {
		case types.OpReadLocal:
			hint.OperationType = types.OpReadSensitive
		case types.OpWriteLocal:
			hint.OperationType = types.OpWriteSensitive
		}
	}
	return hint
}

// argPath extracts the path-like argument of an invocation.
func argPath(args json.RawMessage) string {
	var parsed struct {
		Path string `json:"path"`
		File string `json:"file"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ""
	}
	if parsed.Path != "" {
		return parsed.Path
	}
	return parsed.File
}

// matchAny reports whether the path matches any doublestar pattern.
func matchAny(patterns []string, path string) bool {
	normalized := filepath.ToSlash(path)
	trimmed := strings.TrimPrefix(normalized, "/")
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, normalized); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern, trimmed); err == nil && ok {
			return true
		}
	}
	return false
}
