package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/carapace-sec/carapace/pkg/types"
)

// volatileArgKeys are argument fields excluded from operation signatures.
// They change on every invocation without changing what the operation
// does; including them would defeat approval caching. Anything else that
// differs re-prompts, which is the safe direction.
var volatileArgKeys = map[string]bool{
	"timestamp":  true,
	"ts":         true,
	"nonce":      true,
	"request_id": true,
}

// OperationSignature computes a deterministic fingerprint of a tool
// invocation: tool name, canonicalised arguments, operation type, and
// sorted categories. Two invocations with the same signature are
// interchangeable for approval and decision caching.
func OperationSignature(tool string, args json.RawMessage, cls types.Classification) string {
	h := sha256.New()
	fmt.Fprintf(h, "tool=%s\n", tool)
	fmt.Fprintf(h, "args=%s\n", canonicalArgs(args))
	fmt.Fprintf(h, "op=%s\n", cls.OperationType)

	categories := append([]string(nil), cls.Categories...)
	sort.Strings(categories)
	fmt.Fprintf(h, "categories=%s\n", strings.Join(categories, ","))

	return hex.EncodeToString(h.Sum(nil))
}

// canonicalArgs renders tool arguments in a stable form: volatile keys
// dropped, shell commands normalised, map keys sorted (JSON marshalling
// of maps is key-sorted in Go).
func canonicalArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}

	var parsed map[string]any
	if err := json.Unmarshal(args, &parsed); err != nil {
		// Non-object args participate verbatim.
		return string(args)
	}

	for key := range parsed {
		if volatileArgKeys[key] {
			delete(parsed, key)
		}
	}

	if cmd, ok := parsed["command"].(string); ok {
		parsed["command"] = normalizeShellCommand(cmd)
	}

	data, err := json.Marshal(parsed)
	if err != nil {
		return string(args)
	}
	return string(data)
}

// normalizeShellCommand reprints a shell command through the parser so
// whitespace and quoting differences do not produce distinct signatures.
// Unparseable commands are signed as written.
func normalizeShellCommand(command string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return command
	}

	var b strings.Builder
	printer := syntax.NewPrinter(syntax.Minify(true))
	if err := printer.Print(&b, file); err != nil {
		return command
	}
	return strings.TrimSpace(b.String())
}
