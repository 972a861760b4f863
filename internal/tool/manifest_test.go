package tool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-sec/carapace/pkg/types"
)

func TestManifestHintPlain(t *testing.T) {
	m := Manifest{OperationType: types.OpReadLocal, Categories: []string{"documents"}}
	hint := m.Hint(json.RawMessage(`{"path":"/home/user/notes.txt"}`))
	require.NotNil(t, hint)
	assert.Equal(t, types.OpReadLocal, hint.OperationType)
	assert.Equal(t, []string{"documents"}, hint.Categories)
}

func TestManifestHintSensitivePaths(t *testing.T) {
	tests := []struct {
		path string
		op   types.OperationType
		want types.OperationType
	}{
		{"/home/user/.ssh/id_rsa", types.OpReadLocal, types.OpReadSensitive},
		{"/home/user/.aws/credentials", types.OpReadLocal, types.OpReadSensitive},
		{"/etc/certs/server.key", types.OpWriteLocal, types.OpWriteSensitive},
		{"/data/server.token", types.OpReadLocal, types.OpReadSensitive},
		{"/home/user/notes.txt", types.OpReadLocal, types.OpReadLocal},
	}
	for _, tt := range tests {
		m := Manifest{OperationType: tt.op}
		args, _ := json.Marshal(map[string]string{"path": tt.path})
		hint := m.Hint(args)
		assert.Equal(t, tt.want, hint.OperationType, tt.path)
	}
}

func TestManifestHintSkillPaths(t *testing.T) {
	m := Manifest{OperationType: types.OpWriteLocal}
	hint := m.Hint(json.RawMessage(`{"path":"skills/x/SKILL.md"}`))
	assert.Equal(t, types.OpSkillModify, hint.OperationType)

	hint = m.Hint(json.RawMessage(`{"path":"/home/user/agent/skills/y/run.sh"}`))
	assert.Equal(t, types.OpSkillModify, hint.OperationType)

	// Reads of skill files are not skill modifications.
	read := Manifest{OperationType: types.OpReadLocal}
	hint = read.Hint(json.RawMessage(`{"path":"skills/x/SKILL.md"}`))
	assert.Equal(t, types.OpReadLocal, hint.OperationType)
}

func TestManifestHintNoPath(t *testing.T) {
	m := Manifest{OperationType: types.OpExecute, Categories: []string{"system"}}
	hint := m.Hint(json.RawMessage(`{"command":"ls"}`))
	assert.Equal(t, types.OpExecute, hint.OperationType)

	hint = m.Hint(json.RawMessage(`not json`))
	assert.Equal(t, types.OpExecute, hint.OperationType)
}

func TestBashHintRefinement(t *testing.T) {
	b := NewBashTool("")

	tests := []struct {
		command string
		want    types.OperationType
	}{
		{"ls -la /tmp", types.OpReadLocal},
		{"cat a.txt | grep foo", types.OpReadLocal},
		{"curl https://example.com", types.OpReadExternal},
		{"rm -rf /tmp/x", types.OpExecute},
		{"ls; rm x", types.OpExecute},
		{"if then fi ((", types.OpExecute},
	}
	for _, tt := range tests {
		args, _ := json.Marshal(map[string]string{"command": tt.command})
		hint := b.Hint(args)
		require.NotNil(t, hint, tt.command)
		assert.Equal(t, tt.want, hint.OperationType, tt.command)
	}
}

func TestFetchHintMethod(t *testing.T) {
	f := NewFetchTool()

	hint := f.Hint(json.RawMessage(`{"url":"https://x"}`))
	assert.Equal(t, types.OpReadExternal, hint.OperationType)

	hint = f.Hint(json.RawMessage(`{"url":"https://x","method":"POST","body":"data"}`))
	assert.Equal(t, types.OpWriteExternal, hint.OperationType)
}

func TestRegistryHintAndOrder(t *testing.T) {
	r := DefaultRegistry(t.TempDir())

	hint := r.Hint("write_file", json.RawMessage(`{"path":"skills/a/SKILL.md"}`))
	require.NotNil(t, hint)
	assert.Equal(t, types.OpSkillModify, hint.OperationType)

	assert.Nil(t, r.Hint("unknown", nil))

	tools := r.List()
	require.Len(t, tools, 4)
	assert.Equal(t, "read_file", tools[0].ID())

	infos := r.ToolInfos()
	require.Len(t, infos, 4)
	assert.Equal(t, "read_file", infos[0].Name)
}
