package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/compiler"
)

const tasksPack = `
pack: tasks: {
	version:   "1.2.0"
	namespace: "task"
	command: create: args: title: string
	event: created: fields: {
		task_id: string
		title:   string
	}
}
`

func writePack(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestPacksValidate(t *testing.T) {
	path := writePack(t, "tasks.cue", tasksPack)

	out, err := execute(t, "packs", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "tasks 1.2.0 (namespace task): 1 commands, 1 events")
	assert.Contains(t, out, "✓ 1 pack(s) valid")

	out, err = execute(t, "packs", "validate", path, "--format", "json")
	require.NoError(t, err)
	res, _ := decode[PacksValidation](t, out)
	assert.True(t, res.Valid)
	require.Len(t, res.Packs, 1)
	assert.Equal(t, []string{"task.create"}, res.Packs[0].CommandTypes)
}

func TestPacksValidateConflicts(t *testing.T) {
	first := writePack(t, "tasks.cue", tasksPack)
	second := writePack(t, "todo.cue", `
pack: todo: {
	version:   "1.0"
	namespace: "task"
	command: add: {}
}
`)

	out, err := execute(t, "packs", "validate", first, second, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	res, cliErr := decode[PacksValidation](t, out)
	require.NotNil(t, cliErr)
	assert.Equal(t, ErrCodeInvalidPack, cliErr.Code)
	assert.False(t, res.Valid)
	codes := make([]string, len(res.Errors))
	for i, e := range res.Errors {
		codes[i] = e.Code
	}
	assert.ElementsMatch(t, []string{compiler.ErrVersionNotSemver, compiler.ErrNamespaceTaken}, codes)
}

func TestPacksValidateCompileError(t *testing.T) {
	path := writePack(t, "broken.cue", "pack: tasks: {\n\tversion: \n")

	out, err := execute(t, "packs", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "broken.cue")

	_, err = execute(t, "packs", "validate", filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
