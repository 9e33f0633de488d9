package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/ir"
	"github.com/roach88/ledger/internal/projection"
)

func TestNewPack_HandlersMatchManifest(t *testing.T) {
	hs := taskHandlers()
	delete(hs, "task.touch")
	_, err := NewPack(taskManifest(), tasksReducer, hs)
	assert.ErrorContains(t, err, `no handler for declared command "task.touch"`)

	hs = taskHandlers()
	hs["task.archive"] = hs["task.touch"]
	_, err = NewPack(taskManifest(), tasksReducer, hs)
	assert.ErrorContains(t, err, `handler for undeclared command "task.archive"`)

	m := taskManifest()
	m.Version = "1.0"
	_, err = NewPack(m, tasksReducer, taskHandlers())
	assert.True(t, ir.IsValidationError(err))
}

func TestNewPack_ExposesReducerAndExtras(t *testing.T) {
	total := projection.Definition[int]{
		Name:  "task_event_total",
		Init:  func() int { return 0 },
		Apply: func(n int, _ ir.EventEnvelope) (int, error) { return n + 1, nil },
	}
	p, err := NewPack(taskManifest(), tasksReducer, taskHandlers(), projection.Erase(total))
	require.NoError(t, err)

	var keys []string
	for _, rn := range p.Projections() {
		keys = append(keys, rn.Key().String())
	}
	assert.Equal(t, []string{"tasks_state@1", "task_event_total@0"}, keys)
}

func TestRegistry_RouteByNamespace(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(taskPack(t)))

	p, err := r.Route("task.create")
	require.NoError(t, err)
	assert.Equal(t, "tasks", p.Manifest().Name)

	_, err = r.Route("note.create")
	assert.True(t, IsUnknownCommand(err))

	assert.True(t, r.Unregister("task"))
	assert.False(t, r.Unregister("task"))
	_, err = r.Route("task.create")
	assert.True(t, IsUnknownCommand(err))
}

func TestRegistry_VersionRules(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(taskPack(t)))

	same := taskPack(t)
	err := r.Register(same)
	assert.ErrorContains(t, err, "not newer")

	m := taskManifest()
	m.Version = "1.1.0"
	newer, err := NewPack(m, tasksReducer, taskHandlers())
	require.NoError(t, err)
	require.NoError(t, r.Register(newer))
	assert.Equal(t, "1.1.0", r.Manifests()[0].Version)

	m.Version = "1.0.5"
	older, err := NewPack(m, tasksReducer, taskHandlers())
	require.NoError(t, err)
	assert.Error(t, r.Register(older))

	m = taskManifest()
	m.Name = "other-tasks"
	m.Version = "9.0.0"
	squatter, err := NewPack(m, tasksReducer, taskHandlers())
	require.NoError(t, err)
	assert.ErrorContains(t, r.Register(squatter), "owned by pack tasks")
}

func TestRegistry_RegisterProjections(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(taskPack(t)))

	projs := projection.NewRegistry()
	require.NoError(t, r.RegisterProjections(projs))
	assert.Equal(t, []projection.Key{{Name: "tasks_state", Version: 1}}, projs.Keys())

	assert.ErrorIs(t, r.RegisterProjections(projs), projection.ErrDuplicate)
}

func TestRegistry_RegisterProjectionsDuringUnregister(t *testing.T) {
	r := NewRegistry()
	p := taskPack(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 200 {
			_ = r.Register(p)
			r.Unregister("task")
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			projs := projection.NewRegistry()
			assert.NoError(t, r.RegisterProjections(projs))
			assert.LessOrEqual(t, len(projs.Keys()), 1)
		}
	}()
	wg.Wait()
}

func TestPack_HandleSeesReplayedState(t *testing.T) {
	ctx := context.Background()
	l := createTestLedger(t)
	_, err := l.Execute(ctx, taskCommand("cmd-1", "task.create", "k1", "task:1", map[string]any{"title": "a"}))
	require.NoError(t, err)

	p, err := l.Packs().Route("task.create")
	require.NoError(t, err)
	_, err = p.Handle(ctx, l.events, taskCommand("cmd-2", "task.create", "k2", "task:1", map[string]any{"title": "a"}))
	assert.True(t, IsPreconditionFailed(err))
}

func TestLedgerError_Format(t *testing.T) {
	err := PreconditionFailed("open", "done", "task cannot be completed")
	assert.Equal(t, "PRECONDITION_FAILED: task cannot be completed (expected=open, actual=done)", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, IsPreconditionFailed(wrapped))
	assert.False(t, IsValidationError(wrapped))
	assert.Equal(t, ErrCodePreconditionFailed, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(""), CodeOf(fmt.Errorf("plain")))

	inv := Invalid("title %s", "missing")
	inv.CommandID = "cmd-1"
	assert.Equal(t, "VALIDATION: title missing (command=cmd-1)", inv.Error())
}
