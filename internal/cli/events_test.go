package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/ir"
)

func TestEventsStream(t *testing.T) {
	s := seedDataDir(t)

	out, err := execute(t, "events", "stream", "--data-dir", s.dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "mail.received")
	assert.Contains(t, lines[0], s.events[0].EventID)
	assert.Contains(t, lines[2], "task.created")
}

func TestEventsStreamJSON(t *testing.T) {
	s := seedDataDir(t)

	out, err := execute(t, "events", "stream", "--data-dir", s.dir, "--format", "json",
		"--after", s.events[0].EventID, "--limit", "1")
	require.NoError(t, err)
	events, cliErr := decode[[]ir.EventEnvelope](t, out)
	assert.Nil(t, cliErr)
	require.Len(t, events, 1)
	assert.Equal(t, s.events[1].EventID, events[0].EventID)
}

func TestEventsStreamEmpty(t *testing.T) {
	out, err := execute(t, "events", "stream", "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No events found.")
}

func TestEventsStreamUnknownAfter(t *testing.T) {
	s := seedDataDir(t)

	out, err := execute(t, "events", "stream", "--data-dir", s.dir, "--after", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestEventsGet(t *testing.T) {
	s := seedDataDir(t)
	want := s.events[2]

	out, err := execute(t, "events", "get", want.EventID, "--data-dir", s.dir)
	require.NoError(t, err)
	assert.Contains(t, out, "task.created")
	assert.Contains(t, out, "source_ref:     tasks:1")
	assert.Contains(t, out, `{"title":"pay invoice"}`)

	out, err = execute(t, "events", "get", want.EventID, "--data-dir", s.dir, "--format", "json")
	require.NoError(t, err)
	got, _ := decode[ir.EventEnvelope](t, out)
	assert.Equal(t, want.EventID, got.EventID)
	assert.Equal(t, want.Payload, got.Payload)
}

func TestEventsGetNotFound(t *testing.T) {
	s := seedDataDir(t)

	out, err := execute(t, "events", "get", "deadbeef", "--data-dir", s.dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, cliErr := decode[any](t, out)
	require.NotNil(t, cliErr)
	assert.Equal(t, ErrCodeNotFound, cliErr.Code)
}
