package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ID    string         `json:"id"`
	Value int            `json:"value"`
	Extra map[string]any `json:"extra,omitempty"`
}

// createTestLog creates a new log in a temp directory.
func createTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := OpenLog(filepath.Join(t.TempDir(), "data", "test.jsonl"), WithoutSync())
	if err != nil {
		t.Fatalf("OpenLog() failed: %v", err)
	}
	return l
}

func readAll(t *testing.T, l *Log) []testRecord {
	t.Helper()
	var out []testRecord
	err := ScanRecords(context.Background(), l, func(r testRecord) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestOpenLog_CreatesFileAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "events.jsonl")

	l, err := OpenLog(path)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestOpenLog_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	l, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(testRecord{ID: "a", Value: 1}))

	// Reopening must not truncate.
	l2, err := OpenLog(path)
	require.NoError(t, err)
	assert.Len(t, readAll(t, l2), 1)
}

// appendRaw writes bytes to the log file behind the Log's back.
func appendRaw(t *testing.T, path, raw string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(raw)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestOpenLog_TruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := OpenLog(path, WithoutSync())
	require.NoError(t, err)
	require.NoError(t, l.Append(testRecord{ID: "a", Value: 1}))
	appendRaw(t, path, `{"id":"b","val`)

	l2, err := OpenLog(path, WithoutSync())
	require.NoError(t, err)
	assert.Equal(t, []testRecord{{ID: "a", Value: 1}}, readAll(t, l2))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"a\",\"value\":1}\n", string(data))
}

func TestLog_AppendAfterTornTail(t *testing.T) {
	l := createTestLog(t)
	require.NoError(t, l.Append(testRecord{ID: "a", Value: 1}))
	appendRaw(t, l.Path(), `{"id":"b","val`)

	require.NoError(t, l.Append(testRecord{ID: "c", Value: 3}))

	assert.Equal(t, []testRecord{{ID: "a", Value: 1}, {ID: "c", Value: 3}}, readAll(t, l))
}

func TestLog_RepairTail(t *testing.T) {
	l := createTestLog(t)

	dropped, err := l.RepairTail()
	require.NoError(t, err)
	assert.Zero(t, dropped, "empty log")

	require.NoError(t, l.Append(testRecord{ID: "a", Value: 1}))
	dropped, err = l.RepairTail()
	require.NoError(t, err)
	assert.Zero(t, dropped, "terminated log")

	appendRaw(t, l.Path(), "{\"id\":")
	dropped, err = l.RepairTail()
	require.NoError(t, err)
	assert.Equal(t, int64(6), dropped)
	assert.Len(t, readAll(t, l), 1)
}

func TestLog_RepairTail_NoNewlineAtAll(t *testing.T) {
	l := createTestLog(t)
	appendRaw(t, l.Path(), `{"id":"x"`)

	dropped, err := l.RepairTail()
	require.NoError(t, err)
	assert.Equal(t, int64(9), dropped)

	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestLog_AppendWritesCanonicalLines(t *testing.T) {
	l := createTestLog(t)

	require.NoError(t, l.Append(
		map[string]any{"z": 1, "a": "<b>"},
		testRecord{ID: "r1", Value: 2},
	))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\"<b>\",\"z\":1}\n{\"id\":\"r1\",\"value\":2}\n", string(data))
}

func TestLog_AppendRejectsWholeBatchOnBadRecord(t *testing.T) {
	l := createTestLog(t)

	err := l.Append(testRecord{ID: "ok"}, map[string]any{"__proto__": 1})
	require.Error(t, err)

	assert.Empty(t, readAll(t, l), "no record of a failed batch may reach the file")
}

func TestLog_ScanInAppendOrder(t *testing.T) {
	l := createTestLog(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(testRecord{ID: fmt.Sprintf("r%d", i), Value: i}))
	}

	records := readAll(t, l)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, i, r.Value)
	}
}

func TestLog_ScanSkipsBlankLinesAndReportsLineNumbers(t *testing.T) {
	l := createTestLog(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte("{\"id\":\"a\",\"value\":1}\n\n{not json\n"), 0o600))

	var corrupt *CorruptLineError
	err := ScanRecords(context.Background(), l, func(testRecord) error { return nil })
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, 3, corrupt.Line)
}

func TestLog_ScanStopsOnCallbackError(t *testing.T) {
	l := createTestLog(t)
	require.NoError(t, l.Append(testRecord{ID: "a"}, testRecord{ID: "b"}, testRecord{ID: "c"}))

	stop := errors.New("stop")
	seen := 0
	err := l.Scan(context.Background(), func(int, []byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestLog_ScanHonoursCancelledContext(t *testing.T) {
	l := createTestLog(t)
	require.NoError(t, l.Append(testRecord{ID: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Scan(ctx, func(int, []byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLog_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	l := createTestLog(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				err := l.Append(testRecord{
					ID:    fmt.Sprintf("g%d-%d", g, i),
					Extra: map[string]any{"pad": strings.Repeat("x", 512)},
				})
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	records := readAll(t, l)
	assert.Len(t, records, 200)
}

func TestLog_Rewrite(t *testing.T) {
	l := createTestLog(t)
	require.NoError(t, l.Append(
		testRecord{ID: "keep-1", Value: 1},
		testRecord{ID: "drop", Value: 2},
		testRecord{ID: "keep-2", Value: 3},
	))

	dropped, err := l.Rewrite(context.Background(), func(line []byte) (bool, error) {
		r, err := Decode[testRecord](line)
		if err != nil {
			return false, err
		}
		return r.ID != "drop", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	records := readAll(t, l)
	require.Len(t, records, 2)
	assert.Equal(t, "keep-1", records[0].ID)
	assert.Equal(t, "keep-2", records[1].ID)

	// Appends after a rewrite land at the end of the new file.
	require.NoError(t, l.Append(testRecord{ID: "after"}))
	assert.Len(t, readAll(t, l), 3)

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(l.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLog_RewriteFailureLeavesOriginal(t *testing.T) {
	l := createTestLog(t)
	require.NoError(t, l.Append(testRecord{ID: "a"}, testRecord{ID: "b"}))

	boom := errors.New("boom")
	_, err := l.Rewrite(context.Background(), func([]byte) (bool, error) { return false, boom })
	require.ErrorIs(t, err, boom)

	assert.Len(t, readAll(t, l), 2)
	entries, err := os.ReadDir(filepath.Dir(l.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLayout_OpenAll(t *testing.T) {
	layout := Layout{Dir: filepath.Join(t.TempDir(), "ledger")}

	logs, err := layout.OpenAll(WithoutSync())
	require.NoError(t, err)

	for _, name := range []string{
		EventsFile, CommandsFile, CommandOutcomesFile, TrajectoryStepsFile,
		TrajectoryOutcomesFile, ArtifactsFile, ReceiptsFile,
	} {
		_, err := os.Stat(layout.Path(name))
		assert.NoError(t, err, name)
	}
	assert.Equal(t, layout.Path(EventsFile), logs.Events.Path())
	assert.Equal(t, layout.Path(ReceiptsFile), logs.Receipts.Path())
}
