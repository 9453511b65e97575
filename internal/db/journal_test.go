package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossings.report/internal/fsutil"
	"github.com/banshee-data/crossings.report/internal/timeutil"
)

func TestJournalAppend(t *testing.T) {
	t.Parallel()

	memfs := fsutil.NewMemoryFileSystem()
	j, err := NewJournal(memfs, "data/events.journal")
	require.NoError(t, err)

	require.NoError(t, j.Append(testEvent("entry", "cam-1", 1, "2026-08-24T10:00:00Z")))
	require.NoError(t, j.Append(testEvent("exit", "cam-1", 1, "2026-08-24T10:01:00Z")))

	n, err := j.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := memfs.ReadFile("data/events.journal")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"entry"`)
	assert.Contains(t, string(data), `"event_type":"exit"`)
}

func TestJournalLenEmptyFile(t *testing.T) {
	t.Parallel()

	j, err := NewJournal(fsutil.NewMemoryFileSystem(), "events.journal")
	require.NoError(t, err)
	n, err := j.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJournalReplayFlushesToDatabase(t *testing.T) {
	t.Parallel()

	database := newTestDB(t)
	j, err := NewJournal(fsutil.NewMemoryFileSystem(), "events.journal")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, j.Append(testEvent("entry", "cam-1", 1, "2026-08-24T10:00:00Z")))
	require.NoError(t, j.Append(testEvent("exit", "cam-1", 1, "2026-08-24T10:01:00Z")))
	require.NoError(t, j.Append(&Completion{
		JobID: "job-1", Kind: "FILE_VIDEO", Phase: "COMPLETED",
		EntryCount: 1, ExitCount: 1, Timestamp: "2026-08-24T10:02:00Z",
	}))

	n, err := j.Replay(ctx, database)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, err := database.ReadEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	completions, err := database.Completions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, "FILE_VIDEO", completions[0].Kind)

	left, err := j.Len()
	require.NoError(t, err)
	assert.Zero(t, left, "journal truncated after a clean replay")
}

func TestJournalReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	database := newTestDB(t)
	j, err := NewJournal(fsutil.NewMemoryFileSystem(), "events.journal")
	require.NoError(t, err)
	ctx := context.Background()

	ev := testEvent("entry", "cam-1", 1, "2026-08-24T10:00:00Z")
	// The row already landed in the database before the journal was
	// truncated; replaying the same record must not duplicate it.
	require.NoError(t, database.RecordEvent(ctx, ev))
	require.NoError(t, j.Append(ev))

	_, err = j.Replay(ctx, database)
	require.NoError(t, err)

	events, err := database.ReadEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestJournalReplayKeepsUnwrittenRecords(t *testing.T) {
	t.Parallel()

	// Closed database: every insert fails.
	database, err := NewDB(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	require.NoError(t, database.Close())

	j, err := NewJournal(fsutil.NewMemoryFileSystem(), "events.journal")
	require.NoError(t, err)
	require.NoError(t, j.Append(testEvent("entry", "cam-1", 1, "2026-08-24T10:00:00Z")))

	n, err := j.Replay(context.Background(), database)
	require.Error(t, err)
	assert.Zero(t, n)

	left, lerr := j.Len()
	require.NoError(t, lerr)
	assert.Equal(t, 1, left, "failed records stay journaled")
}

func TestJournalReplayDropsMalformedLines(t *testing.T) {
	t.Parallel()

	database := newTestDB(t)
	memfs := fsutil.NewMemoryFileSystem()
	j, err := NewJournal(memfs, "events.journal")
	require.NoError(t, err)

	require.NoError(t, memfs.WriteFile("events.journal", []byte("{not json\n"), 0o644))
	require.NoError(t, j.Append(testEvent("entry", "cam-1", 1, "2026-08-24T10:00:00Z")))

	n, err := j.Replay(context.Background(), database)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the valid record is flushed, the garbage dropped")

	left, _ := j.Len()
	assert.Zero(t, left)
}

func TestReliableStoreWritesThrough(t *testing.T) {
	t.Parallel()

	database := newTestDB(t)
	j, err := NewJournal(fsutil.NewMemoryFileSystem(), "events.journal")
	require.NoError(t, err)
	clock := timeutil.NewMockClock(time.Now())
	store := NewReliableStore(database, j, clock)

	require.NoError(t, store.RecordEvent(context.Background(),
		testEvent("entry", "cam-1", 1, "2026-08-24T10:00:00Z")))

	got, err := database.ReadEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	n, _ := j.Len()
	assert.Zero(t, n, "nothing journaled on the happy path")
	assert.Empty(t, clock.Sleeps(), "no backoff on first-attempt success")
}

func TestReliableStoreJournalsAfterRetries(t *testing.T) {
	t.Parallel()

	// Closed database: every write attempt fails.
	database, err := NewDB(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	require.NoError(t, database.Close())

	j, err := NewJournal(fsutil.NewMemoryFileSystem(), "events.journal")
	require.NoError(t, err)
	clock := timeutil.NewMockClock(time.Now())
	store := NewReliableStore(database, j, clock)

	err = store.RecordEvent(context.Background(),
		testEvent("entry", "cam-1", 1, "2026-08-24T10:00:00Z"))
	require.NoError(t, err, "journaled events do not fail the job")

	n, err := j.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 2, "two backoffs between three attempts")
	assert.Equal(t, 50*time.Millisecond, sleeps[0])
	assert.Equal(t, 100*time.Millisecond, sleeps[1], "backoff is exponential")
}

func TestReliableStoreCompletionFallback(t *testing.T) {
	t.Parallel()

	database, err := NewDB(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	require.NoError(t, database.Close())

	j, err := NewJournal(fsutil.NewMemoryFileSystem(), "events.journal")
	require.NoError(t, err)
	store := NewReliableStore(database, j, timeutil.NewMockClock(time.Now()))

	require.NoError(t, store.RecordCompletion(context.Background(), &Completion{
		JobID: "job-1", Phase: "STOPPED", Timestamp: "2026-08-24T10:00:00Z",
	}))
	n, _ := j.Len()
	assert.Equal(t, 1, n)
}
