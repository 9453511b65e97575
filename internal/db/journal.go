package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/crossings.report/internal/fsutil"
	"github.com/banshee-data/crossings.report/internal/monitoring"
	"github.com/banshee-data/crossings.report/internal/timeutil"
)

// Journal is the durable on-disk fallback for events that could not be
// written to the database. Entries are JSON lines so the file can be
// replayed or inspected with standard tools.
type Journal struct {
	fs   fsutil.FileSystem
	path string
	mu   sync.Mutex
}

// NewJournal creates a journal at path, creating parent directories.
func NewJournal(fs fsutil.FileSystem, path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	return &Journal{fs: fs, path: path}, nil
}

// Append writes one record as a JSON line.
func (j *Journal) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fs.AppendFile(j.path, line, 0o644)
}

// Replay flushes journaled records into the database and truncates the
// journal. Records that still cannot be written are kept for the next
// replay; malformed lines are dropped. Inserts are idempotent (the dedup
// indexes absorb re-inserts) so a crash between insert and truncate is
// safe. Returns the number of records written.
func (j *Journal) Replay(ctx context.Context, database *DB) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.fs.Exists(j.path) {
		return 0, nil
	}
	data, err := j.fs.ReadFile(j.path)
	if err != nil {
		return 0, fmt.Errorf("read journal: %w", err)
	}

	var (
		replayed  int
		remaining []byte
		firstErr  error
	)
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if firstErr != nil {
			remaining = append(remaining, line...)
			remaining = append(remaining, '\n')
			continue
		}
		if err := replayRecord(ctx, database, line); err != nil {
			if errors.Is(err, errMalformedRecord) {
				monitoring.Logf("journal: dropping malformed record: %v", err)
				continue
			}
			firstErr = err
			remaining = append(remaining, line...)
			remaining = append(remaining, '\n')
			continue
		}
		replayed++
	}

	if err := j.fs.WriteFile(j.path, remaining, 0o644); err != nil {
		return replayed, fmt.Errorf("rewrite journal: %w", err)
	}
	return replayed, firstErr
}

var errMalformedRecord = errors.New("malformed journal record")

// replayRecord writes one journal line back to the database. Completion
// records carry a phase; everything else is an event.
func replayRecord(ctx context.Context, database *DB, line []byte) error {
	var head struct {
		EventType string `json:"event_type"`
		Phase     string `json:"phase"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return fmt.Errorf("%w: %v", errMalformedRecord, err)
	}
	switch {
	case head.Phase != "":
		var c Completion
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("%w: %v", errMalformedRecord, err)
		}
		return database.RecordCompletion(ctx, &c)
	case head.EventType != "":
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("%w: %v", errMalformedRecord, err)
		}
		return database.RecordEvent(ctx, &ev)
	default:
		return fmt.Errorf("%w: neither event nor completion", errMalformedRecord)
	}
}

// Len returns the number of journaled records.
func (j *Journal) Len() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.fs.Exists(j.path) {
		return 0, nil
	}
	data, err := j.fs.ReadFile(j.path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n, nil
}

// ReliableStore wraps the database with the write-failure policy: each
// event write is retried with exponential backoff, and on exhaustion the
// event goes to the journal instead of failing the job. Counts are never
// rolled back; a journaled event is still a counted event.
type ReliableStore struct {
	db      *DB
	journal *Journal
	clock   timeutil.Clock

	maxAttempts int
	baseDelay   time.Duration
}

// NewReliableStore wraps db with retry and journal fallback.
func NewReliableStore(database *DB, journal *Journal, clock timeutil.Clock) *ReliableStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ReliableStore{
		db:          database,
		journal:     journal,
		clock:       clock,
		maxAttempts: 3,
		baseDelay:   50 * time.Millisecond,
	}
}

// RecordEvent persists ev, retrying transient failures. On exhaustion the
// event is journaled and a nil error is returned so counting continues.
func (s *ReliableStore) RecordEvent(ctx context.Context, ev *Event) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			s.clock.Sleep(s.baseDelay << (attempt - 1))
		}
		if lastErr = s.db.RecordEvent(ctx, ev); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	monitoring.Logf("store: event write failed after %d attempts, journaling: %v", s.maxAttempts, lastErr)
	if err := s.journal.Append(ev); err != nil {
		return fmt.Errorf("journal fallback failed (store error: %v): %w", lastErr, err)
	}
	return nil
}

// RecordCompletion persists a terminal job record with the same fallback.
func (s *ReliableStore) RecordCompletion(ctx context.Context, c *Completion) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			s.clock.Sleep(s.baseDelay << (attempt - 1))
		}
		if lastErr = s.db.RecordCompletion(ctx, c); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	monitoring.Logf("store: completion write failed after %d attempts, journaling: %v", s.maxAttempts, lastErr)
	if err := s.journal.Append(c); err != nil {
		return fmt.Errorf("journal fallback failed (store error: %v): %w", lastErr, err)
	}
	return nil
}
