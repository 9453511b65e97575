// Package db is the SQLite persistence layer for crossing events and job
// completion records.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/crossings.report/internal/monitoring"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the SQLite database at path. The busy
// timeout covers concurrent writers briefly contending on the single file.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := sqlDB.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if _, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type  TEXT NOT NULL CHECK (event_type IN ('entry', 'exit')),
			camera_id   TEXT NOT NULL,
			track_id    BIGINT NOT NULL,
			confidence  DOUBLE NOT NULL,
			timestamp   TEXT NOT NULL,
			frame_index BIGINT NOT NULL,
			bbox        TEXT NOT NULL,
			line_id     TEXT,
			notes       TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp  ON events (timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_event_type ON events (event_type);
		CREATE INDEX IF NOT EXISTS idx_events_camera_id  ON events (camera_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup
			ON events (camera_id, track_id, event_type, frame_index, timestamp);

		CREATE TABLE IF NOT EXISTS completions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id      TEXT NOT NULL,
			camera_id   TEXT,
			kind        TEXT,
			phase       TEXT NOT NULL,
			entry_count BIGINT NOT NULL,
			exit_count  BIGINT NOT NULL,
			frames_in   BIGINT NOT NULL,
			frames_out  BIGINT NOT NULL,
			error       TEXT,
			timestamp   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_completions_job_id ON completions (job_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_completions_dedup
			ON completions (job_id, phase, timestamp);
	`); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{sqlDB}, nil
}

// Event is one persisted crossing event. Column names are the contract with
// downstream report tooling.
type Event struct {
	ID         int64   `json:"id"`
	EventType  string  `json:"event_type"` // entry | exit
	CameraID   string  `json:"camera_id"`
	TrackID    int64   `json:"track_id"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"` // ISO-8601 UTC
	FrameIndex int64   `json:"frame_index"`
	BBox       [4]int  `json:"bbox"` // x1, y1, x2, y2
	LineID     string  `json:"line_id,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

func (e *Event) String() string {
	return fmt.Sprintf("Type: %s, Camera: %s, Track: %d, Frame: %d, Confidence: %.2f",
		e.EventType, e.CameraID, e.TrackID, e.FrameIndex, e.Confidence)
}

// FormatTimestamp renders t in the stored ISO-8601 UTC form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// RecordEvent inserts one crossing event and fills in its assigned ID.
// A row that already exists under the dedup index is left untouched, so
// journal replay can re-insert safely.
func (db *DB) RecordEvent(ctx context.Context, ev *Event) error {
	bbox, err := json.Marshal(ev.BBox)
	if err != nil {
		return fmt.Errorf("marshal bbox: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO events (
			event_type, camera_id, track_id, confidence, timestamp,
			frame_index, bbox, line_id, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (camera_id, track_id, event_type, frame_index, timestamp)
			DO NOTHING`,
		ev.EventType, ev.CameraID, ev.TrackID, ev.Confidence, ev.Timestamp,
		ev.FrameIndex, string(bbox), ev.LineID, ev.Notes,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		if id, err := res.LastInsertId(); err == nil {
			ev.ID = id
		}
	}
	return nil
}

// EventFilter narrows ReadEvents results. Zero values mean "no filter".
type EventFilter struct {
	StartTime string // inclusive ISO-8601 lower bound
	EndTime   string // inclusive ISO-8601 upper bound
	EventType string
	CameraID  string
	Limit     int // clamped to [1, 1000], default 100
	Offset    int
}

// ReadEvents returns events matching the filter, newest first.
func (db *DB) ReadEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var conds []string
	var args []any
	if f.StartTime != "" {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.StartTime)
	}
	if f.EndTime != "" {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.EndTime)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.CameraID != "" {
		conds = append(conds, "camera_id = ?")
		args = append(args, f.CameraID)
	}

	query := `SELECT id, event_type, camera_id, track_id, confidence, timestamp,
		frame_index, bbox, line_id, notes FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var bbox string
		var lineID, notes sql.NullString
		if err := rows.Scan(
			&ev.ID, &ev.EventType, &ev.CameraID, &ev.TrackID, &ev.Confidence,
			&ev.Timestamp, &ev.FrameIndex, &bbox, &lineID, &notes,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(bbox), &ev.BBox); err != nil {
			return nil, fmt.Errorf("unmarshal bbox for event %d: %w", ev.ID, err)
		}
		ev.LineID = lineID.String
		ev.Notes = notes.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents returns the number of entry and exit events matching camera.
// An empty camera counts across all cameras.
func (db *DB) CountEvents(ctx context.Context, cameraID string) (entries, exits int64, err error) {
	query := `SELECT
		COALESCE(SUM(CASE WHEN event_type = 'entry' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN event_type = 'exit' THEN 1 ELSE 0 END), 0)
		FROM events`
	var args []any
	if cameraID != "" {
		query += " WHERE camera_id = ?"
		args = append(args, cameraID)
	}
	err = db.QueryRowContext(ctx, query, args...).Scan(&entries, &exits)
	return entries, exits, err
}

// Completion is the final record written when a job reaches a terminal
// phase.
type Completion struct {
	JobID      string `json:"job_id"`
	CameraID   string `json:"camera_id,omitempty"`
	Kind       string `json:"kind,omitempty"` // FILE_VIDEO | RTSP_STREAM
	Phase      string `json:"phase"`
	EntryCount int64  `json:"entry_count"`
	ExitCount  int64  `json:"exit_count"`
	FramesIn   int64  `json:"frames_in"`
	FramesOut  int64  `json:"frames_out"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// RecordCompletion inserts a job's terminal record. Re-inserting the same
// record (journal replay) is a no-op.
func (db *DB) RecordCompletion(ctx context.Context, c *Completion) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO completions (
			job_id, camera_id, kind, phase, entry_count, exit_count,
			frames_in, frames_out, error, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, phase, timestamp) DO NOTHING`,
		c.JobID, c.CameraID, c.Kind, c.Phase, c.EntryCount, c.ExitCount,
		c.FramesIn, c.FramesOut, c.Error, c.Timestamp,
	)
	return err
}

// Completions returns the most recent terminal records, newest first.
func (db *DB) Completions(ctx context.Context, limit int) ([]Completion, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT job_id, camera_id, kind, phase, entry_count, exit_count,
			frames_in, frames_out, error, timestamp
		FROM completions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var c Completion
		var cameraID, kind, errMsg sql.NullString
		if err := rows.Scan(
			&c.JobID, &cameraID, &kind, &c.Phase, &c.EntryCount, &c.ExitCount,
			&c.FramesIn, &c.FramesOut, &errMsg, &c.Timestamp,
		); err != nil {
			return nil, err
		}
		c.CameraID = cameraID.String
		c.Kind = kind.String
		c.Error = errMsg.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts the live SQL console and backup endpoint under
// /debug/ on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://crossings.db", db.DB, &tailsql.DBOptions{
		Label: "Crossings DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
