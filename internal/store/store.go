// Package store implements the Job Store: the single source of truth for
// Session, Job, PassRecord, and ActivityEntry rows (spec.md §3, §5). All
// mutations go through its exported methods; callers never cache mutable
// Job or Session state outside short-lived snapshots (spec.md §5).
//
// Backed by SQLite in WAL mode. Chosen over an in-process map so that
// append-only tables (pass_records, activity_entries) and the terminal-
// state invariant on jobs are enforced at the row level, matching the
// durability spec.md §6 expects ("Persisted state: one row per Session and
// per Job...").
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/krpothula/cryoprocess/internal/model"
)

// ErrNotFound is returned when a Session or Job id has no matching row.
var ErrNotFound = fmt.Errorf("store: not found")

// Store is the Job Store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and applies the
// schema. Use ":memory:" for an ephemeral store (tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("store: creating directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	// SQLite only supports one writer; a single connection avoids
	// SQLITE_BUSY churn under the orchestrator's concurrent pass loops.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	config_json    TEXT NOT NULL,
	status         TEXT NOT NULL,
	current_stage  TEXT NOT NULL DEFAULT '',
	counters_json  TEXT NOT NULL,
	pass_number    INTEGER NOT NULL DEFAULT 0,
	last_pass_at   TEXT,
	class2d_next_k INTEGER NOT NULL DEFAULT 1,
	created_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	stage         TEXT NOT NULL,
	params_json   TEXT NOT NULL,
	command       TEXT NOT NULL,
	output_dir    TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	status        TEXT NOT NULL,
	scheduler_id  TEXT NOT NULL DEFAULT '',
	started_at    TEXT,
	ended_at      TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	stats_json    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_jobs_session_stage ON jobs(session_id, stage, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE TABLE IF NOT EXISTS pass_records (
	session_id   TEXT NOT NULL,
	pass_number  INTEGER NOT NULL,
	timestamp    TEXT NOT NULL,
	counters_json TEXT NOT NULL,
	PRIMARY KEY (session_id, pass_number)
);
CREATE TABLE IF NOT EXISTS activity_entries (
	session_id   TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	timestamp    TEXT NOT NULL,
	level        TEXT NOT NULL,
	stage        TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	message      TEXT NOT NULL,
	context_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (session_id, seq)
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// --- Sessions -----------------------------------------------------------

// CreateSession inserts a new Session row. If a row with the same id
// already exists it returns the wrapped insert error (a primary-key
// constraint violation); callers generate fresh uuids.
func (s *Store) CreateSession(ctx context.Context, st *model.SessionState) error {
	cfgJSON, err := json.Marshal(st.Config)
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}
	countersJSON, _ := json.Marshal(st.Counters)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, config_json, status, current_stage, counters_json, pass_number, last_pass_at, class2d_next_k, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, string(cfgJSON), string(st.Status), string(st.CurrentStage), string(countersJSON),
		st.PassNumber, nullableTime(st.LastPassAt), st.Class2DNextK, st.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", st.ID, err)
	}
	return nil
}

// UpdateSession replaces the mutable fields of a Session row. Session
// status is mutated only by the Orchestrator (spec.md §5); the Store does
// not enforce that policy itself, it only persists what it is given.
func (s *Store) UpdateSession(ctx context.Context, st *model.SessionState) error {
	countersJSON, _ := json.Marshal(st.Counters)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status=?, current_stage=?, counters_json=?, pass_number=?, last_pass_at=?, class2d_next_k=?
		WHERE id=?`,
		string(st.Status), string(st.CurrentStage), string(countersJSON), st.PassNumber,
		nullableTime(st.LastPassAt), st.Class2DNextK, st.ID)
	if err != nil {
		return fmt.Errorf("store: update session %s: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession loads a Session's current state, including its job map and
// pass history.
func (s *Store) GetSession(ctx context.Context, id string) (*model.SessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT config_json, status, current_stage, counters_json, pass_number, last_pass_at, class2d_next_k, created_at
		FROM sessions WHERE id=?`, id)

	var cfgJSON, countersJSON, createdAt string
	var status, stage string
	var lastPassAt sql.NullString
	var passNumber, class2DNextK int
	if err := row.Scan(&cfgJSON, &status, &stage, &countersJSON, &passNumber, &lastPassAt, &class2DNextK, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}

	st := &model.SessionState{
		ID:           id,
		Status:       model.SessionStatus(status),
		CurrentStage: model.Stage(stage),
		PassNumber:   passNumber,
		Class2DNextK: class2DNextK,
	}
	if err := json.Unmarshal([]byte(cfgJSON), &st.Config); err != nil {
		return nil, fmt.Errorf("store: unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(countersJSON), &st.Counters); err != nil {
		return nil, fmt.Errorf("store: unmarshal counters: %w", err)
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastPassAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastPassAt.String)
		st.LastPassAt = &t
	}

	history, err := s.passHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	st.PassHistory = history

	jobsMap, err := s.jobsMap(ctx, id)
	if err != nil {
		return nil, err
	}
	st.Jobs = jobsMap

	return st, nil
}

// ListSessionsByProject returns every Session belonging to projectID.
func (s *Store) ListSessionsByProject(ctx context.Context, projectID string) ([]*model.SessionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	var result []*model.SessionState
	for _, id := range ids {
		st, err := s.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if st.Config.ProjectID == projectID {
			result = append(result, st)
		}
	}
	return result, nil
}

// DeleteSession removes a Session and its owned rows (activity, pass
// history). Jobs rows are left in place for audit, orphaned by session id.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id); err != nil {
		return fmt.Errorf("store: delete session %s: %w", id, err)
	}
	s.db.ExecContext(ctx, `DELETE FROM pass_records WHERE session_id=?`, id)
	s.db.ExecContext(ctx, `DELETE FROM activity_entries WHERE session_id=?`, id)
	return nil
}

func (s *Store) jobsMap(ctx context.Context, sessionID string) (model.JobsMap, error) {
	jm := model.NewJobsMap()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage FROM jobs WHERE session_id=? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return jm, fmt.Errorf("store: jobs map: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, stage string
		if err := rows.Scan(&id, &stage); err != nil {
			return jm, err
		}
		jm.Record(model.Stage(stage), id)
	}
	return jm, nil
}

// --- Jobs -----------------------------------------------------------------

// CreateJob inserts a new Job row.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	paramsJSON, _ := json.Marshal(j.Params)
	statsJSON, _ := json.Marshal(j.Stats)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, project_id, session_id, stage, params_json, command, output_dir, created_at, status, scheduler_id, started_at, ended_at, error_message, stats_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, j.SessionID, string(j.Stage), string(paramsJSON), j.Command, j.OutputDir,
		j.CreatedAt.Format(time.RFC3339Nano), string(j.Status), j.SchedulerID,
		nullableTime(j.StartedAt), nullableTime(j.EndedAt), j.ErrorMessage, string(statsJSON))
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob loads a single Job row.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, session_id, stage, params_json, command, output_dir, created_at, status, scheduler_id, started_at, ended_at, error_message, stats_json
		FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

// ActiveJobs returns every Job whose status is pending or running and whose
// scheduler id is set — the set the Monitor polls each tick (spec.md §4.4
// step 1).
func (s *Store) ActiveJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, stage, params_json, command, output_dir, created_at, status, scheduler_id, started_at, ended_at, error_message, stats_json
		FROM jobs WHERE status IN ('pending','running') AND scheduler_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("store: active jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	var stage, paramsJSON, createdAt, status, statsJSON string
	var startedAt, endedAt sql.NullString
	if err := row.Scan(&j.ID, &j.ProjectID, &j.SessionID, &stage, &paramsJSON, &j.Command, &j.OutputDir,
		&createdAt, &status, &j.SchedulerID, &startedAt, &endedAt, &j.ErrorMessage, &statsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	j.Stage = model.Stage(stage)
	j.Status = model.JobStatus(status)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if err := json.Unmarshal([]byte(paramsJSON), &j.Params); err != nil {
		return nil, fmt.Errorf("store: unmarshal params: %w", err)
	}
	if err := json.Unmarshal([]byte(statsJSON), &j.Stats); err != nil {
		return nil, fmt.Errorf("store: unmarshal stats: %w", err)
	}
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		j.StartedAt = &t
	}
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		j.EndedAt = &t
	}
	return &j, nil
}

// UpdateJobStats persists a new pipeline-statistics snapshot without
// touching status. The Monitor's poll does not call it.
func (s *Store) UpdateJobStats(ctx context.Context, id string, stats model.Stats) error {
	statsJSON, _ := json.Marshal(stats)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET stats_json=? WHERE id=?`, string(statsJSON), id)
	if err != nil {
		return fmt.Errorf("store: update job stats %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSchedulerID records the scheduler external id. It is set exactly once
// per Job (spec.md §3 invariant); a second call is a no-op success rather
// than an error since retried submission bookkeeping should not crash the
// caller.
func (s *Store) SetSchedulerID(ctx context.Context, id, schedulerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET scheduler_id=? WHERE id=? AND scheduler_id=''`, schedulerID, id)
	if err != nil {
		return fmt.Errorf("store: set scheduler id %s: %w", id, err)
	}
	return nil
}

// TransitionJob atomically moves a Job to newStatus, refusing the write if
// the row is already terminal (spec.md §3 invariant, P2, R2/B2 in §8). It
// returns the applied status (which may differ from newStatus if the row
// was already terminal) and whether the row actually changed.
func (s *Store) TransitionJob(ctx context.Context, id string, newStatus model.JobStatus, errMsg string, endNow bool) (applied model.JobStatus, changed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("store: begin transition %s: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	var startedAt sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT status, started_at FROM jobs WHERE id=?`, id).Scan(&current, &startedAt); err != nil {
		if err == sql.ErrNoRows {
			return "", false, ErrNotFound
		}
		return "", false, fmt.Errorf("store: read status %s: %w", id, err)
	}

	if model.JobStatus(current).IsTerminal() {
		return model.JobStatus(current), false, tx.Commit()
	}

	now := time.Now()
	setStarted := ""
	if newStatus == model.JobRunning && !startedAt.Valid {
		setStarted = ", started_at = ?"
	}
	query := "UPDATE jobs SET status=?, error_message=?"
	args := []any{string(newStatus), errMsg}
	if endNow && model.JobStatus(newStatus).IsTerminal() {
		query += ", ended_at=?"
		args = append(args, now.Format(time.RFC3339Nano))
	}
	if setStarted != "" {
		query += setStarted
		args = append(args, now.Format(time.RFC3339Nano))
	}
	query += " WHERE id=?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return "", false, fmt.Errorf("store: apply transition %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("store: commit transition %s: %w", id, err)
	}
	return newStatus, true, nil
}

// CancelJobsForSession transitions every non-terminal job of a session to
// cancelled, returning their scheduler ids (so the caller can issue
// scancel). Used by Orchestrator.Stop (spec.md §4.1, §5).
func (s *Store) CancelJobsForSession(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scheduler_id FROM jobs WHERE session_id=? AND status IN ('pending','running')`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: cancel jobs query: %w", err)
	}
	var ids, schedIDs []string
	for rows.Next() {
		var id, sid string
		if err := rows.Scan(&id, &sid); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		if sid != "" {
			schedIDs = append(schedIDs, sid)
		}
	}
	rows.Close()

	for _, id := range ids {
		if _, _, err := s.TransitionJob(ctx, id, model.JobCancelled, "", true); err != nil {
			return nil, err
		}
	}
	return schedIDs, nil
}

// --- Pass records -----------------------------------------------------------

// AppendPassRecord appends an immutable PassRecord to a session's history.
func (s *Store) AppendPassRecord(ctx context.Context, sessionID string, pr model.PassRecord) error {
	countersJSON, _ := json.Marshal(pr.Counters)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pass_records (session_id, pass_number, timestamp, counters_json) VALUES (?, ?, ?, ?)`,
		sessionID, pr.PassNumber, pr.Timestamp.Format(time.RFC3339Nano), string(countersJSON))
	if err != nil {
		return fmt.Errorf("store: append pass record: %w", err)
	}
	return nil
}

func (s *Store) passHistory(ctx context.Context, sessionID string) ([]model.PassRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pass_number, timestamp, counters_json FROM pass_records WHERE session_id=? ORDER BY pass_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: pass history: %w", err)
	}
	defer rows.Close()
	var out []model.PassRecord
	for rows.Next() {
		var pr model.PassRecord
		var ts, countersJSON string
		if err := rows.Scan(&pr.PassNumber, &ts, &countersJSON); err != nil {
			return nil, err
		}
		pr.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(countersJSON), &pr.Counters); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

// --- Activity log -----------------------------------------------------------

// AppendActivity assigns the next sequence number for sessionID and inserts
// the entry, all within one transaction so seq is gap-free per session.
func (s *Store) AppendActivity(ctx context.Context, e model.ActivityEntry) (model.ActivityEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e, fmt.Errorf("store: begin activity append: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM activity_entries WHERE session_id=?`, e.SessionID).Scan(&maxSeq); err != nil {
		return e, fmt.Errorf("store: max seq: %w", err)
	}
	e.Seq = maxSeq.Int64 + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	ctxJSON, _ := json.Marshal(e.Context)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activity_entries (session_id, seq, timestamp, level, stage, kind, message, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Seq, e.Timestamp.Format(time.RFC3339Nano), string(e.Level), string(e.Stage), e.Kind, e.Message, string(ctxJSON))
	if err != nil {
		return e, fmt.Errorf("store: insert activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return e, fmt.Errorf("store: commit activity: %w", err)
	}
	return e, nil
}

// ListActivity returns activity entries for sessionID matching filter,
// newest first, bounded by filter.Limit (spec.md §6 activity endpoint).
func (s *Store) ListActivity(ctx context.Context, sessionID string, filter model.ActivityFilter) ([]model.ActivityEntry, error) {
	query := `SELECT seq, timestamp, level, stage, kind, message, context_json FROM activity_entries WHERE session_id=?`
	args := []any{sessionID}
	if filter.Level != "" {
		query += ` AND level=?`
		args = append(args, string(filter.Level))
	}
	if filter.Stage != "" {
		query += ` AND stage=?`
		args = append(args, string(filter.Stage))
	}
	if filter.Search != "" {
		query += ` AND message LIKE ?`
		args = append(args, "%"+filter.Search+"%")
	}
	query += ` ORDER BY seq DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list activity: %w", err)
	}
	defer rows.Close()

	var out []model.ActivityEntry
	for rows.Next() {
		var e model.ActivityEntry
		var ts, stage, ctxJSON string
		if err := rows.Scan(&e.Seq, &ts, &e.Level, &stage, &e.Kind, &e.Message, &ctxJSON); err != nil {
			return nil, err
		}
		e.SessionID = sessionID
		e.Stage = model.Stage(stage)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		json.Unmarshal([]byte(ctxJSON), &e.Context)
		out = append(out, e)
	}
	return out, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
