package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowsim/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database, e.g. "file:/home/me/.flowsim/flowsim.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Flows ---

// SaveFlow inserts a flow or replaces its data, bumping the version.
// The flow's Version and timestamps are updated in place.
func (s *LibSQLStore) SaveFlow(ctx context.Context, flow *Flow) error {
	data, err := json.Marshal(flow.Data)
	if err != nil {
		return fmt.Errorf("marshal flow data: %w", err)
	}
	now := time.Now().UTC()
	created := timeOrNow(flow.CreatedAt)

	var version int
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO flows (id, name, description, data, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, data=excluded.data,
		   version=flows.version + 1, updated_at=excluded.updated_at
		 RETURNING version`,
		flow.ID, flow.Name, nullStr(flow.Description), string(data), created, now,
	).Scan(&version)
	if err != nil {
		return err
	}
	flow.Version = version
	flow.CreatedAt = created
	flow.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, data, version, created_at, updated_at FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	return f, err
}

func (s *LibSQLStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error) {
	query := `SELECT id, name, description, data, version, created_at, updated_at FROM flows`
	var args []any
	if filter.Name != "" {
		query += " WHERE name LIKE ?"
		args = append(args, "%"+filter.Name+"%")
	}
	query += " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *LibSQLStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(r rowScanner) (*Flow, error) {
	f := &Flow{}
	var desc sql.NullString
	var data string
	if err := r.Scan(&f.ID, &f.Name, &desc, &data, &f.Version, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Description = desc.String
	if err := json.Unmarshal([]byte(data), &f.Data); err != nil {
		return nil, fmt.Errorf("unmarshal flow data: %w", err)
	}
	return f, nil
}

// --- Runs ---

func (s *LibSQLStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.Run == nil {
		return schema.NewError(schema.ErrCodeValidation, "run record is empty")
	}
	run := rec.Run
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow_id, batch_id, persona_id, status, outcome, run, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, outcome=excluded.outcome, run=excluded.run,
		   completed_at=excluded.completed_at`,
		run.ID, nullStr(rec.FlowID), nullStr(rec.BatchID), run.PersonaID, string(run.Status),
		nullStr(string(run.Outcome)), string(body), timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT flow_id, batch_id, run FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return rec, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.PersonaID != "" {
		where = append(where, "persona_id = ?")
		args = append(args, filter.PersonaID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT flow_id, batch_id, run FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRun(r rowScanner) (*RunRecord, error) {
	var flowID, batchID sql.NullString
	var body string
	if err := r.Scan(&flowID, &batchID, &body); err != nil {
		return nil, err
	}
	run := &schema.SimulationRun{}
	if err := json.Unmarshal([]byte(body), run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &RunRecord{Run: run, FlowID: flowID.String, BatchID: batchID.String}, nil
}

// --- Batches ---

// SaveBatch stores the report and each of its runs in one transaction.
func (s *LibSQLStore) SaveBatch(ctx context.Context, result *schema.BatchTestResult) error {
	report, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal batch report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, flow_id, conversion_rate, aborted, report, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   conversion_rate=excluded.conversion_rate, aborted=excluded.aborted,
		   report=excluded.report, completed_at=excluded.completed_at`,
		result.ID, nullStr(result.FlowID), result.ConversionRate, result.Aborted, string(report),
		timeOrNow(result.StartedAt), timeOrNow(result.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for _, run := range result.Runs {
		body, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run %s: %w", run.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (id, flow_id, batch_id, persona_id, status, outcome, run, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   batch_id=excluded.batch_id, status=excluded.status, outcome=excluded.outcome,
			   run=excluded.run, completed_at=excluded.completed_at`,
			run.ID, nullStr(result.FlowID), result.ID, run.PersonaID, string(run.Status),
			nullStr(string(run.Outcome)), string(body), timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", run.ID, err)
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetBatch(ctx context.Context, id string) (*schema.BatchTestResult, error) {
	var report string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM batches WHERE id = ?`, id).Scan(&report)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("batch", id)
	}
	if err != nil {
		return nil, err
	}
	result := &schema.BatchTestResult{}
	if err := json.Unmarshal([]byte(report), result); err != nil {
		return nil, fmt.Errorf("unmarshal batch report: %w", err)
	}
	return result, nil
}

func (s *LibSQLStore) ListBatches(ctx context.Context, filter BatchFilter) ([]*schema.BatchTestResult, error) {
	var where []string
	var args []any
	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT report FROM batches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.BatchTestResult
	for rows.Next() {
		var report string
		if err := rows.Scan(&report); err != nil {
			return nil, err
		}
		result := &schema.BatchTestResult{}
		if err := json.Unmarshal([]byte(report), result); err != nil {
			return nil, fmt.Errorf("unmarshal batch report: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

// --- Test cases ---

// SaveTestCases replaces the stored test cases of a flow.
func (s *LibSQLStore) SaveTestCases(ctx context.Context, flowID string, cases []schema.TestCase) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM test_cases WHERE flow_id = ?`, flowID); err != nil {
		return fmt.Errorf("clear test cases: %w", err)
	}
	for i, tc := range cases {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO test_cases (id, flow_id, name, persona_id, expected_outcome, position)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			tc.ID, flowID, tc.Name, tc.PersonaID, string(tc.ExpectedOutcome), i,
		)
		if err != nil {
			return fmt.Errorf("insert test case %s: %w", tc.ID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListTestCases(ctx context.Context, flowID string) ([]schema.TestCase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, persona_id, expected_outcome FROM test_cases WHERE flow_id = ? ORDER BY position`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.TestCase
	for rows.Next() {
		var tc schema.TestCase
		var expected string
		if err := rows.Scan(&tc.ID, &tc.Name, &tc.PersonaID, &expected); err != nil {
			return nil, err
		}
		tc.ExpectedOutcome = schema.Outcome(expected)
		out = append(out, tc)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	stream := event.StreamID()
	if stream == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has neither run id nor batch id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE stream_id = ?`, stream,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (stream_id, run_id, batch_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stream, nullStr(event.RunID), nullStr(event.BatchID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events of a stream with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, streamID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, batch_id, event_type, payload, timestamp, sequence
		 FROM events WHERE stream_id = ? AND sequence > ? ORDER BY sequence ASC`,
		streamID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, batch_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var runID, batchID, payload sql.NullString
		if err := rows.Scan(&e.ID, &runID, &batchID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		e.BatchID = batchID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Scheduled batches ---

func (s *LibSQLStore) CreateScheduledBatch(ctx context.Context, job *ScheduledBatch) error {
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_batches (id, flow_id, cron_expression, persona_set, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.FlowID, job.CronExpression, nullStr(job.PersonaSet), job.Enabled,
		nullTime(job.NextRunAt), job.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled batch %q already exists", job.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetScheduledBatch(ctx context.Context, id string) (*ScheduledBatch, error) {
	row := s.db.QueryRowContext(ctx, scheduledBatchColumns+` WHERE id = ?`, id)
	job, err := scanScheduledBatch(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled batch", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledBatch(ctx context.Context, id string, update ScheduledBatchUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastBatchID != "" {
		sets = append(sets, "last_batch_id = ?")
		args = append(args, update.LastBatchID)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_batches SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled batch", id)
}

func (s *LibSQLStore) ListScheduledBatches(ctx context.Context, filter ScheduledBatchFilter) ([]*ScheduledBatch, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}

	query := scheduledBatchColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledBatch
	for rows.Next() {
		job, err := scanScheduledBatch(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_batches WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled batch", id)
}

const scheduledBatchColumns = `SELECT id, flow_id, cron_expression, persona_set, enabled,
	last_run_at, next_run_at, last_run_status, last_batch_id, created_at FROM scheduled_batches`

func scanScheduledBatch(r rowScanner) (*ScheduledBatch, error) {
	job := &ScheduledBatch{}
	var personaSet, lastStatus, lastBatch sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := r.Scan(&job.ID, &job.FlowID, &job.CronExpression, &personaSet, &job.Enabled,
		&lastRun, &nextRun, &lastStatus, &lastBatch, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.PersonaSet = personaSet.String
	job.LastRunStatus = lastStatus.String
	job.LastBatchID = lastBatch.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowsimError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
