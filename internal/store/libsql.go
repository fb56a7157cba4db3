package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomhq/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Credentials ---

func (s *LibSQLStore) CreateCredential(ctx context.Context, cred *CredentialRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, user_id, provider, type, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.UserID, cred.Provider, cred.Type, cred.Data,
		timeOrNow(cred.CreatedAt), timeOrNow(cred.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCredential(ctx context.Context, id string) (*CredentialRecord, error) {
	c := &CredentialRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, type, data, created_at, updated_at
		 FROM credentials WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Provider, &c.Type, &c.Data, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *LibSQLStore) GetCredentialByProvider(ctx context.Context, userID, provider string) (*CredentialRecord, error) {
	c := &CredentialRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, type, data, created_at, updated_at
		 FROM credentials WHERE user_id = ? AND provider = ?
		 ORDER BY updated_at DESC LIMIT 1`, userID, provider,
	).Scan(&c.ID, &c.UserID, &c.Provider, &c.Type, &c.Data, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", userID+"/"+provider)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *LibSQLStore) ListCredentials(ctx context.Context, userID string) ([]*CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider, type, data, created_at, updated_at
		 FROM credentials WHERE user_id = ? ORDER BY provider, created_at`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*CredentialRecord
	for rows.Next() {
		c := &CredentialRecord{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Provider, &c.Type, &c.Data, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *LibSQLStore) UpdateCredentialData(ctx context.Context, id string, data []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET data = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, data, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", id)
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", id)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, user_id, success, output, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.UserID, boolInt(exec.Success),
		nullRaw(exec.Output), nullRaw(exec.Error),
		timeOrNow(exec.StartedAt), nullTime(exec.CompletedAt), exec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) FinishExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET success = ?, output = ?, error = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		boolInt(update.Success), nullRaw(update.Output), nullRaw(update.Error),
		update.CompletedAt, update.DurationMs, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	e := &ExecutionRecord{}
	var success int
	var output, errJSON sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, user_id, success, output, error, started_at, completed_at, duration_ms
		 FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.WorkflowID, &e.UserID, &success, &output, &errJSON, &e.StartedAt, &completedAt, &e.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	e.Success = success != 0
	e.Output = rawOrNil(output)
	e.Error = rawOrNil(errJSON)
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, user_id, success, output, error, started_at, completed_at, duration_ms FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*ExecutionRecord
	for rows.Next() {
		e := &ExecutionRecord{}
		var success int
		var output, errJSON sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.UserID, &success, &output, &errJSON,
			&e.StartedAt, &completedAt, &e.DurationMs); err != nil {
			return nil, err
		}
		e.Success = success != 0
		e.Output = rawOrNil(output)
		e.Error = rawOrNil(errJSON)
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) AppendNodeResult(ctx context.Context, result *NodeResultRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_node_results (execution_id, node_id, node_type, position, success, output, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ExecutionID, result.NodeID, result.NodeType, result.Position,
		boolInt(result.Success), nullRaw(result.Output), nullRaw(result.Error),
		result.RetryCount, timeOrNow(result.StartedAt), timeOrNow(result.CompletedAt), result.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListNodeResults(ctx context.Context, executionID string) ([]*NodeResultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, node_type, position, success, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM execution_node_results WHERE execution_id = ? ORDER BY position ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*NodeResultRecord
	for rows.Next() {
		r := &NodeResultRecord{}
		var success int
		var output, errJSON sql.NullString
		if err := rows.Scan(&r.ExecutionID, &r.NodeID, &r.NodeType, &r.Position, &success,
			&output, &errJSON, &r.RetryCount, &r.StartedAt, &r.CompletedAt, &r.DurationMs); err != nil {
			return nil, err
		}
		r.Success = success != 0
		r.Output = rawOrNil(output)
		r.Error = rawOrNil(errJSON)
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, user_id, cron_expr, workflow, trigger_input, enabled, last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, job.UserID, job.CronExpr,
		string(job.Workflow), nullRaw(job.TriggerInput), boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		timeOrNow(job.CreatedAt), timeOrNow(job.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var workflowJSON string
	var triggerInput sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, user_id, cron_expr, workflow, trigger_input, enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.WorkflowID, &j.UserID, &j.CronExpr, &workflowJSON, &triggerInput,
		&enabled, &lastRun, &nextRun, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, err
	}
	j.Workflow = json.RawMessage(workflowJSON)
	j.TriggerInput = rawOrNil(triggerInput)
	j.Enabled = enabled != 0
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}

	query := `SELECT id, workflow_id, user_id, cron_expr, workflow, trigger_input, enabled, last_run_at, next_run_at, created_at, updated_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var workflowJSON string
		var triggerInput sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.WorkflowID, &j.UserID, &j.CronExpr, &workflowJSON, &triggerInput,
			&enabled, &lastRun, &nextRun, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Workflow = json.RawMessage(workflowJSON)
		j.TriggerInput = rawOrNil(triggerInput)
		j.Enabled = enabled != 0
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledJobRun(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ExecutionError {
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
