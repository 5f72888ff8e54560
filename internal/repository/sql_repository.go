package repository

import (
	"context"
	"database/sql"
	"dispatchcore/internal/domain"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQL is a database/sql-backed Repository. The same query set runs against
// SQLite, PostgreSQL, and MySQL; only placeholder syntax and DDL differ,
// both captured by the dialect.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

func newSQL(db *sql.DB, d dialect) (*SQL, error) {
	if _, err := db.Exec(d.schema()); err != nil {
		return nil, fmt.Errorf("repository: applying %s schema: %w", d.name(), err)
	}
	return &SQL{db: db, dialect: d}, nil
}

func (r *SQL) ph(n int) string { return r.dialect.placeholder(n) }

func (r *SQL) Close() error { return r.db.Close() }

// Ready pings the underlying database connection.
func (r *SQL) Ready(ctx context.Context) error { return r.db.PingContext(ctx) }

// ---- time / json helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func toJSON(m map[string]any) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal(m)
	return sql.NullString{String: string(b), Valid: true}
}

func fromJSON(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

func toCallbackJSON(c *domain.Callback) sql.NullString {
	if c == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal(c)
	return sql.NullString{String: string(b), Valid: true}
}

func fromCallbackJSON(ns sql.NullString) *domain.Callback {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var c domain.Callback
	if err := json.Unmarshal([]byte(ns.String), &c); err != nil {
		return nil
	}
	return &c
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- Specs ----

func (r *SQL) CreateSpec(ctx context.Context, s *domain.JobSpecification) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	q := fmt.Sprintf(`INSERT INTO specs (id, name, description, command, callback, created_at, updated_at) VALUES (%s,%s,%s,%s,%s,%s,%s)`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7))
	_, err := r.db.ExecContext(ctx, q, s.ID, s.Name, s.Description, s.Command, toCallbackJSON(s.Callback), fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrNameConflict
	}
	return err
}

func (r *SQL) scanSpec(row *sql.Row) (*domain.JobSpecification, error) {
	var s domain.JobSpecification
	var created, updated string
	var callback sql.NullString
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Command, &callback, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Callback = fromCallbackJSON(callback)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

func (r *SQL) GetSpec(ctx context.Context, id string) (*domain.JobSpecification, error) {
	q := fmt.Sprintf(`SELECT id, name, description, command, callback, created_at, updated_at FROM specs WHERE id=%s`, r.ph(1))
	return r.scanSpec(r.db.QueryRowContext(ctx, q, id))
}

func (r *SQL) GetSpecByName(ctx context.Context, name string) (*domain.JobSpecification, error) {
	q := fmt.Sprintf(`SELECT id, name, description, command, callback, created_at, updated_at FROM specs WHERE name=%s`, r.ph(1))
	return r.scanSpec(r.db.QueryRowContext(ctx, q, name))
}

func (r *SQL) UpdateSpec(ctx context.Context, s *domain.JobSpecification) error {
	s.UpdatedAt = time.Now()
	q := fmt.Sprintf(`UPDATE specs SET name=%s, description=%s, command=%s, callback=%s, updated_at=%s WHERE id=%s`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6))
	res, err := r.db.ExecContext(ctx, q, s.Name, s.Description, s.Command, toCallbackJSON(s.Callback), fmtTime(s.UpdatedAt), s.ID)
	return checkRowsAffected(res, err)
}

func (r *SQL) DeleteSpec(ctx context.Context, id string) error {
	running, err := r.CountRunningJobsForSpec(ctx, id)
	if err != nil {
		return err
	}
	if running > 0 {
		return ErrRunningJobsBlockDelete
	}
	q := fmt.Sprintf(`DELETE FROM specs WHERE id=%s`, r.ph(1))
	res, err := r.db.ExecContext(ctx, q, id)
	return checkRowsAffected(res, err)
}

func (r *SQL) CountRunningJobsForSpec(ctx context.Context, specID string) (int, error) {
	spec, err := r.GetSpec(ctx, specID)
	if err != nil {
		return 0, err
	}
	var count int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM jobs WHERE spec_name=%s AND status=%s`, r.ph(1), r.ph(2))
	err = r.db.QueryRowContext(ctx, q, spec.Name, string(domain.JobRunning)).Scan(&count)
	return count, err
}

func (r *SQL) ListSpecs(ctx context.Context, page, perPage int) ([]*domain.JobSpecification, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM specs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	q := `SELECT id, name, description, command, callback, created_at, updated_at FROM specs ORDER BY created_at ASC`
	q, args := r.withPagination(q, page, perPage)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.JobSpecification
	for rows.Next() {
		var s domain.JobSpecification
		var created, updated string
		var callback sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Command, &callback, &created, &updated); err != nil {
			return nil, 0, err
		}
		s.Callback = fromCallbackJSON(callback)
		s.CreatedAt, s.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, &s)
	}
	return out, total, rows.Err()
}

func (r *SQL) withPagination(q string, page, perPage int) (string, []any) {
	if perPage <= 0 {
		return q, nil
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * perPage
	return q + fmt.Sprintf(" LIMIT %s OFFSET %s", r.ph(1), r.ph(2)), []any{perPage, offset}
}

// ---- Jobs ----

func (r *SQL) CreateJob(ctx context.Context, j *domain.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	q := fmt.Sprintf(`INSERT INTO jobs (id, spec_name, status, progress, created_by, queue_name, assigned_worker, runtime_args, result, error_message, callback, created_at, started_at, completed_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9), r.ph(10), r.ph(11), r.ph(12), r.ph(13), r.ph(14))
	_, err := r.db.ExecContext(ctx, q, j.ID, j.SpecName, string(j.Status), j.Progress, j.CreatedBy, j.QueueName,
		nullIfEmpty(j.AssignedWorker), toJSON(j.RuntimeArgs), toJSON(j.Result), j.ErrorMessage, toCallbackJSON(j.Callback),
		fmtTime(j.CreatedAt), fmtTimePtr(j.StartedAt), fmtTimePtr(j.CompletedAt))
	return err
}

func (r *SQL) scanJob(row *sql.Row) (*domain.Job, error) {
	var j domain.Job
	var status, created string
	var assignedWorker, startedAt, completedAt sql.NullString
	var runtimeArgs, result, callback sql.NullString
	err := row.Scan(&j.ID, &j.SpecName, &status, &j.Progress, &j.CreatedBy, &j.QueueName,
		&assignedWorker, &runtimeArgs, &result, &j.ErrorMessage, &callback, &created, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	j.CreatedAt = parseTime(created)
	j.AssignedWorker = assignedWorker.String
	j.StartedAt = parseTimePtr(startedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	j.RuntimeArgs = fromJSON(runtimeArgs)
	j.Result = fromJSON(result)
	j.Callback = fromCallbackJSON(callback)
	return &j, nil
}

const jobColumns = `id, spec_name, status, progress, created_by, queue_name, assigned_worker, runtime_args, result, error_message, callback, created_at, started_at, completed_at`

func (r *SQL) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE id=%s`, jobColumns, r.ph(1))
	return r.scanJob(r.db.QueryRowContext(ctx, q, id))
}

func (r *SQL) UpdateJob(ctx context.Context, j *domain.Job) error {
	existing, err := r.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() && j.Status != existing.Status {
		return ErrTerminalAbsorbed
	}
	q := fmt.Sprintf(`UPDATE jobs SET status=%s, progress=%s, queue_name=%s, assigned_worker=%s, runtime_args=%s, result=%s, error_message=%s, started_at=%s, completed_at=%s WHERE id=%s`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9), r.ph(10))
	res, err := r.db.ExecContext(ctx, q, string(j.Status), j.Progress, j.QueueName, nullIfEmpty(j.AssignedWorker),
		toJSON(j.RuntimeArgs), toJSON(j.Result), j.ErrorMessage, fmtTimePtr(j.StartedAt), fmtTimePtr(j.CompletedAt), j.ID)
	return checkRowsAffected(res, err)
}

func (r *SQL) DeleteJob(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM jobs WHERE id=%s`, r.ph(1))
	res, err := r.db.ExecContext(ctx, q, id)
	return checkRowsAffected(res, err)
}

func (r *SQL) ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, int, error) {
	where, args := "WHERE 1=1", []any{}
	if f.QueueName != "" {
		args = append(args, f.QueueName)
		where += fmt.Sprintf(" AND queue_name=%s", r.ph(len(args)))
	}
	for _, s := range f.ExcludeStatus {
		args = append(args, string(s))
		where += fmt.Sprintf(" AND status != %s", r.ph(len(args)))
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM jobs %s`, where)
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY created_at ASC`, jobColumns, where)
	if f.PerPage > 0 {
		page := f.Page
		if page <= 0 {
			page = 1
		}
		offset := (page - 1) * f.PerPage
		args = append(args, f.PerPage, offset)
		q += fmt.Sprintf(" LIMIT %s OFFSET %s", r.ph(len(args)-1), r.ph(len(args)))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

func scanJobRow(rows *sql.Rows) (*domain.Job, error) {
	var j domain.Job
	var status, created string
	var assignedWorker, startedAt, completedAt sql.NullString
	var runtimeArgs, result, callback sql.NullString
	if err := rows.Scan(&j.ID, &j.SpecName, &status, &j.Progress, &j.CreatedBy, &j.QueueName,
		&assignedWorker, &runtimeArgs, &result, &j.ErrorMessage, &callback, &created, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	j.CreatedAt = parseTime(created)
	j.AssignedWorker = assignedWorker.String
	j.StartedAt = parseTimePtr(startedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	j.RuntimeArgs = fromJSON(runtimeArgs)
	j.Result = fromJSON(result)
	j.Callback = fromCallbackJSON(callback)
	return &j, nil
}

func (r *SQL) PendingJobsForQueue(ctx context.Context, queueName string) ([]*domain.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE queue_name=%s AND status=%s ORDER BY created_at ASC, id ASC`, jobColumns, r.ph(1), r.ph(2))
	rows, err := r.db.QueryContext(ctx, q, queueName, string(domain.JobPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *SQL) JobStats(ctx context.Context) (*JobStatsSummary, error) {
	summary := &JobStatsSummary{TotalByStatus: map[domain.JobStatus]int{}, BySpec: map[string]int{}}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		summary.TotalByStatus[domain.JobStatus(status)] = count
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `SELECT spec_name, COUNT(*) FROM jobs GROUP BY spec_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		summary.BySpec[name] = count
	}
	return summary, rows.Err()
}

// ReserveJob performs the atomic compare-and-set dispatch reservation with
// two conditional UPDATEs inside a transaction: the job only transitions if
// still Pending, the worker only increments if still under capacity. If
// either UPDATE affects zero rows, the whole reservation is rolled back.
func (r *SQL) ReserveJob(ctx context.Context, jobID, workerID string, startedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	jobQ := fmt.Sprintf(`UPDATE jobs SET status=%s, assigned_worker=%s, started_at=%s WHERE id=%s AND status=%s`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5))
	res, err := tx.ExecContext(ctx, jobQ, string(domain.JobRunning), workerID, fmtTime(startedAt), jobID, string(domain.JobPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReservationFailed
	}

	workerQ := fmt.Sprintf(`UPDATE workers SET current_jobs = current_jobs + 1 WHERE id=%s AND current_jobs < max_jobs`, r.ph(1))
	res, err = tx.ExecContext(ctx, workerQ, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReservationFailed
	}

	return tx.Commit()
}

// ---- Queues ----

const queueColumns = `id, name, description, priority, strategy, state, is_default, cursor, created_at, updated_at`

func (r *SQL) CreateQueue(ctx context.Context, q *domain.Queue) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	now := time.Now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now

	if q.IsDefault {
		var existing int
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE is_default = `+trueLiteral(r.dialect)).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return ErrMultipleDefaultQueues
		}
	}

	stmt := fmt.Sprintf(`INSERT INTO queues (id, name, description, priority, strategy, state, is_default, cursor, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9), r.ph(10))
	_, err := r.db.ExecContext(ctx, stmt, q.ID, q.Name, q.Description, string(q.Priority), string(q.Strategy), string(q.State),
		isDefaultValue(r.dialect, q.IsDefault), q.Cursor, fmtTime(q.CreatedAt), fmtTime(q.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrNameConflict
	}
	return err
}

func scanQueueRow(scan func(...any) error) (*domain.Queue, error) {
	var q domain.Queue
	var priority, strategy, state, created, updated string
	var isDefault bool
	err := scan(&q.ID, &q.Name, &q.Description, &priority, &strategy, &state, &isDefault, &q.Cursor, &created, &updated)
	if err != nil {
		return nil, err
	}
	q.Priority, q.Strategy, q.State = domain.QueuePriority(priority), domain.Strategy(strategy), domain.QueueState(state)
	q.IsDefault = isDefault
	q.CreatedAt, q.UpdatedAt = parseTime(created), parseTime(updated)
	return &q, nil
}

func (r *SQL) GetQueue(ctx context.Context, id string) (*domain.Queue, error) {
	q := fmt.Sprintf(`SELECT %s FROM queues WHERE id=%s`, queueColumns, r.ph(1))
	row := r.db.QueryRowContext(ctx, q, id)
	result, err := scanQueueRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

func (r *SQL) GetQueueByName(ctx context.Context, name string) (*domain.Queue, error) {
	q := fmt.Sprintf(`SELECT %s FROM queues WHERE name=%s`, queueColumns, r.ph(1))
	row := r.db.QueryRowContext(ctx, q, name)
	result, err := scanQueueRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

func (r *SQL) GetDefaultQueue(ctx context.Context) (*domain.Queue, error) {
	q := fmt.Sprintf(`SELECT %s FROM queues WHERE is_default = `+trueLiteral(r.dialect), queueColumns)
	row := r.db.QueryRowContext(ctx, q)
	result, err := scanQueueRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

func (r *SQL) UpdateQueue(ctx context.Context, q *domain.Queue) error {
	q.UpdatedAt = time.Now()
	if q.IsDefault {
		countQ := fmt.Sprintf(`SELECT COUNT(*) FROM queues WHERE is_default = %s AND id != %s`, trueLiteral(r.dialect), r.ph(1))
		var existing int
		if err := r.db.QueryRowContext(ctx, countQ, q.ID).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return ErrMultipleDefaultQueues
		}
	}
	stmt := fmt.Sprintf(`UPDATE queues SET name=%s, description=%s, priority=%s, strategy=%s, state=%s, is_default=%s, cursor=%s, updated_at=%s WHERE id=%s`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9))
	res, err := r.db.ExecContext(ctx, stmt, q.Name, q.Description, string(q.Priority), string(q.Strategy), string(q.State),
		isDefaultValue(r.dialect, q.IsDefault), q.Cursor, fmtTime(q.UpdatedAt), q.ID)
	return checkRowsAffected(res, err)
}

func (r *SQL) DeleteQueue(ctx context.Context, id string) error {
	queue, err := r.GetQueue(ctx, id)
	if err != nil {
		return err
	}
	pending, err := r.CountPendingJobsInQueue(ctx, id)
	if err != nil {
		return err
	}
	if pending > 0 {
		return ErrPendingJobsBlockDelete
	}
	_ = queue

	q := fmt.Sprintf(`DELETE FROM queues WHERE id=%s`, r.ph(1))
	res, err := r.db.ExecContext(ctx, q, id)
	if err := checkRowsAffected(res, err); err != nil {
		return err
	}
	q2 := fmt.Sprintf(`DELETE FROM queue_worker WHERE queue_id=%s`, r.ph(1))
	_, err = r.db.ExecContext(ctx, q2, id)
	return err
}

func (r *SQL) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	q := fmt.Sprintf(`SELECT %s FROM queues ORDER BY created_at ASC`, queueColumns)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Queue
	for rows.Next() {
		item, err := scanQueueRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *SQL) CountPendingJobsInQueue(ctx context.Context, queueID string) (int, error) {
	queue, err := r.GetQueue(ctx, queueID)
	if err != nil {
		return 0, err
	}
	var count int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM jobs WHERE queue_name=%s AND status=%s`, r.ph(1), r.ph(2))
	err = r.db.QueryRowContext(ctx, q, queue.Name, string(domain.JobPending)).Scan(&count)
	return count, err
}

// ---- Workers ----

const workerColumns = `id, name, type, hostname, ip_address, port, ssh_user, auth_method, ssh_private_key, password, provision, max_jobs, current_jobs, status, state, last_seen, error_message, consecutive_miss, created_at, updated_at`

func (r *SQL) CreateWorker(ctx context.Context, w *domain.Worker) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	stmt := fmt.Sprintf(`INSERT INTO workers (%s) VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		workerColumns, r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9), r.ph(10),
		r.ph(11), r.ph(12), r.ph(13), r.ph(14), r.ph(15), r.ph(16), r.ph(17), r.ph(18), r.ph(19), r.ph(20))
	_, err := r.db.ExecContext(ctx, stmt, w.ID, w.Name, string(w.Type), w.Hostname, w.IPAddress, w.Port, w.SSHUser, string(w.AuthMethod),
		w.SSHPrivateKey, w.Password, boolToInt(w.Provision), w.MaxJobs, w.CurrentJobs, string(w.Status), string(w.State),
		fmtTimePtr(w.LastSeen), w.ErrorMessage, w.ConsecutiveMiss, fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrNameConflict
	}
	return err
}

func scanWorkerRow(scan func(...any) error) (*domain.Worker, error) {
	var w domain.Worker
	var typ, authMethod, status, state, created, updated string
	var lastSeen sql.NullString
	var provision int
	err := scan(&w.ID, &w.Name, &typ, &w.Hostname, &w.IPAddress, &w.Port, &w.SSHUser, &authMethod, &w.SSHPrivateKey, &w.Password,
		&provision, &w.MaxJobs, &w.CurrentJobs, &status, &state, &lastSeen, &w.ErrorMessage, &w.ConsecutiveMiss, &created, &updated)
	if err != nil {
		return nil, err
	}
	w.Type, w.AuthMethod, w.Status, w.State = domain.WorkerType(typ), domain.AuthMethod(authMethod), domain.WorkerStatus(status), domain.WorkerState(state)
	w.Provision = provision != 0
	w.LastSeen = parseTimePtr(lastSeen)
	w.CreatedAt, w.UpdatedAt = parseTime(created), parseTime(updated)
	return &w, nil
}

func (r *SQL) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	q := fmt.Sprintf(`SELECT %s FROM workers WHERE id=%s`, workerColumns, r.ph(1))
	row := r.db.QueryRowContext(ctx, q, id)
	result, err := scanWorkerRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

func (r *SQL) GetWorkerByName(ctx context.Context, name string) (*domain.Worker, error) {
	q := fmt.Sprintf(`SELECT %s FROM workers WHERE name=%s`, workerColumns, r.ph(1))
	row := r.db.QueryRowContext(ctx, q, name)
	result, err := scanWorkerRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

func (r *SQL) UpdateWorker(ctx context.Context, w *domain.Worker) error {
	w.UpdatedAt = time.Now()
	stmt := fmt.Sprintf(`UPDATE workers SET name=%s, type=%s, hostname=%s, ip_address=%s, port=%s, ssh_user=%s, auth_method=%s,
		ssh_private_key=%s, password=%s, provision=%s, max_jobs=%s, current_jobs=%s, status=%s, state=%s, last_seen=%s,
		error_message=%s, consecutive_miss=%s, updated_at=%s WHERE id=%s`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9), r.ph(10), r.ph(11), r.ph(12),
		r.ph(13), r.ph(14), r.ph(15), r.ph(16), r.ph(17), r.ph(18), r.ph(19))
	res, err := r.db.ExecContext(ctx, stmt, w.Name, string(w.Type), w.Hostname, w.IPAddress, w.Port, w.SSHUser, string(w.AuthMethod),
		w.SSHPrivateKey, w.Password, boolToInt(w.Provision), w.MaxJobs, w.CurrentJobs, string(w.Status), string(w.State),
		fmtTimePtr(w.LastSeen), w.ErrorMessage, w.ConsecutiveMiss, fmtTime(w.UpdatedAt), w.ID)
	return checkRowsAffected(res, err)
}

func (r *SQL) DeleteWorker(ctx context.Context, id string) error {
	w, err := r.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	if w.IsSystem() {
		return ErrSystemWorkerUndeletable
	}
	q := fmt.Sprintf(`DELETE FROM workers WHERE id=%s`, r.ph(1))
	res, err := r.db.ExecContext(ctx, q, id)
	if err := checkRowsAffected(res, err); err != nil {
		return err
	}
	q2 := fmt.Sprintf(`DELETE FROM queue_worker WHERE worker_id=%s`, r.ph(1))
	_, err = r.db.ExecContext(ctx, q2, id)
	return err
}

func (r *SQL) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	q := fmt.Sprintf(`SELECT %s FROM workers ORDER BY created_at ASC`, workerColumns)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Worker
	for rows.Next() {
		w, err := scanWorkerRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *SQL) EligibleWorkersForQueue(ctx context.Context, queueID string) ([]*domain.Worker, error) {
	q := fmt.Sprintf(`SELECT %s FROM workers w JOIN queue_worker qw ON qw.worker_id = w.id
		WHERE qw.queue_id=%s AND w.state=%s AND w.status=%s AND w.current_jobs < w.max_jobs`,
		prefixColumns(workerColumns, "w"), r.ph(1), r.ph(2), r.ph(3))
	rows, err := r.db.QueryContext(ctx, q, queueID, string(domain.WorkerStarted), string(domain.StatusOnline))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Worker
	for rows.Next() {
		w, err := scanWorkerRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- Assignments ----

func (r *SQL) AssignWorkerToQueue(ctx context.Context, queueID, workerID string) error {
	if _, err := r.GetQueue(ctx, queueID); err != nil {
		return err
	}
	if _, err := r.GetWorker(ctx, workerID); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO queue_worker (queue_id, worker_id, created_at) VALUES (%s,%s,%s)`, r.ph(1), r.ph(2), r.ph(3))
	_, err := r.db.ExecContext(ctx, q, queueID, workerID, fmtTime(time.Now()))
	if isUniqueViolation(err) {
		return nil // already assigned, idempotent
	}
	return err
}

func (r *SQL) UnassignWorkerFromQueue(ctx context.Context, queueID, workerID string) error {
	q := fmt.Sprintf(`DELETE FROM queue_worker WHERE queue_id=%s AND worker_id=%s`, r.ph(1), r.ph(2))
	_, err := r.db.ExecContext(ctx, q, queueID, workerID)
	return err
}

func (r *SQL) WorkersForQueue(ctx context.Context, queueID string) ([]*domain.Worker, error) {
	q := fmt.Sprintf(`SELECT %s FROM workers w JOIN queue_worker qw ON qw.worker_id = w.id WHERE qw.queue_id=%s`,
		prefixColumns(workerColumns, "w"), r.ph(1))
	rows, err := r.db.QueryContext(ctx, q, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Worker
	for rows.Next() {
		w, err := scanWorkerRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *SQL) QueuesForWorker(ctx context.Context, workerID string) ([]*domain.Queue, error) {
	q := fmt.Sprintf(`SELECT %s FROM queues q JOIN queue_worker qw ON qw.queue_id = q.id WHERE qw.worker_id=%s`,
		prefixColumns(queueColumns, "q"), r.ph(1))
	rows, err := r.db.QueryContext(ctx, q, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Queue
	for rows.Next() {
		item, err := scanQueueRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ---- Deployments ----

const deploymentColumns = `id, worker_id, step_number, total_steps, outcome, message, started_at, updated_at, completed_at`

func (r *SQL) CreateDeployment(ctx context.Context, d *domain.DeploymentStatus) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	q := fmt.Sprintf(`INSERT INTO deployments (%s) VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`, deploymentColumns,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9))
	_, err := r.db.ExecContext(ctx, q, d.ID, d.WorkerID, d.StepNumber, d.TotalSteps, string(d.Outcome), d.Message,
		fmtTime(d.StartedAt), fmtTime(d.UpdatedAt), fmtTimePtr(d.CompletedAt))
	return err
}

func (r *SQL) UpdateDeployment(ctx context.Context, d *domain.DeploymentStatus) error {
	q := fmt.Sprintf(`UPDATE deployments SET step_number=%s, outcome=%s, message=%s, updated_at=%s, completed_at=%s WHERE id=%s`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6))
	res, err := r.db.ExecContext(ctx, q, d.StepNumber, string(d.Outcome), d.Message, fmtTime(d.UpdatedAt), fmtTimePtr(d.CompletedAt), d.ID)
	return checkRowsAffected(res, err)
}

func (r *SQL) GetDeployment(ctx context.Context, id string) (*domain.DeploymentStatus, error) {
	q := fmt.Sprintf(`SELECT %s FROM deployments WHERE id=%s`, deploymentColumns, r.ph(1))
	var d domain.DeploymentStatus
	var outcome, started, updated string
	var completed sql.NullString
	err := r.db.QueryRowContext(ctx, q, id).Scan(&d.ID, &d.WorkerID, &d.StepNumber, &d.TotalSteps, &outcome, &d.Message, &started, &updated, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Outcome = domain.DeploymentOutcome(outcome)
	d.StartedAt, d.UpdatedAt = parseTime(started), parseTime(updated)
	d.CompletedAt = parseTimePtr(completed)
	return &d, nil
}

// ---- Auth ----

func (r *SQL) CreateUser(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	q := fmt.Sprintf(`INSERT INTO users (id, username, password_hash, role, created_at) VALUES (%s,%s,%s,%s,%s)`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5))
	_, err := r.db.ExecContext(ctx, q, u.ID, u.Username, u.PasswordHash, string(u.Role), fmtTime(u.CreatedAt))
	if isUniqueViolation(err) {
		return ErrNameConflict
	}
	return err
}

func (r *SQL) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	q := fmt.Sprintf(`SELECT id, username, password_hash, role, created_at FROM users WHERE username=%s`, r.ph(1))
	var u domain.User
	var role, created string
	err := r.db.QueryRowContext(ctx, q, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = domain.UserRole(role)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (r *SQL) GetUser(ctx context.Context, id string) (*domain.User, error) {
	q := fmt.Sprintf(`SELECT id, username, password_hash, role, created_at FROM users WHERE id=%s`, r.ph(1))
	var u domain.User
	var role, created string
	err := r.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = domain.UserRole(role)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (r *SQL) CreateSession(ctx context.Context, s *domain.Session) error {
	q := fmt.Sprintf(`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (%s,%s,%s,%s)`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4))
	_, err := r.db.ExecContext(ctx, q, s.Token, s.UserID, fmtTime(s.CreatedAt), fmtTime(s.ExpiresAt))
	return err
}

func (r *SQL) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	q := fmt.Sprintf(`SELECT token, user_id, created_at, expires_at FROM sessions WHERE token=%s`, r.ph(1))
	var s domain.Session
	var created, expires string
	err := r.db.QueryRowContext(ctx, q, token).Scan(&s.Token, &s.UserID, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt, s.ExpiresAt = parseTime(created), parseTime(expires)
	return &s, nil
}

func (r *SQL) DeleteSession(ctx context.Context, token string) error {
	q := fmt.Sprintf(`DELETE FROM sessions WHERE token=%s`, r.ph(1))
	_, err := r.db.ExecContext(ctx, q, token)
	return err
}

// ---- Config ----

func (r *SQL) GetConfig(ctx context.Context, category, key string) (string, error) {
	q := fmt.Sprintf(`SELECT value FROM config_entries WHERE category=%s AND config_key=%s`, r.ph(1), r.ph(2))
	var value string
	err := r.db.QueryRowContext(ctx, q, category, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (r *SQL) SetConfig(ctx context.Context, category, key, value string) error {
	// Portable upsert: delete-then-insert inside a transaction, rather than
	// relying on each dialect's own ON CONFLICT/ON DUPLICATE KEY syntax.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := fmt.Sprintf(`DELETE FROM config_entries WHERE category=%s AND config_key=%s`, r.ph(1), r.ph(2))
	if _, err := tx.ExecContext(ctx, del, category, key); err != nil {
		return err
	}
	ins := fmt.Sprintf(`INSERT INTO config_entries (category, config_key, value) VALUES (%s,%s,%s)`, r.ph(1), r.ph(2), r.ph(3))
	if _, err := tx.ExecContext(ctx, ins, category, key, value); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQL) ListConfig(ctx context.Context, category string) (map[string]string, error) {
	q := fmt.Sprintf(`SELECT config_key, value FROM config_entries WHERE category=%s`, r.ph(1))
	rows, err := r.db.QueryContext(ctx, q, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ---- shared helpers ----

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func prefixColumns(columns, alias string) string {
	out := ""
	for i, c := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			col := columns[start:i]
			for len(col) > 0 && col[0] == ' ' {
				col = col[1:]
			}
			if col != "" {
				out = append(out, col)
			}
			start = i + 1
		}
	}
	return out
}

func trueLiteral(d dialect) string {
	switch d.name() {
	case "sqlite":
		return "1"
	default:
		return "TRUE"
	}
}

func isDefaultValue(d dialect, isDefault bool) any {
	if d.name() == "sqlite" {
		return boolToInt(isDefault)
	}
	return isDefault
}

// isUniqueViolation detects a unique-constraint failure across dialects by
// substring match; driver-specific error types differ (sqlite.Error,
// *pgconn.PgError, *mysql.MySQLError) and this keeps the check driver-agnostic.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint", "duplicate key", "Duplicate entry", "unique constraint")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

var _ Repository = (*SQL)(nil)
