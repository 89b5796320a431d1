package storage

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"time"

	"uniops/internal/errors"
	logx "uniops/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures the few differences between the SQL drivers.
type dialect struct {
	name      string
	migration string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	dialectSQLite   = dialect{name: "sqlite", migration: "migrations/sqlite.sql"}
	dialectPostgres = dialect{name: "postgres", migration: "migrations/postgres.sql", numbered: true}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Store over database/sql for every SQL dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, now: time.Now}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrapf(err, "%s migrate", s.d.name)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

const configColumns = `id, owner_name, method_name, app_name, cron_expression, fixed_delay, fixed_rate, initial_delay,
 enabled, monitor_status, restore_pending, description, last_fire_time, next_fire_time, created_at, updated_at`

const runColumns = `id, owner_name, method_name, app_name, trigger_time, status, duration_ms, exception_msg, trigger_type, trace_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(r rowScanner) (JobConfig, error) {
	var (
		c                  JobConfig
		enabled, restore   int64
		monitor            string
		lastFire, nextFire sql.NullInt64
		created, updated   int64
	)
	err := r.Scan(&c.ID, &c.Owner, &c.Method, &c.AppName, &c.Cron, &c.FixedDelayMs, &c.FixedRateMs, &c.InitialDelayMs,
		&enabled, &monitor, &restore, &c.Description, &lastFire, &nextFire, &created, &updated)
	if err != nil {
		return JobConfig{}, err
	}
	c.Enabled = enabled != 0
	c.RestorePending = restore != 0
	c.Monitor = MonitorStatus(monitor)
	if lastFire.Valid {
		c.LastFireAt = time.UnixMilli(lastFire.Int64)
	}
	if nextFire.Valid {
		c.NextFireAt = time.UnixMilli(nextFire.Int64)
	}
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return c, nil
}

func scanRun(r rowScanner) (RunRecord, error) {
	var (
		rec           RunRecord
		trigger       int64
		status, ttype string
	)
	err := r.Scan(&rec.ID, &rec.Owner, &rec.Method, &rec.AppName, &trigger, &status, &rec.DurationMs,
		&rec.ExceptionMsg, &ttype, &rec.TraceID)
	if err != nil {
		return RunRecord{}, err
	}
	rec.TriggerTime = time.UnixMilli(trigger)
	rec.Status = RunStatus(status)
	rec.TriggerType = TriggerType(ttype)
	return rec, nil
}

func (s *sqlStore) GetConfig(ctx context.Context, key string) (JobConfig, error) {
	owner, method, err := splitKey(key)
	if err != nil {
		return JobConfig{}, ErrNotFound
	}
	c, err := scanConfig(s.queryRow(ctx,
		`SELECT `+configColumns+` FROM job_config WHERE owner_name = ? AND method_name = ?`, owner, method))
	if errors.Is(err, sql.ErrNoRows) {
		return JobConfig{}, ErrNotFound
	}
	if err != nil {
		return JobConfig{}, errors.Wrapf(err, "get config %s", key)
	}
	return c, nil
}

func (s *sqlStore) InsertConfig(ctx context.Context, c *JobConfig) error {
	now := s.now()
	if c.Monitor == "" {
		c.Monitor = MonitorEnabled
	}
	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO job_config(owner_name, method_name, app_name, cron_expression, fixed_delay, fixed_rate, initial_delay,
		 enabled, monitor_status, restore_pending, description, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner_name, method_name) DO NOTHING
		 RETURNING id`,
		c.Owner, c.Method, c.AppName, c.Cron, c.FixedDelayMs, c.FixedRateMs, c.InitialDelayMs,
		boolInt(c.Enabled), string(c.Monitor), boolInt(c.RestorePending), c.Description, millis(now), millis(now),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.Wrapf(err, "insert config %s", c.Key())
	}
	c.ID = id
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

func (s *sqlStore) UpdateConfig(ctx context.Context, c *JobConfig) error {
	now := s.now()
	res, err := s.exec(ctx,
		`UPDATE job_config SET app_name = ?, cron_expression = ?, fixed_delay = ?, fixed_rate = ?, initial_delay = ?,
		 enabled = ?, monitor_status = ?, restore_pending = ?, description = ?, updated_at = ?
		 WHERE owner_name = ? AND method_name = ?`,
		c.AppName, c.Cron, c.FixedDelayMs, c.FixedRateMs, c.InitialDelayMs,
		boolInt(c.Enabled), string(c.Monitor), boolInt(c.RestorePending), c.Description, millis(now),
		c.Owner, c.Method,
	)
	if err != nil {
		return errors.Wrapf(err, "update config %s", c.Key())
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}

func (s *sqlStore) ListConfigs(ctx context.Context, f JobFilter, offset, limit int) ([]JobConfig, int, error) {
	offset, limit = clampPage(offset, limit)
	var (
		where []string
		args  []any
	)
	if f.ID > 0 {
		where = append(where, "id = ?")
		args = append(args, f.ID)
	}
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}
	if p := strings.ToLower(strings.TrimSpace(f.NamePattern)); p != "" {
		like := "%" + escapeLike(p) + "%"
		where = append(where, `(LOWER(owner_name) LIKE ? ESCAPE '\' OR LOWER(method_name) LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}
	cond := whereClause(where)

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM job_config`+cond, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count configs")
	}
	rows, err := s.query(ctx,
		`SELECT `+configColumns+` FROM job_config`+cond+` ORDER BY id ASC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list configs")
	}
	defer rows.Close()
	out := make([]JobConfig, 0, limit)
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *sqlStore) TouchFire(ctx context.Context, key string, last, next time.Time) error {
	owner, method, err := splitKey(key)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.exec(ctx,
		`UPDATE job_config SET last_fire_time = ?, next_fire_time = ? WHERE owner_name = ? AND method_name = ?`,
		nullMillis(last), nullMillis(next), owner, method)
	if err != nil {
		return errors.Wrapf(err, "touch fire %s", key)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) SetNextFire(ctx context.Context, key string, next time.Time) error {
	owner, method, err := splitKey(key)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.exec(ctx,
		`UPDATE job_config SET next_fire_time = ? WHERE owner_name = ? AND method_name = ?`,
		nullMillis(next), owner, method)
	if err != nil {
		return errors.Wrapf(err, "set next fire %s", key)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) InsertRun(ctx context.Context, r *RunRecord) error {
	if r.TriggerTime.IsZero() {
		r.TriggerTime = s.now()
	}
	err := s.queryRow(ctx,
		`INSERT INTO run_record(owner_name, method_name, app_name, trigger_time, status, duration_ms, exception_msg, trigger_type, trace_id)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 RETURNING id`,
		r.Owner, r.Method, r.AppName, millis(r.TriggerTime), string(r.Status), r.DurationMs, r.ExceptionMsg,
		string(r.TriggerType), r.TraceID,
	).Scan(&r.ID)
	if err != nil {
		return errors.Wrapf(err, "insert run %s", r.JobKey())
	}
	return nil
}

func (s *sqlStore) UpdateRun(ctx context.Context, r RunRecord) error {
	res, err := s.exec(ctx,
		`UPDATE run_record SET status = ?, duration_ms = ?, exception_msg = ? WHERE id = ?`,
		string(r.Status), r.DurationMs, r.ExceptionMsg, r.ID)
	if err != nil {
		return errors.Wrapf(err, "update run %d", r.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) runWhere(f RunFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.JobKey != "" {
		owner, method, err := splitKey(f.JobKey)
		if err != nil {
			// matches nothing
			owner, method = f.JobKey, ""
		}
		where = append(where, "owner_name = ?", "method_name = ?")
		args = append(args, owner, method)
	}
	if f.AppName != "" {
		where = append(where, "app_name = ?")
		args = append(args, f.AppName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	return whereClause(where), args
}

func (s *sqlStore) ListRuns(ctx context.Context, f RunFilter, offset, limit int) ([]RunRecord, int, error) {
	offset, limit = clampPage(offset, limit)
	cond, args := s.runWhere(f)

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM run_record`+cond, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count runs")
	}
	out, err := s.selectRuns(ctx, cond, append(args, limit, offset)...)
	return out, total, err
}

func (s *sqlStore) RecentFailures(ctx context.Context, limit int) ([]RunRecord, error) {
	_, limit = clampPage(0, limit)
	cond, args := s.runWhere(RunFilter{Status: RunFailed})
	return s.selectRuns(ctx, cond, append(args, limit, 0)...)
}

func (s *sqlStore) selectRuns(ctx context.Context, cond string, args ...any) ([]RunRecord, error) {
	rows, err := s.query(ctx,
		`SELECT `+runColumns+` FROM run_record`+cond+` ORDER BY trigger_time DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) PurgeRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM run_record WHERE trigger_time < ?`, millis(before))
	if err != nil {
		return 0, errors.Wrap(err, "purge runs")
	}
	return res.RowsAffected()
}

func (s *sqlStore) Summary(ctx context.Context) (Summary, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM run_record GROUP BY status`)
	if err != nil {
		return Summary{}, errors.Wrap(err, "summary")
	}
	defer rows.Close()
	var sum Summary
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Summary{}, err
		}
		sum.add(RunStatus(status), n)
	}
	return sum, rows.Err()
}

func (s *sqlStore) HourlyCounts(ctx context.Context, from time.Time, hours int) ([]HourlyCount, error) {
	out := newHourly(from, hours)
	start := millis(from)
	end := millis(from.Add(time.Duration(hours) * time.Hour))
	rows, err := s.query(ctx,
		`SELECT (trigger_time - ?) / 3600000 AS bucket, status, COUNT(*) FROM run_record
		 WHERE trigger_time >= ? AND trigger_time < ?
		 GROUP BY bucket, status`,
		start, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "hourly counts")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			bucket, n int64
			status    string
		)
		if err := rows.Scan(&bucket, &status, &n); err != nil {
			return nil, err
		}
		if bucket >= 0 && bucket < int64(hours) {
			out[bucket].add(RunStatus(status), n)
		}
	}
	return out, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
