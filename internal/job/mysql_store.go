package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "ManimMCP-Render/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS render_jobs (
        id VARCHAR(64) PRIMARY KEY,
        script MEDIUMTEXT NOT NULL,
        quality VARCHAR(8) DEFAULT '',
        scene VARCHAR(255) DEFAULT '',
        idempotency_key VARCHAR(255) DEFAULT NULL,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 0,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result MEDIUMTEXT,
        limits TEXT,
        submitted_at BIGINT NOT NULL,
        started_at BIGINT NOT NULL DEFAULT 0,
        finished_at BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY idx_job_idempotency (idempotency_key),
        INDEX idx_job_status (status),
        INDEX idx_job_submitted (submitted_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 render_jobs 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if job.SubmittedAt == 0 {
		job.SubmittedAt = now
	}
	job.UpdatedAt = now

	limitsValue, err := json.Marshal(job.Limits)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 limits 失败")
	}

	const stmt = `INSERT INTO render_jobs
        (id, script, quality, scene, idempotency_key, status, attempts, max_retries, last_error, error_code, limits, submitted_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		job.ID,
		job.Script,
		job.Params.Quality,
		job.Params.Scene,
		nullableKey(job.IdempotencyKey),
		job.Status,
		job.Attempts,
		job.MaxRetries,
		string(limitsValue),
		job.SubmittedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const jobColumns = `id, script, quality, scene, idempotency_key, status, attempts, max_retries,
        last_error, error_code, result, limits, submitted_at, started_at, finished_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var job Job
	var idempotencyKey sql.NullString
	var lastError sql.NullString
	var result sql.NullString
	var limits sql.NullString

	if err := row.Scan(
		&job.ID,
		&job.Script,
		&job.Params.Quality,
		&job.Params.Scene,
		&idempotencyKey,
		&job.Status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&job.ErrorCode,
		&result,
		&limits,
		&job.SubmittedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.IdempotencyKey = idempotencyKey.String
	job.LastError = lastError.String
	if result.Valid && strings.TrimSpace(result.String) != "" {
		decoded := &RenderResult{}
		if err := json.Unmarshal([]byte(result.String), decoded); err != nil {
			return nil, err
		}
		job.Result = decoded
	}
	if limits.Valid && strings.TrimSpace(limits.String) != "" {
		if err := json.Unmarshal([]byte(limits.String), &job.Limits); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	stmt := `SELECT ` + jobColumns + ` FROM render_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// FindByIdempotencyKey 按幂等键查找任务。
func (s *MySQLStore) FindByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	stmt := `SELECT ` + jobColumns + ` FROM render_jobs WHERE idempotency_key = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, stmt, key))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按幂等键查询任务失败")
	}
	return job, nil
}

// Claim 将排队中的任务标记为运行态并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const updateStmt = `UPDATE render_jobs SET status = ?, attempts = attempts + 1, updated_at = ?,
        started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END, last_error = '', error_code = ''
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		now,
		id,
		StatusQueued,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		job, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if job.Status.Terminal() {
			return job, ErrJobCompleted
		}
		return job, ErrJobConflict
	}
	return s.Get(ctx, id)
}

// MarkSucceeded 将任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result RenderResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码渲染结果失败")
	}

	const stmt = `UPDATE render_jobs SET status = ?, result = ?, updated_at = ?, finished_at = ?,
        last_error = '', error_code = '' WHERE id = ? AND status NOT IN (?, ?, ?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		string(encoded),
		now,
		now,
		id,
		StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceled,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	return s.classifyWriteResult(ctx, id, res)
}

// MarkFailed 将任务置入指定的失败类终态。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, status Status) error {
	if !status.Terminal() || status == StatusSucceeded {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的失败终态: "+string(status))
	}

	const stmt = `UPDATE render_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?, finished_at = ?
        WHERE id = ? AND status NOT IN (?, ?, ?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		status,
		lastError,
		string(code),
		now,
		now,
		id,
		StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceled,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	return s.classifyWriteResult(ctx, id, res)
}

// Requeue 把运行中的任务放回排队态。
func (s *MySQLStore) Requeue(ctx context.Context, id string, lastError string) error {
	const stmt = `UPDATE render_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusQueued,
		lastError,
		now,
		id,
		StatusRunning,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "重新入队任务失败")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		job, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if job.Status.Terminal() {
			return ErrJobCompleted
		}
		return ErrJobConflict
	}
	return nil
}

// CancelQueued 仅取消仍在排队的任务。
func (s *MySQLStore) CancelQueued(ctx context.Context, id string) (bool, error) {
	const stmt = `UPDATE render_jobs SET status = ?, error_code = ?, updated_at = ?, finished_at = ?
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCanceled,
		"RENDER_CANCELED",
		now,
		now,
		id,
		StatusQueued,
	)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消任务失败")
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return true, nil
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return false, getErr
	}
	return false, nil
}

// Delete 移除任务记录。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM render_jobs WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *MySQLStore) classifyWriteResult(ctx context.Context, id string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	if job.Status.Terminal() {
		return ErrJobCompleted
	}
	return ErrJobConflict
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM render_jobs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY submitted_at DESC, id DESC"
	if opts.Order == SortBySubmittedAsc {
		order = " ORDER BY submitted_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回各状态下的任务数量。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT status, COUNT(*) FROM render_jobs GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		stats.add(status, count)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableKey(key string) sql.NullString {
	if strings.TrimSpace(key) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: key, Valid: true}
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.SubmittedGTE > 0 {
		conditions = append(conditions, "submitted_at >= ?")
		args = append(args, opts.SubmittedGTE)
	}
	if opts.SubmittedLTE > 0 {
		conditions = append(conditions, "submitted_at <= ?")
		args = append(args, opts.SubmittedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
