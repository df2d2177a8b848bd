package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "ManimMCP-Render/internal/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore 使用 SQLite 记录任务状态，适合单机部署。
// 任务本体以 JSON 形式存储，状态与幂等键单独建列用于查询。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 创建一个新的 SQLiteStore。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}

	// SQLite 仅支持单写者，限制连接数避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS render_jobs (
        id TEXT PRIMARY KEY,
        idempotency_key TEXT,
        status TEXT NOT NULL,
        submitted_at INTEGER NOT NULL,
        job_data TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_job_idempotency ON render_jobs (idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_job_status ON render_jobs (status);
CREATE INDEX IF NOT EXISTS idx_job_submitted ON render_jobs (submitted_at);`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 render_jobs 表失败")
	}

	_, _ = s.db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = s.db.Exec("PRAGMA synchronous = NORMAL;")
	_, _ = s.db.Exec("PRAGMA busy_timeout = 5000;")
	return nil
}

// Create 插入新的任务记录。
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
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

	encoded, err := json.Marshal(job)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务失败")
	}

	const stmt = `INSERT INTO render_jobs (id, idempotency_key, status, submitted_at, job_data)
        VALUES (?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		job.ID,
		nullableKey(job.IdempotencyKey),
		job.Status,
		job.SubmittedAt,
		string(encoded),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

func decodeJob(raw string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	return &job, nil
}

func (s *SQLiteStore) getRaw(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, stmt string, arg any) (*Job, error) {
	var raw string
	if err := q.QueryRowContext(ctx, stmt, arg).Scan(&raw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return decodeJob(raw)
}

// Get 查询指定任务。
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.getRaw(ctx, s.db, `SELECT job_data FROM render_jobs WHERE id = ?`, id)
}

// FindByIdempotencyKey 按幂等键查找任务。
func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	return s.getRaw(ctx, s.db, `SELECT job_data FROM render_jobs WHERE idempotency_key = ?`, key)
}

// mutate 在单个事务内读取、修改并回写任务。
func (s *SQLiteStore) mutate(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	job, err := s.getRaw(ctx, tx, `SELECT job_data FROM render_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return job, err
	}
	job.UpdatedAt = time.Now().Unix()

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务失败")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE render_jobs SET status = ?, job_data = ? WHERE id = ?`,
		job.Status, string(encoded), id,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return job, nil
}

// Claim 将排队中的任务置为运行态。
func (s *SQLiteStore) Claim(ctx context.Context, id string) (*Job, error) {
	return s.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrJobCompleted
		}
		if job.Status == StatusRunning {
			return ErrJobConflict
		}
		job.Status = StatusRunning
		job.Attempts++
		job.LastError = ""
		job.ErrorCode = ""
		if job.StartedAt == 0 {
			job.StartedAt = time.Now().Unix()
		}
		return nil
	})
}

// MarkSucceeded 将任务标记为成功。
func (s *SQLiteStore) MarkSucceeded(ctx context.Context, id string, result RenderResult) error {
	_, err := s.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrJobCompleted
		}
		job.Status = StatusSucceeded
		job.Result = &result
		job.LastError = ""
		job.ErrorCode = ""
		job.FinishedAt = time.Now().Unix()
		return nil
	})
	return err
}

// MarkFailed 将任务置入指定的失败类终态。
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, status Status) error {
	if !status.Terminal() || status == StatusSucceeded {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的失败终态: "+string(status))
	}
	_, err := s.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrJobCompleted
		}
		job.Status = status
		job.LastError = lastError
		job.ErrorCode = string(code)
		job.FinishedAt = time.Now().Unix()
		return nil
	})
	return err
}

// Requeue 把运行中的任务放回排队态。
func (s *SQLiteStore) Requeue(ctx context.Context, id string, lastError string) error {
	_, err := s.mutate(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrJobCompleted
		}
		if job.Status != StatusRunning {
			return ErrJobConflict
		}
		job.Status = StatusQueued
		job.LastError = lastError
		return nil
	})
	return err
}

// CancelQueued 仅取消仍在排队的任务。
func (s *SQLiteStore) CancelQueued(ctx context.Context, id string) (bool, error) {
	canceled := false
	_, err := s.mutate(ctx, id, func(job *Job) error {
		if job.Status != StatusQueued {
			return nil
		}
		job.Status = StatusCanceled
		job.ErrorCode = "RENDER_CANCELED"
		job.FinishedAt = time.Now().Unix()
		canceled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return canceled, nil
}

// Delete 移除任务记录。
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM render_jobs WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT job_data FROM render_jobs`
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
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回各状态下的任务数量。
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM render_jobs GROUP BY status`)
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
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
