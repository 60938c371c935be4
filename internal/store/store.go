// Package store は依頼主と圧縮ジョブの永続化を提供します。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound は対象レコードが存在しない場合に返されます。
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition は状態機械で許可されない遷移を表します。
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal は終了状態（completed / failed）かどうかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedTransitions は許可される状態遷移の一覧です。
// 終了状態からの遷移、および同一状態への遷移は一切許可しません。
var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func isAllowedTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Principal はAPI呼び出し元の恒久的な識別情報です。
type Principal struct {
	ID             string
	Email          string
	FullName       string
	HashedPassword string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Job は1回の圧縮依頼のライフサイクルを記録します。
type Job struct {
	ID                  string
	PrincipalID         string
	OriginalFilename    string
	OriginalSizeBytes   int64
	CompressedSizeBytes *int64
	CompressionLevel    string
	PreserveImages      bool
	Status              Status
	ErrorMessage        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
}

// CreateJobParams はジョブ作成時の入力です。依頼主の識別情報を含み、
// 依頼主行が無ければジョブ挿入と同一トランザクション内で作成されます。
type CreateJobParams struct {
	Email          string
	FullName       string
	HashedPassword string

	OriginalFilename  string
	OriginalSizeBytes int64
	CompressionLevel  string
	PreserveImages    bool
}

// TransitionParams は状態遷移に付随する更新内容です。
type TransitionParams struct {
	ErrorMessage   string // StatusFailed でのみ必須
	CompressedSize *int64 // StatusCompleted でのみ必須
}

// Store はSQLiteを背後に持つジョブストアです。
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  full_name TEXT NOT NULL,
  hashed_password TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS compression_jobs (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  original_filename TEXT NOT NULL,
  original_size_bytes INTEGER NOT NULL,
  compressed_size_bytes INTEGER,
  compression_level TEXT NOT NULL,
  preserve_images INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'queued',
  error_message TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS ix_compression_jobs_user_id ON compression_jobs(user_id);
`

// Open はSQLiteデータベースを開き、スキーマを初期化します。
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// PRAGMAは接続単位でしか効かないため、コネクションを1本に固定して
	// 外部キー制約とビジータイムアウトを全クエリに適用する。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx は1トランザクションの取得と解放を単一の境界で制御します。
// fn がエラーを返した場合とパニック時はロールバック、正常終了時のみコミットします。
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// コネクションは1本しかないため、fn がパニックした経路でも必ず解放する。
	// コミット成功後のロールバックは ErrTxDone の空振りになる。
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err != nil {
			err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateJob は依頼主を解決（無ければ作成）し、queued 状態のジョブを1件挿入します。
// 依頼主の解決とジョブ挿入は同一トランザクションで行われるため、同じ資格情報の
// 同時初回利用でも依頼主行が重複することはありません。
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	if p.Email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if p.OriginalFilename == "" {
		return nil, fmt.Errorf("original filename is required")
	}

	now := time.Now().UTC()
	job := &Job{
		ID:                uuid.NewString(),
		OriginalFilename:  p.OriginalFilename,
		OriginalSizeBytes: p.OriginalSizeBytes,
		CompressionLevel:  p.CompressionLevel,
		PreserveImages:    p.PreserveImages,
		Status:            StatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		principalID, err := ensurePrincipal(ctx, tx, p.Email, p.FullName, p.HashedPassword, now)
		if err != nil {
			return err
		}
		job.PrincipalID = principalID

		_, err = tx.ExecContext(ctx,
			`INSERT INTO compression_jobs
			   (id, user_id, original_filename, original_size_bytes, compression_level, preserve_images, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID,
			job.PrincipalID,
			job.OriginalFilename,
			job.OriginalSizeBytes,
			job.CompressionLevel,
			boolToInt(job.PreserveImages),
			string(job.Status),
			now.UnixMilli(),
			now.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ensurePrincipal はメールアドレスをキーとした冪等なupsertで依頼主行を解決します。
func ensurePrincipal(ctx context.Context, tx *sql.Tx, email, fullName, hashedPassword string, now time.Time) (string, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, full_name, hashed_password, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		uuid.NewString(), email, fullName, hashedPassword, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", err
	}

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, email).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// Transition は状態機械に従ってジョブの状態を遷移させます。
// 許可されない遷移は ErrInvalidTransition、対象が無ければ ErrNotFound を返します。
// UPDATE は現在状態を条件に含むため、同一ジョブの同時遷移は必ず一方だけが成功します。
func (s *Store) Transition(ctx context.Context, jobID string, to Status, p TransitionParams) (*Job, error) {
	switch to {
	case StatusCompleted:
		if p.CompressedSize == nil || *p.CompressedSize < 0 {
			return nil, fmt.Errorf("compressed size is required to complete a job")
		}
		if p.ErrorMessage != "" {
			return nil, fmt.Errorf("error message is not allowed on completion")
		}
	case StatusFailed:
		if p.ErrorMessage == "" {
			return nil, fmt.Errorf("error message is required to fail a job")
		}
		if p.CompressedSize != nil {
			return nil, fmt.Errorf("compressed size is not allowed on failure")
		}
	default:
		if p.ErrorMessage != "" || p.CompressedSize != nil {
			return nil, fmt.Errorf("transition params are only valid for terminal states")
		}
	}

	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM compression_jobs WHERE id = ?`, jobID).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		from := Status(current)
		if !isAllowedTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		now := time.Now().UTC()
		var completedAt any
		if to.IsTerminal() {
			completedAt = now.UnixMilli()
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE compression_jobs
			    SET status = ?,
			        compressed_size_bytes = ?,
			        error_message = ?,
			        completed_at = ?,
			        updated_at = ?
			  WHERE id = ? AND status = ?`,
			string(to),
			nullableInt64(p.CompressedSize),
			nullableNonEmpty(p.ErrorMessage),
			completedAt,
			now.UnixMilli(),
			jobID,
			string(from),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s -> %s (lost claim race)", ErrInvalidTransition, from, to)
		}

		job, err = getJobTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob はジョブを1件取得します。
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID)
	return scanJob(row)
}

// ListJobs は作成日時の降順でジョブの一覧と総件数を返します。
// principalID が空の場合は全依頼主のジョブを対象にします。
func (s *Store) ListJobs(ctx context.Context, principalID string, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	countQuery := `SELECT COUNT(*) FROM compression_jobs`
	listQuery := jobSelect
	args := []any{}
	if principalID != "" {
		countQuery += ` WHERE user_id = ?`
		listQuery += ` WHERE user_id = ?`
		args = append(args, principalID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, listQuery, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// GetPrincipalByEmail はメールアドレスで依頼主を検索します。
func (s *Store) GetPrincipalByEmail(ctx context.Context, email string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, full_name, hashed_password, is_active, created_at, updated_at
		   FROM users WHERE email = ?`, email)

	var (
		p                    Principal
		isActive             int
		createdMs, updatedMs int64
	)
	if err := row.Scan(&p.ID, &p.Email, &p.FullName, &p.HashedPassword, &isActive, &createdMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.IsActive = isActive != 0
	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	p.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &p, nil
}

// DeletePrincipal は依頼主を削除します。所有するジョブは外部キーの
// カスケードでまとめて削除されます。
func (s *Store) DeletePrincipal(ctx context.Context, principalID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, principalID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const jobSelect = `
SELECT id, user_id, original_filename, original_size_bytes, compressed_size_bytes,
       compression_level, preserve_images, status, error_message,
       created_at, updated_at, completed_at
  FROM compression_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                  Job
		compressedSize       sql.NullInt64
		preserveImages       int
		statusStr            string
		errorMessage         sql.NullString
		createdMs, updatedMs int64
		completedMs          sql.NullInt64
	)
	err := row.Scan(
		&job.ID,
		&job.PrincipalID,
		&job.OriginalFilename,
		&job.OriginalSizeBytes,
		&compressedSize,
		&job.CompressionLevel,
		&preserveImages,
		&statusStr,
		&errorMessage,
		&createdMs,
		&updatedMs,
		&completedMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job.Status = Status(statusStr)
	job.PreserveImages = preserveImages != 0
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if compressedSize.Valid {
		v := compressedSize.Int64
		job.CompressedSizeBytes = &v
	}
	if errorMessage.Valid {
		v := errorMessage.String
		job.ErrorMessage = &v
	}
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*Job, error) {
	return scanJob(tx.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableNonEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
