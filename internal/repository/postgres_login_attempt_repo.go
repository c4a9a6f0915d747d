package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/incidentdesk/internal/model"
)

// queryer は*sql.DBと*sql.Txの共通部分。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresLoginAttemptRepo はPostgreSQLを使用したログイン試行ログのリポジトリ。
// ユーザー行のトランザクション内ではそのトランザクションに束縛して使う。
type PostgresLoginAttemptRepo struct {
	db queryer
}

// NewPostgresLoginAttemptRepo はPostgresLoginAttemptRepoを生成する。
func NewPostgresLoginAttemptRepo(db *sql.DB) *PostgresLoginAttemptRepo {
	return &PostgresLoginAttemptRepo{db: db}
}

// Create は試行ログを1件追加する。IDと作成日時が未設定の場合は補完する。
func (r *PostgresLoginAttemptRepo) Create(ctx context.Context, attempt *model.LoginAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	var reason sql.NullString
	if attempt.Reason != "" {
		reason = sql.NullString{String: string(attempt.Reason), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_attempts (id, email, ip_address, user_agent, successful, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		attempt.ID, attempt.Email, attempt.IPAddress, attempt.UserAgent, attempt.Success, reason, attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert login attempt: %w", err)
	}
	return nil
}

// CountSince はsince以降に記録された指定メールアドレス・理由コードの件数を返す。
func (r *PostgresLoginAttemptRepo) CountSince(ctx context.Context, email string, reason model.AttemptReason, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM login_attempts
		 WHERE lower(email) = lower($1) AND failure_reason = $2 AND created_at >= $3`,
		email, string(reason), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count login attempts: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ LoginAttemptRepository = (*PostgresLoginAttemptRepo)(nil)
