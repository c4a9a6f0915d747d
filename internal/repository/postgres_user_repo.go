package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/incidentdesk/internal/model"
)

const userColumns = `id, email, username, password_hash, role, is_active,
	email_verified_at, failed_login_attempts, locked_until,
	two_factor_code, two_factor_expires_at, last_login_at, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`,
		email,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`,
		username,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username: %w", err)
	}
	return user, nil
}

// UpdateLocked はSELECT ... FOR UPDATEで行ロックを取得し、fnの変更を同一トランザクションで保存する。
func (r *PostgresUserRepo) UpdateLocked(ctx context.Context, id string, fn func(u *model.User) error) (*model.User, error) {
	return r.updateLocked(ctx, id, func(_ *sql.Tx, u *model.User) error {
		return fn(u)
	})
}

// UpdateLockedWithAttempts はトランザクションに束縛した試行ログリポジトリをfnに渡す。
// 行ロックを保持したまま別のコネクションを取りに行かないため、プールが枯渇しても詰まらない。
func (r *PostgresUserRepo) UpdateLockedWithAttempts(ctx context.Context, id string, fn func(u *model.User, attempts LoginAttemptRepository) error) (*model.User, error) {
	return r.updateLocked(ctx, id, func(tx *sql.Tx, u *model.User) error {
		return fn(u, &PostgresLoginAttemptRepo{db: tx})
	})
}

func (r *PostgresUserRepo) updateLocked(ctx context.Context, id string, fn func(tx *sql.Tx, u *model.User) error) (*model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	user, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	if user == nil {
		return nil, nil
	}

	if err := fn(tx, user); err != nil {
		return nil, err
	}

	user.UpdatedAt = time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE users SET
			email_verified_at = $2,
			failed_login_attempts = $3,
			locked_until = $4,
			two_factor_code = $5,
			two_factor_expires_at = $6,
			last_login_at = $7,
			updated_at = $8
		 WHERE id = $1`,
		user.ID,
		nullTime(user.EmailVerifiedAt),
		user.FailedLoginAttempts,
		nullTime(user.LockedUntil),
		nullString(user.TwoFactorCode),
		nullTime(user.TwoFactorExpiresAt),
		nullTime(user.LastLoginAt),
		user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return user, nil
}

// scanUser は1行をmodel.Userに変換する。行が存在しない場合はnilを返す。
func scanUser(row rowScanner) (*model.User, error) {
	var (
		u               model.User
		emailVerifiedAt sql.NullTime
		lockedUntil     sql.NullTime
		twoFactorCode   sql.NullString
		twoFactorExp    sql.NullTime
		lastLoginAt     sql.NullTime
	)

	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.IsActive,
		&emailVerifiedAt, &u.FailedLoginAttempts, &lockedUntil,
		&twoFactorCode, &twoFactorExp, &lastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u.EmailVerifiedAt = timePtr(emailVerifiedAt)
	u.LockedUntil = timePtr(lockedUntil)
	u.TwoFactorExpiresAt = timePtr(twoFactorExp)
	u.LastLoginAt = timePtr(lastLoginAt)
	if twoFactorCode.Valid {
		code := twoFactorCode.String
		u.TwoFactorCode = &code
	}

	return &u, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
