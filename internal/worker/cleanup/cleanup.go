// Package cleanup は認証データの定期クリーンアップジョブを提供する。
// 期限切れの認証済みセッション、期限切れの2段階認証コード、
// 保持期間（デフォルト90日）を超過したログイン試行ログを日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	// DefaultRetentionDays はログイン試行ログのデフォルト保持日数。
	DefaultRetentionDays = 90
	// DefaultCodeGracePeriod は期限切れの2段階認証コードを消去するまでの猶予。待機セッションの既定の寿命と同じ。
	DefaultCodeGracePeriod = 30 * time.Minute
)

// task は1つの削除ステップ。
type task struct {
	name  string
	query string
	args  func(j *CleanupJob) []interface{}
}

var tasks = []task{
	{
		name:  "expired_sessions",
		query: `DELETE FROM sessions WHERE expires_at <= now()`,
	},
	{
		// 開いている待機セッションがあり得る間は残し、検証結果をexpiredのままにする
		name: "expired_two_factor_codes",
		query: `UPDATE users SET two_factor_code = NULL, two_factor_expires_at = NULL, updated_at = now()
			WHERE two_factor_expires_at IS NOT NULL AND two_factor_expires_at <= now() - $1::interval`,
		args: func(j *CleanupJob) []interface{} {
			return []interface{}{fmt.Sprintf("%d seconds", int64(j.codeGracePeriod().Seconds()))}
		},
	},
	{
		name:  "old_login_attempts",
		query: `DELETE FROM login_attempts WHERE created_at < now() - $1::interval`,
		args: func(j *CleanupJob) []interface{} {
			return []interface{}{fmt.Sprintf("%d days", j.retentionDays())}
		},
	},
}

// CleanupJob は認証データの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // ログイン試行ログの保持日数（デフォルト: 90）

	// CodeGracePeriod は期限切れのコードを消去するまでの猶予（デフォルト: 30分）。
	// 待機セッションの寿命以上にする。
	CodeGracePeriod time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:              db,
		logger:          logger,
		RetentionDays:   DefaultRetentionDays,
		CodeGracePeriod: DefaultCodeGracePeriod,
	}
}

func (j *CleanupJob) codeGracePeriod() time.Duration {
	if j.CodeGracePeriod < 0 {
		return 0
	}
	return j.CodeGracePeriod
}

// retentionDays は再送回数の判定期間を削らないよう最低1日とする。
func (j *CleanupJob) retentionDays() int {
	if j.RetentionDays < 1 {
		return 1
	}
	return j.RetentionDays
}

// Run はすべての削除ステップを実行する。
// 1つのステップが失敗しても残りのステップは実行し、失敗をまとめて返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var errs []error
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := j.runTask(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}

	duration := time.Since(start)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	j.logger.Info("認証データのクリーンアップジョブが完了しました",
		slog.Int("retention_days", j.retentionDays()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) runTask(ctx context.Context, t task) error {
	var args []interface{}
	if t.args != nil {
		args = t.args(j)
	}

	result, err := j.db.ExecContext(ctx, t.query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("task", t.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to run cleanup task %s: %w", t.name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("task", t.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to get affected rows for %s: %w", t.name, err)
	}

	j.logger.Info("クリーンアップを実行しました",
		slog.String("task", t.name),
		slog.Int64("affected_count", affected),
	)
	return nil
}

// Start は起動直後に1回実行し、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
