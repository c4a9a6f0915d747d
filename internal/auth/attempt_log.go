package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/incidentdesk/internal/metrics"
	"github.com/hitoshi/incidentdesk/internal/model"
	"github.com/hitoshi/incidentdesk/internal/repository"
)

// ClientInfo は試行ログに記録する接続元の情報。
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// AttemptLog は認証試行の追記専用ログ。
type AttemptLog struct {
	repo    repository.LoginAttemptRepository
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewAttemptLog はAttemptLogを生成する。
func NewAttemptLog(repo repository.LoginAttemptRepository, m metrics.MetricsCollector, now func() time.Time) *AttemptLog {
	return &AttemptLog{repo: repo, metrics: m, now: now}
}

// Record は試行を1件記録する。書き込みに失敗してもエラーは返さない。
// リクエストがキャンセルされても記録は継続する。
func (l *AttemptLog) Record(ctx context.Context, email string, client ClientInfo, success bool, reason model.AttemptReason) {
	if err := l.Append(context.WithoutCancel(ctx), email, client, success, reason); err != nil {
		l.metrics.RecordAttemptLogFailure()
		slog.Warn("failed to record login attempt",
			slog.String("email", maskEmail(email)),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
	}
}

// Append は試行を1件記録し、失敗時はエラーを返す。
// レート制限の計数に使うエントリのように、記録漏れが許されない場合に使用する。
func (l *AttemptLog) Append(ctx context.Context, email string, client ClientInfo, success bool, reason model.AttemptReason) error {
	return l.repo.Create(ctx, &model.LoginAttempt{
		Email:     email,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   success,
		Reason:    reason,
		CreatedAt: l.now(),
	})
}

// CountSince はsince以降の指定理由コードのエントリ数を返す。
func (l *AttemptLog) CountSince(ctx context.Context, email string, reason model.AttemptReason, since time.Time) (int, error) {
	return l.repo.CountSince(ctx, email, reason, since)
}

// using は書き込み先だけをrepoに差し替えたAttemptLogを返す。
// ユーザー行のトランザクションに束縛したリポジトリと組み合わせて使う。
func (l *AttemptLog) using(repo repository.LoginAttemptRepository) *AttemptLog {
	cp := *l
	cp.repo = repo
	return &cp
}

// maskEmail はログ出力用にメールアドレスのローカル部を伏せる。
func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
