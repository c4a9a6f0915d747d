package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/hitoshi/incidentdesk/internal/metrics"
	"github.com/hitoshi/incidentdesk/internal/model"
	"github.com/hitoshi/incidentdesk/internal/notify"
	"github.com/hitoshi/incidentdesk/internal/repository"
)

const (
	// DefaultCodeLength は認証コードの桁数の既定値。
	DefaultCodeLength = 6
	// DefaultCodeLifetime は認証コードの有効期間の既定値。
	DefaultCodeLifetime = 5 * time.Minute
	// DefaultResendLimit は再送ウィンドウ内で許可する再送回数の既定値。
	DefaultResendLimit = 3
	// DefaultResendWindow は再送回数を数えるウィンドウの既定値。
	DefaultResendWindow = 5 * time.Minute
)

// CodeCheck は認証コード照合の結果。
type CodeCheck int

const (
	CodeValid CodeCheck = iota
	CodeInvalid
	CodeExpired
	CodeMissing
)

func (c CodeCheck) String() string {
	switch c {
	case CodeValid:
		return "valid"
	case CodeInvalid:
		return "invalid"
	case CodeExpired:
		return "expired"
	case CodeMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Code は発行された認証コード。Valueは通知にのみ使い、保存しない。
type Code struct {
	Value     string
	ExpiresAt time.Time
}

// CodeManagerConfig は認証コードの発行ポリシー。
type CodeManagerConfig struct {
	Secret       []byte
	Length       int
	Lifetime     time.Duration
	ResendLimit  int
	ResendWindow time.Duration
}

// CodeManager は2段階認証コードの発行・照合・破棄・再送を行う。
// コードはHMACハッシュとしてユーザーレコードに保存する。
type CodeManager struct {
	users    repository.UserRepository
	attempts *AttemptLog
	notifier notify.Notifier
	metrics  metrics.MetricsCollector
	cfg      CodeManagerConfig
	now      func() time.Time
	random   io.Reader
}

// errResendLimited はロック中の更新を中止するための内部エラー。
var errResendLimited = errors.New("resend limit reached")

// NewCodeManager はCodeManagerを生成する。
func NewCodeManager(
	users repository.UserRepository,
	attempts *AttemptLog,
	notifier notify.Notifier,
	m metrics.MetricsCollector,
	cfg CodeManagerConfig,
	now func() time.Time,
) *CodeManager {
	return &CodeManager{
		users:    users,
		attempts: attempts,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		now:      now,
		random:   rand.Reader,
	}
}

// Issue は新しいコードを生成して保存し、通知を送出する。
// 以前のコードは保存と同時に無効になる。
// 通知に失敗した場合はコードとErrCodeDispatchFailedをラップしたエラーを返す。
func (m *CodeManager) Issue(ctx context.Context, user *model.User) (*Code, error) {
	code, err := m.generate()
	if err != nil {
		return nil, err
	}

	updated, err := m.users.UpdateLocked(ctx, user.ID, func(u *model.User) error {
		m.store(u, code)
		return nil
	})
	if err != nil {
		return nil, unavailable("store two-factor code", err)
	}
	if updated == nil {
		return nil, unavailable("store two-factor code", fmt.Errorf("user %s not found", user.ID))
	}

	m.metrics.RecordTwoFactorIssued()
	return code, m.dispatch(ctx, updated, code)
}

// Resend はレート制限の範囲内でIssueと同じ処理を行う。
// 制限に達している場合は保存済みのコードを変更せずlimited=trueを返す。
func (m *CodeManager) Resend(ctx context.Context, user *model.User, client ClientInfo) (code *Code, limited bool, err error) {
	code, err = m.generate()
	if err != nil {
		return nil, false, err
	}

	// 回数確認・計数エントリの追加・コードの保存は同じ行ロック・同じトランザクションで行う。
	// コードの保存に失敗したときは計数エントリも残らない
	updated, err := m.users.UpdateLockedWithAttempts(ctx, user.ID, func(u *model.User, repo repository.LoginAttemptRepository) error {
		attempts := m.attempts.using(repo)
		since := m.now().Add(-m.cfg.ResendWindow)
		count, err := attempts.CountSince(ctx, u.Email, model.ReasonVerificationResend, since)
		if err != nil {
			return unavailable("count resend attempts", err)
		}
		if count >= m.cfg.ResendLimit {
			return errResendLimited
		}
		if err := attempts.Append(ctx, u.Email, client, true, model.ReasonVerificationResend); err != nil {
			return unavailable("record resend attempt", err)
		}
		m.store(u, code)
		return nil
	})
	if errors.Is(err, errResendLimited) {
		return nil, true, nil
	}
	if err != nil {
		if errors.Is(err, ErrSystemUnavailable) {
			return nil, false, err
		}
		return nil, false, unavailable("store two-factor code", err)
	}
	if updated == nil {
		return nil, false, unavailable("store two-factor code", fmt.Errorf("user %s not found", user.ID))
	}

	m.metrics.RecordTwoFactorIssued()
	return code, false, m.dispatch(ctx, updated, code)
}

// Verify は保存済みコードと提出値を照合する。提出値は数字以外を除去してから比較する。
// 期限切れは一致の有無にかかわらずCodeExpiredになる。
func (m *CodeManager) Verify(user *model.User, submitted string) CodeCheck {
	normalized := NormalizeCode(submitted)
	if user.TwoFactorCode == nil || user.TwoFactorExpiresAt == nil || normalized == "" {
		return CodeMissing
	}
	if !m.now().Before(*user.TwoFactorExpiresAt) {
		return CodeExpired
	}
	if !hmac.Equal([]byte(*user.TwoFactorCode), []byte(m.hash(normalized))) {
		return CodeInvalid
	}
	return CodeValid
}

// Redeem はユーザー行をロックした状態で照合し、一致した場合はその場でコードを破棄する。
// 同じコードで2回成功することはない。
func (m *CodeManager) Redeem(ctx context.Context, userID, submitted string) (CodeCheck, error) {
	var result CodeCheck
	updated, err := m.users.UpdateLocked(ctx, userID, func(u *model.User) error {
		result = m.Verify(u, submitted)
		if result == CodeValid {
			clearCode(u)
		}
		return nil
	})
	if err != nil {
		return CodeMissing, unavailable("redeem two-factor code", err)
	}
	if updated == nil {
		return CodeMissing, nil
	}
	return result, nil
}

// Clear は保存済みのコードと有効期限を破棄する。
func (m *CodeManager) Clear(ctx context.Context, userID string) error {
	_, err := m.users.UpdateLocked(ctx, userID, func(u *model.User) error {
		clearCode(u)
		return nil
	})
	if err != nil {
		return unavailable("clear two-factor code", err)
	}
	return nil
}

// NormalizeCode は数字以外の文字を取り除く。
func NormalizeCode(submitted string) string {
	var b strings.Builder
	for _, r := range submitted {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (m *CodeManager) generate() (*Code, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(m.cfg.Length)), nil)
	n, err := rand.Int(m.random, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate two-factor code: %w", err)
	}
	return &Code{
		Value:     fmt.Sprintf("%0*d", m.cfg.Length, n),
		ExpiresAt: m.now().Add(m.cfg.Lifetime),
	}, nil
}

func (m *CodeManager) store(u *model.User, code *Code) {
	hashed := m.hash(code.Value)
	expires := code.ExpiresAt
	u.TwoFactorCode = &hashed
	u.TwoFactorExpiresAt = &expires
}

func (m *CodeManager) hash(digits string) string {
	mac := hmac.New(sha256.New, m.cfg.Secret)
	mac.Write([]byte(digits))
	return hex.EncodeToString(mac.Sum(nil))
}

// dispatch は保存済みのコードを通知する。ユーザー行のロックは保持しない。
func (m *CodeManager) dispatch(ctx context.Context, user *model.User, code *Code) error {
	err := m.notifier.SendTwoFactorCode(ctx, notify.TwoFactorCodeMessage{
		UserID:    user.ID,
		Email:     user.Email,
		Code:      code.Value,
		ExpiresAt: code.ExpiresAt,
	})
	if err != nil {
		m.metrics.RecordCodeDispatchFailure()
		slog.Error("failed to dispatch two-factor code",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrCodeDispatchFailed, err)
	}
	return nil
}

func clearCode(u *model.User) {
	u.TwoFactorCode = nil
	u.TwoFactorExpiresAt = nil
}
