// Package notify は認証コードなどの利用者向け通知の送出を提供する。
// 配送（メール送信・再試行）は下流の通知サービスが担う。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RoutingKeyTwoFactorCode は2段階認証コード通知のルーティングキー。
const RoutingKeyTwoFactorCode = "email.two_factor_code"

// TwoFactorCodeMessage は2段階認証コード通知の本文。
type TwoFactorCodeMessage struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Notifier は通知チャネルのインターフェース。
type Notifier interface {
	// SendTwoFactorCode はコード通知を送出する。配送完了は待たない。
	SendTwoFactorCode(ctx context.Context, msg TwoFactorCodeMessage) error
}

// Publisher はメッセージブローカーへの発行インターフェース。
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close()
}

// QueueNotifier はPublisher経由で通知イベントを発行するNotifier。
type QueueNotifier struct {
	publisher Publisher
	exchange  string
	timeout   time.Duration
}

// NewQueueNotifier はQueueNotifierを生成する。
func NewQueueNotifier(publisher Publisher, exchange string) *QueueNotifier {
	return &QueueNotifier{
		publisher: publisher,
		exchange:  exchange,
		timeout:   5 * time.Second,
	}
}

// SendTwoFactorCode はコード通知イベントを発行する。
func (n *QueueNotifier) SendTwoFactorCode(ctx context.Context, msg TwoFactorCodeMessage) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.publisher.Publish(ctx, n.exchange, RoutingKeyTwoFactorCode, msg); err != nil {
		return fmt.Errorf("failed to publish two-factor code notification: %w", err)
	}
	return nil
}

// LogNotifier は通知内容をログに出力するだけのNotifier。
// ブローカー未設定のローカル環境専用で、コードをそのままログに書き出す。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SendTwoFactorCode はコード通知をログに出力する。
func (n *LogNotifier) SendTwoFactorCode(_ context.Context, msg TwoFactorCodeMessage) error {
	n.logger.Info("two-factor code notification (local delivery)",
		slog.String("user_id", msg.UserID),
		slog.String("email", msg.Email),
		slog.String("code", msg.Code),
		slog.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}

var (
	_ Notifier = (*QueueNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
