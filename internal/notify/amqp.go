package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel は*amqp.Channelのうち発行に使う部分。
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// amqpConn は*amqp.Connectionのうち発行に使う部分。
type amqpConn interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (amqpChannel, error) {
	return c.Connection.Channel()
}

func dialAMQP(amqpURL string) (amqpConn, error) {
	conn, err := amqp.DialConfig(amqpURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// AMQPPublisher はRabbitMQのtopic exchangeへイベントを発行するPublisher。
// 接続が切れていた場合は次の発行時に再接続する。
type AMQPPublisher struct {
	mu      sync.Mutex
	url     string
	dial    func(url string) (amqpConn, error)
	conn    amqpConn
	channel amqpChannel
}

// NewAMQPPublisher はRabbitMQへ接続し、AMQPPublisherを生成する。
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	return newAMQPPublisher(cleanURL, dialAMQP)
}

func newAMQPPublisher(amqpURL string, dial func(string) (amqpConn, error)) (*AMQPPublisher, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	return &AMQPPublisher{url: amqpURL, dial: dial, conn: conn, channel: ch}, nil
}

// Publish はbodyをJSONとして発行する。失敗時はチャネルを開き直し、
// 接続が閉じていれば再接続してから1回だけ再試行する。
func (p *AMQPPublisher) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, payload)
	if err == nil {
		return nil
	}

	slog.Warn("amqp publish failed, reopening channel",
		slog.String("exchange", exchange),
		slog.String("error", err.Error()),
	)

	if reErr := p.reopenLocked(); reErr != nil {
		return fmt.Errorf("failed to reopen amqp channel: %w", errors.Join(err, reErr))
	}

	if err := p.publishLocked(ctx, exchange, routingKey, payload); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// reopenLocked は古いチャネルを閉じて新しいチャネルを開く。接続が閉じていれば張り直す。
func (p *AMQPPublisher) reopenLocked() error {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}

	if p.conn == nil || p.conn.IsClosed() {
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
		slog.Warn("amqp connection closed, redialing")
		conn, err := p.dial(p.url)
		if err != nil {
			return fmt.Errorf("failed to dial amqp: %w", err)
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return nil
}

var errAMQPChannelClosed = errors.New("amqp channel is not open")

func (p *AMQPPublisher) publishLocked(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if p.channel == nil {
		return errAMQPChannelClosed
	}
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// Close はチャネルと接続を閉じる。
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// sanitizeAMQPURL は前後の空白・引用符を取り除き、スキームを検証する。
func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}

	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

var _ Publisher = (*AMQPPublisher)(nil)
