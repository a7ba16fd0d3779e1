package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NotificationEnvelope 跨进程投递的通知格式（Redis / AMQP / webhook 共用）
type NotificationEnvelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Recipients []string    `json:"recipients"`
	Event      ChangeEvent `json:"event"`
	Timestamp  time.Time   `json:"timestamp"`
}

func newEnvelope(recipients []string, notificationType string, event ChangeEvent) NotificationEnvelope {
	ts := event.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return NotificationEnvelope{
		ID:         uuid.NewString(),
		Type:       notificationType,
		Recipients: recipients,
		Event:      event,
		Timestamp:  ts,
	}
}

// redisPublisher 是 redis.UniversalClient 的子集
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier 发布到 Redis 频道，由各实例的 RedisRelay 转发给本地 WebSocket
type RedisNotifier struct {
	client  redisPublisher
	channel string
}

func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, recipients []string, notificationType string, event ChangeEvent) error {
	body, err := json.Marshal(newEnvelope(recipients, notificationType, event))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", n.channel, err)
	}
	return nil
}

// RedisRelay 订阅通知频道并推送到本实例的 WebSocketHub
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	hub     *WebSocketHub
	logger  *logrus.Logger
}

func NewRedisRelay(client redis.UniversalClient, channel string, hub *WebSocketHub, logger *logrus.Logger) *RedisRelay {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisRelay{client: client, channel: channel, hub: hub, logger: logger}
}

// Run 阻塞直到 ctx 结束
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.WithField("channel", r.channel).Info("redis notification relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.dispatch(msg.Payload); err != nil {
				r.logger.WithError(err).Warn("dropping malformed relay payload")
			}
		}
	}
}

func (r *RedisRelay) dispatch(payload string) error {
	var env NotificationEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return err
	}
	return NewHubNotifier(r.hub).Notify(context.Background(), env.Recipients, env.Type, env.Event)
}

// amqpPublisher 是 *amqp.Channel 的子集
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier 发布到 RabbitMQ topic exchange，routing key 为通知类型
type AMQPNotifier struct {
	url      string
	exchange string
	logger   *logrus.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   amqpPublisher
}

// NewAMQPNotifier 建立连接并声明 exchange
func NewAMQPNotifier(url, exchange string, logger *logrus.Logger) (*AMQPNotifier, error) {
	if logger == nil {
		logger = logrus.New()
	}
	n := &AMQPNotifier{url: url, exchange: exchange, logger: logger}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) connect() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", n.exchange, err)
	}
	n.conn = conn
	n.ch = ch
	return nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, recipients []string, notificationType string, event ChangeEvent) error {
	env := newEnvelope(recipients, notificationType, event)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil || (n.conn != nil && n.conn.IsClosed()) {
		if err := n.connect(); err != nil {
			return err
		}
	}
	err = n.ch.PublishWithContext(ctx, n.exchange, notificationType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", n.exchange, notificationType, err)
	}
	n.logger.WithFields(logrus.Fields{
		"exchange":    n.exchange,
		"routing_key": notificationType,
		"message_id":  env.ID,
	}).Debug("published notification")
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// WebhookNotifier 将通知 POST 到外部告警地址，熔断器保护
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *CircuitBreaker
}

func NewWebhookNotifier(url string, timeout time.Duration, breaker *CircuitBreaker) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, recipients []string, notificationType string, event ChangeEvent) error {
	body, err := json.Marshal(newEnvelope(recipients, notificationType, event))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	send := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	}
	if n.breaker == nil {
		return send(ctx)
	}
	return n.breaker.Execute(ctx, send)
}
