package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"changedesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeriveRecipients 计算一次状态变更需要通知的用户：
// 申请人（非操作者本人）+ 负责人（已设置、不同于申请人且不是操作者）。结果不重复。
func DeriveRecipients(change *models.Change, actorID string) []string {
	if change == nil {
		return nil
	}
	recipients := make([]string, 0, 2)
	requester := strings.TrimSpace(change.RequestedBy)
	if requester != "" && requester != actorID {
		recipients = append(recipients, requester)
	}
	if change.AssignedTo != nil {
		assignee := strings.TrimSpace(*change.AssignedTo)
		if assignee != "" && assignee != requester && assignee != actorID {
			recipients = append(recipients, assignee)
		}
	}
	return recipients
}

// ChangeEvent 通知载荷
type ChangeEvent struct {
	ChangeID   string              `json:"change_id"`
	Title      string              `json:"title"`
	FromStatus models.ChangeStatus `json:"from_status,omitempty"`
	ToStatus   models.ChangeStatus `json:"to_status"`
	ActorID    string              `json:"actor_id"`
	Message    string              `json:"message,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// Notifier 通知投递；实现应尽力而为，返回的错误只用于记录
type Notifier interface {
	Notify(ctx context.Context, recipients []string, notificationType string, event ChangeEvent) error
}

// NotifierFunc 便于测试与组合
type NotifierFunc func(ctx context.Context, recipients []string, notificationType string, event ChangeEvent) error

func (f NotifierFunc) Notify(ctx context.Context, recipients []string, notificationType string, event ChangeEvent) error {
	return f(ctx, recipients, notificationType, event)
}

// NoopNotifier 丢弃所有通知
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, []string, string, ChangeEvent) error { return nil }

// MultiNotifier 依次投递到所有通道；单个通道失败不影响其他通道
type MultiNotifier struct {
	channels []namedNotifier
	logger   *logrus.Logger
}

type namedNotifier struct {
	name string
	n    Notifier
}

func NewMultiNotifier(logger *logrus.Logger) *MultiNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &MultiNotifier{logger: logger}
}

// Add 注册通道；nil 会被忽略
func (m *MultiNotifier) Add(name string, n Notifier) *MultiNotifier {
	if n != nil {
		m.channels = append(m.channels, namedNotifier{name: name, n: n})
	}
	return m
}

func (m *MultiNotifier) Len() int { return len(m.channels) }

func (m *MultiNotifier) Notify(ctx context.Context, recipients []string, notificationType string, event ChangeEvent) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.n.Notify(ctx, recipients, notificationType, event); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"channel":   ch.name,
				"type":      notificationType,
				"change_id": event.ChangeID,
			}).Warn("notification channel failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.name, err))
		}
	}
	return errors.Join(errs...)
}

// StoreNotifier 写入站内通知表
type StoreNotifier struct {
	db *gorm.DB
}

func NewStoreNotifier(db *gorm.DB) *StoreNotifier {
	return &StoreNotifier{db: db}
}

func (s *StoreNotifier) Notify(ctx context.Context, recipients []string, notificationType string, event ChangeEvent) error {
	if len(recipients) == 0 {
		return nil
	}
	rows := make([]models.Notification, 0, len(recipients))
	for _, uid := range recipients {
		rows = append(rows, models.Notification{
			UserID:    uid,
			Type:      notificationType,
			Title:     notificationTitle(notificationType, event),
			Message:   event.Message,
			ChangeID:  event.ChangeID,
			CreatedAt: event.OccurredAt,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("store notifications: %w", err)
	}
	return nil
}

// ListForUser 返回用户的站内通知，最新在前
func (s *StoreNotifier) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	var out []models.Notification
	if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead 标记已读，只能操作本人的通知
func (s *StoreNotifier) MarkRead(ctx context.Context, userID string, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func notificationTitle(notificationType string, event ChangeEvent) string {
	switch notificationType {
	case "change.submitted":
		return "Change submitted for approval: " + event.Title
	case "change.approved":
		return "Change approved: " + event.Title
	case "change.rejected":
		return "Change rejected: " + event.Title
	case "change.cancelled":
		return "Change cancelled: " + event.Title
	case "change.started", "change.auto_started":
		return "Change started: " + event.Title
	case "change.completed":
		return "Change completed: " + event.Title
	case "change.failed":
		return "Change failed: " + event.Title
	case "completion_prompt.required":
		return "Change past its estimated end: " + event.Title
	}
	return event.Title
}
