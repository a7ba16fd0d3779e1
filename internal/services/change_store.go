package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changedesk/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChangeFilter 列表查询条件
type ChangeFilter struct {
	Statuses       []models.ChangeStatus
	AssignedTo     string
	RequestedBy    string
	OrganizationID string
	Page           int
	PageSize       int
}

// TransitionCommand 一次条件状态写入及其附带操作
type TransitionCommand struct {
	ChangeID       string
	OrganizationID string // 非空时只命中该组织的变更，否则视为不存在
	Decision       *TransitionDecision
	Mutate         func(current *models.Change) (map[string]interface{}, error) // 行锁内基于当前记录返回随状态写入的字段
	Comments       string
	Reason         string
	Now            time.Time
}

// ChangeStore 变更持久化协作者
type ChangeStore interface {
	GetChange(ctx context.Context, id string) (*models.Change, error)
	ListChanges(ctx context.Context, filter ChangeFilter) ([]models.Change, int64, error)
	CreateChange(ctx context.Context, change *models.Change) error
	// UpdateChange 在行锁内读取当前记录，由 mutate 校验合并后的状态并返回待写字段
	UpdateChange(ctx context.Context, id string, mutate func(current *models.Change) (map[string]interface{}, error)) (*models.Change, error)
	// ApplyTransition 锁定并重读当前记录，再以 WHERE status = from 条件写入；未命中返回冲突或不存在
	ApplyTransition(ctx context.Context, cmd TransitionCommand) (*models.Change, error)

	ListDueForStart(ctx context.Context, now time.Time, limit int) ([]models.Change, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Change, error)

	ListApprovals(ctx context.Context, changeID string) ([]models.ChangeApproval, error)
	ListAutomations(ctx context.Context, changeID string, executed *bool) ([]models.ChangeAutomation, error)
	ListHistory(ctx context.Context, changeID string) ([]models.ChangeStatusHistory, error)
	// RecordAutomationFailure 将未执行的自动化记录标记为已执行并写入错误；不存在时插入一条失败记录
	RecordAutomationFailure(ctx context.Context, changeID string, kind models.AutomationType, now time.Time, message string) error
	// ClaimCompletionPrompt 首次调用返回 true 并写入已执行的 completion_prompt 记录
	ClaimCompletionPrompt(ctx context.Context, changeID string, now time.Time) (bool, error)
}

// GormChangeStore 基于 GORM 的实现（生产 PostgreSQL，测试 SQLite）
type GormChangeStore struct {
	db *gorm.DB
}

func NewGormChangeStore(db *gorm.DB) *GormChangeStore {
	return &GormChangeStore{db: db}
}

func (s *GormChangeStore) GetChange(ctx context.Context, id string) (*models.Change, error) {
	var change models.Change
	err := s.db.WithContext(ctx).
		Preload("Approvals", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Automations", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&change, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("change.get", id)
		}
		return nil, fmt.Errorf("get change: %w", err)
	}
	return &change, nil
}

func (s *GormChangeStore) ListChanges(ctx context.Context, filter ChangeFilter) ([]models.Change, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.Change{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.AssignedTo != "" {
		q = q.Where("assigned_to = ?", filter.AssignedTo)
	}
	if filter.RequestedBy != "" {
		q = q.Where("requested_by = ?", filter.RequestedBy)
	}
	if filter.OrganizationID != "" {
		q = q.Where("organization_id = ?", filter.OrganizationID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count changes: %w", err)
	}
	var changes []models.Change
	offset := (filter.Page - 1) * filter.PageSize
	if err := q.Order("created_at DESC").Offset(offset).Limit(filter.PageSize).Find(&changes).Error; err != nil {
		return nil, 0, fmt.Errorf("list changes: %w", err)
	}
	return changes, total, nil
}

func (s *GormChangeStore) CreateChange(ctx context.Context, change *models.Change) error {
	if err := s.db.WithContext(ctx).Create(change).Error; err != nil {
		return fmt.Errorf("create change: %w", err)
	}
	return nil
}

func (s *GormChangeStore) UpdateChange(ctx context.Context, id string, mutate func(current *models.Change) (map[string]interface{}, error)) (*models.Change, error) {
	var updated models.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Change
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundError("change.update", id)
			}
			return err
		}
		fields, err := mutate(&current)
		if err != nil {
			return err
		}
		if len(fields) > 0 {
			res := tx.Model(&models.Change{}).
				Where("id = ? AND status = ?", id, current.Status).
				Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return conflictError("change.update", "change %s was modified concurrently", id)
			}
			if v, ok := fields["scheduled_for"]; ok && current.Status == models.ChangeStatusApproved {
				if err := rescheduleAutoStart(tx, id, v); err != nil {
					return err
				}
			}
		}
		return tx.First(&updated, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// rescheduleAutoStart 已批准变更调整计划时间时同步待执行的 auto_start 记录
func rescheduleAutoStart(tx *gorm.DB, changeID string, scheduled interface{}) error {
	at, _ := scheduled.(*time.Time)
	pending := tx.Model(&models.ChangeAutomation{}).
		Where("change_id = ? AND automation_type = ? AND executed = ?", changeID, models.AutomationAutoStart, false)
	if at == nil {
		return pending.Updates(map[string]interface{}{
			"executed":      true,
			"error_message": "schedule cleared before execution",
		}).Error
	}
	res := pending.Update("scheduled_for", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return tx.Create(&models.ChangeAutomation{
		ChangeID:       changeID,
		AutomationType: models.AutomationAutoStart,
		ScheduledFor:   at,
	}).Error
}

func (s *GormChangeStore) ApplyTransition(ctx context.Context, cmd TransitionCommand) (*models.Change, error) {
	d := cmd.Decision
	if d == nil {
		return nil, validationError("change.transition", ErrInvalidRequest, "missing transition decision")
	}
	now := cmd.Now
	var updated models.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Change
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", cmd.ChangeID)
		if cmd.OrganizationID != "" {
			q = q.Where("organization_id = ?", cmd.OrganizationID)
		}
		if err := q.First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundError("change.transition", cmd.ChangeID)
			}
			return fmt.Errorf("lock change: %w", err)
		}
		if current.Status != d.From {
			return conflictError("change.transition", "change %s is no longer %s", cmd.ChangeID, d.From)
		}

		fields := map[string]interface{}{}
		if cmd.Mutate != nil {
			extra, err := cmd.Mutate(&current)
			if err != nil {
				return err
			}
			for k, v := range extra {
				fields[k] = v
			}
		}
		fields["status"] = d.To
		fields["updated_at"] = now
		if d.Has(EffectSetCompletedAt) {
			fields["completed_at"] = now
		} else if d.Has(EffectClearCompletedAt) {
			fields["completed_at"] = nil
		}

		res := tx.Model(&models.Change{}).
			Where("id = ? AND status = ?", cmd.ChangeID, d.From).
			Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("update change status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return conflictError("change.transition", "change %s is no longer %s", cmd.ChangeID, d.From)
		}

		if err := tx.First(&updated, "id = ?", cmd.ChangeID).Error; err != nil {
			return err
		}
		for _, effect := range d.Effects {
			if err := applyEffect(tx, effect, &updated, cmd); err != nil {
				return err
			}
		}
		return tx.Create(&models.ChangeStatusHistory{
			ChangeID:   cmd.ChangeID,
			ActorID:    d.Actor.UserID,
			FromStatus: d.From,
			ToStatus:   d.To,
			Reason:     cmd.Reason,
			CreatedAt:  now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func applyEffect(tx *gorm.DB, effect SideEffect, change *models.Change, cmd TransitionCommand) error {
	now := cmd.Now
	actorID := cmd.Decision.Actor.UserID
	switch effect {
	case EffectOpenApproval:
		var open int64
		if err := tx.Model(&models.ChangeApproval{}).
			Where("change_id = ? AND status = ?", change.ID, models.ApprovalStatusPending).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return validationError("change.submit", ErrApprovalAlreadyOpen, "change %s already has an open approval", change.ID)
		}
		return tx.Create(&models.ChangeApproval{
			ChangeID:    change.ID,
			Status:      models.ApprovalStatusPending,
			RequestedBy: actorID,
		}).Error

	case EffectApproveApproval, EffectRejectApproval:
		status := models.ApprovalStatusApproved
		if effect == EffectRejectApproval {
			status = models.ApprovalStatusRejected
		}
		approver := actorID
		res := tx.Model(&models.ChangeApproval{}).
			Where("change_id = ? AND status = ?", change.ID, models.ApprovalStatusPending).
			Updates(map[string]interface{}{
				"status":       status,
				"approved_by":  approver,
				"comments":     cmd.Comments,
				"responded_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		// 历史数据可能缺少待审批记录，补一条已处理的审批用于审计
		return tx.Create(&models.ChangeApproval{
			ChangeID:    change.ID,
			Status:      status,
			RequestedBy: change.RequestedBy,
			ApprovedBy:  &approver,
			Comments:    cmd.Comments,
			RespondedAt: &now,
		}).Error

	case EffectScheduleAutoStart:
		return tx.Create(&models.ChangeAutomation{
			ChangeID:       change.ID,
			AutomationType: models.AutomationAutoStart,
			ScheduledFor:   change.ScheduledFor,
		}).Error

	case EffectCancelAutomations:
		msg := "change cancelled before execution"
		if cmd.Reason != "" {
			msg += ": " + cmd.Reason
		}
		return tx.Model(&models.ChangeAutomation{}).
			Where("change_id = ? AND executed = ?", change.ID, false).
			Updates(map[string]interface{}{
				"executed":      true,
				"executed_at":   now,
				"error_message": msg,
				"updated_at":    now,
			}).Error

	case EffectRecordAutoStart:
		res := tx.Model(&models.ChangeAutomation{}).
			Where("change_id = ? AND automation_type = ? AND executed = ?", change.ID, models.AutomationAutoStart, false).
			Updates(map[string]interface{}{
				"executed":    true,
				"executed_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&models.ChangeAutomation{
			ChangeID:       change.ID,
			AutomationType: models.AutomationAutoStart,
			ScheduledFor:   change.ScheduledFor,
			Executed:       true,
			ExecutedAt:     &now,
		}).Error

	case EffectSupersedeAutoStart:
		return tx.Model(&models.ChangeAutomation{}).
			Where("change_id = ? AND automation_type = ? AND executed = ?", change.ID, models.AutomationAutoStart, false).
			Updates(map[string]interface{}{
				"executed":    true,
				"executed_at": now,
				"updated_at":  now,
			}).Error
	}
	// completed_at 已随状态写入；notify 在提交后执行
	return nil
}

func (s *GormChangeStore) ListDueForStart(ctx context.Context, now time.Time, limit int) ([]models.Change, error) {
	var out []models.Change
	q := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?", models.ChangeStatusApproved, now).
		Order("scheduled_for ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list due changes: %w", err)
	}
	return out, nil
}

func (s *GormChangeStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Change, error) {
	var out []models.Change
	q := s.db.WithContext(ctx).
		Where("status = ? AND estimated_end_time IS NOT NULL AND estimated_end_time <= ?", models.ChangeStatusInProgress, now).
		Order("estimated_end_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list overdue changes: %w", err)
	}
	return out, nil
}

func (s *GormChangeStore) ListApprovals(ctx context.Context, changeID string) ([]models.ChangeApproval, error) {
	var out []models.ChangeApproval
	err := s.db.WithContext(ctx).Where("change_id = ?", changeID).Order("id ASC").Find(&out).Error
	return out, err
}

func (s *GormChangeStore) ListAutomations(ctx context.Context, changeID string, executed *bool) ([]models.ChangeAutomation, error) {
	q := s.db.WithContext(ctx).Where("change_id = ?", changeID)
	if executed != nil {
		q = q.Where("executed = ?", *executed)
	}
	var out []models.ChangeAutomation
	err := q.Order("id ASC").Find(&out).Error
	return out, err
}

func (s *GormChangeStore) ListHistory(ctx context.Context, changeID string) ([]models.ChangeStatusHistory, error) {
	var out []models.ChangeStatusHistory
	err := s.db.WithContext(ctx).Where("change_id = ?", changeID).Order("id ASC").Find(&out).Error
	return out, err
}

func (s *GormChangeStore) RecordAutomationFailure(ctx context.Context, changeID string, kind models.AutomationType, now time.Time, message string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed := map[string]interface{}{
			"executed":      true,
			"executed_at":   now,
			"error_message": message,
			"attempts":      gorm.Expr("attempts + 1"),
			"updated_at":    now,
		}
		res := tx.Model(&models.ChangeAutomation{}).
			Where("change_id = ? AND automation_type = ? AND executed = ?", changeID, kind, false).
			Updates(failed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		// 反复失败时复用最近一条失败记录，只累加 attempts
		var last models.ChangeAutomation
		err := tx.Where("change_id = ? AND automation_type = ? AND attempts > 0", changeID, kind).
			Order("id DESC").Limit(1).Find(&last).Error
		if err != nil {
			return err
		}
		if last.ID != 0 {
			return tx.Model(&models.ChangeAutomation{}).Where("id = ?", last.ID).Updates(failed).Error
		}
		return tx.Create(&models.ChangeAutomation{
			ChangeID:       changeID,
			AutomationType: kind,
			Executed:       true,
			ExecutedAt:     &now,
			ErrorMessage:   message,
			Attempts:       1,
		}).Error
	})
}

// ClaimCompletionPrompt 先锁定变更行再检查，重叠的扫描在锁上排队，只有一个能写入提醒记录
func (s *GormChangeStore) ClaimCompletionPrompt(ctx context.Context, changeID string, now time.Time) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var change models.Change
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&change, "id = ?", changeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundError("change.prompt", changeID)
			}
			return err
		}
		var n int64
		if err := tx.Model(&models.ChangeAutomation{}).
			Where("change_id = ? AND automation_type = ?", changeID, models.AutomationCompletionPrompt).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		claimed = true
		return tx.Create(&models.ChangeAutomation{
			ChangeID:       changeID,
			AutomationType: models.AutomationCompletionPrompt,
			Executed:       true,
			ExecutedAt:     &now,
		}).Error
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
