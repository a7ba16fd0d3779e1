package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChangeStatus 变更生命周期状态（封闭集合）
type ChangeStatus string

const (
	ChangeStatusDraft      ChangeStatus = "draft"
	ChangeStatusPending    ChangeStatus = "pending"
	ChangeStatusApproved   ChangeStatus = "approved"
	ChangeStatusInProgress ChangeStatus = "in_progress"
	ChangeStatusCompleted  ChangeStatus = "completed"
	ChangeStatusFailed     ChangeStatus = "failed"
	ChangeStatusCancelled  ChangeStatus = "cancelled"
)

// AllChangeStatuses lists the closed status set in lifecycle order.
var AllChangeStatuses = []ChangeStatus{
	ChangeStatusDraft,
	ChangeStatusPending,
	ChangeStatusApproved,
	ChangeStatusInProgress,
	ChangeStatusCompleted,
	ChangeStatusFailed,
	ChangeStatusCancelled,
}

func (s ChangeStatus) Valid() bool {
	switch s {
	case ChangeStatusDraft, ChangeStatusPending, ChangeStatusApproved, ChangeStatusInProgress,
		ChangeStatusCompleted, ChangeStatusFailed, ChangeStatusCancelled:
		return true
	}
	return false
}

// IsTerminal 终态不再接受任何状态变更
func (s ChangeStatus) IsTerminal() bool {
	return s == ChangeStatusCompleted || s == ChangeStatusFailed || s == ChangeStatusCancelled
}

// ParseChangeStatus 严格解析，未知值返回 false，不做大小写或别名归一
func ParseChangeStatus(raw string) (ChangeStatus, bool) {
	s := ChangeStatus(raw)
	return s, s.Valid()
}

// 变更记录
type Change struct {
	ID                 string       `gorm:"primaryKey;size:36" json:"id"`
	Title              string       `gorm:"size:200;not null" json:"title"`
	Description        string       `gorm:"type:text" json:"description"`
	OrganizationID     string       `gorm:"size:64;index" json:"organization_id"`
	Priority           string       `gorm:"size:16;default:'medium'" json:"priority"` // low, medium, high, critical
	Risk               string       `gorm:"size:16;default:'medium'" json:"risk"`     // low, medium, high
	ImplementationPlan string       `gorm:"type:text" json:"implementation_plan"`
	RollbackPlan       string       `gorm:"type:text" json:"rollback_plan"`
	Status             ChangeStatus `gorm:"size:20;index;not null" json:"status"`
	ScheduledFor       *time.Time   `gorm:"index" json:"scheduled_for"`
	EstimatedEndTime   *time.Time   `gorm:"index" json:"estimated_end_time"`
	CompletedAt        *time.Time   `json:"completed_at"`
	RequestedBy        string       `gorm:"size:64;index;not null" json:"requested_by"`
	AssignedTo         *string      `gorm:"size:64;index" json:"assigned_to"`
	ProblemID          *string      `gorm:"size:64;index" json:"problem_id"`
	IncidentID         *string      `gorm:"size:64;index" json:"incident_id"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`

	// 关联关系
	Approvals   []ChangeApproval   `gorm:"foreignKey:ChangeID" json:"approvals,omitempty"`
	Automations []ChangeAutomation `gorm:"foreignKey:ChangeID" json:"automations,omitempty"`
}

func (c *Change) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ChangeStatusDraft
	}
	return nil
}

// IsAssignee reports whether userID is the change's current assignee.
func (c *Change) IsAssignee(userID string) bool {
	return c.AssignedTo != nil && *c.AssignedTo != "" && *c.AssignedTo == userID
}

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ChangeApproval 审批记录；同一变更最多存在一条 pending 审批
type ChangeApproval struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	ChangeID    string         `gorm:"size:36;index;not null" json:"change_id"`
	Status      ApprovalStatus `gorm:"size:16;index;not null" json:"status"`
	RequestedBy string         `gorm:"size:64" json:"requested_by"`
	ApprovedBy  *string        `gorm:"size:64" json:"approved_by"`
	Comments    string         `gorm:"type:text" json:"comments"`
	RespondedAt *time.Time     `json:"responded_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ChangeStatusHistory 状态流转审计
type ChangeStatusHistory struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	ChangeID   string       `gorm:"size:36;index" json:"change_id"`
	ActorID    string       `gorm:"size:64" json:"actor_id"` // system 表示调度器
	FromStatus ChangeStatus `gorm:"size:20" json:"from_status"`
	ToStatus   ChangeStatus `gorm:"size:20" json:"to_status"`
	Reason     string       `gorm:"type:text" json:"reason"`
	CreatedAt  time.Time    `json:"created_at"`
}
