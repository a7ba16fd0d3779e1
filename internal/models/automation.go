package models

import "time"

type AutomationType string

const (
	AutomationAutoStart        AutomationType = "auto_start"
	AutomationCompletionPrompt AutomationType = "completion_prompt"
)

// ChangeAutomation 变更自动化执行记录，用于审计与防重复执行
type ChangeAutomation struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ChangeID       string         `gorm:"size:36;index;not null" json:"change_id"`
	AutomationType AutomationType `gorm:"size:32;index;not null" json:"automation_type"`
	ScheduledFor   *time.Time     `json:"scheduled_for"`
	Executed       bool           `gorm:"index;not null;default:false" json:"executed"`
	ExecutedAt     *time.Time     `json:"executed_at"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message"`
	Attempts       int            `gorm:"not null;default:0" json:"attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Notification 站内通知
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:64;index;not null" json:"user_id"`
	Type      string    `gorm:"size:64;index" json:"type"` // change.approved, completion_prompt.required ...
	Title     string    `gorm:"size:200" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	ChangeID  string    `gorm:"size:36;index" json:"change_id"`
	Read      bool      `gorm:"default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// AllModels 返回需要自动迁移的模型
func AllModels() []interface{} {
	return []interface{}{
		&Change{},
		&ChangeApproval{},
		&ChangeAutomation{},
		&ChangeStatusHistory{},
		&Notification{},
	}
}
