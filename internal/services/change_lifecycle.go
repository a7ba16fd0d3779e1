package services

import (
	"strings"

	"changedesk/internal/models"
)

// ChangeRole 调用方在组织内的角色
type ChangeRole string

const (
	RoleOwner   ChangeRole = "owner"
	RoleAdmin   ChangeRole = "admin"
	RoleManager ChangeRole = "manager"
	RoleMember  ChangeRole = "member"
)

// IsManagerLevel owner/admin/manager 可审批、取消与代为执行
func (r ChangeRole) IsManagerLevel() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleManager
}

// HighestRole 从 token 中的多个角色里取权限最高的一个；无法识别时返回 member
func HighestRole(roles []string) ChangeRole {
	best := RoleMember
	rank := map[ChangeRole]int{RoleMember: 0, RoleManager: 1, RoleAdmin: 2, RoleOwner: 3}
	for _, r := range roles {
		role := ChangeRole(strings.ToLower(strings.TrimSpace(r)))
		if n, ok := rank[role]; ok && n > rank[best] {
			best = role
		}
	}
	return best
}

const SystemActorID = "system"

// Actor 发起状态变更的主体
type Actor struct {
	UserID string
	Role   ChangeRole
	// OrgID 令牌中的组织；非空时只能看到并操作本组织的变更
	OrgID string
	// System 为 true 表示调度器发起，而非人工操作
	System bool
}

// CanSee 组织范围检查；系统身份与未绑定组织的令牌不受限
func (a Actor) CanSee(c *models.Change) bool {
	return a.System || a.OrgID == "" || c.OrganizationID == a.OrgID
}

// scopeOrg 写入时附加的组织条件
func (a Actor) scopeOrg() string {
	if a.System {
		return ""
	}
	return a.OrgID
}

func SystemActor() Actor {
	return Actor{UserID: SystemActorID, System: true}
}

// SideEffect 状态流转需要在同一事务内完成的附带写操作
type SideEffect string

const (
	EffectOpenApproval       SideEffect = "open_approval"
	EffectApproveApproval    SideEffect = "approve_approval"
	EffectRejectApproval     SideEffect = "reject_approval"
	EffectScheduleAutoStart  SideEffect = "schedule_auto_start"
	EffectCancelAutomations  SideEffect = "cancel_automations"
	EffectRecordAutoStart    SideEffect = "record_auto_start"
	EffectSupersedeAutoStart SideEffect = "supersede_auto_start"
	EffectSetCompletedAt     SideEffect = "set_completed_at"
	EffectClearCompletedAt   SideEffect = "clear_completed_at"
	EffectNotify             SideEffect = "notify"
)

type transitionGuard int

const (
	guardAny transitionGuard = iota
	guardManager
	guardStarter  // 调度器、负责人或管理角色
	guardExecutor // 负责人或管理角色
)

type transitionKey struct {
	from, to models.ChangeStatus
}

type transitionRule struct {
	guard   transitionGuard
	effects []SideEffect
}

// 合法流转表；表中不存在的组合一律拒绝
var transitionTable = map[transitionKey]transitionRule{
	{models.ChangeStatusDraft, models.ChangeStatusPending}:        {guardAny, []SideEffect{EffectOpenApproval}},
	{models.ChangeStatusPending, models.ChangeStatusApproved}:     {guardManager, []SideEffect{EffectApproveApproval}},
	{models.ChangeStatusPending, models.ChangeStatusCancelled}:    {guardManager, []SideEffect{EffectRejectApproval, EffectCancelAutomations}},
	{models.ChangeStatusDraft, models.ChangeStatusCancelled}:      {guardManager, []SideEffect{EffectCancelAutomations}},
	{models.ChangeStatusApproved, models.ChangeStatusCancelled}:   {guardManager, []SideEffect{EffectCancelAutomations}},
	{models.ChangeStatusApproved, models.ChangeStatusInProgress}:  {guardStarter, nil},
	{models.ChangeStatusInProgress, models.ChangeStatusCompleted}: {guardExecutor, nil},
	{models.ChangeStatusInProgress, models.ChangeStatusFailed}:    {guardExecutor, nil},
}

// TransitionDecision 流转判定结果，Effects 由存储层在同一事务内执行
type TransitionDecision struct {
	From    models.ChangeStatus
	To      models.ChangeStatus
	Actor   Actor
	Effects []SideEffect
}

func (d *TransitionDecision) Has(effect SideEffect) bool {
	for _, e := range d.Effects {
		if e == effect {
			return true
		}
	}
	return false
}

// CanTransition 仅检查流转表，不考虑角色
func CanTransition(from, to models.ChangeStatus) bool {
	_, ok := transitionTable[transitionKey{from, to}]
	return ok
}

// IsCancellable 可取消集合为 draft / pending / approved
func IsCancellable(status models.ChangeStatus) bool {
	return CanTransition(status, models.ChangeStatusCancelled)
}

// EvaluateTransition 判定 change 能否由 actor 流转到 to，并给出需要执行的附带操作。
// 纯函数：不读写任何外部状态。
func EvaluateTransition(change *models.Change, to models.ChangeStatus, actor Actor) (*TransitionDecision, error) {
	const op = "change.transition"
	if change == nil {
		return nil, validationError(op, ErrInvalidRequest, "change is required")
	}
	if !to.Valid() {
		return nil, validationError(op, ErrInvalidStatus, "unknown target status %q", to)
	}
	from := change.Status
	if !from.Valid() {
		return nil, validationError(op, ErrInvalidStatus, "change has unknown status %q", from)
	}
	if from == to {
		return nil, validationError(op, ErrIllegalTransition, "change is already %s", from)
	}
	if from.IsTerminal() {
		return nil, validationError(op, ErrIllegalTransition, "change is %s and accepts no further transitions", from)
	}
	rule, ok := transitionTable[transitionKey{from, to}]
	if !ok {
		return nil, validationError(op, ErrIllegalTransition, "cannot move change from %s to %s", from, to)
	}
	if !actor.System && strings.TrimSpace(actor.UserID) == "" {
		return nil, authorizationError(op, "an authenticated actor is required")
	}
	if !guardAllows(rule.guard, change, actor) {
		return nil, authorizationError(op, "%s cannot move change from %s to %s", actorLabel(actor), from, to)
	}

	effects := make([]SideEffect, 0, len(rule.effects)+3)
	effects = append(effects, rule.effects...)
	if from == models.ChangeStatusPending && to == models.ChangeStatusApproved && change.ScheduledFor != nil {
		effects = append(effects, EffectScheduleAutoStart)
	}
	if from == models.ChangeStatusApproved && to == models.ChangeStatusInProgress {
		if actor.System {
			effects = append(effects, EffectRecordAutoStart)
		} else {
			effects = append(effects, EffectSupersedeAutoStart)
		}
	}
	if to == models.ChangeStatusCompleted {
		effects = append(effects, EffectSetCompletedAt)
	} else {
		effects = append(effects, EffectClearCompletedAt)
	}
	effects = append(effects, EffectNotify)

	return &TransitionDecision{From: from, To: to, Actor: actor, Effects: effects}, nil
}

func guardAllows(g transitionGuard, change *models.Change, actor Actor) bool {
	switch g {
	case guardAny:
		return true
	case guardManager:
		return !actor.System && actor.Role.IsManagerLevel()
	case guardStarter:
		return actor.System || actor.Role.IsManagerLevel() || change.IsAssignee(actor.UserID)
	case guardExecutor:
		return !actor.System && (actor.Role.IsManagerLevel() || change.IsAssignee(actor.UserID))
	}
	return false
}

func actorLabel(a Actor) string {
	if a.System {
		return "scheduler"
	}
	if a.Role == "" {
		return "caller"
	}
	return "role " + string(a.Role)
}

// NotificationTypeFor 状态流转对应的通知类型
func NotificationTypeFor(d *TransitionDecision) string {
	switch {
	case d.To == models.ChangeStatusPending:
		return "change.submitted"
	case d.To == models.ChangeStatusApproved:
		return "change.approved"
	case d.To == models.ChangeStatusCancelled && d.Has(EffectRejectApproval):
		return "change.rejected"
	case d.To == models.ChangeStatusCancelled:
		return "change.cancelled"
	case d.To == models.ChangeStatusInProgress && d.Actor.System:
		return "change.auto_started"
	case d.To == models.ChangeStatusInProgress:
		return "change.started"
	case d.To == models.ChangeStatusCompleted:
		return "change.completed"
	case d.To == models.ChangeStatusFailed:
		return "change.failed"
	}
	return "change.updated"
}
