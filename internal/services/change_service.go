package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"changedesk/internal/metrics"
	"changedesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Clock 时间来源；核心逻辑不直接读取系统时间
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc 便于测试注入固定时间
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// ChangeService 变更生命周期服务
type ChangeService struct {
	store         ChangeStore
	notifier      Notifier
	clock         Clock
	logger        *logrus.Logger
	tracer        trace.Tracer
	notifyTimeout time.Duration
}

// NewChangeService 创建变更服务；notifier / clock / logger 可为 nil
func NewChangeService(store ChangeStore, notifier Notifier, clock Clock, logger *logrus.Logger) *ChangeService {
	if logger == nil {
		logger = logrus.New()
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &ChangeService{
		store:         store,
		notifier:      notifier,
		clock:         clock,
		logger:        logger,
		tracer:        otel.Tracer("changedesk.change"),
		notifyTimeout: 5 * time.Second,
	}
}

// SetNotifyTimeout 通知投递超时
func (s *ChangeService) SetNotifyTimeout(d time.Duration) {
	if d > 0 {
		s.notifyTimeout = d
	}
}

func (s *ChangeService) Store() ChangeStore { return s.store }

// ChangeCreateRequest 创建变更请求；新建变更总是 draft
type ChangeCreateRequest struct {
	Title              string     `json:"title" binding:"required,max=200"`
	Description        string     `json:"description"`
	OrganizationID     string     `json:"organization_id" binding:"max=64"`
	Priority           string     `json:"priority" binding:"omitempty,oneof=low medium high critical"`
	Risk               string     `json:"risk" binding:"omitempty,oneof=low medium high"`
	ImplementationPlan string     `json:"implementation_plan"`
	RollbackPlan       string     `json:"rollback_plan"`
	ScheduledFor       *time.Time `json:"scheduled_for"`
	EstimatedEndTime   *time.Time `json:"estimated_end_time"`
	AssignedTo         *string    `json:"assigned_to"`
	ProblemID          *string    `json:"problem_id"`
	IncidentID         *string    `json:"incident_id"`
}

// OptionalString 区分"未提供"与"显式清空"（null 或空串）
type OptionalString struct {
	Set   bool
	Value *string
}

func (o *OptionalString) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s = strings.TrimSpace(s); s != "" {
		o.Value = &s
	} else {
		o.Value = nil
	}
	return nil
}

func SetString(v string) OptionalString { return OptionalString{Set: true, Value: &v} }

// OptionalTime 同 OptionalString，null 表示清空
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

func (o *OptionalTime) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	t = t.UTC()
	o.Value = &t
	return nil
}

func SetTime(t time.Time) OptionalTime { return OptionalTime{Set: true, Value: &t} }

// ChangeUpdateRequest 部分更新；只有显式出现的字段会被写入
type ChangeUpdateRequest struct {
	Title              *string        `json:"title"`
	Description        *string        `json:"description"`
	Priority           *string        `json:"priority"`
	Risk               *string        `json:"risk"`
	ImplementationPlan *string        `json:"implementation_plan"`
	RollbackPlan       *string        `json:"rollback_plan"`
	Status             *string        `json:"status"`
	Reason             *string        `json:"reason"`
	ScheduledFor       OptionalTime   `json:"scheduled_for"`
	EstimatedEndTime   OptionalTime   `json:"estimated_end_time"`
	AssignedTo         OptionalString `json:"assigned_to"`
	ProblemID          OptionalString `json:"problem_id"`
	IncidentID         OptionalString `json:"incident_id"`
}

func (r *ChangeUpdateRequest) hasFieldUpdates() bool {
	return r.Title != nil || r.Description != nil || r.Priority != nil || r.Risk != nil ||
		r.ImplementationPlan != nil || r.RollbackPlan != nil ||
		r.ScheduledFor.Set || r.EstimatedEndTime.Set ||
		r.AssignedTo.Set || r.ProblemID.Set || r.IncidentID.Set
}

var (
	validPriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	validRisks      = map[string]bool{"low": true, "medium": true, "high": true}
)

// CreateChange 创建 draft 变更
func (s *ChangeService) CreateChange(ctx context.Context, actor Actor, req *ChangeCreateRequest) (*models.Change, error) {
	const op = "change.create"
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()

	if req == nil {
		return nil, validationError(op, ErrInvalidRequest, "request body is required")
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return nil, authorizationError(op, "an authenticated actor is required")
	}
	var problems []string
	title := strings.TrimSpace(req.Title)
	if title == "" {
		problems = append(problems, "title is required")
	} else if len(title) > 200 {
		problems = append(problems, "title must be at most 200 characters")
	}
	if req.Priority != "" && !validPriorities[req.Priority] {
		problems = append(problems, "priority must be one of low, medium, high, critical")
	}
	if req.Risk != "" && !validRisks[req.Risk] {
		problems = append(problems, "risk must be one of low, medium, high")
	}
	problemID, incidentID := trimmedPtr(req.ProblemID), trimmedPtr(req.IncidentID)
	if problemID != nil && incidentID != nil {
		return nil, validationError(op, ErrLinkConflict, "a change may reference a problem or an incident, not both")
	}
	scheduled, end := utcPtr(req.ScheduledFor), utcPtr(req.EstimatedEndTime)
	if scheduled != nil && end != nil && end.Before(*scheduled) {
		problems = append(problems, "estimated_end_time must not be before scheduled_for")
	}
	if len(problems) > 0 {
		return nil, validationError(op, ErrInvalidRequest, "%s", strings.Join(problems, "; "))
	}
	org := strings.TrimSpace(req.OrganizationID)
	if actor.OrgID != "" {
		if org != "" && org != actor.OrgID {
			return nil, authorizationError(op, "changes can only be created in your own organization")
		}
		org = actor.OrgID
	}

	change := &models.Change{
		Title:              title,
		Description:        req.Description,
		OrganizationID:     org,
		Priority:           defaultString(req.Priority, "medium"),
		Risk:               defaultString(req.Risk, "medium"),
		ImplementationPlan: req.ImplementationPlan,
		RollbackPlan:       req.RollbackPlan,
		Status:             models.ChangeStatusDraft,
		ScheduledFor:       scheduled,
		EstimatedEndTime:   end,
		RequestedBy:        actor.UserID,
		AssignedTo:         trimmedPtr(req.AssignedTo),
		ProblemID:          problemID,
		IncidentID:         incidentID,
	}
	if err := s.store.CreateChange(ctx, change); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("change.id", change.ID))
	s.logger.WithFields(logrus.Fields{"change_id": change.ID, "actor": actor.UserID}).Info("change created")
	return change, nil
}

func (s *ChangeService) GetChange(ctx context.Context, id string, actor Actor) (*models.Change, error) {
	ctx, span := s.tracer.Start(ctx, "change.get", trace.WithAttributes(attribute.String("change.id", id)))
	defer span.End()
	return s.load(ctx, "change.get", id, actor)
}

// load 读取变更；其他组织的变更按不存在处理
func (s *ChangeService) load(ctx context.Context, op, id string, actor Actor) (*models.Change, error) {
	change, err := s.store.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanSee(change) {
		return nil, notFoundError(op, id)
	}
	return change, nil
}

func (s *ChangeService) ListChanges(ctx context.Context, filter ChangeFilter) ([]models.Change, int64, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, 0, validationError("change.list", ErrInvalidStatus, "unknown status %q", st)
		}
	}
	ctx, span := s.tracer.Start(ctx, "change.list")
	defer span.End()
	return s.store.ListChanges(ctx, filter)
}

// UpdateChange 部分更新；携带 status 时经过流转规则并与字段在同一条件写入中提交
func (s *ChangeService) UpdateChange(ctx context.Context, id string, actor Actor, req *ChangeUpdateRequest) (*models.Change, error) {
	const op = "change.update"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("change.id", id)))
	defer span.End()

	if req == nil || (!req.hasFieldUpdates() && req.Status == nil) {
		return nil, validationError(op, ErrInvalidRequest, "no fields to update")
	}
	var target models.ChangeStatus
	if req.Status != nil {
		st, ok := models.ParseChangeStatus(*req.Status)
		if !ok {
			return nil, validationError(op, ErrInvalidStatus, "unknown status %q", *req.Status)
		}
		target = st
	}

	current, err := s.load(ctx, op, id, actor)
	if err != nil {
		return nil, err
	}
	if target != "" && target != current.Status {
		var mutate func(*models.Change) (map[string]interface{}, error)
		if req.hasFieldUpdates() {
			if err := s.checkEditable(op, current, actor); err != nil {
				return nil, err
			}
			if _, err := buildFieldUpdates(op, current, req); err != nil {
				return nil, err
			}
			// 写入前在行锁内按最新记录重新校验，避免并发写入绕过关联约束
			mutate = func(locked *models.Change) (map[string]interface{}, error) {
				if err := s.checkEditable(op, locked, actor); err != nil {
					return nil, err
				}
				return buildFieldUpdates(op, locked, req)
			}
		}
		reason := ""
		if req.Reason != nil {
			reason = *req.Reason
		}
		snapshot := *current
		if req.ScheduledFor.Set {
			snapshot.ScheduledFor = req.ScheduledFor.Value
		}
		return s.transition(ctx, transitionRequest{
			op:       op,
			change:   &snapshot,
			to:       target,
			actor:    actor,
			reason:   reason,
			comments: reason,
			mutate:   mutate,
			now:      s.clock.Now(),
		})
	}
	if !req.hasFieldUpdates() {
		return current, nil
	}

	updated, err := s.store.UpdateChange(ctx, id, func(cur *models.Change) (map[string]interface{}, error) {
		if !actor.CanSee(cur) {
			return nil, notFoundError(op, id)
		}
		if err := s.checkEditable(op, cur, actor); err != nil {
			return nil, err
		}
		return buildFieldUpdates(op, cur, req)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"change_id": id, "actor": actor.UserID}).Info("change updated")
	return updated, nil
}

// checkEditable 申请人、负责人或管理角色可以编辑非终态变更
func (s *ChangeService) checkEditable(op string, c *models.Change, actor Actor) error {
	if c.Status.IsTerminal() {
		return validationError(op, ErrIllegalTransition, "change is %s and can no longer be edited", c.Status)
	}
	if actor.Role.IsManagerLevel() || actor.UserID == c.RequestedBy || c.IsAssignee(actor.UserID) {
		return nil
	}
	return authorizationError(op, "only the requester, the assignee or a manager can edit this change")
}

// buildFieldUpdates 校验全部字段并基于合并后的状态检查约束；任何一项失败都不会写入
func buildFieldUpdates(op string, cur *models.Change, req *ChangeUpdateRequest) (map[string]interface{}, error) {
	fields := map[string]interface{}{}
	var problems []string

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		switch {
		case title == "":
			problems = append(problems, "title must not be empty")
		case len(title) > 200:
			problems = append(problems, "title must be at most 200 characters")
		default:
			fields["title"] = title
		}
	}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.Priority != nil {
		if !validPriorities[*req.Priority] {
			problems = append(problems, "priority must be one of low, medium, high, critical")
		} else {
			fields["priority"] = *req.Priority
		}
	}
	if req.Risk != nil {
		if !validRisks[*req.Risk] {
			problems = append(problems, "risk must be one of low, medium, high")
		} else {
			fields["risk"] = *req.Risk
		}
	}
	if req.ImplementationPlan != nil {
		fields["implementation_plan"] = *req.ImplementationPlan
	}
	if req.RollbackPlan != nil {
		fields["rollback_plan"] = *req.RollbackPlan
	}

	scheduled, end := cur.ScheduledFor, cur.EstimatedEndTime
	if req.ScheduledFor.Set {
		scheduled = req.ScheduledFor.Value
		fields["scheduled_for"] = scheduled
	}
	if req.EstimatedEndTime.Set {
		end = req.EstimatedEndTime.Value
		fields["estimated_end_time"] = end
	}
	if scheduled != nil && end != nil && end.Before(*scheduled) {
		problems = append(problems, "estimated_end_time must not be before scheduled_for")
	}
	if req.AssignedTo.Set {
		fields["assigned_to"] = req.AssignedTo.Value
	}

	problemID, incidentID := cur.ProblemID, cur.IncidentID
	if req.ProblemID.Set {
		problemID = req.ProblemID.Value
		fields["problem_id"] = problemID
	}
	if req.IncidentID.Set {
		incidentID = req.IncidentID.Value
		fields["incident_id"] = incidentID
	}
	if problemID != nil && incidentID != nil {
		return nil, validationError(op, ErrLinkConflict, "a change may reference a problem or an incident, not both")
	}
	if len(problems) > 0 {
		return nil, validationError(op, ErrInvalidRequest, "%s", strings.Join(problems, "; "))
	}
	return fields, nil
}

// SubmitChange draft -> pending，并打开唯一的待审批记录
func (s *ChangeService) SubmitChange(ctx context.Context, id string, actor Actor) (*models.Change, error) {
	return s.transition(ctx, transitionRequest{op: "change.submit", id: id, to: models.ChangeStatusPending, actor: actor})
}

// ApproveChange pending -> approved
func (s *ChangeService) ApproveChange(ctx context.Context, id string, actor Actor, comments string) (*models.Change, error) {
	return s.transition(ctx, transitionRequest{
		op: "change.approve", id: id, to: models.ChangeStatusApproved, actor: actor, comments: comments,
	})
}

// RejectChange 驳回审批：pending -> cancelled，审批记录置为 rejected
func (s *ChangeService) RejectChange(ctx context.Context, id string, actor Actor, comments string) (*models.Change, error) {
	const op = "change.reject"
	current, err := s.load(ctx, op, id, actor)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ChangeStatusPending {
		return nil, validationError(op, ErrIllegalTransition, "only pending changes can be rejected (change is %s)", current.Status)
	}
	return s.transition(ctx, transitionRequest{
		op: op, change: current, to: models.ChangeStatusCancelled, actor: actor,
		comments: comments, reason: comments, notificationType: "change.rejected",
	})
}

// CancelChange 取消 draft / pending / approved 变更
func (s *ChangeService) CancelChange(ctx context.Context, id string, actor Actor, reason string) (*models.Change, error) {
	const op = "change.cancel"
	current, err := s.load(ctx, op, id, actor)
	if err != nil {
		return nil, err
	}
	if !IsCancellable(current.Status) {
		return nil, validationError(op, ErrIllegalTransition, "only draft, pending or approved changes can be cancelled (change is %s)", current.Status)
	}
	return s.transition(ctx, transitionRequest{
		op: op, change: current, to: models.ChangeStatusCancelled, actor: actor,
		reason: reason, comments: reason, notificationType: "change.cancelled",
	})
}

// StartChange 人工开始：approved -> in_progress
func (s *ChangeService) StartChange(ctx context.Context, id string, actor Actor) (*models.Change, error) {
	return s.transition(ctx, transitionRequest{op: "change.start", id: id, to: models.ChangeStatusInProgress, actor: actor})
}

func (s *ChangeService) CompleteChange(ctx context.Context, id string, actor Actor) (*models.Change, error) {
	return s.transition(ctx, transitionRequest{op: "change.complete", id: id, to: models.ChangeStatusCompleted, actor: actor})
}

func (s *ChangeService) FailChange(ctx context.Context, id string, actor Actor, reason string) (*models.Change, error) {
	return s.transition(ctx, transitionRequest{
		op: "change.fail", id: id, to: models.ChangeStatusFailed, actor: actor, reason: reason,
	})
}

// TransitionChange 通用流转入口
func (s *ChangeService) TransitionChange(ctx context.Context, id string, to models.ChangeStatus, actor Actor, reason string) (*models.Change, error) {
	return s.transition(ctx, transitionRequest{op: "change.transition", id: id, to: to, actor: actor, reason: reason, comments: reason})
}

// AutoStart 调度器以系统身份启动到期变更，使用调用方给定的 now
func (s *ChangeService) AutoStart(ctx context.Context, change *models.Change, now time.Time) (*models.Change, error) {
	return s.transition(ctx, transitionRequest{
		op: "change.auto_start", change: change, to: models.ChangeStatusInProgress,
		actor: SystemActor(), reason: "scheduled start reached", now: now,
	})
}

func (s *ChangeService) ListHistory(ctx context.Context, id string, actor Actor) ([]models.ChangeStatusHistory, error) {
	if _, err := s.load(ctx, "change.history", id, actor); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, id)
}

func (s *ChangeService) ListAutomations(ctx context.Context, id string, actor Actor, executed *bool) ([]models.ChangeAutomation, error) {
	if _, err := s.load(ctx, "change.automations", id, actor); err != nil {
		return nil, err
	}
	return s.store.ListAutomations(ctx, id, executed)
}

// ListCompletionPrompts 已超过预计结束时间仍在执行中的变更，限定在调用方组织内
func (s *ChangeService) ListCompletionPrompts(ctx context.Context, actor Actor) ([]models.Change, error) {
	rows, err := s.store.ListOverdue(ctx, s.clock.Now(), 0)
	if err != nil {
		return nil, err
	}
	visible := rows[:0]
	for i := range rows {
		if actor.CanSee(&rows[i]) {
			visible = append(visible, rows[i])
		}
	}
	return visible, nil
}

// ChangeRoomAccess 供 WebSocketHub 校验 change:<id> 房间：只能加入可读的变更
func ChangeRoomAccess(s *ChangeService) ChangeAccessFunc {
	return func(ctx context.Context, userID, orgID, changeID string) error {
		_, err := s.load(ctx, "change.subscribe", changeID, Actor{UserID: userID, OrgID: orgID})
		return err
	}
}

type transitionRequest struct {
	op               string
	id               string
	change           *models.Change // 已读取的快照；为空时按 id 读取
	to               models.ChangeStatus
	actor            Actor
	reason           string
	comments         string
	notificationType string
	mutate           func(*models.Change) (map[string]interface{}, error)
	now              time.Time
}

// transition 读取 -> 判定 -> 条件写入 -> 通知
func (s *ChangeService) transition(ctx context.Context, req transitionRequest) (*models.Change, error) {
	ctx, span := s.tracer.Start(ctx, req.op, trace.WithAttributes(
		attribute.String("change.to", string(req.to)),
		attribute.String("actor.id", req.actor.UserID),
	))
	defer span.End()

	change := req.change
	if change == nil {
		var err error
		if change, err = s.load(ctx, req.op, req.id, req.actor); err != nil {
			metrics.ObserveTransition(string(req.to), string(KindOf(err)))
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("change.id", change.ID), attribute.String("change.from", string(change.Status)))

	decision, err := EvaluateTransition(change, req.to, req.actor)
	if err != nil {
		metrics.ObserveTransition(string(req.to), string(KindOf(err)))
		return nil, err
	}
	now := req.now
	if now.IsZero() {
		now = s.clock.Now()
	}
	updated, err := s.store.ApplyTransition(ctx, TransitionCommand{
		ChangeID:       change.ID,
		OrganizationID: req.actor.scopeOrg(),
		Decision:       decision,
		Mutate:         req.mutate,
		Comments:       req.comments,
		Reason:         req.reason,
		Now:            now,
	})
	if err != nil {
		kind := KindOf(err)
		metrics.ObserveTransition(string(req.to), string(kind))
		entry := s.logger.WithError(err).WithFields(logrus.Fields{
			"change_id": change.ID, "from": decision.From, "to": decision.To, "actor": req.actor.UserID,
		})
		if kind == KindInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transition failed")
			entry.Error("change transition failed")
		} else {
			entry.Warn("change transition rejected")
		}
		return nil, err
	}
	metrics.ObserveTransition(string(req.to), "ok")
	s.logger.WithFields(logrus.Fields{
		"change_id": change.ID, "from": decision.From, "to": decision.To, "actor": req.actor.UserID,
	}).Info("change transitioned")

	if decision.Has(EffectNotify) {
		notificationType := req.notificationType
		if notificationType == "" {
			notificationType = NotificationTypeFor(decision)
		}
		s.notify(ctx, updated, req.actor.UserID, notificationType, ChangeEvent{
			ChangeID:   updated.ID,
			Title:      updated.Title,
			FromStatus: decision.From,
			ToStatus:   decision.To,
			ActorID:    req.actor.UserID,
			Message:    req.reason,
			OccurredAt: now,
		})
	}
	return updated, nil
}

// notify 在事务提交后投递；失败只记录日志与指标
func (s *ChangeService) notify(ctx context.Context, change *models.Change, actorID, notificationType string, event ChangeEvent) {
	recipients := DeriveRecipients(change, actorID)
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, recipients, notificationType, event); err != nil {
		metrics.IncNotificationFailure(notificationType)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"change_id": change.ID,
			"type":      notificationType,
		}).Warn("change notification failed")
	}
}

func trimmedPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
