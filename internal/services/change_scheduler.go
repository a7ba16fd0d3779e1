package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"changedesk/internal/metrics"
	"changedesk/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ScanResult 一次扫描的汇总
type ScanResult struct {
	AutoStarted       int       `json:"autoStarted"`
	CompletionPrompts int       `json:"completionPrompts"`
	Failed            int       `json:"failed"`
	Timestamp         time.Time `json:"timestamp"`
}

// ChangeScheduler 到期自动开始与超期完成提醒
type ChangeScheduler struct {
	changes   *ChangeService
	store     ChangeStore
	notifier  Notifier
	logger    *logrus.Logger
	tracer    trace.Tracer
	batchSize int
}

func NewChangeScheduler(changes *ChangeService, notifier Notifier, logger *logrus.Logger, batchSize int) *ChangeScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &ChangeScheduler{
		changes:   changes,
		store:     changes.Store(),
		notifier:  notifier,
		logger:    logger,
		tracer:    otel.Tracer("changedesk.scheduler"),
		batchSize: batchSize,
	}
}

// Scan 以给定的 now 执行两类扫描。单个变更失败只记录，不中断批次；
// 只有无法读取待处理列表时才返回错误。
func (s *ChangeScheduler) Scan(ctx context.Context, now time.Time) (*ScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.scan")
	defer span.End()

	result := &ScanResult{Timestamp: now}

	due, err := s.store.ListDueForStart(ctx, now, s.batchSize)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("auto-start scan: %w", err)
	}
	for i := range due {
		change := &due[i]
		if _, err := s.changes.AutoStart(ctx, change, now); err != nil {
			result.Failed++
			s.recordFailure(ctx, change, now, err)
			continue
		}
		result.AutoStarted++
	}

	overdue, err := s.store.ListOverdue(ctx, now, s.batchSize)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("completion-prompt scan: %w", err)
	}
	for i := range overdue {
		change := &overdue[i]
		result.CompletionPrompts++
		claimed, err := s.store.ClaimCompletionPrompt(ctx, change.ID, now)
		if err != nil {
			result.Failed++
			s.logger.WithError(err).WithField("change_id", change.ID).Error("completion prompt bookkeeping failed")
			continue
		}
		if claimed {
			s.promptCompletion(ctx, change, now)
		}
	}

	span.SetAttributes(
		attribute.Int("scan.auto_started", result.AutoStarted),
		attribute.Int("scan.completion_prompts", result.CompletionPrompts),
		attribute.Int("scan.failed", result.Failed),
	)
	s.logger.WithFields(logrus.Fields{
		"due":                len(due),
		"auto_started":       result.AutoStarted,
		"completion_prompts": result.CompletionPrompts,
		"failed":             result.Failed,
	}).Info("change automation scan completed")
	return result, nil
}

func (s *ChangeScheduler) recordFailure(ctx context.Context, change *models.Change, now time.Time, cause error) {
	entry := s.logger.WithError(cause).WithField("change_id", change.ID)
	if IsConflictError(cause) {
		entry.Warn("auto-start lost a race with a concurrent update")
	} else {
		entry.Error("auto-start failed")
	}
	msg := "auto-start failed: " + SafeMessage(cause)
	if err := s.store.RecordAutomationFailure(ctx, change.ID, models.AutomationAutoStart, now, msg); err != nil {
		entry.WithField("record_error", err.Error()).Error("could not record automation failure")
	}
}

// promptCompletion 每个超期变更只提醒一次
func (s *ChangeScheduler) promptCompletion(ctx context.Context, change *models.Change, now time.Time) {
	recipients := DeriveRecipients(change, SystemActorID)
	event := ChangeEvent{
		ChangeID:   change.ID,
		Title:      change.Title,
		ToStatus:   change.Status,
		ActorID:    SystemActorID,
		Message:    "estimated end time has passed; mark the change completed or failed",
		OccurredAt: now,
	}
	if err := s.notifier.Notify(ctx, recipients, "completion_prompt.required", event); err != nil {
		metrics.IncNotificationFailure("completion_prompt.required")
		s.logger.WithError(err).WithField("change_id", change.ID).Warn("completion prompt notification failed")
	}
}

// AutomationRunner 进程内按 cron 表达式周期触发扫描
type AutomationRunner struct {
	scheduler *ChangeScheduler
	clock     Clock
	logger    *logrus.Logger
	timeout   time.Duration

	mu   sync.Mutex
	cron *cron.Cron
	last *ScanResult
}

func NewAutomationRunner(scheduler *ChangeScheduler, clock Clock, logger *logrus.Logger, timeout time.Duration) *AutomationRunner {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &AutomationRunner{scheduler: scheduler, clock: clock, logger: logger, timeout: timeout}
}

// Start 注册 spec 并启动；ctx 结束时自动停止
func (r *AutomationRunner) Start(ctx context.Context, spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", spec, err)
	}
	cronLogger := cron.PrintfLogger(r.logger)
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))
	if _, err := c.AddFunc(spec, func() { r.RunOnce(ctx, "cron") }); err != nil {
		return fmt.Errorf("register scheduler job: %w", err)
	}

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	r.logger.WithField("spec", spec).Info("change automation runner started")

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// RunOnce 执行一次扫描并记录指标
func (r *AutomationRunner) RunOnce(ctx context.Context, trigger string) (*ScanResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	scanCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	res, err := r.scheduler.Scan(scanCtx, r.clock.Now())
	elapsed := time.Since(started).Seconds()
	if res != nil {
		metrics.ObserveScan(trigger, elapsed, res.AutoStarted, res.CompletionPrompts, res.Failed, err)
	} else {
		metrics.ObserveScan(trigger, elapsed, 0, 0, 0, err)
	}
	if err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("change automation scan failed")
		return res, err
	}
	r.mu.Lock()
	r.last = res
	r.mu.Unlock()
	return res, nil
}

// LastResult 最近一次成功扫描的结果
func (r *AutomationRunner) LastResult() *ScanResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *AutomationRunner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("change automation runner stopped")
}
