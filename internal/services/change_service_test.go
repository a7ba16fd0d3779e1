package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"changedesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:changes_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// 单连接，事务串行执行
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type notifyCall struct {
	recipients []string
	kind       string
	event      ChangeEvent
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, recipients []string, kind string, event ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notifyCall{recipients: recipients, kind: kind, event: event})
	return r.err
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.kind)
	}
	return out
}

type serviceFixture struct {
	db       *gorm.DB
	store    *GormChangeStore
	svc      *ChangeService
	notifier *recordingNotifier
	now      time.Time
}

var (
	requester = Actor{UserID: "req-1", Role: RoleMember}
	assignee  = Actor{UserID: "asg-1", Role: RoleMember}
	manager   = Actor{UserID: "mgr-1", Role: RoleManager}
	outsider  = Actor{UserID: "out-1", Role: RoleMember}
)

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := newTestDB(t)
	f := &serviceFixture{
		db:       db,
		store:    NewGormChangeStore(db),
		notifier: &recordingNotifier{},
		now:      mustTime("2026-03-01T10:00:00Z"),
	}
	f.svc = NewChangeService(f.store, f.notifier, ClockFunc(func() time.Time { return f.now }), nil)
	return f
}

// seed 直接写入指定状态的变更
func (f *serviceFixture) seed(t *testing.T, status models.ChangeStatus, mutate func(c *models.Change)) *models.Change {
	t.Helper()
	c := &models.Change{
		Title:       "Rotate TLS certificates",
		Status:      status,
		RequestedBy: requester.UserID,
		AssignedTo:  strPtr(assignee.UserID),
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, f.store.CreateChange(context.Background(), c))
	return c
}

func (f *serviceFixture) reload(t *testing.T, id string) *models.Change {
	t.Helper()
	c, err := f.store.GetChange(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestChangeService_CreateChange(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c, err := f.svc.CreateChange(ctx, requester, &ChangeCreateRequest{
		Title:      "  Upgrade Postgres  ",
		AssignedTo: strPtr(assignee.UserID),
		ProblemID:  strPtr("PRB-7"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Upgrade Postgres", c.Title)
	assert.Equal(t, models.ChangeStatusDraft, c.Status)
	assert.Equal(t, requester.UserID, c.RequestedBy)
	assert.Equal(t, "medium", c.Priority)
	assert.Nil(t, c.CompletedAt)

	_, err = f.svc.CreateChange(ctx, requester, &ChangeCreateRequest{Title: "", Priority: "urgent"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, SafeMessage(err), "title is required")
	assert.Contains(t, SafeMessage(err), "priority")

	_, err = f.svc.CreateChange(ctx, Actor{}, &ChangeCreateRequest{Title: "x"})
	assert.True(t, IsAuthorizationError(err))
}

func TestChangeService_CreateRejectsProblemAndIncident(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.CreateChange(context.Background(), requester, &ChangeCreateRequest{
		Title: "Both links", ProblemID: strPtr("PRB-1"), IncidentID: strPtr("INC-1"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLinkConflict)

	var n int64
	f.db.Model(&models.Change{}).Count(&n)
	assert.Zero(t, n)
}

func TestChangeService_UpdateRejectsProblemAndIncident(t *testing.T) {
	f := newServiceFixture(t)
	c := f.seed(t, models.ChangeStatusDraft, func(c *models.Change) { c.ProblemID = strPtr("PRB-1") })

	req := &ChangeUpdateRequest{Title: strPtr("Renamed"), IncidentID: SetString("INC-9")}
	_, err := f.svc.UpdateChange(context.Background(), c.ID, requester, req)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrLinkConflict)

	got := f.reload(t, c.ID)
	assert.Equal(t, "Rotate TLS certificates", got.Title)
	require.NotNil(t, got.ProblemID)
	assert.Equal(t, "PRB-1", *got.ProblemID)
	assert.Nil(t, got.IncidentID)

	// 先清空 problem 再设置 incident 可以通过
	req = &ChangeUpdateRequest{ProblemID: OptionalString{Set: true}, IncidentID: SetString("INC-9")}
	got, err = f.svc.UpdateChange(context.Background(), c.ID, requester, req)
	require.NoError(t, err)
	assert.Nil(t, got.ProblemID)
	require.NotNil(t, got.IncidentID)
	assert.Equal(t, "INC-9", *got.IncidentID)
}

func TestChangeService_UpdateValidatesAllFields(t *testing.T) {
	f := newServiceFixture(t)
	start := f.now.Add(time.Hour)
	c := f.seed(t, models.ChangeStatusDraft, func(c *models.Change) { c.ScheduledFor = &start })

	req := &ChangeUpdateRequest{
		Title:            strPtr(" "),
		Risk:             strPtr("extreme"),
		EstimatedEndTime: SetTime(start.Add(-time.Minute)),
		Description:      strPtr("would be written"),
	}
	_, err := f.svc.UpdateChange(context.Background(), c.ID, requester, req)
	require.Error(t, err)
	msg := SafeMessage(err)
	assert.Contains(t, msg, "title")
	assert.Contains(t, msg, "risk")
	assert.Contains(t, msg, "estimated_end_time")
	assert.Empty(t, f.reload(t, c.ID).Description)

	_, err = f.svc.UpdateChange(context.Background(), c.ID, outsider, &ChangeUpdateRequest{Description: strPtr("x")})
	assert.True(t, IsAuthorizationError(err))

	_, err = f.svc.UpdateChange(context.Background(), c.ID, requester, &ChangeUpdateRequest{})
	assert.True(t, IsValidationError(err))

	got, err := f.svc.UpdateChange(context.Background(), c.ID, assignee, &ChangeUpdateRequest{
		Priority:   strPtr("high"),
		AssignedTo: OptionalString{Set: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "high", got.Priority)
	assert.Nil(t, got.AssignedTo)
}

func TestChangeService_UpdateTerminalChangeRejected(t *testing.T) {
	f := newServiceFixture(t)
	c := f.seed(t, models.ChangeStatusCompleted, nil)
	_, err := f.svc.UpdateChange(context.Background(), c.ID, manager, &ChangeUpdateRequest{Title: strPtr("late edit")})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestChangeService_UpdateWithStatusGoesThroughTransitionRules(t *testing.T) {
	f := newServiceFixture(t)
	c := f.seed(t, models.ChangeStatusPending, nil)

	_, err := f.svc.UpdateChange(context.Background(), c.ID, requester, &ChangeUpdateRequest{Status: strPtr("approved")})
	assert.True(t, IsAuthorizationError(err))

	_, err = f.svc.UpdateChange(context.Background(), c.ID, manager, &ChangeUpdateRequest{Status: strPtr("finished")})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	got, err := f.svc.UpdateChange(context.Background(), c.ID, manager, &ChangeUpdateRequest{
		Status:       strPtr("approved"),
		ScheduledFor: SetTime(f.now.Add(time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusApproved, got.Status)
	require.NotNil(t, got.ScheduledFor)

	autos, err := f.store.ListAutomations(context.Background(), c.ID, nil)
	require.NoError(t, err)
	require.Len(t, autos, 1)
	assert.Equal(t, models.AutomationAutoStart, autos[0].AutomationType)
	assert.False(t, autos[0].Executed)
}

func TestChangeService_FullLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c, err := f.svc.CreateChange(ctx, requester, &ChangeCreateRequest{Title: "Swap load balancer", AssignedTo: strPtr(assignee.UserID)})
	require.NoError(t, err)

	c, err = f.svc.SubmitChange(ctx, c.ID, requester)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusPending, c.Status)
	approvals, _ := f.store.ListApprovals(ctx, c.ID)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalStatusPending, approvals[0].Status)

	c, err = f.svc.ApproveChange(ctx, c.ID, manager, "looks safe")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusApproved, c.Status)
	approvals, _ = f.store.ListApprovals(ctx, c.ID)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalStatusApproved, approvals[0].Status)
	require.NotNil(t, approvals[0].ApprovedBy)
	assert.Equal(t, manager.UserID, *approvals[0].ApprovedBy)
	assert.Equal(t, "looks safe", approvals[0].Comments)

	c, err = f.svc.StartChange(ctx, c.ID, assignee)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusInProgress, c.Status)
	assert.Nil(t, c.CompletedAt)

	c, err = f.svc.CompleteChange(ctx, c.ID, assignee)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusCompleted, c.Status)
	require.NotNil(t, c.CompletedAt)
	assert.True(t, c.CompletedAt.Equal(f.now))

	history, err := f.svc.ListHistory(ctx, c.ID, requester)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, models.ChangeStatusDraft, history[0].FromStatus)
	assert.Equal(t, models.ChangeStatusCompleted, history[3].ToStatus)

	assert.Equal(t, []string{"change.submitted", "change.approved", "change.started", "change.completed"}, f.notifier.kinds())
	// 负责人自己完成时只通知申请人
	last := f.notifier.calls[len(f.notifier.calls)-1]
	assert.Equal(t, []string{requester.UserID}, last.recipients)
}

func TestChangeService_ApproveByNonManagerLeavesChangePending(t *testing.T) {
	f := newServiceFixture(t)
	c := f.seed(t, models.ChangeStatusDraft, nil)
	_, err := f.svc.SubmitChange(context.Background(), c.ID, requester)
	require.NoError(t, err)

	_, err = f.svc.ApproveChange(context.Background(), c.ID, requester, "self approve")
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))
	assert.ErrorIs(t, err, ErrForbiddenTransition)

	got := f.reload(t, c.ID)
	assert.Equal(t, models.ChangeStatusPending, got.Status)
	approvals, _ := f.store.ListApprovals(context.Background(), c.ID)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalStatusPending, approvals[0].Status)
}

func TestChangeService_CancelCompletedRejected(t *testing.T) {
	f := newServiceFixture(t)
	done := f.now.Add(-time.Hour)
	c := f.seed(t, models.ChangeStatusCompleted, func(c *models.Change) { c.CompletedAt = &done })

	_, err := f.svc.CancelChange(context.Background(), c.ID, manager, "too late")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got := f.reload(t, c.ID)
	assert.Equal(t, models.ChangeStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, f.notifier.kinds())
}

func TestChangeService_CancelApprovedClosesAutomations(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	at := f.now.Add(2 * time.Hour)
	c := f.seed(t, models.ChangeStatusPending, func(c *models.Change) { c.ScheduledFor = &at })

	_, err := f.svc.ApproveChange(ctx, c.ID, manager, "")
	require.NoError(t, err)
	unexecuted := false
	autos, _ := f.store.ListAutomations(ctx, c.ID, &unexecuted)
	require.Len(t, autos, 1)

	_, err = f.svc.CancelChange(ctx, c.ID, requester, "vendor delay")
	assert.True(t, IsAuthorizationError(err), "members cannot cancel approved changes")

	got, err := f.svc.CancelChange(ctx, c.ID, manager, "vendor delay")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusCancelled, got.Status)
	assert.Nil(t, got.CompletedAt)

	autos, _ = f.store.ListAutomations(ctx, c.ID, nil)
	require.Len(t, autos, 1)
	assert.True(t, autos[0].Executed)
	assert.NotNil(t, autos[0].ExecutedAt)
	assert.Contains(t, autos[0].ErrorMessage, "cancelled")
	assert.Contains(t, autos[0].ErrorMessage, "vendor delay")
}

func TestChangeService_CancelPendingRejectsApproval(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.seed(t, models.ChangeStatusDraft, nil)
	_, err := f.svc.SubmitChange(ctx, c.ID, requester)
	require.NoError(t, err)

	_, err = f.svc.CancelChange(ctx, c.ID, manager, "duplicate")
	require.NoError(t, err)

	approvals, _ := f.store.ListApprovals(ctx, c.ID)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalStatusRejected, approvals[0].Status)
	assert.NotNil(t, approvals[0].RespondedAt)
	assert.Contains(t, f.notifier.kinds(), "change.cancelled")
}

func TestChangeService_RejectOnlyFromPending(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	draft := f.seed(t, models.ChangeStatusDraft, nil)
	_, err := f.svc.RejectChange(ctx, draft.ID, manager, "no")
	assert.True(t, IsValidationError(err))

	pending := f.seed(t, models.ChangeStatusPending, nil)
	got, err := f.svc.RejectChange(ctx, pending.ID, manager, "missing rollback plan")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusCancelled, got.Status)
	approvals, _ := f.store.ListApprovals(ctx, pending.ID)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalStatusRejected, approvals[0].Status)
	assert.Equal(t, "missing rollback plan", approvals[0].Comments)
	assert.Equal(t, []string{"change.rejected"}, f.notifier.kinds())
}

func TestChangeService_FailLeavesCompletedAtEmpty(t *testing.T) {
	f := newServiceFixture(t)
	c := f.seed(t, models.ChangeStatusInProgress, nil)

	_, err := f.svc.FailChange(context.Background(), c.ID, outsider, "")
	assert.True(t, IsAuthorizationError(err))

	got, err := f.svc.FailChange(context.Background(), c.ID, assignee, "migration timed out")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusFailed, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestChangeService_SubmitTwiceRejected(t *testing.T) {
	f := newServiceFixture(t)
	c := f.seed(t, models.ChangeStatusDraft, nil)
	_, err := f.svc.SubmitChange(context.Background(), c.ID, requester)
	require.NoError(t, err)

	_, err = f.svc.SubmitChange(context.Background(), c.ID, requester)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestChangeService_NotFound(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.ApproveChange(context.Background(), "missing", manager, "")
	assert.True(t, IsNotFoundError(err))
	_, err = f.svc.ListHistory(context.Background(), "missing", requester)
	assert.True(t, IsNotFoundError(err))
}

func TestChangeService_NotificationFailureDoesNotFailTransition(t *testing.T) {
	f := newServiceFixture(t)
	f.notifier.err = errors.New("smtp down")
	c := f.seed(t, models.ChangeStatusDraft, nil)

	got, err := f.svc.SubmitChange(context.Background(), c.ID, requester)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusPending, got.Status)
	assert.Equal(t, []string{"change.submitted"}, f.notifier.kinds())
}

func TestChangeService_StaleSnapshotConflicts(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.seed(t, models.ChangeStatusApproved, nil)
	stale := f.reload(t, c.ID)

	_, err := f.svc.StartChange(ctx, c.ID, manager)
	require.NoError(t, err)

	_, err = f.svc.AutoStart(ctx, stale, f.now)
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
	assert.ErrorIs(t, err, ErrStatusConflict)

	history, _ := f.store.ListHistory(ctx, c.ID)
	assert.Len(t, history, 1)
}

func TestChangeService_ConcurrentTransitionsExactlyOneWins(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.seed(t, models.ChangeStatusApproved, nil)
	snapshot := f.reload(t, c.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp := *snapshot
			_, errs[i] = f.svc.AutoStart(ctx, &cp, f.now)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case IsConflictError(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	autos, _ := f.store.ListAutomations(ctx, c.ID, nil)
	assert.Len(t, autos, 1)
}

func TestChangeService_ManualStartSupersedesAutoStart(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	at := f.now.Add(time.Hour)
	c := f.seed(t, models.ChangeStatusPending, func(c *models.Change) { c.ScheduledFor = &at })
	_, err := f.svc.ApproveChange(ctx, c.ID, manager, "")
	require.NoError(t, err)

	_, err = f.svc.StartChange(ctx, c.ID, assignee)
	require.NoError(t, err)

	autos, _ := f.store.ListAutomations(ctx, c.ID, nil)
	require.Len(t, autos, 1)
	assert.True(t, autos[0].Executed)
	assert.NotNil(t, autos[0].ExecutedAt)
	assert.Empty(t, autos[0].ErrorMessage)
	assert.Zero(t, autos[0].Attempts)
}

func TestChangeService_RescheduleApprovedChange(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	at := f.now.Add(time.Hour)
	c := f.seed(t, models.ChangeStatusPending, func(c *models.Change) { c.ScheduledFor = &at })
	_, err := f.svc.ApproveChange(ctx, c.ID, manager, "")
	require.NoError(t, err)

	later := f.now.Add(3 * time.Hour)
	_, err = f.svc.UpdateChange(ctx, c.ID, requester, &ChangeUpdateRequest{ScheduledFor: SetTime(later)})
	require.NoError(t, err)
	autos, _ := f.store.ListAutomations(ctx, c.ID, nil)
	require.Len(t, autos, 1)
	require.NotNil(t, autos[0].ScheduledFor)
	assert.True(t, autos[0].ScheduledFor.Equal(later))

	_, err = f.svc.UpdateChange(ctx, c.ID, requester, &ChangeUpdateRequest{ScheduledFor: OptionalTime{Set: true}})
	require.NoError(t, err)
	autos, _ = f.store.ListAutomations(ctx, c.ID, nil)
	require.Len(t, autos, 1)
	assert.True(t, autos[0].Executed)
}

func TestChangeService_ListChanges(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(t, models.ChangeStatusDraft, nil)
	f.seed(t, models.ChangeStatusApproved, nil)
	f.seed(t, models.ChangeStatusApproved, func(c *models.Change) { c.AssignedTo = strPtr("someone-else") })

	items, total, err := f.svc.ListChanges(context.Background(), ChangeFilter{Statuses: []models.ChangeStatus{models.ChangeStatusApproved}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, items, 2)

	_, total, err = f.svc.ListChanges(context.Background(), ChangeFilter{AssignedTo: assignee.UserID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	_, _, err = f.svc.ListChanges(context.Background(), ChangeFilter{Statuses: []models.ChangeStatus{"bogus"}})
	assert.True(t, IsValidationError(err))
}

func TestOptionalFields_UnmarshalJSON(t *testing.T) {
	var s OptionalString
	require.NoError(t, s.UnmarshalJSON([]byte(`" PRB-1 "`)))
	assert.True(t, s.Set)
	require.NotNil(t, s.Value)
	assert.Equal(t, "PRB-1", *s.Value)

	s = OptionalString{}
	require.NoError(t, s.UnmarshalJSON([]byte(`null`)))
	assert.True(t, s.Set)
	assert.Nil(t, s.Value)

	var tm OptionalTime
	require.NoError(t, tm.UnmarshalJSON([]byte(`"2026-03-01T12:00:00+02:00"`)))
	require.NotNil(t, tm.Value)
	assert.Equal(t, time.UTC, tm.Value.Location())
	assert.Equal(t, 10, tm.Value.Hour())
	assert.Error(t, tm.UnmarshalJSON([]byte(`"tomorrow"`)))
}

// hookStore 在状态写入前执行一次 beforeApply，模拟读取与写入之间的并发修改
type hookStore struct {
	*GormChangeStore
	once        sync.Once
	beforeApply func()
}

func (s *hookStore) ApplyTransition(ctx context.Context, cmd TransitionCommand) (*models.Change, error) {
	if s.beforeApply != nil {
		s.once.Do(s.beforeApply)
	}
	return s.GormChangeStore.ApplyTransition(ctx, cmd)
}

func TestChangeService_UpdateWithStatusRechecksLinksUnderLock(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.seed(t, models.ChangeStatusDraft, nil)

	store := &hookStore{GormChangeStore: f.store, beforeApply: func() {
		_, err := f.store.UpdateChange(ctx, c.ID, func(*models.Change) (map[string]interface{}, error) {
			return map[string]interface{}{"problem_id": "PRB-1"}, nil
		})
		require.NoError(t, err)
	}}
	svc := NewChangeService(store, f.notifier, ClockFunc(func() time.Time { return f.now }), nil)

	_, err := svc.UpdateChange(ctx, c.ID, requester, &ChangeUpdateRequest{
		Status:     strPtr("pending"),
		IncidentID: SetString("INC-1"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLinkConflict)

	got := f.reload(t, c.ID)
	assert.Equal(t, models.ChangeStatusDraft, got.Status)
	require.NotNil(t, got.ProblemID)
	assert.Equal(t, "PRB-1", *got.ProblemID)
	assert.Nil(t, got.IncidentID)
	assert.Empty(t, f.notifier.kinds())
}

func TestChangeService_OrganizationScope(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	other := f.seed(t, models.ChangeStatusPending, func(c *models.Change) { c.OrganizationID = "org-b" })
	end := f.now.Add(-time.Hour)
	f.seed(t, models.ChangeStatusInProgress, func(c *models.Change) {
		c.OrganizationID = "org-b"
		c.EstimatedEndTime = &end
	})

	orgManager := Actor{UserID: "mgr-a", Role: RoleManager, OrgID: "org-a"}

	_, err := f.svc.GetChange(ctx, other.ID, orgManager)
	assert.True(t, IsNotFoundError(err), "got %v", err)
	_, err = f.svc.ApproveChange(ctx, other.ID, orgManager, "")
	assert.True(t, IsNotFoundError(err), "got %v", err)
	_, err = f.svc.CancelChange(ctx, other.ID, orgManager, "")
	assert.True(t, IsNotFoundError(err), "got %v", err)
	_, err = f.svc.UpdateChange(ctx, other.ID, orgManager, &ChangeUpdateRequest{Risk: strPtr("low")})
	assert.True(t, IsNotFoundError(err), "got %v", err)
	_, err = f.svc.ListHistory(ctx, other.ID, orgManager)
	assert.True(t, IsNotFoundError(err), "got %v", err)
	assert.Equal(t, models.ChangeStatusPending, f.reload(t, other.ID).Status)

	prompts, err := f.svc.ListCompletionPrompts(ctx, orgManager)
	require.NoError(t, err)
	assert.Empty(t, prompts)

	// 同组织和未绑定组织的令牌都能看到
	got, err := f.svc.GetChange(ctx, other.ID, Actor{UserID: "mgr-b", Role: RoleManager, OrgID: "org-b"})
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.ID)
	_, err = f.svc.GetChange(ctx, other.ID, manager)
	require.NoError(t, err)

	// 存储层同样按组织条件写入
	decision, err := EvaluateTransition(other, models.ChangeStatusApproved, orgManager)
	require.NoError(t, err)
	_, err = f.store.ApplyTransition(ctx, TransitionCommand{
		ChangeID: other.ID, OrganizationID: "org-a", Decision: decision, Now: f.now,
	})
	assert.True(t, IsNotFoundError(err), "got %v", err)
}

func TestChangeService_CreateUsesActorOrganization(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	member := Actor{UserID: "req-a", Role: RoleMember, OrgID: "org-a"}

	_, err := f.svc.CreateChange(ctx, member, &ChangeCreateRequest{Title: "Move DNS", OrganizationID: "org-b"})
	assert.True(t, IsAuthorizationError(err), "got %v", err)

	c, err := f.svc.CreateChange(ctx, member, &ChangeCreateRequest{Title: "Move DNS"})
	require.NoError(t, err)
	assert.Equal(t, "org-a", c.OrganizationID)

	c, err = f.svc.CreateChange(ctx, requester, &ChangeCreateRequest{Title: "Move DNS", OrganizationID: "org-c"})
	require.NoError(t, err)
	assert.Equal(t, "org-c", c.OrganizationID)
}

func TestGormChangeStore_ClaimCompletionPrompt(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.seed(t, models.ChangeStatusInProgress, nil)

	claimed, err := f.store.ClaimCompletionPrompt(ctx, c.ID, f.now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = f.store.ClaimCompletionPrompt(ctx, c.ID, f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = f.store.ClaimCompletionPrompt(ctx, "missing", f.now)
	assert.True(t, IsNotFoundError(err), "got %v", err)

	var n int64
	f.db.Model(&models.ChangeAutomation{}).
		Where("change_id = ? AND automation_type = ?", c.ID, models.AutomationCompletionPrompt).
		Count(&n)
	assert.EqualValues(t, 1, n)
}
