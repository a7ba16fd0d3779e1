package services

import (
	"testing"

	"changedesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestEvaluateTransition_Table(t *testing.T) {
	owner := Actor{UserID: "o1", Role: RoleOwner}
	manager := Actor{UserID: "m1", Role: RoleManager}
	member := Actor{UserID: "u1", Role: RoleMember}
	assignee := Actor{UserID: "a1", Role: RoleMember}
	system := SystemActor()

	tests := []struct {
		name    string
		from    models.ChangeStatus
		to      models.ChangeStatus
		actor   Actor
		wantErr ErrorKind
	}{
		{"submit by member", models.ChangeStatusDraft, models.ChangeStatusPending, member, ""},
		{"approve by manager", models.ChangeStatusPending, models.ChangeStatusApproved, manager, ""},
		{"approve by owner", models.ChangeStatusPending, models.ChangeStatusApproved, owner, ""},
		{"approve by member", models.ChangeStatusPending, models.ChangeStatusApproved, member, KindAuthorization},
		{"approve by assignee", models.ChangeStatusPending, models.ChangeStatusApproved, assignee, KindAuthorization},
		{"approve by scheduler", models.ChangeStatusPending, models.ChangeStatusApproved, system, KindAuthorization},
		{"reject by admin", models.ChangeStatusPending, models.ChangeStatusCancelled, Actor{UserID: "ad", Role: RoleAdmin}, ""},
		{"cancel draft by manager", models.ChangeStatusDraft, models.ChangeStatusCancelled, manager, ""},
		{"cancel draft by member", models.ChangeStatusDraft, models.ChangeStatusCancelled, member, KindAuthorization},
		{"cancel approved by manager", models.ChangeStatusApproved, models.ChangeStatusCancelled, manager, ""},
		{"start by scheduler", models.ChangeStatusApproved, models.ChangeStatusInProgress, system, ""},
		{"start by assignee", models.ChangeStatusApproved, models.ChangeStatusInProgress, assignee, ""},
		{"start by manager", models.ChangeStatusApproved, models.ChangeStatusInProgress, manager, ""},
		{"start by member", models.ChangeStatusApproved, models.ChangeStatusInProgress, member, KindAuthorization},
		{"complete by assignee", models.ChangeStatusInProgress, models.ChangeStatusCompleted, assignee, ""},
		{"complete by member", models.ChangeStatusInProgress, models.ChangeStatusCompleted, member, KindAuthorization},
		{"complete by scheduler", models.ChangeStatusInProgress, models.ChangeStatusCompleted, system, KindAuthorization},
		{"fail by manager", models.ChangeStatusInProgress, models.ChangeStatusFailed, manager, ""},
		{"skip approval", models.ChangeStatusDraft, models.ChangeStatusApproved, owner, KindValidation},
		{"cancel in progress", models.ChangeStatusInProgress, models.ChangeStatusCancelled, owner, KindValidation},
		{"cancel completed", models.ChangeStatusCompleted, models.ChangeStatusCancelled, owner, KindValidation},
		{"reopen failed", models.ChangeStatusFailed, models.ChangeStatusInProgress, owner, KindValidation},
		{"same status", models.ChangeStatusApproved, models.ChangeStatusApproved, owner, KindValidation},
		{"unknown target", models.ChangeStatusDraft, models.ChangeStatus("done"), owner, KindValidation},
		{"anonymous", models.ChangeStatusDraft, models.ChangeStatusPending, Actor{}, KindAuthorization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change := &models.Change{ID: "c1", Status: tt.from, RequestedBy: "r1", AssignedTo: strPtr("a1")}
			d, err := EvaluateTransition(change, tt.to, tt.actor)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.from, d.From)
				assert.Equal(t, tt.to, d.To)
				assert.True(t, d.Has(EffectNotify))
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, KindOf(err))
			assert.Nil(t, d)
		})
	}
}

func TestEvaluateTransition_Effects(t *testing.T) {
	manager := Actor{UserID: "m1", Role: RoleManager}
	scheduled := mustTime("2026-03-01T10:00:00Z")

	pending := &models.Change{ID: "c1", Status: models.ChangeStatusPending, RequestedBy: "r1", ScheduledFor: &scheduled}
	d, err := EvaluateTransition(pending, models.ChangeStatusApproved, manager)
	require.NoError(t, err)
	assert.True(t, d.Has(EffectApproveApproval))
	assert.True(t, d.Has(EffectScheduleAutoStart))
	assert.True(t, d.Has(EffectClearCompletedAt))

	unscheduled := &models.Change{ID: "c2", Status: models.ChangeStatusPending, RequestedBy: "r1"}
	d, err = EvaluateTransition(unscheduled, models.ChangeStatusApproved, manager)
	require.NoError(t, err)
	assert.False(t, d.Has(EffectScheduleAutoStart))

	d, err = EvaluateTransition(pending, models.ChangeStatusCancelled, manager)
	require.NoError(t, err)
	assert.True(t, d.Has(EffectRejectApproval))
	assert.True(t, d.Has(EffectCancelAutomations))
	assert.Equal(t, "change.rejected", NotificationTypeFor(d))

	approved := &models.Change{ID: "c3", Status: models.ChangeStatusApproved, RequestedBy: "r1"}
	d, err = EvaluateTransition(approved, models.ChangeStatusInProgress, SystemActor())
	require.NoError(t, err)
	assert.True(t, d.Has(EffectRecordAutoStart))
	assert.False(t, d.Has(EffectSupersedeAutoStart))
	assert.Equal(t, "change.auto_started", NotificationTypeFor(d))

	d, err = EvaluateTransition(approved, models.ChangeStatusInProgress, manager)
	require.NoError(t, err)
	assert.True(t, d.Has(EffectSupersedeAutoStart))
	assert.Equal(t, "change.started", NotificationTypeFor(d))

	running := &models.Change{ID: "c4", Status: models.ChangeStatusInProgress, RequestedBy: "r1"}
	d, err = EvaluateTransition(running, models.ChangeStatusCompleted, manager)
	require.NoError(t, err)
	assert.True(t, d.Has(EffectSetCompletedAt))
	assert.False(t, d.Has(EffectClearCompletedAt))

	d, err = EvaluateTransition(running, models.ChangeStatusFailed, manager)
	require.NoError(t, err)
	assert.True(t, d.Has(EffectClearCompletedAt))
	assert.Equal(t, "change.failed", NotificationTypeFor(d))
}

func TestIsCancellable(t *testing.T) {
	want := map[models.ChangeStatus]bool{
		models.ChangeStatusDraft:      true,
		models.ChangeStatusPending:    true,
		models.ChangeStatusApproved:   true,
		models.ChangeStatusInProgress: false,
		models.ChangeStatusCompleted:  false,
		models.ChangeStatusFailed:     false,
		models.ChangeStatusCancelled:  false,
	}
	for _, st := range models.AllChangeStatuses {
		assert.Equal(t, want[st], IsCancellable(st), st)
	}
}

func TestTerminalStatusesHaveNoOutgoingTransitions(t *testing.T) {
	for _, from := range models.AllChangeStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range models.AllChangeStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestHighestRole(t *testing.T) {
	assert.Equal(t, RoleMember, HighestRole(nil))
	assert.Equal(t, RoleMember, HighestRole([]string{"agent", "viewer"}))
	assert.Equal(t, RoleManager, HighestRole([]string{"member", " Manager "}))
	assert.Equal(t, RoleOwner, HighestRole([]string{"admin", "owner", "manager"}))
	assert.True(t, RoleAdmin.IsManagerLevel())
	assert.False(t, RoleMember.IsManagerLevel())
}

func TestDeriveRecipients(t *testing.T) {
	tests := []struct {
		name     string
		change   *models.Change
		actor    string
		expected []string
	}{
		{"nil change", nil, "x", nil},
		{"requester and assignee", &models.Change{RequestedBy: "r", AssignedTo: strPtr("a")}, "m", []string{"r", "a"}},
		{"actor is requester", &models.Change{RequestedBy: "r", AssignedTo: strPtr("a")}, "r", []string{"a"}},
		{"actor is assignee", &models.Change{RequestedBy: "r", AssignedTo: strPtr("a")}, "a", []string{"r"}},
		{"assignee equals requester", &models.Change{RequestedBy: "r", AssignedTo: strPtr("r")}, "m", []string{"r"}},
		{"no assignee", &models.Change{RequestedBy: "r"}, "system", []string{"r"}},
		{"blank assignee", &models.Change{RequestedBy: "r", AssignedTo: strPtr(" ")}, "m", []string{"r"}},
		{"actor is both", &models.Change{RequestedBy: "r", AssignedTo: strPtr("r")}, "r", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveRecipients(tt.change, tt.actor)
			if tt.expected == nil {
				assert.Nil(t, got)
				return
			}
			assert.ElementsMatch(t, tt.expected, got)
		})
	}
}

func TestKindOfAndSafeMessage(t *testing.T) {
	err := validationError("change.create", ErrLinkConflict, "a change may reference a problem or an incident, not both")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, ErrLinkConflict)
	assert.Equal(t, "a change may reference a problem or an incident, not both", SafeMessage(err))

	assert.Equal(t, KindConflict, KindOf(conflictError("op", "busy")))
	assert.True(t, IsConflictError(ErrStatusConflict))
	assert.True(t, IsNotFoundError(notFoundError("op", "c1")))
	assert.True(t, IsAuthorizationError(authorizationError("op", "nope")))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
	assert.Equal(t, "internal error", SafeMessage(assert.AnError))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}
