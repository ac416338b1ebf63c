package lifecycle

import (
	"testing"
	"time"

	"pairly/internal/domain"
	"pairly/internal/models"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allowed = map[models.BookingStatus]map[Event]models.BookingStatus{
	models.StatusPending:    {EventConfirm: models.StatusConfirmed, EventCancel: models.StatusCancelled},
	models.StatusConfirmed:  {EventPay: models.StatusPaid, EventCancel: models.StatusCancelled},
	models.StatusPaid:       {EventStart: models.StatusInProgress, EventCancel: models.StatusCancelled},
	models.StatusInProgress: {EventComplete: models.StatusCompleted, EventDispute: models.StatusDisputed},
	models.StatusCompleted:  {EventDispute: models.StatusDisputed},
}

func TestNextIsExhaustive(t *testing.T) {
	for _, from := range models.BookingStatuses() {
		for _, ev := range Events() {
			to, err := Next(from, ev)
			want, ok := allowed[from][ev]
			switch {
			case ok:
				require.NoError(t, err, "%s --%s-->", from, ev)
				assert.Equal(t, want, to)
			case targets[ev] == from:
				assert.True(t, errors.Is(err, domain.ErrAlreadyInState), "%s --%s--> %v", from, ev, err)
			default:
				assert.True(t, errors.Is(err, domain.ErrInvalidStatus), "%s --%s--> %v", from, ev, err)
			}
		}
	}
}

func TestCancelledAcceptsNothing(t *testing.T) {
	for _, ev := range Events() {
		_, err := Next(models.StatusCancelled, ev)
		assert.Error(t, err, ev)
	}
}

func TestCompletedOnlyAcceptsDispute(t *testing.T) {
	for _, ev := range Events() {
		_, err := Next(models.StatusCompleted, ev)
		if ev == EventDispute {
			assert.NoError(t, err)
			continue
		}
		assert.Error(t, err, ev)
	}
}

func TestDuplicateConfirmIsAlreadyInState(t *testing.T) {
	_, err := Next(models.StatusConfirmed, EventConfirm)
	assert.Equal(t, domain.CodeAlreadyInState, domain.CodeOf(err))
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent(" Confirm ")
	require.NoError(t, err)
	assert.Equal(t, EventConfirm, ev)

	_, err = ParseEvent("reopen")
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func booking(status models.BookingStatus) *models.Booking {
	return &models.Booking{
		ID:          1,
		RequesterID: 10,
		PartnerID:   20,
		Date:        "2026-01-20",
		StartTime:   "14:00",
		EndTime:     "17:00",
		Status:      status,
	}
}

func at(hhmm string) time.Time {
	t, _ := models.ParseDateTime("2026-01-20", hhmm, time.UTC)
	return t
}

func TestCheckGuards(t *testing.T) {
	m := Machine{ReleaseDelay: 24 * time.Hour}
	completedAt := at("17:00")

	tests := []struct {
		name    string
		status  models.BookingStatus
		event   Event
		role    Role
		reason  string
		now     time.Time
		wantErr error
	}{
		{"partner confirms", models.StatusPending, EventConfirm, RolePartner, "", at("09:00"), nil},
		{"admin confirms", models.StatusPending, EventConfirm, RoleAdmin, "", at("09:00"), nil},
		{"requester cannot confirm", models.StatusPending, EventConfirm, RoleRequester, "", at("09:00"), domain.ErrNotAuthorized},
		{"stranger cannot confirm", models.StatusPending, EventConfirm, RoleStranger, "", at("09:00"), domain.ErrNotAuthorized},
		{"requester pays", models.StatusConfirmed, EventPay, RoleRequester, "", at("09:00"), nil},
		{"system pays", models.StatusConfirmed, EventPay, RoleSystem, "", at("09:00"), nil},
		{"partner cannot pay", models.StatusConfirmed, EventPay, RolePartner, "", at("09:00"), domain.ErrNotAuthorized},
		{"start before start time", models.StatusPaid, EventStart, RolePartner, "", at("13:59"), domain.ErrTooEarly},
		{"start at start time", models.StatusPaid, EventStart, RolePartner, "", at("14:00"), nil},
		{"participant completes early", models.StatusInProgress, EventComplete, RoleRequester, "", at("15:00"), nil},
		{"system completes early", models.StatusInProgress, EventComplete, RoleSystem, "", at("15:00"), domain.ErrTooEarly},
		{"system completes after end", models.StatusInProgress, EventComplete, RoleSystem, "", at("17:00"), nil},
		{"cancel without reason", models.StatusPaid, EventCancel, RoleRequester, "  ", at("09:00"), domain.ErrReasonRequired},
		{"cancel with reason", models.StatusPaid, EventCancel, RoleRequester, "sick", at("09:00"), nil},
		{"stranger cannot cancel", models.StatusPending, EventCancel, RoleStranger, "spam", at("09:00"), domain.ErrNotAuthorized},
		{"partner disputes in progress", models.StatusInProgress, EventDispute, RolePartner, "", at("15:00"), nil},
		{"system cannot dispute", models.StatusInProgress, EventDispute, RoleSystem, "", at("15:00"), domain.ErrNotAuthorized},
		{"dispute inside window", models.StatusCompleted, EventDispute, RoleRequester, "", completedAt.Add(23 * time.Hour), nil},
		{"dispute after window", models.StatusCompleted, EventDispute, RoleRequester, "", completedAt.Add(24 * time.Hour), domain.ErrDisputeWindowClosed},
		{"table wins over guard", models.StatusCancelled, EventConfirm, RolePartner, "", at("09:00"), domain.ErrInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := booking(tt.status)
			if tt.status == models.StatusCompleted {
				b.CompletedAt = &completedAt
			}
			plan, err := m.Check(Request{Booking: b, Event: tt.event, Role: tt.role, Reason: tt.reason, Now: tt.now, Location: time.UTC})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, plan.From)
			assert.Equal(t, tt.event, plan.Event)
		})
	}
}

func TestPlanEffects(t *testing.T) {
	m := Machine{}

	plan, err := m.Check(Request{Booking: booking(models.StatusPaid), Event: EventCancel, Role: RolePartner, Reason: "no show", Now: at("10:00")})
	require.NoError(t, err)
	assert.True(t, plan.Has(EffectSlotRelease))
	assert.True(t, plan.Has(EffectEscrowRefund))

	plan, err = m.Check(Request{Booking: booking(models.StatusPending), Event: EventCancel, Role: RoleRequester, Reason: "changed mind", Now: at("10:00")})
	require.NoError(t, err)
	assert.True(t, plan.Has(EffectSlotRelease))
	assert.False(t, plan.Has(EffectEscrowRefund))

	plan, err = m.Check(Request{Booking: booking(models.StatusInProgress), Event: EventComplete, Role: RolePartner, Now: at("17:00")})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, plan.To)
	assert.True(t, plan.Has(EffectEscrowScheduleRelease))
}

func TestStampTime(t *testing.T) {
	b := booking(models.StatusPending)
	now := at("12:00")
	StampTime(b, models.StatusConfirmed, now)
	require.NotNil(t, b.ConfirmedAt)
	assert.Equal(t, now, *b.ConfirmedAt)
	assert.Nil(t, b.PaidAt)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "partner", RolePartner.String())
	assert.Equal(t, "stranger", Role(99).String())
}
