package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pairly/internal/clock"
	"pairly/internal/codes"
	"pairly/internal/database"
	"pairly/internal/domain"
	"pairly/internal/events"
	"pairly/internal/lifecycle"
	"pairly/internal/metrics"
	"pairly/internal/models"
	"pairly/internal/pricing"
	"pairly/internal/slots"

	"github.com/rs/zerolog"
)

// Escrow is the scheduler surface the service drives, including the
// operator release path.
type Escrow interface {
	domain.EscrowScheduler
	ReleaseNow(ctx context.Context, bookingID int64) error
}

// Subscriber is the part of the event bus the service listens on.
type Subscriber interface {
	Subscribe(eventType string, handler events.EventHandler)
}

type Options struct {
	CodePrefix      string
	Currency        string
	MinimumHours    float64
	FeeRate         float64
	EnforceMinimum  bool
	ReleaseDelay    time.Duration
	Location        *time.Location
	Admins          []int64
	RequesterLimit  int
	RequesterWindow time.Duration
}

type CreateBookingRequest struct {
	RequesterID int64            `json:"requester_id"`
	PartnerID   int64            `json:"partner_id"`
	ServiceType string           `json:"service_type"`
	Date        string           `json:"date"`
	StartTime   string           `json:"start_time"`
	EndTime     string           `json:"end_time"`
	Location    *models.Location `json:"location,omitempty"`
}

// BookingService creates bookings and drives every status change through
// the lifecycle machine, carrying out the slot and escrow side effects.
type BookingService struct {
	repo       domain.BookingRepository
	slots      domain.SlotRegistry
	escrow     Escrow
	throttle   domain.Coordinator
	eventBus   domain.EventPublisher
	clock      clock.Clock
	machine    lifecycle.Machine
	calculator pricing.Calculator
	opts       Options
	logger     *zerolog.Logger
}

func NewBookingService(repo domain.BookingRepository, slotRegistry domain.SlotRegistry, escrow Escrow, throttle domain.Coordinator, eventBus domain.EventPublisher, clk clock.Clock, opts Options, logger *zerolog.Logger) *BookingService {
	if opts.CodePrefix == "" {
		opts.CodePrefix = "BK"
	}
	if opts.Currency == "" {
		opts.Currency = "IDR"
	}
	if opts.MinimumHours == 0 {
		opts.MinimumHours = 1
	}
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BookingService{
		repo:       repo,
		slots:      slotRegistry,
		escrow:     escrow,
		throttle:   throttle,
		eventBus:   eventBus,
		clock:      clk,
		machine:    lifecycle.Machine{ReleaseDelay: opts.ReleaseDelay},
		calculator: pricing.Calculator{MinimumHours: opts.MinimumHours, FeeRate: opts.FeeRate},
		opts:       opts,
		logger:     logger,
	}
}

// RegisterHandlers subscribes the service to the asynchronous outcomes it
// must follow up on: late hold acknowledgements and expired slot holds.
func (s *BookingService) RegisterHandlers(bus Subscriber) {
	bus.Subscribe(events.EventEscrowHeld, s.onEscrowHeld)
	bus.Subscribe(events.EventSlotHoldExpired, s.onHoldExpired)
}

// GetBookingPrice previews the price without side effects.
func (s *BookingService) GetBookingPrice(hourlyRate int64, requestedHours float64) (models.PriceBreakdown, error) {
	return s.calculator.Quote(hourlyRate, requestedHours)
}

// CreateBooking holds the slot first and only then writes the booking. Any
// failure after the hold releases it again.
func (s *BookingService) CreateBooking(ctx context.Context, req CreateBookingRequest) (*models.Booking, error) {
	if req.RequesterID == req.PartnerID {
		return nil, domain.Reject(domain.ErrCannotBookSelf, "requester %d cannot book themselves", req.RequesterID)
	}
	if strings.TrimSpace(req.ServiceType) == "" {
		return nil, domain.Reject(domain.ErrInvalidRequest, "service_type is required")
	}
	if err := slots.ValidateRange(req.Date, req.StartTime, req.EndTime); err != nil {
		return nil, err
	}

	partner, err := s.repo.GetPartner(ctx, req.PartnerID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, domain.Reject(domain.ErrNotFound, "partner %d not found", req.PartnerID)
	}
	if err != nil {
		return nil, err
	}
	if !partner.Active {
		return nil, domain.Reject(domain.ErrPartnerUnavailable, "partner %d is not accepting bookings", req.PartnerID)
	}

	if err := s.admit(ctx, req.RequesterID); err != nil {
		return nil, err
	}

	hours, err := pricing.RequestedHours(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	if s.opts.EnforceMinimum && hours < s.opts.MinimumHours {
		return nil, domain.Reject(domain.ErrInsufficientHours, "requested %.2fh, minimum is %.2fh", hours, s.opts.MinimumHours)
	}
	price, err := s.calculator.Quote(partner.HourlyRate, hours)
	if err != nil {
		return nil, err
	}

	hold, err := s.slots.TryHold(ctx, req.PartnerID, req.Date, req.StartTime, req.EndTime)
	if err != nil {
		s.logger.Debug().Err(err).Int64("partner_id", req.PartnerID).Str("date", req.Date).
			Str("start_time", req.StartTime).Str("end_time", req.EndTime).Msg("slot hold rejected")
		return nil, err
	}

	booking := &models.Booking{
		RequesterID: req.RequesterID,
		PartnerID:   req.PartnerID,
		ServiceType: strings.TrimSpace(req.ServiceType),
		Date:        req.Date,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Location:    req.Location,
		SlotID:      hold.SlotID,
		HoldToken:   hold.Token,
		Currency:    s.opts.Currency,
		Status:      models.StatusPending,
		CreatedAt:   s.clock.Now(),
	}
	booking.ApplyPrice(price)

	if err := s.insertWithCode(ctx, booking); err != nil {
		if relErr := s.slots.Release(context.WithoutCancel(ctx), hold.Token); relErr != nil {
			s.logger.Error().Err(relErr).Int64("slot_id", hold.SlotID).Msg("release slot after failed create")
		}
		return nil, err
	}

	metrics.IncBookingCreated(booking.ServiceType)
	s.logger.Info().Int64("booking_id", booking.ID).Str("booking_code", booking.Code).
		Int64("partner_id", booking.PartnerID).Int64("slot_id", booking.SlotID).
		Int64("total", booking.Total).Msg("booking created")
	s.publishEvent(events.EventBookingCreated, *booking, "", "", booking.RequesterID)

	return booking, nil
}

func (s *BookingService) insertWithCode(ctx context.Context, booking *models.Booking) error {
	for attempt := 0; attempt < 3; attempt++ {
		code, err := codes.Booking(s.opts.CodePrefix)
		if err != nil {
			return err
		}
		booking.Code = code
		err = s.repo.CreateBooking(ctx, booking)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrDuplicate) {
			return fmt.Errorf("create booking: %w", err)
		}
	}
	return fmt.Errorf("could not allocate a unique booking code")
}

// admit applies the per-requester throttle. An unreachable throttle
// admits the request.
func (s *BookingService) admit(ctx context.Context, requesterID int64) error {
	if s.throttle == nil || s.opts.RequesterLimit <= 0 {
		return nil
	}
	allowed, err := s.throttle.CheckRateLimit(ctx, requesterID, s.opts.RequesterLimit, s.opts.RequesterWindow)
	if err != nil {
		s.logger.Warn().Err(err).Int64("requester_id", requesterID).Msg("requester throttle unavailable")
		return nil
	}
	if !allowed {
		return domain.Reject(domain.ErrRateLimited, "requester %d exceeded %d bookings per %s",
			requesterID, s.opts.RequesterLimit, s.opts.RequesterWindow)
	}
	return nil
}

// Transition applies event to the booking on behalf of actorID. The status
// write is conditional on the status and version that were checked, so of
// two racing transitions only one lands.
func (s *BookingService) Transition(ctx context.Context, bookingID int64, event lifecycle.Event, actorID int64, reason string) (*models.Booking, error) {
	booking, err := s.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	plan, err := s.machine.Check(lifecycle.Request{
		Booking:  booking,
		Event:    event,
		Role:     s.roleOf(booking, actorID),
		Reason:   reason,
		Now:      now,
		Location: s.opts.Location,
	})
	if err != nil {
		metrics.IncTransition(string(event), string(domain.CodeOf(err)))
		s.logger.Debug().Err(err).Int64("booking_id", bookingID).Str("event", string(event)).
			Int64("actor_id", actorID).Msg("transition rejected")
		return booking, err
	}

	if err := s.before(ctx, booking, plan); err != nil {
		metrics.IncTransition(string(event), string(domain.CodeOf(err)))
		return booking, err
	}

	err = s.repo.UpdateBookingStatus(ctx, domain.StatusChange{
		BookingID:   booking.ID,
		From:        plan.From,
		FromVersion: booking.Version,
		To:          plan.To,
		Event:       string(event),
		ActorID:     actorID,
		Reason:      strings.TrimSpace(reason),
		At:          now,
	})
	if errors.Is(err, database.ErrConcurrentModification) {
		if plan.Has(lifecycle.EffectEscrowHold) {
			s.refundIfCancelled(ctx, booking.ID)
		}
		metrics.IncTransition(string(event), string(domain.CodeConcurrentUpdate))
		return booking, domain.Reject(domain.ErrConcurrentUpdate, "booking %d changed while applying %s", booking.ID, event)
	}
	if err != nil {
		metrics.IncTransition(string(event), string(domain.CodeInternal))
		return booking, fmt.Errorf("update booking %d: %w", booking.ID, err)
	}

	booking.Status = plan.To
	booking.Version++
	booking.UpdatedAt = now
	if r := strings.TrimSpace(reason); r != "" {
		booking.Reason = r
	}
	lifecycle.StampTime(booking, plan.To, now)

	s.after(ctx, booking, plan, now)

	metrics.IncTransition(string(event), string(domain.CodeOK))
	s.logger.Info().Int64("booking_id", booking.ID).Str("booking_code", booking.Code).
		Str("event", string(event)).Str("from", string(plan.From)).Str("to", string(plan.To)).
		Int64("actor_id", actorID).Msg("booking transitioned")
	s.publishEvent(events.EventBookingTransitioned, *booking, plan.From, event, actorID)

	return booking, nil
}

// before runs the effects that gate the transition. A failure here leaves
// the booking untouched.
func (s *BookingService) before(ctx context.Context, booking *models.Booking, plan lifecycle.Plan) error {
	if plan.Has(lifecycle.EffectSlotBook) {
		if err := s.slots.Confirm(ctx, booking.HoldToken); err != nil {
			return err
		}
	}
	if plan.Has(lifecycle.EffectEscrowHold) {
		if _, err := s.escrow.Hold(ctx, booking.ID, booking.Total, booking.Currency); err != nil {
			if errors.Is(err, domain.ErrSettlementPending) {
				s.logger.Info().Int64("booking_id", booking.ID).Msg("payment hold pending, booking stays confirmed")
			}
			return err
		}
	}
	if plan.Has(lifecycle.EffectEscrowFreeze) {
		if err := s.escrow.CancelScheduledRelease(ctx, booking.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return nil
}

// refundIfCancelled settles a hold whose transition lost to a cancel. The
// cancel's refund may have run before the escrow record existed.
func (s *BookingService) refundIfCancelled(ctx context.Context, bookingID int64) {
	ctx = context.WithoutCancel(ctx)
	current, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		s.logger.Error().Err(err).Bool("alert", true).Int64("booking_id", bookingID).Msg("reload booking after lost hold")
		return
	}
	if current.Status != models.StatusCancelled {
		return
	}
	s.logger.Info().Int64("booking_id", bookingID).Msg("booking cancelled while holding funds, refunding")
	if err := s.escrow.Refund(ctx, bookingID); err != nil {
		s.logger.Error().Err(err).Bool("alert", true).Int64("booking_id", bookingID).Msg("refund escrow")
	}
}

// after runs the effects that follow a committed transition. They are
// retried by their owners, so failures are logged rather than returned.
func (s *BookingService) after(ctx context.Context, booking *models.Booking, plan lifecycle.Plan, now time.Time) {
	ctx = context.WithoutCancel(ctx)

	if plan.Has(lifecycle.EffectEscrowScheduleRelease) {
		at := now.Add(s.opts.ReleaseDelay)
		if err := s.escrow.ScheduleRelease(ctx, booking.ID, at); err != nil {
			s.logger.Error().Err(err).Bool("alert", true).Int64("booking_id", booking.ID).
				Time("release_at", at).Msg("schedule escrow release")
		}
	}
	if plan.Has(lifecycle.EffectSlotRelease) {
		if err := s.slots.Release(ctx, booking.HoldToken); err != nil {
			s.logger.Error().Err(err).Int64("booking_id", booking.ID).Int64("slot_id", booking.SlotID).Msg("release slot")
		}
	}
	if plan.Has(lifecycle.EffectEscrowRefund) {
		if err := s.escrow.Refund(ctx, booking.ID); err != nil {
			s.logger.Error().Err(err).Bool("alert", true).Int64("booking_id", booking.ID).Msg("refund escrow")
		}
	}
}

func (s *BookingService) roleOf(b *models.Booking, actorID int64) lifecycle.Role {
	switch {
	case actorID == models.SystemActorID:
		return lifecycle.RoleSystem
	case s.isAdmin(actorID):
		return lifecycle.RoleAdmin
	case actorID == b.RequesterID:
		return lifecycle.RoleRequester
	case actorID == b.PartnerID:
		return lifecycle.RolePartner
	default:
		return lifecycle.RoleStranger
	}
}

func (s *BookingService) isAdmin(actorID int64) bool {
	for _, id := range s.opts.Admins {
		if id == actorID {
			return true
		}
	}
	return false
}

// OverrideReason amends the recorded reason. It is the only change allowed
// on a terminal booking and is restricted to admins.
func (s *BookingService) OverrideReason(ctx context.Context, bookingID, actorID int64, reason string) (*models.Booking, error) {
	if !s.isAdmin(actorID) {
		return nil, domain.Reject(domain.ErrNotAuthorized, "only admins can override the reason")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.Reject(domain.ErrReasonRequired, "reason is required")
	}
	err := s.repo.UpdateBookingReason(ctx, bookingID, reason, actorID, s.clock.Now())
	if errors.Is(err, database.ErrNotFound) {
		return nil, domain.Reject(domain.ErrNotFound, "booking %d not found", bookingID)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("booking_id", bookingID).Int64("actor_id", actorID).Msg("booking reason overridden")
	return s.GetBooking(ctx, bookingID)
}

// ReleaseEscrow pays out a disputed or completed booking immediately.
func (s *BookingService) ReleaseEscrow(ctx context.Context, bookingID, actorID int64) (*models.EscrowRecord, error) {
	if err := s.settlementAllowed(ctx, bookingID, actorID); err != nil {
		return nil, err
	}
	if err := s.escrow.ReleaseNow(ctx, bookingID); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("booking_id", bookingID).Int64("actor_id", actorID).Msg("escrow released by operator")
	return s.escrow.Get(ctx, bookingID)
}

// RefundEscrow returns the funds of a disputed or completed booking to
// the requester, provided they have not been released.
func (s *BookingService) RefundEscrow(ctx context.Context, bookingID, actorID int64) (*models.EscrowRecord, error) {
	if err := s.settlementAllowed(ctx, bookingID, actorID); err != nil {
		return nil, err
	}
	if err := s.escrow.Refund(ctx, bookingID); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("booking_id", bookingID).Int64("actor_id", actorID).Msg("escrow refunded by operator")
	return s.escrow.Get(ctx, bookingID)
}

func (s *BookingService) settlementAllowed(ctx context.Context, bookingID, actorID int64) error {
	if actorID != models.SystemActorID && !s.isAdmin(actorID) {
		return domain.Reject(domain.ErrNotAuthorized, "only admins can settle escrow manually")
	}
	booking, err := s.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Status != models.StatusDisputed && booking.Status != models.StatusCompleted {
		return domain.Reject(domain.ErrInvalidStatus, "cannot settle escrow of a %s booking", booking.Status)
	}
	return nil
}

func (s *BookingService) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	booking, err := s.repo.GetBooking(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, domain.Reject(domain.ErrNotFound, "booking %d not found", id)
	}
	return booking, err
}

func (s *BookingService) GetBookingByCode(ctx context.Context, code string) (*models.Booking, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !codes.IsBooking(code) {
		return nil, domain.Reject(domain.ErrInvalidRequest, "malformed booking code %q", code)
	}
	booking, err := s.repo.GetBookingByCode(ctx, code)
	if errors.Is(err, database.ErrNotFound) {
		return nil, domain.Reject(domain.ErrNotFound, "booking %s not found", code)
	}
	return booking, err
}

func (s *BookingService) GetEscrow(ctx context.Context, bookingID int64) (*models.EscrowRecord, error) {
	return s.escrow.Get(ctx, bookingID)
}

// ListPartnerBookings returns the partner's bookings between two dates,
// both inclusive. Empty bounds are open.
func (s *BookingService) ListPartnerBookings(ctx context.Context, partnerID int64, from, to string) ([]*models.Booking, error) {
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(models.DateLayout, d); err != nil {
			return nil, domain.Reject(domain.ErrInvalidRequest, "date %q is not YYYY-MM-DD", d)
		}
	}
	return s.repo.ListBookingsByPartner(ctx, partnerID, from, to)
}

func (s *BookingService) History(ctx context.Context, bookingID int64) ([]models.BookingTransition, error) {
	if _, err := s.GetBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.repo.ListBookingHistory(ctx, bookingID)
}

func (s *BookingService) onEscrowHeld(event *events.Event) error {
	var payload events.EscrowEventPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if !payload.Deferred {
		return nil
	}

	_, err := s.Transition(context.Background(), payload.BookingID, lifecycle.EventPay, models.SystemActorID, "")
	if err != nil && domain.IsBusiness(err) {
		s.logger.Info().Err(err).Int64("booking_id", payload.BookingID).Msg("late payment hold not applied")
		return nil
	}
	return err
}

func (s *BookingService) onHoldExpired(event *events.Event) error {
	var payload events.SlotHoldExpiredPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	ctx := context.Background()

	booking, err := s.repo.GetBookingByHoldToken(ctx, payload.HoldToken)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if booking.Status != models.StatusPending {
		return nil
	}

	_, err = s.Transition(ctx, booking.ID, lifecycle.EventCancel, models.SystemActorID, "hold expired")
	if err != nil && domain.IsBusiness(err) {
		s.logger.Info().Err(err).Int64("booking_id", booking.ID).Msg("expired hold already handled")
		return nil
	}
	return err
}

func (s *BookingService) publishEvent(eventType string, booking models.Booking, from models.BookingStatus, event lifecycle.Event, actorID int64) {
	if s.eventBus == nil {
		return
	}

	payload := events.BookingEventPayload{
		BookingID:   booking.ID,
		Code:        booking.Code,
		RequesterID: booking.RequesterID,
		PartnerID:   booking.PartnerID,
		From:        string(from),
		Status:      string(booking.Status),
		Event:       string(event),
		ActorID:     actorID,
		Reason:      booking.Reason,
		Date:        booking.Date,
		StartTime:   booking.StartTime,
		EndTime:     booking.EndTime,
		Total:       booking.Total,
		Currency:    booking.Currency,
		At:          s.clock.Now(),
	}

	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", booking.ID).Msg("publish event error")
	}
}
