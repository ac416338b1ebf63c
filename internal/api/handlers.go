package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"pairly/internal/domain"
	"pairly/internal/lifecycle"
	"pairly/internal/models"
	"pairly/internal/service"
)

// statusFor maps a rejection code to its HTTP status.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeOK:
		return http.StatusOK
	case domain.CodeSlotNotAvailable, domain.CodeInvalidStatus, domain.CodeAlreadyInState,
		domain.CodeRefundAfterRelease, domain.CodeHoldExpired, domain.CodeDisputeWindowClosed,
		domain.CodeSettlementInProgress, domain.CodePartnerUnavailable, domain.CodeConcurrentUpdate:
		return http.StatusConflict
	case domain.CodeInsufficientHours, domain.CodeCannotBookSelf, domain.CodeReasonRequired,
		domain.CodeInvalidRequest, domain.CodeTooEarly:
		return http.StatusUnprocessableEntity
	case domain.CodeNotAuthorized:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeSettlementPending:
		return http.StatusAccepted
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	st := statusFor(code)
	if code == domain.CodeInternal {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, st, string(code), "internal error")
		return
	}
	writeError(w, st, string(code), err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, string(domain.CodeInvalidRequest), "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func actorID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(ActorHeader))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", ActorHeader+" header is required")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.CodeInvalidRequest), "invalid JSON body")
		return false
	}
	return true
}

type priceRequest struct {
	HourlyRate     int64   `json:"hourly_rate"`
	RequestedHours float64 `json:"requested_hours"`
}

func (s *HTTPServer) handlePrice(w http.ResponseWriter, r *http.Request) {
	var body priceRequest
	if !decode(w, r, &body) {
		return
	}
	p, err := s.bookings.GetBookingPrice(body.HourlyRate, body.RequestedHours)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type createBookingRequest struct {
	PartnerID   int64            `json:"partner_id"`
	ServiceType string           `json:"service_type"`
	Date        string           `json:"date"`
	StartTime   string           `json:"start_time"`
	EndTime     string           `json:"end_time"`
	Location    *models.Location `json:"location,omitempty"`
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var body createBookingRequest
	if !decode(w, r, &body) {
		return
	}

	b, err := s.bookings.CreateBooking(r.Context(), service.CreateBookingRequest{
		RequesterID: actor,
		PartnerID:   body.PartnerID,
		ServiceType: body.ServiceType,
		Date:        strings.TrimSpace(body.Date),
		StartTime:   strings.TrimSpace(body.StartTime),
		EndTime:     strings.TrimSpace(body.EndTime),
		Location:    body.Location,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.bookings.GetBooking(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) handleGetBookingByCode(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.GetBookingByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type transitionRequest struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var body transitionRequest
	if !decode(w, r, &body) {
		return
	}
	ev, err := lifecycle.ParseEvent(body.Event)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	b, err := s.bookings.Transition(r.Context(), id, ev, actor, body.Reason)
	if err != nil {
		code := domain.CodeOf(err)
		if code == domain.CodeSettlementPending && b != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"code":    code,
				"error":   err.Error(),
				"booking": b,
			})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	history, err := s.bookings.History(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *HTTPServer) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.bookings.GetEscrow(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) handleOverrideReason(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if !decode(w, r, &body) {
		return
	}
	b, err := s.bookings.OverrideReason(r.Context(), id, actor, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.bookings.ReleaseEscrow)
}

func (s *HTTPServer) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.bookings.RefundEscrow)
}

func (s *HTTPServer) settle(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64) (*models.EscrowRecord, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	rec, err := op(r.Context(), id, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handlePartnerBookings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	list, err := s.bookings.ListPartnerBookings(r.Context(), id, strings.TrimSpace(q.Get("from")), strings.TrimSpace(q.Get("to")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

func (s *HTTPServer) handleListSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		writeError(w, http.StatusBadRequest, string(domain.CodeInvalidRequest), "date is required")
		return
	}
	list, err := s.slots.ListSlots(r.Context(), id, date)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.AvailabilitySlot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": list})
}

type declareSlotRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Note      string `json:"note,omitempty"`
}

// handleDeclareSlot lets a partner publish an availability window. Only
// the partner themselves may declare it.
func (s *HTTPServer) handleDeclareSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	if actor != id {
		writeError(w, http.StatusForbidden, string(domain.CodeNotAuthorized), "partners can only declare their own slots")
		return
	}
	var body declareSlotRequest
	if !decode(w, r, &body) {
		return
	}
	slot, err := s.slots.DeclareWindow(r.Context(), id, strings.TrimSpace(body.Date),
		strings.TrimSpace(body.StartTime), strings.TrimSpace(body.EndTime), body.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}
