package domain

import (
	"github.com/cockroachdb/errors"
)

// Code is the stable, client-visible name of a business rejection.
type Code string

const (
	CodeOK                   Code = "OK"
	CodeSlotNotAvailable     Code = "SLOT_NOT_AVAILABLE"
	CodeInsufficientHours    Code = "INSUFFICIENT_HOURS"
	CodeCannotBookSelf       Code = "CANNOT_BOOK_SELF"
	CodeInvalidStatus        Code = "INVALID_STATUS"
	CodeAlreadyInState       Code = "ALREADY_IN_STATE"
	CodeRefundAfterRelease   Code = "REFUND_AFTER_RELEASE"
	CodeHoldExpired          Code = "HOLD_EXPIRED"
	CodeNotAuthorized        Code = "NOT_AUTHORIZED"
	CodeReasonRequired       Code = "REASON_REQUIRED"
	CodeTooEarly             Code = "TOO_EARLY"
	CodeDisputeWindowClosed  Code = "DISPUTE_WINDOW_CLOSED"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeNotFound             Code = "NOT_FOUND"
	CodeSettlementPending    Code = "SETTLEMENT_PENDING"
	CodeSettlementInProgress Code = "SETTLEMENT_IN_PROGRESS"
	CodePartnerUnavailable   Code = "PARTNER_UNAVAILABLE"
	CodeConcurrentUpdate     Code = "CONCURRENT_UPDATE"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeInternal             Code = "INTERNAL"
)

// Business rejections. They are expected outcomes and are matched with
// errors.Is; use Reject to attach detail without losing the sentinel.
var (
	ErrSlotNotAvailable     = errors.New("slot not available")
	ErrInsufficientHours    = errors.New("requested hours below minimum")
	ErrCannotBookSelf       = errors.New("requester cannot book themselves")
	ErrInvalidStatus        = errors.New("transition not allowed from current status")
	ErrAlreadyInState       = errors.New("booking already in target state")
	ErrRefundAfterRelease   = errors.New("refund not allowed after release")
	ErrHoldExpired          = errors.New("slot hold expired")
	ErrNotAuthorized        = errors.New("actor not allowed to perform this transition")
	ErrReasonRequired       = errors.New("reason is required")
	ErrTooEarly             = errors.New("transition not allowed yet")
	ErrDisputeWindowClosed  = errors.New("dispute window closed")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrNotFound             = errors.New("not found")
	ErrSettlementPending    = errors.New("settlement pending")
	ErrSettlementInProgress = errors.New("another settlement is in progress")
	ErrPartnerUnavailable   = errors.New("partner unavailable")
	ErrConcurrentUpdate     = errors.New("concurrent update, retry")
	ErrRateLimited          = errors.New("too many requests")
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrSlotNotAvailable, CodeSlotNotAvailable},
	{ErrInsufficientHours, CodeInsufficientHours},
	{ErrCannotBookSelf, CodeCannotBookSelf},
	{ErrInvalidStatus, CodeInvalidStatus},
	{ErrAlreadyInState, CodeAlreadyInState},
	{ErrRefundAfterRelease, CodeRefundAfterRelease},
	{ErrHoldExpired, CodeHoldExpired},
	{ErrNotAuthorized, CodeNotAuthorized},
	{ErrReasonRequired, CodeReasonRequired},
	{ErrTooEarly, CodeTooEarly},
	{ErrDisputeWindowClosed, CodeDisputeWindowClosed},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrNotFound, CodeNotFound},
	{ErrSettlementPending, CodeSettlementPending},
	{ErrSettlementInProgress, CodeSettlementInProgress},
	{ErrPartnerUnavailable, CodePartnerUnavailable},
	{ErrConcurrentUpdate, CodeConcurrentUpdate},
	{ErrRateLimited, CodeRateLimited},
}

// Reject builds a detailed error that still matches sentinel.
func Reject(sentinel error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), sentinel)
}

// CodeOf maps err to its rejection code. Unknown errors are INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsBusiness reports whether err is an expected rejection rather than a fault.
func IsBusiness(err error) bool {
	code := CodeOf(err)
	return code != CodeInternal && code != CodeOK
}

// Sentinel returns the rejection error for code, or nil when code is not a
// business rejection.
func Sentinel(code Code) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
