// Package pricing turns an hourly rate and a requested duration into a
// billable breakdown. Everything here is pure.
package pricing

import (
	"math"
	"time"

	"pairly/internal/domain"
	"pairly/internal/models"
)

// maxSubtotal bounds the pre-fee amount so subtotal plus fee stays within int64.
const maxSubtotal = 1 << 62

// ComputePrice applies the minimum-hours floor and the platform fee.
// Subtotal and fee are rounded independently to whole currency units
// and the total is their sum.
func ComputePrice(hourlyRate int64, requestedHours, minimumHours, feeRate float64) (models.PriceBreakdown, error) {
	switch {
	case hourlyRate < 0:
		return models.PriceBreakdown{}, domain.Reject(domain.ErrInvalidRequest, "hourly_rate must be >= 0, got %d", hourlyRate)
	case !(requestedHours > 0) || math.IsInf(requestedHours, 0):
		return models.PriceBreakdown{}, domain.Reject(domain.ErrInvalidRequest, "requested_hours must be > 0, got %v", requestedHours)
	case !(minimumHours >= 1) || math.IsInf(minimumHours, 0):
		return models.PriceBreakdown{}, domain.Reject(domain.ErrInvalidRequest, "minimum_hours must be >= 1, got %v", minimumHours)
	case !(feeRate >= 0 && feeRate < 1):
		return models.PriceBreakdown{}, domain.Reject(domain.ErrInvalidRequest, "fee_rate must be in [0, 1), got %v", feeRate)
	}

	actual := math.Max(requestedHours, minimumHours)
	raw := float64(hourlyRate) * actual
	if raw >= maxSubtotal {
		return models.PriceBreakdown{}, domain.Reject(domain.ErrInvalidRequest,
			"price of %d x %v hours exceeds the supported amount", hourlyRate, actual)
	}
	subtotal := int64(math.Round(raw))
	fee := int64(math.Round(float64(subtotal) * feeRate))

	return models.PriceBreakdown{
		HourlyRate:     hourlyRate,
		RequestedHours: requestedHours,
		MinimumHours:   minimumHours,
		FeeRate:        feeRate,
		ActualHours:    actual,
		Subtotal:       subtotal,
		Fee:            fee,
		Total:          subtotal + fee,
		MinimumApplied: requestedHours < minimumHours,
	}, nil
}

// Calculator binds the platform-wide pricing policy.
type Calculator struct {
	MinimumHours float64
	FeeRate      float64
}

func (c Calculator) Quote(hourlyRate int64, requestedHours float64) (models.PriceBreakdown, error) {
	return ComputePrice(hourlyRate, requestedHours, c.MinimumHours, c.FeeRate)
}

// RequestedHours derives the duration between two HH:MM bounds of one day.
func RequestedHours(start, end string) (float64, error) {
	s, err := time.Parse(models.ClockLayout, start)
	if err != nil {
		return 0, domain.Reject(domain.ErrInvalidRequest, "start_time %q is not HH:MM", start)
	}
	e, err := time.Parse(models.ClockLayout, end)
	if err != nil {
		return 0, domain.Reject(domain.ErrInvalidRequest, "end_time %q is not HH:MM", end)
	}
	if !e.After(s) {
		return 0, domain.Reject(domain.ErrInvalidRequest, "end_time %s must be after start_time %s", end, start)
	}
	return e.Sub(s).Hours(), nil
}
