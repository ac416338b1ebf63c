package domain

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestRejectKeepsSentinel(t *testing.T) {
	err := Reject(ErrSlotNotAvailable, "partner %d busy %s-%s", 7, "15:00", "16:00")

	assert.True(t, errors.Is(err, ErrSlotNotAvailable))
	assert.False(t, errors.Is(err, ErrHoldExpired))
	assert.Contains(t, err.Error(), "partner 7 busy 15:00-16:00")
	assert.Equal(t, CodeSlotNotAvailable, CodeOf(err))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{ErrAlreadyInState, CodeAlreadyInState},
		{fmt.Errorf("confirm: %w", ErrInvalidStatus), CodeInvalidStatus},
		{errors.Wrap(ErrRefundAfterRelease, "refund booking 3"), CodeRefundAfterRelease},
		{errors.New("disk full"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err))
	}
}

func TestIsBusiness(t *testing.T) {
	assert.True(t, IsBusiness(ErrCannotBookSelf))
	assert.True(t, IsBusiness(Reject(ErrInsufficientHours, "2 < 3")))
	assert.False(t, IsBusiness(errors.New("timeout")))
	assert.False(t, IsBusiness(nil))
}

func TestSentinel(t *testing.T) {
	for _, c := range codes {
		assert.Equal(t, c.code, CodeOf(Sentinel(c.code)))
	}
	assert.Nil(t, Sentinel(CodeInternal))
	assert.Nil(t, Sentinel(CodeOK))
}
