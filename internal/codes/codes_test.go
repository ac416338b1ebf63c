package codes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingCode(t *testing.T) {
	code, err := Booking("bk")
	require.NoError(t, err)
	assert.Len(t, code, len("BK-")+BookingLength)
	assert.True(t, IsBooking(code), code)
	assert.False(t, IsTransaction(code))
}

func TestTransactionCode(t *testing.T) {
	code, err := Transaction()
	require.NoError(t, err)
	assert.True(t, IsTransaction(code), code)
	assert.Regexp(t, `^TXN-[A-Z0-9]{10}$`, code)
}

func TestCodesAreUnlikelyToRepeat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code, err := Booking("BK")
		require.NoError(t, err)
		assert.False(t, seen[code], "duplicate %s", code)
		seen[code] = true
	}
}

func TestEmptyPrefix(t *testing.T) {
	_, err := Booking("")
	assert.Error(t, err)
}

func TestPatterns(t *testing.T) {
	assert.True(t, IsBooking("BK-AB12CD34"))
	assert.False(t, IsBooking("BK-ab12cd34"))
	assert.False(t, IsBooking("BK-AB12CD3"))
	assert.True(t, IsTransaction("TXN-AB12CD34EF"))
	assert.False(t, IsTransaction("TXN-AB12CD34"))
}
