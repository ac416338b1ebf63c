// Package codes generates the user-facing booking and transaction codes.
// Both formats are searchable by users and must not change.
package codes

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	BookingLength     = 8
	TransactionLength = 10
	TransactionPrefix = "TXN"
)

var (
	bookingPattern     = regexp.MustCompile(`^[A-Z]+-[A-Z0-9]{8}$`)
	transactionPattern = regexp.MustCompile(`^TXN-[A-Z0-9]{10}$`)
)

// Booking returns PREFIX-XXXXXXXX, e.g. BK-AB12CD34.
func Booking(prefix string) (string, error) {
	return generate(strings.ToUpper(prefix), BookingLength)
}

// Transaction returns TXN-XXXXXXXXXX.
func Transaction() (string, error) {
	return generate(TransactionPrefix, TransactionLength)
}

func IsBooking(code string) bool     { return bookingPattern.MatchString(code) }
func IsTransaction(code string) bool { return transactionPattern.MatchString(code) }

func generate(prefix string, n int) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("code prefix is required")
	}
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return prefix + "-" + string(buf), nil
}
