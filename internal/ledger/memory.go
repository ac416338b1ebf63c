package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pairly/internal/domain"
	"pairly/internal/models"
)

// ErrUnavailable is returned by Memory while failures are injected.
var ErrUnavailable = errors.New("ledger unavailable")

// Call is one instruction received by Memory.
type Call struct {
	Kind      models.InstructionKind
	Amount    int64
	Currency  string
	Reference string
}

// Memory is an in-process ledger for local runs and tests. Repeating a
// reference returns the first ack without recording a second movement.
type Memory struct {
	mu       sync.Mutex
	calls    []Call
	acks     map[string]string
	failNext int
	seq      int
}

func NewMemory() *Memory {
	return &Memory{acks: make(map[string]string)}
}

var _ domain.Ledger = (*Memory)(nil)

// FailNext makes the next n calls fail with ErrUnavailable.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *Memory) Hold(_ context.Context, amount int64, currency, reference string) (string, error) {
	return m.apply(models.InstructionHold, amount, currency, reference)
}

func (m *Memory) Release(_ context.Context, amount int64, currency, reference string) (string, error) {
	return m.apply(models.InstructionRelease, amount, currency, reference)
}

func (m *Memory) Refund(_ context.Context, amount int64, currency, reference string) (string, error) {
	return m.apply(models.InstructionRefund, amount, currency, reference)
}

func (m *Memory) apply(kind models.InstructionKind, amount int64, currency, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return "", fmt.Errorf("%s %s: %w", kind, reference, ErrUnavailable)
	}
	if ack, ok := m.acks[reference]; ok {
		return ack, nil
	}

	m.seq++
	ack := fmt.Sprintf("ACK-%s-%d", kind, m.seq)
	m.acks[reference] = ack
	m.calls = append(m.calls, Call{Kind: kind, Amount: amount, Currency: currency, Reference: reference})
	return ack, nil
}

// Calls returns the applied movements in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Count returns how many movements of kind were applied.
func (m *Memory) Count(kind models.InstructionKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}
