package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pairly/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentOverlappingHolds(t *testing.T) {
	logger := zerolog.New(zerolog.NewConsoleWriter())
	dbPath := filepath.Join(t.TempDir(), "concurrency.db")
	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	partner := seedPartner(t, db, 500000)
	now := time.Now().UTC()

	ranges := [][2]string{{"14:00", "17:00"}, {"15:00", "16:00"}, {"16:30", "18:00"}, {"13:00", "14:30"}}

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			r := ranges[id%len(ranges)]
			_, hErr := db.HoldSlot(ctx, holdRequest(partner.ID, r[0], r[1], fmt.Sprintf("tok-%d", id), now))
			results <- hErr
		}(i)
	}

	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, ErrSlotTaken):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.GreaterOrEqual(t, successCount, 1)

	// Whatever won, no two live holds overlap.
	slots, err := db.ListSlots(ctx, partner.ID, "2026-01-20")
	require.NoError(t, err)
	var live []*models.AvailabilitySlot
	for _, s := range slots {
		if s.Status == models.SlotHeld {
			live = append(live, s)
		}
	}
	assert.Len(t, live, successCount)
	for i := range live {
		for j := i + 1; j < len(live); j++ {
			assert.False(t, live[i].Overlaps(live[j].StartTime, live[j].EndTime),
				"%s-%s overlaps %s-%s", live[i].StartTime, live[i].EndTime, live[j].StartTime, live[j].EndTime)
		}
	}
}

func TestConcurrentIdenticalHolds(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "identical.db"), &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	partner := seedPartner(t, db, 500000)
	now := time.Now().UTC()

	const numGoroutines = 8
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	results := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			_, hErr := db.HoldSlot(ctx, holdRequest(partner.ID, "14:00", "17:00", fmt.Sprintf("same-%d", id), now))
			results <- hErr
		}(i)
	}
	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		if err == nil {
			successCount++
		} else {
			assert.ErrorIs(t, err, ErrSlotTaken)
		}
	}
	assert.Equal(t, 1, successCount, "only one hold may win the same range")
}
