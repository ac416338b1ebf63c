package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pairly/internal/domain"
	"pairly/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_SendsHeaders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/bookings/4/transitions", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, "extra", r.Header.Get("x-api-extra"))
		assert.Equal(t, "7", r.Header.Get("X-Actor-Id"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "confirm", body["event"])
		_, hasReason := body["reason"]
		assert.False(t, hasReason)

		_ = json.NewEncoder(w).Encode(models.Booking{ID: 4, Status: models.StatusConfirmed})
	}))
	defer ts.Close()

	b, err := New(ts.URL, "key", "extra").As(7).Transition(context.Background(), 4, "confirm", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, b.Status)
}

func TestErrorsCarryRejectionCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"REFUND_AFTER_RELEASE","error":"escrow already released"}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL, "", "").As(99).RefundEscrow(context.Background(), 3)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, domain.CodeRefundAfterRelease, domain.CodeOf(err))
}

func TestTransition_SettlementPending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"code":"SETTLEMENT_PENDING","error":"hold submitted","booking":{"id":4,"status":"CONFIRMED"}}`))
	}))
	defer ts.Close()

	b, err := New(ts.URL, "", "").As(1000).Transition(context.Background(), 4, "pay", "")
	assert.Equal(t, domain.CodeSettlementPending, domain.CodeOf(err))
	require.NotNil(t, b)
	assert.Equal(t, models.StatusConfirmed, b.Status)
}

func TestListSlots_UsesCache(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "2026-01-20", r.URL.Query().Get("date"))
		_, _ = w.Write([]byte(`{"slots":[{"id":1,"partner_id":7,"status":"OPEN"}]}`))
	}))
	defer ts.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := New(ts.URL, "", "")
	c.UseRedisCache(rdb, time.Minute)

	for i := 0; i < 3; i++ {
		slots, err := c.ListSlots(context.Background(), 7, "2026-01-20")
		require.NoError(t, err)
		require.Len(t, slots, 1)
		assert.Equal(t, models.SlotOpen, slots[0].Status)
	}
	assert.EqualValues(t, 1, hits.Load())
	assert.True(t, mr.Exists(slotsCacheKey(7, "2026-01-20")))
}

func TestDeclareSlot_DropsCache(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":2,"partner_id":7,"status":"OPEN","declared":true}`))
	}))
	defer ts.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	require.NoError(t, mr.Set(slotsCacheKey(7, "2026-01-21"), `{"slots":[]}`))

	c := New(ts.URL, "", "").As(7)
	c.UseRedisCache(rdb, time.Minute)
	slot, err := c.DeclareSlot(context.Background(), 7, "2026-01-21", "09:00", "12:00", "")
	require.NoError(t, err)
	assert.True(t, slot.Declared)
	assert.False(t, mr.Exists(slotsCacheKey(7, "2026-01-21")))
}
