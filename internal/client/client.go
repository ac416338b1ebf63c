package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pairly/internal/domain"
	"pairly/internal/models"

	"github.com/redis/go-redis/v9"
)

// Client calls the pairly HTTP API on behalf of an operator or partner.
type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	actorID    int64
	httpClient *http.Client

	redis    *redis.Client
	cacheTTL time.Duration
}

// APIError is a non-2xx response. It unwraps to the matching domain
// rejection so callers can use domain.CodeOf on it.
type APIError struct {
	Status  int
	Code    domain.Code
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return domain.Sentinel(e.Code)
}

// New constructs a client with baseURL, API key and extra header.
func New(baseURL, apiKey, apiExtra string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiExtra:   apiExtra,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// As returns a copy of the client acting as actorID.
func (c *Client) As(actorID int64) *Client {
	cp := *c
	cp.actorID = actorID
	return &cp
}

// UseRedisCache configures optional Redis caching for slot listings.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

func (c *Client) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	var b models.Booking
	if err := c.doGet(ctx, fmt.Sprintf("%s/api/v1/bookings/%d", c.baseURL, id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Transition(ctx context.Context, id int64, event, reason string) (*models.Booking, error) {
	body := map[string]string{"event": event}
	if reason != "" {
		body["reason"] = reason
	}
	var b models.Booking
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/bookings/%d/transitions", c.baseURL, id), body, &b)
	if err != nil && domain.CodeOf(err) != domain.CodeSettlementPending {
		return nil, err
	}
	return &b, err
}

func (c *Client) OverrideReason(ctx context.Context, id int64, reason string) (*models.Booking, error) {
	var b models.Booking
	err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("%s/api/v1/bookings/%d/reason", c.baseURL, id),
		map[string]string{"reason": reason}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) ReleaseEscrow(ctx context.Context, id int64) (*models.EscrowRecord, error) {
	var rec models.EscrowRecord
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/bookings/%d/escrow/release", c.baseURL, id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) RefundEscrow(ctx context.Context, id int64) (*models.EscrowRecord, error) {
	var rec models.EscrowRecord
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/bookings/%d/escrow/refund", c.baseURL, id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeclareSlot publishes an availability window. The client must act as the
// partner.
func (c *Client) DeclareSlot(ctx context.Context, partnerID int64, date, start, end, note string) (*models.AvailabilitySlot, error) {
	body := map[string]string{"date": date, "start_time": start, "end_time": end}
	if note != "" {
		body["note"] = note
	}
	var slot models.AvailabilitySlot
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/partners/%d/slots", c.baseURL, partnerID), body, &slot); err != nil {
		return nil, err
	}
	c.dropCache(ctx, slotsCacheKey(partnerID, date))
	return &slot, nil
}

// ListSlots returns a partner's windows for date, served from the cache
// when one is configured.
func (c *Client) ListSlots(ctx context.Context, partnerID int64, date string) ([]*models.AvailabilitySlot, error) {
	endpoint := fmt.Sprintf("%s/api/v1/partners/%d/slots?date=%s", c.baseURL, partnerID, url.QueryEscape(date))
	cacheKey := slotsCacheKey(partnerID, date)
	var wrap struct {
		Slots []*models.AvailabilitySlot `json:"slots"`
	}

	if c.readCache(ctx, cacheKey, &wrap) {
		return wrap.Slots, nil
	}
	if err := c.doGet(ctx, endpoint, &wrap); err != nil {
		return nil, err
	}
	c.writeCache(ctx, cacheKey, wrap)
	return wrap.Slots, nil
}

func slotsCacheKey(partnerID int64, date string) string {
	return fmt.Sprintf("pairly:client:slots:%d:%s", partnerID, date)
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) dropCache(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, key).Err()
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = data
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{Status: resp.StatusCode, Code: domain.Code(body.Code), Message: body.Error}
	}
	if resp.StatusCode == http.StatusAccepted {
		return decodePending(resp, out)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodePending unpacks a settlement-pending reply: the booking goes to out
// and the pending code comes back as the error.
func decodePending(resp *http.Response, out any) error {
	var body struct {
		Code    string          `json:"code"`
		Error   string          `json:"error"`
		Booking json.RawMessage `json:"booking"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if out != nil && len(body.Booking) > 0 {
		if err := json.Unmarshal(body.Booking, out); err != nil {
			return err
		}
	}
	return &APIError{Status: resp.StatusCode, Code: domain.Code(body.Code), Message: body.Error}
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
	if c.actorID != 0 {
		req.Header.Set("X-Actor-Id", strconv.FormatInt(c.actorID, 10))
	}
}
