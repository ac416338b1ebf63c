package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"pairly/internal/config"
	"pairly/internal/events"
	"pairly/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	defaultSheetName = "Bookings"
	defaultQueueSize = 256
	lastColumn       = "M"
	timestampLayout  = "2006-01-02 15:04:05"
)

var sheetHeaders = []interface{}{
	"ID", "Code", "Date", "Start", "End", "Partner", "Requester",
	"Status", "Total", "Currency", "Reason", "Escrow", "Updated At",
}

var errRowNotFound = errors.New("booking row not found")

type task struct {
	bookingID int64
	booking   *events.BookingEventPayload
	escrow    string
}

// BookingSheet mirrors bookings into a Google spreadsheet, one row per
// booking keyed by ID in column A. Event-driven updates are queued and
// written by Run so bus publishers never wait on the Sheets API.
type BookingSheet struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *zerolog.Logger

	rowCache map[int64]int
	cacheMu  sync.RWMutex

	queue      chan task
	attempts   int
	retryDelay time.Duration
}

// NewBookingSheet authenticates with a service account credentials file.
// ctx backs token refreshes and must outlive the sheet.
func NewBookingSheet(ctx context.Context, cfg config.SheetsConfig, logger *zerolog.Logger) (*BookingSheet, error) {
	credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	jwt, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}

	return newBookingSheet(srv, cfg, logger), nil
}

func newBookingSheet(srv *sheets.Service, cfg config.SheetsConfig, logger *zerolog.Logger) *BookingSheet {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	name := cfg.SheetName
	if name == "" {
		name = defaultSheetName
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &BookingSheet{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     name,
		logger:        logger,
		rowCache:      make(map[int64]int),
		queue:         make(chan task, size),
		attempts:      3,
		retryDelay:    2 * time.Second,
	}
}

// ServiceAccountEmail returns the client_email the spreadsheet must be
// shared with.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}
	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}
	return creds.ClientEmail, nil
}

// TestConnection reads the header cell.
func (s *BookingSheet) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// Attach subscribes the sheet to booking and escrow events.
func (s *BookingSheet) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventBookingCreated, s.onBooking)
	bus.Subscribe(events.EventBookingTransitioned, s.onBooking)
	for _, t := range []string{events.EventEscrowHeld, events.EventEscrowReleased, events.EventEscrowRefunded} {
		bus.Subscribe(t, s.onEscrow)
	}
}

func (s *BookingSheet) onBooking(event *events.Event) error {
	var p events.BookingEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	return s.enqueue(task{bookingID: p.BookingID, booking: &p})
}

func (s *BookingSheet) onEscrow(event *events.Event) error {
	var p events.EscrowEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return err
	}
	return s.enqueue(task{bookingID: p.BookingID, escrow: p.State})
}

func (s *BookingSheet) enqueue(t task) error {
	select {
	case s.queue <- t:
		return nil
	default:
		return fmt.Errorf("sheets queue full, dropping update for booking %d", t.bookingID)
	}
}

// Run drains the update queue until ctx is done.
func (s *BookingSheet) Run(ctx context.Context) {
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := s.WarmUpCache(warmCtx); err != nil {
		s.logger.Warn().Err(err).Msg("sheets cache warm-up failed")
	}
	cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.retryWithBackoff(ctx, t.bookingID, func(c context.Context) error {
				return s.apply(c, t)
			})
		}
	}
}

func (s *BookingSheet) apply(ctx context.Context, t task) error {
	if t.booking != nil {
		return s.UpsertBooking(ctx, t.booking)
	}
	return s.UpdateEscrowState(ctx, t.bookingID, t.escrow)
}

func (s *BookingSheet) retryWithBackoff(ctx context.Context, bookingID int64, fn func(context.Context) error) {
	for i := 0; i < s.attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return
		}
		s.logger.Warn().Err(err).Int64("booking_id", bookingID).Int("attempt", i+1).Msg("sheets update failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay * time.Duration(1<<i)):
		}
	}
	s.logger.Error().Int64("booking_id", bookingID).Int("attempts", s.attempts).Msg("sheets update abandoned")
}

// WarmUpCache indexes the rows of column A.
func (s *BookingSheet) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[int64]int, len(resp.Values))
	for i, row := range resp.Values {
		if id, ok := cellID(row); ok {
			s.rowCache[id] = i + 1
		}
	}
	return nil
}

// UpsertBooking rewrites the booking row, appending it when absent. The
// escrow column is left to UpdateEscrowState.
func (s *BookingSheet) UpsertBooking(ctx context.Context, p *events.BookingEventPayload) error {
	if p == nil || p.BookingID == 0 {
		return errors.New("booking id is required")
	}
	values := []interface{}{
		p.BookingID, p.Code, p.Date, p.StartTime, p.EndTime, p.PartnerID, p.RequesterID,
		p.Status, p.Total, p.Currency, p.Reason,
	}
	updated := p.At.UTC().Format(timestampLayout)

	rowIdx, err := s.FindBookingRow(ctx, p.BookingID)
	if errors.Is(err, errRowNotFound) {
		return s.appendRow(ctx, p.BookingID, append(values, "", updated))
	}
	if err != nil {
		return err
	}

	data := []*sheets.ValueRange{
		{Range: fmt.Sprintf("%s!A%d:K%d", s.sheetName, rowIdx, rowIdx), Values: [][]interface{}{values}},
		{Range: fmt.Sprintf("%s!M%d", s.sheetName, rowIdx), Values: [][]interface{}{{updated}}},
	}
	_, err = s.service.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	return err
}

// UpdateEscrowState sets the escrow column of an existing row.
func (s *BookingSheet) UpdateEscrowState(ctx context.Context, bookingID int64, state string) error {
	rowIdx, err := s.FindBookingRow(ctx, bookingID)
	if err != nil {
		return err
	}
	rng := fmt.Sprintf("%s!L%d", s.sheetName, rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rng, &sheets.ValueRange{
		Values: [][]interface{}{{state}},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *BookingSheet) appendRow(ctx context.Context, bookingID int64, row []interface{}) error {
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A:A", &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}
	if resp.Updates != nil {
		if idx, ok := rowFromRange(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(bookingID, idx)
		}
	}
	return nil
}

// FindBookingRow returns the 1-based row holding bookingID.
func (s *BookingSheet) FindBookingRow(ctx context.Context, bookingID int64) (int, error) {
	if bookingID == 0 {
		return 0, errors.New("booking id is required")
	}
	if row, ok := s.getCachedRow(bookingID); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if id, ok := cellID(row); ok && id == bookingID {
			s.setCachedRow(bookingID, i+1)
			return i + 1, nil
		}
	}
	return 0, errRowNotFound
}

// ReplaceAll clears the sheet and writes rows under a fresh header.
func (s *BookingSheet) ReplaceAll(ctx context.Context, rows []models.SettlementRow) error {
	clearRange := fmt.Sprintf("%s!A:%s", s.sheetName, lastColumn)
	if _, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, clearRange, &sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to clear sheet: %w", err)
	}

	values := make([][]interface{}, 0, len(rows)+1)
	values = append(values, sheetHeaders)
	for i := range rows {
		values = append(values, settlementRowValues(&rows[i]))
	}

	rng := fmt.Sprintf("%s!A1:%s%d", s.sheetName, lastColumn, len(values))
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, rng, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write sheet: %w", err)
	}

	s.cacheMu.Lock()
	s.rowCache = make(map[int64]int, len(rows))
	for i := range rows {
		s.rowCache[rows[i].Booking.ID] = i + 2
	}
	s.cacheMu.Unlock()
	return nil
}

func settlementRowValues(r *models.SettlementRow) []interface{} {
	b := &r.Booking
	state := string(models.EscrowNone)
	if r.Escrow != nil {
		state = string(r.Escrow.State)
	}
	return []interface{}{
		b.ID, b.Code, b.Date, b.StartTime, b.EndTime, b.PartnerID, b.RequesterID,
		string(b.Status), b.Total, b.Currency, b.Reason, state,
		b.UpdatedAt.UTC().Format(timestampLayout),
	}
}

func cellID(row []interface{}) (int64, bool) {
	if len(row) == 0 {
		return 0, false
	}
	switch v := row[0].(type) {
	case float64:
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	}
	return 0, false
}

// rowFromRange extracts the first row number of an A1 range like
// "Bookings!A10:M10".
func rowFromRange(rng string) (int, bool) {
	if i := strings.LastIndex(rng, "!"); i >= 0 {
		rng = rng[i+1:]
	}
	cell, _, _ := strings.Cut(rng, ":")
	cell = strings.TrimLeft(cell, "ABCDEFGHIJKLMNOPQRSTUVWXYZ$")
	n, err := strconv.Atoi(cell)
	return n, err == nil && n > 0
}

func (s *BookingSheet) getCachedRow(id int64) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *BookingSheet) setCachedRow(id int64, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}
