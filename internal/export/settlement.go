package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pairly/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// SettlementSource lists bookings with their escrow record for a date range.
type SettlementSource interface {
	ListSettlementRows(ctx context.Context, from, to string) ([]models.SettlementRow, error)
}

const (
	settlementSheet = "Settlement"
	summarySheet    = "Summary"
)

var settlementHeaders = []string{
	"Code", "Date", "Start", "End", "Partner", "Requester", "Service", "Status",
	"Hours", "Subtotal", "Fee", "Total", "Currency",
	"Escrow", "Released at", "Refunded at", "Attention",
}

// Exporter writes settlement workbooks for finance reconciliation.
type Exporter struct {
	source SettlementSource
	dir    string
	logger *zerolog.Logger
}

func NewExporter(source SettlementSource, dir string, logger *zerolog.Logger) *Exporter {
	if dir == "" {
		dir = "exports"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Exporter{source: source, dir: dir, logger: logger}
}

// Settlement writes one row per booking dated in [from, to] and a summary
// sheet with totals per escrow state. It returns the file path.
func (e *Exporter) Settlement(ctx context.Context, from, to string) (string, error) {
	start, err := time.Parse(models.DateLayout, from)
	if err != nil {
		return "", fmt.Errorf("invalid from date %q: %w", from, err)
	}
	end, err := time.Parse(models.DateLayout, to)
	if err != nil {
		return "", fmt.Errorf("invalid to date %q: %w", to, err)
	}
	if end.Before(start) {
		return "", fmt.Errorf("to date %s is before from date %s", to, from)
	}

	rows, err := e.source.ListSettlementRows(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("error getting settlement rows: %w", err)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(settlementSheet)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := writeSettlementRows(f, rows); err != nil {
		return "", err
	}
	if err := writeSummary(f, rows, from, to); err != nil {
		return "", err
	}
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("settlement_%s_to_%s.xlsx", from, to)
	filePath := filepath.Join(e.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("rows", len(rows)).Msg("settlement export created")
	return filePath, nil
}

func writeSettlementRows(f *excelize.File, rows []models.SettlementRow) error {
	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("error creating header style: %w", err)
	}
	attentionStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("error creating attention style: %w", err)
	}

	for i, h := range settlementHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(settlementSheet, cell, h)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(settlementHeaders))
	_ = f.SetCellStyle(settlementSheet, "A1", lastCol+"1", headerStyle)

	for i, row := range rows {
		r := i + 2
		b := row.Booking
		values := []any{
			b.Code, b.Date, b.StartTime, b.EndTime, b.PartnerID, b.RequesterID, b.ServiceType, string(b.Status),
			b.ActualHours, b.Subtotal, b.Fee, b.Total, b.Currency,
		}
		state := string(models.EscrowNone)
		var released, refunded string
		attention := false
		if row.Escrow != nil {
			state = string(row.Escrow.State)
			released = formatTime(row.Escrow.ReleasedAt)
			refunded = formatTime(row.Escrow.RefundedAt)
			attention = row.Escrow.NeedsAttention
		}
		values = append(values, state, released, refunded, attention)

		cell, _ := excelize.CoordinatesToCellName(1, r)
		if err := f.SetSheetRow(settlementSheet, cell, &values); err != nil {
			return fmt.Errorf("error writing row %d: %w", r, err)
		}
		if attention {
			_ = f.SetCellStyle(settlementSheet, cell, fmt.Sprintf("%s%d", lastCol, r), attentionStyle)
		}
	}

	_ = f.SetColWidth(settlementSheet, "A", "A", 14)
	_ = f.SetColWidth(settlementSheet, "B", lastCol, 12)
	_ = f.SetPanes(settlementSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	return nil
}

type stateTotal struct {
	count int
	total int64
}

func writeSummary(f *excelize.File, rows []models.SettlementRow, from, to string) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("error creating summary sheet: %w", err)
	}

	order := []models.EscrowState{
		models.EscrowNone, models.EscrowHeld, models.EscrowReleaseScheduled,
		models.EscrowReleased, models.EscrowRefunded,
	}
	totals := make(map[models.EscrowState]*stateTotal, len(order))
	for _, st := range order {
		totals[st] = &stateTotal{}
	}
	var fees int64
	for _, row := range rows {
		st := models.EscrowNone
		if row.Escrow != nil {
			st = row.Escrow.State
		}
		t, ok := totals[st]
		if !ok {
			t = &stateTotal{}
			totals[st] = t
			order = append(order, st)
		}
		t.count++
		t.total += row.Booking.Total
		if st == models.EscrowReleased {
			fees += row.Booking.Fee
		}
	}

	_ = f.SetCellValue(summarySheet, "A1", fmt.Sprintf("Period: %s - %s", from, to))
	_ = f.MergeCell(summarySheet, "A1", "C1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(summarySheet, "A1", "A1", titleStyle)

	_ = f.SetSheetRow(summarySheet, "A2", &[]any{"Escrow", "Bookings", "Total"})
	r := 3
	for _, st := range order {
		t := totals[st]
		_ = f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", r), &[]any{string(st), t.count, t.total})
		r++
	}
	_ = f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", r+1), &[]any{"Platform fees earned", "", fees})
	_ = f.SetColWidth(summarySheet, "A", "A", 24)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
