package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pairly/internal/client"
	"pairly/internal/config"
	"pairly/internal/database"
	"pairly/internal/export"
	"pairly/internal/google"
	"pairly/internal/logging"
	"pairly/internal/models"

	"gopkg.in/yaml.v3"
)

const usage = `usage: admin <command> [flags]

commands:
  seed-partners  -file partners.yaml
  partners       [-active]
  declare-slots  -partner ID -date YYYY-MM-DD -start HH:MM -end HH:MM [-note text]
  export         -from YYYY-MM-DD -to YYYY-MM-DD
  release        -booking ID -actor ADMIN_ID
  refund         -booking ID -actor ADMIN_ID
  reconcile      [-requeue]
  sync-sheet     -from YYYY-MM-DD -to YYYY-MM-DD
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := baseLogger.With().Str("component", "admin").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "seed-partners", "partners", "export", "reconcile", "sync-sheet":
		db, err := database.NewDB(cfg.Database.Path, &logger)
		if err != nil {
			return err
		}
		defer db.Close()
		switch cmd {
		case "seed-partners":
			return seedPartners(ctx, db, rest, out)
		case "partners":
			return listPartners(ctx, db, rest, out)
		case "export":
			return exportSettlement(ctx, export.NewExporter(db, cfg.Exports.Path, &logger), rest, out)
		case "sync-sheet":
			if !cfg.Sheets.Enabled() {
				return errors.New("sheets.credentials_file and sheets.spreadsheet_id are required")
			}
			sheet, err := google.NewBookingSheet(ctx, cfg.Sheets, &logger)
			if err != nil {
				return err
			}
			return syncSheet(ctx, db, sheet, rest, out)
		default:
			return reconcile(ctx, db, rest, out)
		}
	case "declare-slots", "release", "refund":
		api := newAPIClient(cfg)
		switch cmd {
		case "declare-slots":
			return declareSlots(ctx, api, rest, out)
		default:
			return settle(ctx, api, cmd, rest, out)
		}
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// newAPIClient talks to the running API so settlement and slot claims go
// through the same locks and worker as live traffic.
func newAPIClient(cfg *config.Config) *client.Client {
	base := os.Getenv("PAIRLY_API_URL")
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.API.HTTP.Port)
	}
	return client.New(strings.TrimRight(base, "/"), os.Getenv("PAIRLY_API_KEY"), os.Getenv("PAIRLY_API_EXTRA"))
}

type partnerStore interface {
	UpsertPartner(ctx context.Context, p *models.Partner) error
}

func seedPartners(ctx context.Context, db partnerStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seed-partners", flag.ContinueOnError)
	file := fs.String("file", "configs/partners.yaml", "partners YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read partners: %w", err)
	}
	partners, err := parsePartners(data)
	if err != nil {
		return err
	}
	for i := range partners {
		p := &partners[i]
		if err := db.UpsertPartner(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(out, "partner %d %q rate=%d active=%t\n", p.ID, p.Name, p.HourlyRate, p.Active)
	}
	return nil
}

type partnerLister interface {
	ListPartners(ctx context.Context, activeOnly bool) ([]*models.Partner, error)
}

func listPartners(ctx context.Context, db partnerLister, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("partners", flag.ContinueOnError)
	active := fs.Bool("active", false, "only partners accepting bookings")
	if err := fs.Parse(args); err != nil {
		return err
	}

	partners, err := db.ListPartners(ctx, *active)
	if err != nil {
		return err
	}
	for _, p := range partners {
		fmt.Fprintf(out, "%d\t%s\t%d\t%t\n", p.ID, p.Name, p.HourlyRate, p.Active)
	}
	return nil
}

func parsePartners(data []byte) ([]models.Partner, error) {
	var doc struct {
		Partners []models.Partner `yaml:"partners"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse partners: %w", err)
	}
	for _, p := range doc.Partners {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("partner %d has no name", p.ID)
		}
		if p.HourlyRate <= 0 {
			return nil, fmt.Errorf("partner %q: hourly_rate must be positive", p.Name)
		}
	}
	return doc.Partners, nil
}

func declareSlots(ctx context.Context, api *client.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("declare-slots", flag.ContinueOnError)
	partner := fs.Int64("partner", 0, "partner id")
	date := fs.String("date", "", "date YYYY-MM-DD")
	start := fs.String("start", "", "start HH:MM")
	end := fs.String("end", "", "end HH:MM")
	note := fs.String("note", "", "optional note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *partner <= 0 {
		return errors.New("-partner is required")
	}

	slot, err := api.As(*partner).DeclareSlot(ctx, *partner, *date, *start, *end, *note)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "slot %d %s %s-%s %s\n", slot.ID, slot.Date, slot.StartTime, slot.EndTime, slot.Status)
	return nil
}

type exporter interface {
	Settlement(ctx context.Context, from, to string) (string, error)
}

func exportSettlement(ctx context.Context, e exporter, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	today := time.Now().UTC().Format(models.DateLayout)
	from := fs.String("from", today, "first booking date")
	to := fs.String("to", today, "last booking date")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, err := e.Settlement(ctx, *from, *to)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, path)
	return nil
}

func settle(ctx context.Context, api *client.Client, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	booking := fs.Int64("booking", 0, "booking id")
	actor := fs.Int64("actor", 0, "admin user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *booking <= 0 || *actor <= 0 {
		return errors.New("-booking and -actor are required")
	}

	as := api.As(*actor)
	var (
		rec *models.EscrowRecord
		err error
	)
	if cmd == "release" {
		rec, err = as.ReleaseEscrow(ctx, *booking)
	} else {
		rec, err = as.RefundEscrow(ctx, *booking)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "booking %d escrow %s\n", rec.BookingID, rec.State)
	return nil
}

type settlementRows interface {
	ListSettlementRows(ctx context.Context, from, to string) ([]models.SettlementRow, error)
}

type sheetWriter interface {
	ReplaceAll(ctx context.Context, rows []models.SettlementRow) error
}

// syncSheet rewrites the booking mirror from the database.
func syncSheet(ctx context.Context, db settlementRows, sheet sheetWriter, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sync-sheet", flag.ContinueOnError)
	now := time.Now().UTC()
	from := fs.String("from", now.AddDate(0, -1, 0).Format(models.DateLayout), "first booking date")
	to := fs.String("to", now.AddDate(0, 1, 0).Format(models.DateLayout), "last booking date")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := db.ListSettlementRows(ctx, *from, *to)
	if err != nil {
		return err
	}
	if err := sheet.ReplaceAll(ctx, rows); err != nil {
		return err
	}
	fmt.Fprintf(out, "synced %d bookings\n", len(rows))
	return nil
}

type reconcileStore interface {
	ListEscrowNeedingAttention(ctx context.Context) ([]*models.EscrowRecord, error)
	GetFailedLedgerInstructions(ctx context.Context) ([]*models.LedgerInstruction, error)
	ResetLedgerInstruction(ctx context.Context, id int64) error
	ClearEscrowAttention(ctx context.Context, bookingID int64, now time.Time) (bool, error)
}

// reconcile lists escrows flagged for manual intervention. With -requeue
// every failed ledger instruction gets a fresh retry budget for the API
// worker and its escrow flag is cleared.
func reconcile(ctx context.Context, db reconcileStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	requeue := fs.Bool("requeue", false, "reset failed ledger instructions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flagged, err := db.ListEscrowNeedingAttention(ctx)
	if err != nil {
		return err
	}
	for _, rec := range flagged {
		fmt.Fprintf(out, "booking %d escrow %s amount=%d %s: %s\n",
			rec.BookingID, rec.State, rec.Amount, rec.Currency, rec.LastError)
	}

	failed, err := db.GetFailedLedgerInstructions(ctx)
	if err != nil {
		return err
	}
	for _, instr := range failed {
		fmt.Fprintf(out, "instruction %d %s %s booking %d retries=%d\n",
			instr.ID, instr.Code, instr.Kind, instr.BookingID, instr.RetryCount)
		if !*requeue {
			continue
		}
		if err := db.ResetLedgerInstruction(ctx, instr.ID); err != nil {
			return err
		}
		if _, err := db.ClearEscrowAttention(ctx, instr.BookingID, time.Now().UTC()); err != nil {
			return err
		}
		fmt.Fprintf(out, "instruction %d requeued\n", instr.ID)
	}

	if len(flagged) == 0 && len(failed) == 0 {
		fmt.Fprintln(out, "nothing needs attention")
	}
	return nil
}
