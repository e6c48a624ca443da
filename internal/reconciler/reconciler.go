// Package reconciler implements the Reconciler (spec §4.9): a periodic job
// that mirrors PSP balance transactions against the local PSP outbound
// mirror, runs the three-way balance check between the ledger's internal
// cash proxy and the PSP's reported balance, and trips the kill-switch on
// drift.
package reconciler

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"github.com/Sebdysart/hustlexp-ledger/internal/killswitch"
	"github.com/Sebdysart/hustlexp-ledger/internal/psp"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/observability"
)

// mirrorWindow is how far back ListBalanceTransactions is asked to mirror
// on every run (spec §4.9: 30-day rolling window).
const mirrorWindow = 30 * 24 * time.Hour

// Anomaly types emitted by the reconciler.
const (
	GapMissingLocal  = "missing_local_mirror"
	GapMissingRemote = "missing_remote_transaction"
	GapBalanceDrift  = "balance_drift"
)

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB         *gorm.DB
	PSPClient  psp.Client
	KillSwitch *killswitch.Switch
	OutputDir  string
	Now        func() time.Time
}

// Reconciler runs the periodic three-way check described in spec §4.9.
type Reconciler struct {
	db         *gorm.DB
	psp        psp.Client
	killSwitch *killswitch.Switch
	outputDir  string
	now        func() time.Time
	metrics    *observability.LedgerMetrics
}

// Gap is one anomaly surfaced by a reconciliation run.
type Gap struct {
	Type        string
	PSPID       string
	AmountCents int64
	Detail      string
}

// Result summarises one reconciliation run.
type Result struct {
	RanAt              time.Time
	WindowStart        time.Time
	WindowEnd          time.Time
	InternalCents      int64
	ExternalCents      int64
	DriftCents         int64
	Gaps               []Gap
	ReportCSVPath      string
	ReportParquetPath  string
	KillSwitchTripped  bool
}

// New constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("reconciler: db is required")
	}
	if cfg.PSPClient == nil {
		return nil, fmt.Errorf("reconciler: psp client is required")
	}
	if cfg.KillSwitch == nil {
		return nil, fmt.Errorf("reconciler: kill switch is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("ledger-data", "recon")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		db: cfg.DB, psp: cfg.PSPClient, killSwitch: cfg.KillSwitch,
		outputDir: outputDir, now: nowFn, metrics: observability.Metrics(),
	}, nil
}

// RunLoop runs a reconciliation immediately (the boot-time pass spec §4.9
// requires) and then on every tick of interval, until ctx is cancelled.
func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) {
	if _, err := r.Run(ctx); err != nil {
		slog.ErrorContext(ctx, "reconciler boot run failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "reconciler run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Run executes one reconciliation pass: mirror gap detection, the
// three-way balance check, and report generation.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	now := r.now()
	windowStart := now.Add(-mirrorWindow)

	gaps, err := r.detectMirrorGaps(ctx, windowStart)
	if err != nil {
		return nil, fmt.Errorf("reconciler: mirror gap detection: %w", err)
	}

	internalCents, err := r.internalCashProxy(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciler: internal cash proxy: %w", err)
	}
	balance, err := r.psp.RetrieveBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciler: retrieve psp balance: %w", err)
	}
	externalCents := balance.AvailableCents + balance.PendingCents
	drift := internalCents - externalCents
	r.metrics.SetReconcileDrift(float64(absInt64(drift)))

	tripped := false
	if drift != 0 {
		gaps = append(gaps, Gap{
			Type:        GapBalanceDrift,
			AmountCents: drift,
			Detail:      fmt.Sprintf("internal %d vs external %d", internalCents, externalCents),
		})
		slog.WarnContext(ctx, "RECONCILIATION_GAP",
			slog.String("type", GapBalanceDrift),
			slog.Int64("internal_cents", internalCents),
			slog.Int64("external_cents", externalCents),
			slog.Int64("drift_cents", drift),
		)
		if err := r.killSwitch.Activate(ctx, "LEDGER_DRIFT"); err != nil {
			return nil, fmt.Errorf("reconciler: activate kill switch on drift: %w", err)
		}
		tripped = true
	}

	result := &Result{
		RanAt: now, WindowStart: windowStart, WindowEnd: now,
		InternalCents: internalCents, ExternalCents: externalCents, DriftCents: drift,
		Gaps: gaps, KillSwitchTripped: tripped,
	}

	csvPath, parquetPath, err := r.writeReport(now, gaps)
	if err != nil {
		return nil, fmt.Errorf("reconciler: write report: %w", err)
	}
	result.ReportCSVPath = csvPath
	result.ReportParquetPath = parquetPath
	return result, nil
}

// detectMirrorGaps lists the PSP's balance transactions over the rolling
// window and flags any that have no corresponding row in psp_outbound_log
// (spec §4.9: a successful PSP-side transaction the ledger never recorded
// locally means either a crash between the PSP call and the mirror write,
// or an out-of-band charge).
func (r *Reconciler) detectMirrorGaps(ctx context.Context, since time.Time) ([]Gap, error) {
	remote, err := r.psp.ListBalanceTransactions(ctx, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("list psp balance transactions: %w", err)
	}
	var localIDs []string
	if err := r.db.WithContext(ctx).Model(&store.PSPOutboundLog{}).
		Where("created_at >= ?", since).
		Pluck("psp_id", &localIDs).Error; err != nil {
		return nil, fmt.Errorf("load local mirror ids: %w", err)
	}
	known := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		known[id] = true
	}

	var gaps []Gap
	for _, txn := range remote {
		if known[txn.ID] {
			continue
		}
		gap := Gap{
			Type: GapMissingLocal, PSPID: txn.ID, AmountCents: txn.AmountCents,
			Detail: fmt.Sprintf("psp %s transaction has no local mirror row", txn.Type),
		}
		gaps = append(gaps, gap)
		slog.WarnContext(ctx, "RECONCILIATION_GAP",
			slog.String("type", gap.Type), slog.String("psp_id", txn.ID),
			slog.Int64("amount_cents", txn.AmountCents),
		)
	}
	return gaps, nil
}

// internalCashProxy is the ledger's stand-in for the PSP's held balance:
// the sum of every Task Escrow liability account. Spec §4.9's three-way
// check names a dedicated "Platform Cash" asset account, but the canonical
// ledger patterns (§4.4, §8 scenarios) never post to one — every dollar
// the PSP is holding on the platform's behalf sits in a task's escrow
// liability until release or refund, so the sum of those liabilities is
// the internal side of the same comparison without inventing a ledger leg
// the worked scenarios do not expect.
func (r *Reconciler) internalCashProxy(ctx context.Context) (int64, error) {
	var total int64
	row := r.db.WithContext(ctx).Model(&store.LedgerAccount{}).
		Select("COALESCE(SUM(balance), 0)").
		Where("type = ? AND name = ?", store.AccountLiability, "Task Escrow").
		Row()
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum task escrow balances: %w", err)
	}
	return total, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (r *Reconciler) writeReport(now time.Time, gaps []Gap) (string, string, error) {
	if len(gaps) == 0 {
		return "", "", nil
	}
	runDir := filepath.Join(r.outputDir, now.Format("20060102T150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "gaps.csv")
	if err := writeGapsCSV(csvPath, gaps); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(runDir, "gaps.parquet")
	if err := writeGapsParquet(parquetPath, gaps); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeGapsCSV(path string, gaps []Gap) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"type", "psp_id", "amount_cents", "detail"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, g := range gaps {
		record := []string{g.Type, g.PSPID, fmt.Sprintf("%d", g.AmountCents), g.Detail}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

type gapParquetRow struct {
	Type        string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	PSPID       string `parquet:"name=psp_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountCents int64  `parquet:"name=amount_cents, type=INT64"`
	Detail      string `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeGapsParquet(path string, gaps []Gap) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(gapParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, g := range gaps {
		row := &gapParquetRow{Type: g.Type, PSPID: g.PSPID, AmountCents: g.AmountCents, Detail: g.Detail}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	return file.Close()
}
