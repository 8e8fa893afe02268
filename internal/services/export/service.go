package export

import (
	"context"
	"encoding/csv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// Fixed header rows. Changing these breaks downstream imports; the
// expense header is arca's own contract, the Xero header follows the
// Xero bill-import template (starred columns are required by Xero).
var (
	expenseHeader = []string{"expense_date", "vendor", "total_amount", "currency", "invoice_number", "document_id", "archive_path"}
	xeroHeader    = []string{"*ContactName", "*InvoiceNumber", "*InvoiceDate", "*DueDate", "*Quantity", "*UnitAmount", "*AccountCode", "*TaxType", "Description", "Reference", "Currency"}
)

// KV keys for the Xero column defaults, seeded at init.
const (
	kvXeroAccountCode = "xero_default_account_code"
	kvXeroTaxType     = "xero_default_tax_type"

	fallbackAccountCode = "429"
	fallbackTaxType     = "GST on Expenses"
)

// indexesDirName matches the indexer's database directory; exports never
// descend into it.
const indexesDirName = "indexes"

// Service derives CSV exports from the sidecar tree. Exports are pure
// reads: given an unchanged archive the bytes are identical across runs.
type Service struct {
	config *common.Config
	kv     interfaces.KeyValueStorage
	logger arbor.ILogger
}

// Compile-time assertion
var _ interfaces.ExportService = (*Service)(nil)

// NewService creates the exporter. kv supplies the Xero column defaults
// and may be nil, in which case built-in fallbacks apply.
func NewService(config *common.Config, kv interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	return &Service{config: config, kv: kv, logger: logger}
}

// expenseRecord is one selected sidecar expense with its provenance.
type expenseRecord struct {
	id          string
	archivePath string
	expense     models.ExpenseInfo
}

// ExportExpenses writes the generic expense CSV.
func (s *Service) ExportExpenses(ctx context.Context, w io.Writer, opts interfaces.ExportOptions) (*interfaces.ExportStats, error) {
	return s.export(ctx, w, opts, expenseHeader, func(rec expenseRecord) []string {
		return []string{
			rec.expense.ExpenseDate,
			rec.expense.Vendor,
			rec.expense.TotalAmount,
			rec.expense.Currency,
			rec.expense.InvoiceNumber,
			rec.id,
			rec.archivePath,
		}
	})
}

// ExportXero writes the Xero bill-import CSV variant. Reference carries
// the document id so a bill in Xero can be traced back to the archive.
func (s *Service) ExportXero(ctx context.Context, w io.Writer, opts interfaces.ExportOptions) (*interfaces.ExportStats, error) {
	accountCode := s.kvOrDefault(ctx, kvXeroAccountCode, fallbackAccountCode)
	taxType := s.kvOrDefault(ctx, kvXeroTaxType, fallbackTaxType)

	return s.export(ctx, w, opts, xeroHeader, func(rec expenseRecord) []string {
		invoiceNumber := rec.expense.InvoiceNumber
		if invoiceNumber == "" {
			// Xero requires one; the short id is stable per document
			invoiceNumber = shortID(rec.id)
		}
		return []string{
			rec.expense.Vendor,
			invoiceNumber,
			rec.expense.ExpenseDate,
			rec.expense.ExpenseDate,
			"1",
			rec.expense.TotalAmount,
			accountCode,
			taxType,
			rec.expense.Vendor + " (" + rec.archivePath + ")",
			"archive:" + rec.id,
			rec.expense.Currency,
		}
	})
}

func (s *Service) export(ctx context.Context, w io.Writer, opts interfaces.ExportOptions, header []string, row func(expenseRecord) []string) (*interfaces.ExportStats, error) {
	records, skipped, err := s.collect(ctx, opts)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].expense.ExpenseDate != records[j].expense.ExpenseDate {
			return records[i].expense.ExpenseDate < records[j].expense.ExpenseDate
		}
		return records[i].id < records[j].id
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return nil, models.E(models.KindIO, "export.write", err)
	}
	for _, rec := range records {
		if err := cw.Write(row(rec)); err != nil {
			return nil, models.E(models.KindIO, "export.write", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, models.E(models.KindIO, "export.write", err)
	}

	stats := &interfaces.ExportStats{Rows: len(records), Skipped: skipped}
	s.logger.Info().
		Int("rows", stats.Rows).
		Int("skipped", stats.Skipped).
		Str("entity", opts.Entity).
		Msg("Export complete")
	return stats, nil
}

// collect walks the sidecar tree and selects complete expense blocks.
// Incomplete blocks are skipped with a warning; sidecars without an
// expense block are simply not expenses.
func (s *Service) collect(ctx context.Context, opts interfaces.ExportOptions) ([]expenseRecord, int, error) {
	base := s.config.Archive.BasePath
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, 0, models.E(models.KindIO, "export.walk", err)
	}

	var records []expenseRecord
	skipped := 0

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == indexesDirName || strings.HasPrefix(name, ".") || !models.ValidName(name) {
			continue
		}
		if opts.Entity != "" && name != opts.Entity {
			continue
		}

		root := filepath.Join(base, name)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if d.Name() == "originals" {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) != ".json" {
				return nil
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				return models.E(models.KindIO, "export.walk", err)
			}
			sidecar, err := models.ParseSidecar(raw)
			if err != nil {
				return nil
			}
			if sidecar.Accounting == nil || sidecar.Accounting.Expense == nil {
				return nil
			}

			rel, _ := filepath.Rel(base, path)
			if !sidecar.HasExpense() {
				skipped++
				s.logger.Warn().
					Str("path", filepath.ToSlash(rel)).
					Msg("Expense block missing required fields, row skipped")
				return nil
			}

			expense := *sidecar.Accounting.Expense
			if !withinRange(expense.ExpenseDate, opts.After, opts.Before) {
				return nil
			}

			records = append(records, expenseRecord{
				id:          sidecar.ID.String(),
				archivePath: filepath.ToSlash(filepath.Join(sidecar.Entity, filepath.FromSlash(sidecar.Content.Path))),
				expense:     expense,
			})
			return nil
		})
		if err != nil {
			return nil, skipped, err
		}
	}
	return records, skipped, nil
}

func (s *Service) kvOrDefault(ctx context.Context, key, fallback string) string {
	if s.kv == nil {
		return fallback
	}
	value, err := s.kv.Get(ctx, key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}

// withinRange checks an inclusive YYYY-MM-DD window; lexical comparison
// matches chronological order for that format.
func withinRange(date, after, before string) bool {
	if after != "" && date < after {
		return false
	}
	if before != "" && date > before {
		return false
	}
	return true
}

func shortID(id string) string {
	parsed, err := models.ParseDocumentID(id)
	if err != nil {
		return id
	}
	return parsed.ShortString()
}
