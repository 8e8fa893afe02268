package interfaces

import (
	"context"
	"io"
)

// ExportOptions narrow an export pass.
type ExportOptions struct {
	// Entity restricts the sidecar walk to one entity (empty = all)
	Entity string

	// After and Before bound expense_date as inclusive YYYY-MM-DD strings
	After  string
	Before string
}

// ExportStats reports rows written and skipped for one export.
type ExportStats struct {
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`
}

// ExportService derives CSV files from the sidecar tree. Exports are
// pure reads; given an unchanged archive the output bytes are identical
// across runs.
type ExportService interface {
	// ExportExpenses writes the generic expense CSV
	ExportExpenses(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportStats, error)

	// ExportXero writes the Xero bill-import CSV variant
	ExportXero(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportStats, error)
}
