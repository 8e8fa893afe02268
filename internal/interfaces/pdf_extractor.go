// -----------------------------------------------------------------------
// PDF Extractor Interface - Extract text content from PDF documents
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
)

// PDFPageContent represents extracted content from a single PDF page
type PDFPageContent struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// PDFMetadata contains metadata about a PDF document
type PDFMetadata struct {
	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
	Producer    string `json:"producer,omitempty"`
	PageCount   int    `json:"page_count"`
	FileSize    int64  `json:"file_size"`
	IsEncrypted bool   `json:"is_encrypted"`
}

// PDFExtractor defines the interface for extracting content from archived
// PDF files for full-text indexing. The path arguments are absolute
// filesystem paths inside the archive tree.
type PDFExtractor interface {
	// ExtractText extracts all text content from the PDF at path.
	// Returns the full text content concatenated from all pages.
	ExtractText(ctx context.Context, path string) (string, error)

	// ExtractPages extracts text content by page.
	ExtractPages(ctx context.Context, path string) ([]PDFPageContent, error)

	// GetMetadata retrieves PDF metadata without extracting text content.
	GetMetadata(ctx context.Context, path string) (*PDFMetadata, error)
}
