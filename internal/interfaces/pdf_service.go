package interfaces

import "context"

// PDFService handles PDF generation from various formats. The builtin
// engine renders with a pure-Go layout; the chromium engine prints via
// a headless browser and honors the context deadline.
type PDFService interface {
	// ConvertMarkdownToPDF converts markdown content to a PDF byte slice
	ConvertMarkdownToPDF(markdown, title string) ([]byte, error)

	// ConvertTextToPDF converts plain text to a PDF byte slice
	ConvertTextToPDF(text, title string) ([]byte, error)

	// ConvertHTMLToPDF converts an HTML document to a PDF byte slice
	ConvertHTMLToPDF(ctx context.Context, html, title string) ([]byte, error)

	// Engine returns the active engine name ("builtin" or "chromium")
	Engine() string
}
