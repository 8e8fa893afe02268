package pdf

import (
	"context"
	"fmt"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// Engine names accepted in config.
const (
	EngineBuiltin  = "builtin"
	EngineChromium = "chromium"
)

// maxHTMLBytes bounds the HTML accepted for conversion. Oversized
// documents fail fast instead of stalling the renderer.
const maxHTMLBytes = 10 << 20

// Service renders archive documents to PDF. The builtin engine lays out
// markdown and text with a pure-Go renderer; the chromium engine prints
// through a headless browser for full HTML fidelity.
type Service struct {
	engine  string
	timeout time.Duration
	browser *chromiumPrinter
	logger  arbor.ILogger
}

// Compile-time assertion
var _ interfaces.PDFService = (*Service)(nil)

// NewService creates a PDF service for the configured engine. The
// chromium browser is launched lazily on first use.
func NewService(config *common.PDFConfig, logger arbor.ILogger) *Service {
	engine := EngineBuiltin
	if config != nil && config.Engine != "" {
		engine = config.Engine
	}

	s := &Service{
		engine:  engine,
		timeout: 60 * time.Second,
		logger:  logger,
	}
	if config != nil {
		s.timeout = common.ParseDurationOr(config.Timeout, 60*time.Second)
	}
	if engine == EngineChromium {
		path := ""
		if config != nil {
			path = config.ChromiumPath
		}
		s.browser = newChromiumPrinter(path, s.timeout, logger)
	}
	return s
}

// Engine returns the active engine name.
func (s *Service) Engine() string {
	return s.engine
}

// Close shuts down the headless browser when one was started.
func (s *Service) Close() error {
	if s.browser != nil {
		return s.browser.Close()
	}
	return nil
}

// ConvertMarkdownToPDF converts markdown content to a PDF byte slice.
func (s *Service) ConvertMarkdownToPDF(markdown, title string) ([]byte, error) {
	markdown = stripFrontmatter(markdown)

	s.logger.Debug().
		Int("markdown_len", len(markdown)).
		Str("title", title).
		Str("engine", s.engine).
		Msg("Converting markdown to PDF")

	if s.engine == EngineChromium {
		html, err := markdownToHTML(markdown)
		if err != nil {
			return nil, fmt.Errorf("failed to render markdown: %w", err)
		}
		return s.printHTML(context.Background(), html)
	}
	return renderMarkdown(markdown, s.logger)
}

// ConvertTextToPDF converts plain text to a PDF byte slice.
func (s *Service) ConvertTextToPDF(text, title string) ([]byte, error) {
	s.logger.Debug().
		Int("text_len", len(text)).
		Str("title", title).
		Str("engine", s.engine).
		Msg("Converting text to PDF")

	if s.engine == EngineChromium {
		return s.printHTML(context.Background(), textToHTML(text, title))
	}
	return renderText(text)
}

// ConvertHTMLToPDF converts an HTML document to a PDF byte slice. The
// builtin engine goes through markdown, losing layout but keeping the
// content; the chromium engine prints the document as a browser would.
func (s *Service) ConvertHTMLToPDF(ctx context.Context, html, title string) ([]byte, error) {
	if len(html) > maxHTMLBytes {
		return nil, models.Errorf(models.KindRenderer, "pdf.convert_html",
			"html input %d bytes exceeds %d byte limit", len(html), maxHTMLBytes)
	}

	s.logger.Debug().
		Int("html_len", len(html)).
		Str("title", title).
		Str("engine", s.engine).
		Msg("Converting HTML to PDF")

	if s.engine == EngineChromium {
		return s.printHTML(ctx, html)
	}

	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil || strings.TrimSpace(markdown) == "" {
		return renderText(html)
	}
	return renderMarkdown(markdown, s.logger)
}

func (s *Service) printHTML(ctx context.Context, html string) ([]byte, error) {
	if s.browser == nil {
		return nil, models.Errorf(models.KindRenderer, "pdf.print", "chromium engine not initialized")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.browser.Print(ctx, html)
}

// markdownToHTML renders markdown to a standalone HTML document for the
// chromium print path.
func markdownToHTML(markdown string) (string, error) {
	body, err := renderMarkdownHTML(markdown)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><style>")
	b.WriteString("body{font-family:Helvetica,Arial,sans-serif;font-size:12px;margin:24px;}")
	b.WriteString("pre,code{font-family:monospace;background:#f5f5f5;}")
	b.WriteString("table{border-collapse:collapse;}td,th{border:1px solid #ccc;padding:4px 8px;}")
	b.WriteString("</style></head><body>")
	b.WriteString(body)
	b.WriteString("</body></html>")
	return b.String(), nil
}

// textToHTML wraps plain text in a minimal printable document.
func textToHTML(text, title string) string {
	escaper := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(escaper.Replace(title))
	b.WriteString("</title></head><body><pre style=\"white-space:pre-wrap;font-family:monospace;font-size:11px;\">")
	b.WriteString(escaper.Replace(text))
	b.WriteString("</pre></body></html>")
	return b.String()
}

// stripFrontmatter removes YAML frontmatter from markdown content.
// Frontmatter is delimited by --- at the start of the content, so the
// rendered PDF never includes routing metadata.
func stripFrontmatter(markdown string) string {
	if !strings.HasPrefix(markdown, "---\n") {
		return markdown
	}

	endIdx := strings.Index(markdown[4:], "\n---\n")
	if endIdx == -1 {
		return markdown
	}

	return strings.TrimSpace(markdown[4+endIdx+5:])
}
