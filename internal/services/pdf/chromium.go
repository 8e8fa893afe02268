package pdf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// A4 in inches for PrintToPDF.
const (
	paperWidthIn  = 8.27
	paperHeightIn = 11.69
	marginIn      = 0.4
)

// chromiumPrinter owns one headless browser and prints HTML documents
// through it. The browser starts on first Print and is reused until
// Close; a failed launch is retried on the next call.
type chromiumPrinter struct {
	execPath string
	timeout  time.Duration
	logger   arbor.ILogger

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func newChromiumPrinter(execPath string, timeout time.Duration, logger arbor.ILogger) *chromiumPrinter {
	return &chromiumPrinter{
		execPath: execPath,
		timeout:  timeout,
		logger:   logger,
	}
}

// Print renders the HTML document to PDF bytes via the browser's print
// pipeline. The context deadline bounds the whole operation.
func (p *chromiumPrinter) Print(ctx context.Context, html string) ([]byte, error) {
	browserCtx, err := p.browser()
	if err != nil {
		return nil, err
	}

	// Each print runs in a fresh tab so documents never bleed into
	// each other.
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	runCtx, runCancel := context.WithTimeout(tabCtx, timeout)
	defer runCancel()

	var pdfBytes []byte
	err = chromedp.Run(runCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(paperWidthIn).
				WithPaperHeight(paperHeightIn).
				WithMarginTop(marginIn).
				WithMarginBottom(marginIn).
				WithMarginLeft(marginIn).
				WithMarginRight(marginIn).
				Do(ctx)
			if err != nil {
				return err
			}
			pdfBytes = buf
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromium print failed: %w", err)
	}

	p.logger.Debug().Int("pdf_size", len(pdfBytes)).Msg("Printed document via chromium")
	return pdfBytes, nil
}

// browser returns the shared browser context, launching it on demand.
func (p *chromiumPrinter) browser() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browserCtx != nil && p.browserCtx.Err() == nil {
		return p.browserCtx, nil
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if p.execPath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(p.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Startup probe so a missing binary fails here, not mid-archive
	probeCtx, probeCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}

	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	p.allocCancel = allocCancel

	p.logger.Info().Str("exec_path", p.execPath).Msg("Chromium print engine started")
	return p.browserCtx, nil
}

// Close shuts the browser down.
func (p *chromiumPrinter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	p.browserCtx = nil
	return nil
}
