package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
)

// A4 in inches.
const (
	a4Width  = 8.27
	a4Height = 11.69
	margin   = 0.4
)

// ChromeConfig configures ChromeRenderer.
type ChromeConfig struct {
	// RemoteURL points at a running Chrome's DevTools endpoint; empty starts a
	// local headless browser.
	RemoteURL string
	NoSandbox bool
	Timeout   time.Duration
}

// ChromeRenderer prints the HTML built by BuildHTML through headless Chrome.
type ChromeRenderer struct {
	cfg         ChromeConfig
	log         *logger.Logger
	once        sync.Once
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewChromeRenderer creates a renderer. The browser starts lazily on the first
// Render call.
func NewChromeRenderer(cfg ChromeConfig, log *logger.Logger) *ChromeRenderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ChromeRenderer{cfg: cfg, log: log.WithComponent("render")}
}

func (r *ChromeRenderer) init() {
	r.once.Do(func() {
		if r.cfg.RemoteURL != "" {
			r.allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), r.cfg.RemoteURL)
			return
		}

		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-first-run", true),
			chromedp.Flag("disable-extensions", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-background-networking", true),
			chromedp.Flag("font-render-hinting", "none"),
		)
		if r.cfg.NoSandbox {
			opts = append(opts, chromedp.Flag("no-sandbox", true))
		}
		r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	})
}

// Render implements Renderer.
func (r *ChromeRenderer) Render(ctx context.Context, in Input) ([]byte, error) {
	html, err := BuildHTML(in)
	if err != nil {
		return nil, err
	}

	r.init()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	browserCtx, browserCancel := chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			r.log.Debug().Msg(fmt.Sprintf(format, args...))
		}),
	)
	defer browserCancel()

	// stop the tab when the caller's deadline passes
	stop := context.AfterFunc(ctx, browserCancel)
	defer stop()

	start := time.Now()
	var pdf []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(a4Width).
				WithPaperHeight(a4Height).
				WithMarginTop(margin).
				WithMarginBottom(margin).
				WithMarginLeft(margin).
				WithMarginRight(margin).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = data
			return nil
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeRender,
				fmt.Sprintf("PDF rendering timed out after %v", r.cfg.Timeout))
		}
		return nil, errors.Wrap(err, errors.ErrCodeRender, "chrome rendering failed")
	}
	if len(pdf) == 0 {
		return nil, errors.New(errors.ErrCodeRender, "generated PDF is empty")
	}

	r.log.Debug().
		Int("bytes", len(pdf)).
		Dur("duration", time.Since(start)).
		Str("invoice_number", in.Invoice.InvoiceNumber).
		Msg("PDF rendered")

	return pdf, nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() {
	if r.allocCancel != nil {
		r.allocCancel()
	}
}
