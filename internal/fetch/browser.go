package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"
)

// BrowserPool renders pages in headless Chrome, bounding concurrent tabs.
type BrowserPool struct {
	sem        *semaphore.Weighted
	settleWait time.Duration
}

// NewBrowserPool limits concurrent renders to maxBrowsers.
func NewBrowserPool(maxBrowsers int) *BrowserPool {
	return &BrowserPool{
		sem:        semaphore.NewWeighted(int64(maxBrowsers)),
		settleWait: 2 * time.Second,
	}
}

// Render loads url in a fresh headless context and returns the DOM after
// scripts settle. Each render gets its own browser context so state never
// leaks between vendors.
func (p *BrowserPool) Render(ctx context.Context, url string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire browser: %w", err)
	}
	defer p.sem.Release(1)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(userAgents[0]),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(p.settleWait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	return html, nil
}
