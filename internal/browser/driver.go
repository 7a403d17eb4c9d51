// internal/browser/driver.go
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/arvyn-ai/arvyn/api/schemas"
	"github.com/arvyn-ai/arvyn/internal/config"
)

// Driver is the agent's hands: it performs physical clicks, typing and
// capture against a live chromedp session. It implements schemas.Driver.
type Driver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ schemas.Driver = (*Driver)(nil)

// NewDriver allocates a browser and opens one tab sized to the configured
// viewport. Close must be called to release the browser.
func NewDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	for _, arg := range cfg.Args {
		if name, ok := strings.CutPrefix(arg, "--"); ok {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Force the target (tab) to exist so later actions have a connection.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger = logger.Named("driver")
	logger.Info("Browser started",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.ViewportWidth),
		zap.Int("viewport_height", cfg.ViewportHeight))

	return &Driver{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down.
func (d *Driver) Close() {
	d.browserCancel()
	d.allocCancel()
	d.logger.Info("Browser stopped")
}

// Navigate loads a URL and waits for the document to become ready.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := d.combine(ctx, d.cfg.NavigationTimeout)
	defer cancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	d.logger.Debug("Navigated", zap.String("url", url))
	return nil
}

// Click dispatches a simulated pointer click at viewport pixel coordinates.
// The hint names the intended element and is logged for audit; the click
// itself is purely positional.
func (d *Driver) Click(ctx context.Context, x, y float64, hint string) (bool, error) {
	clickCtx, cancel := d.combine(ctx, 10*time.Second)
	defer cancel()

	err := chromedp.Run(clickCtx, chromedp.MouseClickXY(x, y))
	if err != nil {
		d.logger.Debug("Coordinate click failed",
			zap.Float64("x", x), zap.Float64("y", y), zap.String("hint", hint), zap.Error(err))
		return false, err
	}
	d.logger.Debug("Clicked", zap.Float64("x", x), zap.Float64("y", y), zap.String("hint", hint))
	return true, nil
}

// Type inserts text into the currently focused element.
func (d *Driver) Type(ctx context.Context, text string) error {
	typeCtx, cancel := d.combine(ctx, 10*time.Second)
	defer cancel()

	if err := chromedp.Run(typeCtx, input.InsertText(text)); err != nil {
		return fmt.Errorf("type failed: %w", err)
	}
	return nil
}

// locateByTextJS finds the first visible element whose trimmed text equals
// the label and returns its center, or null.
const locateByTextJS = `(function(label) {
	const nodes = document.querySelectorAll('a, button, input, [role="button"], [onclick], label, span, div');
	for (const el of nodes) {
		const text = (el.innerText || el.value || '').trim();
		if (text !== label) continue;
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) continue;
		el.scrollIntoView({block: 'center', inline: 'center'});
		const rr = el.getBoundingClientRect();
		return {x: rr.left + rr.width / 2, y: rr.top + rr.height / 2};
	}
	return null;
})(%q)`

// FindAndClickByText anchors on an element whose visible text matches the
// label exactly and clicks its center through the simulated pointer. Returns
// false when no such element is visible.
func (d *Driver) FindAndClickByText(ctx context.Context, label string) (bool, error) {
	findCtx, cancel := d.combine(ctx, 10*time.Second)
	defer cancel()

	var center *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := chromedp.Run(findCtx,
		chromedp.Evaluate(fmt.Sprintf(locateByTextJS, label), &center),
	); err != nil {
		return false, fmt.Errorf("text anchor lookup failed: %w", err)
	}
	if center == nil {
		return false, nil
	}

	if err := chromedp.Run(findCtx, chromedp.MouseClickXY(center.X, center.Y)); err != nil {
		return false, err
	}
	d.logger.Debug("Text-anchored click",
		zap.String("label", label), zap.Float64("x", center.X), zap.Float64("y", center.Y))
	return true, nil
}

// directClickJS invokes the element's native click handler, bypassing
// simulated pointer motion entirely.
const directClickJS = `(function(label) {
	const nodes = document.querySelectorAll('a, button, input, [role="button"], [onclick], label, span, div');
	for (const el of nodes) {
		const text = (el.innerText || el.value || '').trim();
		if (text !== label) continue;
		el.click();
		return true;
	}
	return false;
})(%q)`

// DirectClickByText is the last-resort escalation: a native DOM click on the
// first exact text match.
func (d *Driver) DirectClickByText(ctx context.Context, label string) (bool, error) {
	clickCtx, cancel := d.combine(ctx, 10*time.Second)
	defer cancel()

	var clicked bool
	if err := chromedp.Run(clickCtx,
		chromedp.Evaluate(fmt.Sprintf(directClickJS, label), &clicked),
	); err != nil {
		return false, fmt.Errorf("direct injection click failed: %w", err)
	}
	if clicked {
		d.logger.Debug("Direct-injection click", zap.String("label", label))
	}
	return clicked, nil
}

// ScreenshotBase64 captures the current frame as base64-encoded PNG.
func (d *Driver) ScreenshotBase64(ctx context.Context) (string, error) {
	capCtx, cancel := d.combine(ctx, 15*time.Second)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(capCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("screenshot capture failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// PageText returns the page's visible text.
func (d *Driver) PageText(ctx context.Context) (string, error) {
	textCtx, cancel := d.combine(ctx, 10*time.Second)
	defer cancel()

	var text string
	if err := chromedp.Run(textCtx,
		chromedp.Evaluate(`document.body ? document.body.innerText : ''`, &text),
	); err != nil {
		return "", fmt.Errorf("page text capture failed: %w", err)
	}
	return text, nil
}

// CurrentURL returns the tab's current location.
func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	locCtx, cancel := d.combine(ctx, 5*time.Second)
	defer cancel()

	var url string
	if err := chromedp.Run(locCtx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("location lookup failed: %w", err)
	}
	return url, nil
}

// combine derives an action context that honors both the browser session
// lifetime and the caller's context, bounded by a timeout.
func (d *Driver) combine(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithTimeout(d.browserCtx, timeout)

	stop := context.AfterFunc(ctx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
