// File: internal/automation/page.go
package automation

import (
	"context"
	"fmt"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// screenshotQuality is the JPEG quality used for vision captures and the
// screenshot tool. Quality 50 keeps captures small enough for model
// payloads.
const screenshotQuality = 50

// chromedpPage adapts a session tab to the resilience.Page surface.
type chromedpPage struct {
	s *Session
}

func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(p.s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// WaitVisible blocks until selector matches a visible element or timeout
// elapses. The timeout bounds the wait so the cascade can fail fast.
func (p *chromedpPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("waiting for %q: %w", selector, err)
	}
	return nil
}

func (p *chromedpPage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	return nil
}

// Fill clears the field and types value, firing the input events SEI's
// scripts listen for.
func (p *chromedpPage) Fill(ctx context.Context, selector, value string) error {
	err := p.run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("filling %q: %w", selector, err)
	}
	return nil
}

// SelectOption picks a dropdown option by value or visible text and
// dispatches the change event.
func (p *chromedpPage) SelectOption(ctx context.Context, selector, value string) error {
	js := fmt.Sprintf(`(function() {
		const el = document.querySelector(%q);
		if (!el) return false;
		for (const opt of el.options) {
			if (opt.value === %q || opt.text.trim() === %q) {
				el.value = opt.value;
				el.dispatchEvent(new Event('change', { bubbles: true }));
				return true;
			}
		}
		return false;
	})()`, selector, value, value)

	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(js, &ok)); err != nil {
		return fmt.Errorf("selecting option on %q: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("option %q not found in %q", value, selector)
	}
	return nil
}

// Screenshot captures the viewport as JPEG.
func (p *chromedpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		buf, err = cdppage.CaptureScreenshot().
			WithFormat(cdppage.CaptureScreenshotFormatJpeg).
			WithQuality(screenshotQuality).
			Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

// FullScreenshot captures the whole page, not just the viewport.
func (p *chromedpPage) FullScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		buf, err = cdppage.CaptureScreenshot().
			WithFormat(cdppage.CaptureScreenshotFormatJpeg).
			WithQuality(screenshotQuality).
			WithCaptureBeyondViewport(true).
			Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capturing full page screenshot: %w", err)
	}
	return buf, nil
}

// interactiveElementsJS dumps clickable and fillable elements as one line
// each, capped so the dump fits in a model prompt. Frames are walked when
// same-origin.
const interactiveElementsJS = `(function() {
	const lines = [];
	const describe = (el, doc) => {
		const tag = el.tagName.toLowerCase();
		const id = el.id ? '#' + el.id : '';
		const name = el.getAttribute('name') ? "[name='" + el.getAttribute('name') + "']" : '';
		const text = (el.innerText || el.value || el.getAttribute('title') || '').trim().slice(0, 60);
		lines.push(tag + id + name + (text ? " '" + text + "'" : ''));
	};
	const walk = (doc) => {
		if (!doc || lines.length >= 150) return;
		for (const el of doc.querySelectorAll('a[href], button, input, select, textarea, [onclick]')) {
			if (lines.length >= 150) break;
			describe(el, doc);
		}
		for (const frame of doc.querySelectorAll('iframe, frame')) {
			try { walk(frame.contentDocument); } catch (e) { /* cross-origin */ }
		}
	};
	walk(document);
	return lines.join('\n');
})()`

func (p *chromedpPage) InteractiveElements(ctx context.Context) (string, error) {
	var dump string
	if err := p.run(ctx, chromedp.Evaluate(interactiveElementsJS, &dump)); err != nil {
		return "", fmt.Errorf("dumping interactive elements: %w", err)
	}
	return dump, nil
}

func (p *chromedpPage) URL(ctx context.Context) (string, error) {
	var url string
	if err := p.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return url, nil
}

// combineContext derives a context cancelled when either parent is. The
// chromedp session context carries the target; the request context
// carries the deadline.
func combineContext(sessionCtx, reqCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(sessionCtx)
	stop := context.AfterFunc(reqCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
