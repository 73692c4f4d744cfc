// File: internal/resilience/cascade.go
package resilience

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/config"
	"github.com/iudex-br/sei-bridge/internal/selmem"
)

// Page abstracts the live page surface the cascade drives. Both the
// chromedp session and test fakes implement it.
type Page interface {
	// WaitVisible blocks until selector matches a visible element or the
	// timeout elapses.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	SelectOption(ctx context.Context, selector, value string) error
	// Screenshot returns a JPEG capture of the viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// InteractiveElements returns a pruned text dump of clickable and
	// fillable elements currently in the DOM.
	InteractiveElements(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
}

// SelectorProposer is the vision fallback. Proposals are untrusted and
// always validated against the live page before use.
type SelectorProposer interface {
	ProposeSelector(ctx context.Context, screenshot []byte, elements, description string) (string, error)
}

// LocateRequest names one element and its ordered candidate selectors.
type LocateRequest struct {
	// ContextKey scopes the selector memory, e.g. "login" or "search".
	ContextKey string
	// Description is the human phrasing handed to the vision model.
	Description string
	// Selectors are tried in order before any fallback.
	Selectors []string
}

// LocateError wraps the not-located sentinel with an optional diagnostic
// bundle captured at failure time.
type LocateError struct {
	Request     LocateRequest
	Diagnostics *schemas.DiagnosticBundle
}

func (e *LocateError) Error() string {
	return fmt.Sprintf("element %q: %v", e.Request.ContextKey, schemas.ErrElementNotLocated)
}

func (e *LocateError) Unwrap() error {
	return schemas.ErrElementNotLocated
}

// Locator runs the three tier location cascade: direct selectors,
// memorized selector, vision proposal.
type Locator struct {
	store    *selmem.Store
	proposer SelectorProposer
	logger   *zap.Logger

	failFast    time.Duration
	diagnostics bool
}

// NewLocator wires the cascade. proposer may be nil, which disables the
// vision tier.
func NewLocator(cfg config.ResilienceConfig, store *selmem.Store, proposer SelectorProposer, logger *zap.Logger) *Locator {
	return &Locator{
		store:       store,
		proposer:    proposer,
		logger:      logger.Named("Locator"),
		failFast:    cfg.FailFastTimeout,
		diagnostics: cfg.DiagnosticsEnabled,
	}
}

// storeKey derives the selector memory key for a request. The first
// candidate selector is part of the key so two elements sharing a
// context stay distinct.
func storeKey(req LocateRequest) string {
	first := ""
	if len(req.Selectors) > 0 {
		first = req.Selectors[0]
	}
	if len(first) > 50 {
		first = first[:50]
	}
	return "sei|" + req.ContextKey + "|" + first
}

// Locate resolves the request to a working selector or fails with a
// LocateError wrapping ErrElementNotLocated.
func (l *Locator) Locate(ctx context.Context, page Page, req LocateRequest) (string, error) {
	key := storeKey(req)

	// Tier 1: the candidates we were given, fail fast on each.
	for _, selector := range req.Selectors {
		if err := page.WaitVisible(ctx, selector, l.failFast); err == nil {
			if err := l.store.RecordSuccess(key); err != nil {
				l.logger.Warn("Failed to record selector success.", zap.Error(err))
			}
			return selector, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	// Tier 2: a selector that worked here before.
	if rec, ok := l.store.Get(key); ok && !contains(req.Selectors, rec.Selector) {
		if err := page.WaitVisible(ctx, rec.Selector, l.failFast); err == nil {
			l.logger.Info("Recovered element via selector memory.",
				zap.String("key", key), zap.String("selector", rec.Selector))
			if err := l.store.RecordSuccess(key); err != nil {
				l.logger.Warn("Failed to record selector success.", zap.Error(err))
			}
			return rec.Selector, nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	// Tier 3: ask the vision model, then verify its answer.
	if selector, err := l.visionLocate(ctx, page, req, key); err == nil {
		return selector, nil
	} else if ctx.Err() != nil {
		return "", ctx.Err()
	}

	return "", l.fail(ctx, page, req)
}

func (l *Locator) visionLocate(ctx context.Context, page Page, req LocateRequest, key string) (string, error) {
	if l.proposer == nil || req.Description == "" {
		return "", schemas.ErrElementNotLocated
	}

	screenshot, err := page.Screenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("capturing screenshot for vision fallback: %w", err)
	}
	elements, err := page.InteractiveElements(ctx)
	if err != nil {
		return "", fmt.Errorf("dumping interactive elements: %w", err)
	}

	proposed, err := l.proposer.ProposeSelector(ctx, screenshot, elements, req.Description)
	if err != nil {
		return "", err
	}

	// Never trust the model: the proposal must match a visible element.
	if err := page.WaitVisible(ctx, proposed, l.failFast); err != nil {
		l.logger.Warn("Vision proposal failed validation.",
			zap.String("key", key), zap.String("proposed", proposed))
		return "", schemas.ErrElementNotLocated
	}

	l.logger.Info("Recovered element via vision fallback.",
		zap.String("key", key), zap.String("selector", proposed))
	if err := l.store.Put(key, proposed); err != nil {
		l.logger.Warn("Failed to memorize vision selector.", zap.Error(err))
	}
	return proposed, nil
}

// fail builds the terminal LocateError, attaching diagnostics when
// enabled and capturable.
func (l *Locator) fail(ctx context.Context, page Page, req LocateRequest) error {
	locErr := &LocateError{Request: req}
	if !l.diagnostics {
		return locErr
	}

	bundle := &schemas.DiagnosticBundle{}
	if shot, err := page.Screenshot(ctx); err == nil {
		bundle.ScreenshotB64 = base64.StdEncoding.EncodeToString(shot)
	}
	if elements, err := page.InteractiveElements(ctx); err == nil {
		bundle.Elements = elements
	}
	if url, err := page.URL(ctx); err == nil {
		bundle.URL = url
	}
	locErr.Diagnostics = bundle

	l.logger.Error("All location strategies exhausted.",
		zap.String("context", req.ContextKey),
		zap.Strings("selectors", req.Selectors))
	return locErr
}

// Click locates the element and clicks it.
func (l *Locator) Click(ctx context.Context, page Page, req LocateRequest) error {
	selector, err := l.Locate(ctx, page, req)
	if err != nil {
		return err
	}
	return page.Click(ctx, selector)
}

// Fill locates the element and types value into it.
func (l *Locator) Fill(ctx context.Context, page Page, req LocateRequest, value string) error {
	selector, err := l.Locate(ctx, page, req)
	if err != nil {
		return err
	}
	return page.Fill(ctx, selector, value)
}

// Select locates a dropdown and picks the option with value.
func (l *Locator) Select(ctx context.Context, page Page, req LocateRequest, value string) error {
	selector, err := l.Locate(ctx, page, req)
	if err != nil {
		return err
	}
	return page.SelectOption(ctx, selector, value)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// IsNotLocated reports whether err is an exhausted-cascade failure.
func IsNotLocated(err error) bool {
	return errors.Is(err, schemas.ErrElementNotLocated)
}
