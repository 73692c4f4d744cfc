// File: internal/automation/session.go
package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/config"
	"github.com/iudex-br/sei-bridge/internal/resilience"
)

// Session is one browser tab plus the SEI state the engine tracks for
// it. A mutex serializes tool execution per session; independent
// sessions run concurrently.
type Session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     config.Interface
	locator *resilience.Locator
	logger  *zap.Logger
	page    *chromedpPage

	mu             sync.Mutex
	loggedIn       bool
	user           string
	currentProcess string
	isClosed       bool
}

func newSession(allocCtx context.Context, id string, cfg config.Interface, locator *resilience.Locator, logger *zap.Logger) (*Session, error) {
	tabCtx, cancel := chromedp.NewContext(allocCtx)

	// Force target creation now so the first tool call fails loudly if
	// Chrome cannot start.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("starting browser tab: %w", err)
	}

	s := &Session{
		id:      id,
		ctx:     tabCtx,
		cancel:  cancel,
		cfg:     cfg,
		locator: locator,
		logger:  logger.With(zap.String("session_id", id)),
	}
	s.page = &chromedpPage{s: s}
	s.logger.Info("Automation session started.")
	return s, nil
}

// Execute dispatches one tool call. Calls on the same session are
// serialized so SEI's single-window navigation model is never violated.
func (s *Session) Execute(ctx context.Context, tool string, args map[string]interface{}) (*schemas.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil, fmt.Errorf("session %s is closed", s.id)
	}

	s.logger.Debug("Executing tool.", zap.String("tool", tool))

	switch tool {
	case schemas.ToolLogin:
		return s.login(ctx, args)
	case schemas.ToolSearchProcess:
		return s.searchProcess(ctx, args)
	case schemas.ToolOpenProcess:
		return s.openProcess(ctx, args)
	case schemas.ToolListDocuments:
		return s.listDocuments(ctx, args)
	case schemas.ToolCreateDocument:
		return s.createDocument(ctx, args)
	case schemas.ToolSignDocument:
		return s.signDocument(ctx, args)
	case schemas.ToolForwardProcess:
		return s.forwardProcess(ctx, args)
	case schemas.ToolGetStatus:
		return s.getStatus(ctx, args)
	case schemas.ToolScreenshot:
		return s.screenshot(ctx, args)
	case schemas.ToolSnapshot:
		return s.snapshot(ctx, args)
	case schemas.ToolNavigate:
		return s.navigate(ctx, args)
	case schemas.ToolClick:
		return s.click(ctx, args)
	case schemas.ToolFill:
		return s.fill(ctx, args)
	case schemas.ToolGetPageContent:
		return s.getPageContent(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %s", schemas.ErrUnknownTool, tool)
	}
}

// Close tears the tab down. Pending Execute calls fail via the cancelled
// context.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.isClosed = true
	loggedIn := s.loggedIn
	s.mu.Unlock()

	if loggedIn {
		// Best effort clean logout so SEI does not hold the session open.
		logoutCtx, cancel := context.WithTimeout(ctx, s.cfg.Resilience().FailFastTimeout)
		if err := s.locator.Click(logoutCtx, s.page, logoutLink); err != nil {
			s.logger.Debug("Clean logout failed on close.", zap.Error(err))
		}
		cancel()
	}

	s.cancel()
	s.logger.Info("Automation session closed.")
}

// -- Navigation Helpers --

// navigateTo drives the tab to url and waits for the document body.
func (s *Session) navigateTo(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.Browser().NavigationTimeout)
	defer cancel()

	err := s.page.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// requireLogin guards tools that only work inside an authenticated SEI
// session.
func (s *Session) requireLogin() error {
	if !s.loggedIn {
		return schemas.ErrNotAuthenticated
	}
	return nil
}

// evalInFrame evaluates js against a same-origin frame's document. The
// script receives the frame document as the `doc` variable.
func (s *Session) evalInFrame(ctx context.Context, frameID, js string, out interface{}) error {
	wrapped := fmt.Sprintf(`(function() {
		const holder = document.getElementById(%q) || document.getElementsByName(%q)[0];
		if (!holder || !holder.contentDocument) return null;
		const doc = holder.contentDocument;
		return (%s)(doc);
	})()`, frameID, frameID, js)

	if err := s.page.run(ctx, chromedp.Evaluate(wrapped, out)); err != nil {
		return fmt.Errorf("evaluating in frame %s: %w", frameID, err)
	}
	return nil
}

// seiURL joins a path onto the configured SEI base URL.
func (s *Session) seiURL(path string) string {
	return strings.TrimRight(s.cfg.SEI().BaseURL, "/") + path
}
