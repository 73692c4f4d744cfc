// File: internal/automation/engine.go
package automation

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/config"
	"github.com/iudex-br/sei-bridge/internal/resilience"
)

// LocalSessionID is the session key used when the bridge drives its own
// browser instead of an extension tab.
const LocalSessionID = "local"

// Engine owns the managed headless Chrome and its sessions. The
// allocator is started lazily on the first tool call so running the
// bridge with a connected extension never launches Chrome at all.
type Engine struct {
	cfg     config.Interface
	locator *resilience.Locator
	logger  *zap.Logger

	allocOnce   sync.Once
	allocCtx    context.Context
	allocCancel context.CancelFunc
	allocErr    error

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewEngine wires the engine. Chrome is not started here.
func NewEngine(cfg config.Interface, locator *resilience.Locator, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		locator:  locator,
		logger:   logger.Named("Automation"),
		sessions: make(map[string]*Session),
	}
}

// allocator returns the shared ExecAllocator context, starting Chrome on
// first use.
func (e *Engine) allocator() (context.Context, error) {
	e.allocOnce.Do(func() {
		bcfg := e.cfg.Browser()

		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", bcfg.Headless),
			chromedp.DisableGPU,
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			chromedp.WindowSize(bcfg.ViewportWidth, bcfg.ViewportHeight),
		)
		if bcfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(bcfg.ExecPath))
		}
		if bcfg.UserDataDir != "" {
			opts = append(opts, chromedp.UserDataDir(bcfg.UserDataDir))
		}
		for _, arg := range bcfg.Args {
			opts = append(opts, chromedp.Flag(arg, true))
		}

		e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		e.logger.Info("Headless browser allocator started.",
			zap.Bool("headless", bcfg.Headless))
	})
	return e.allocCtx, e.allocErr
}

// session returns the session for id, creating its tab on first use.
func (e *Engine) session(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("automation engine is shut down")
	}
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}

	allocCtx, err := e.allocator()
	if err != nil {
		return nil, err
	}

	s, err := newSession(allocCtx, id, e.cfg, e.locator, e.logger)
	if err != nil {
		return nil, err
	}
	e.sessions[id] = s
	return s, nil
}

// Execute runs one tool against the session's tab. Calls on the same
// session are serialized; distinct sessions run independently.
func (e *Engine) Execute(ctx context.Context, sessionID, tool string, args map[string]interface{}) (*schemas.CallToolResult, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return nil, schemas.NewCommandError(tool, "automation", err)
	}

	result, err := s.Execute(ctx, tool, args)
	if err != nil {
		return nil, schemas.NewCommandError(tool, "automation", err)
	}
	return result, nil
}

// Shutdown closes every session and tears down the allocator.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
	e.logger.Info("Automation engine shut down.", zap.Int("sessions_closed", len(sessions)))
	return nil
}
