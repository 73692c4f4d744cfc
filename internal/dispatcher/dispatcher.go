// File: internal/dispatcher/dispatcher.go
package dispatcher

import (
	"context"
	"encoding/hex"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/auth"
	"github.com/iudex-br/sei-bridge/internal/automation"
	"github.com/iudex-br/sei-bridge/internal/cache"
	"github.com/iudex-br/sei-bridge/internal/catalog"
	"github.com/iudex-br/sei-bridge/internal/config"
	"github.com/iudex-br/sei-bridge/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// extensionPollInterval is how often wait_for_extension re-checks the
// registry.
const extensionPollInterval = 500 * time.Millisecond

// cacheHitTag marks results served from the cache so the client can
// tell them apart from fresh executions.
const cacheHitTag = "[resultado em cache]"

// AutomationEngine is the headless fallback surface the dispatcher
// routes to when no extension session is available.
type AutomationEngine interface {
	Execute(ctx context.Context, sessionID, tool string, args map[string]interface{}) (*schemas.CallToolResult, error)
}

// callOptions are the control arguments every non-local tool accepts
// on top of its own parameters.
type callOptions struct {
	// sessionID pins the call to one extension session.
	sessionID string
	// timeout overrides the configured command timeout.
	timeout time.Duration
}

// extractCallOptions splits session_id and timeout_ms out of the
// argument map so cache keys and backend params carry only the tool's
// own parameters.
func extractCallOptions(args map[string]interface{}) (callOptions, map[string]interface{}) {
	var opts callOptions
	if args == nil {
		return opts, map[string]interface{}{}
	}

	_, hasSession := args["session_id"]
	_, hasTimeout := args["timeout_ms"]
	if !hasSession && !hasTimeout {
		return opts, args
	}

	stripped := make(map[string]interface{}, len(args))
	for k, v := range args {
		switch k {
		case "session_id":
			if s, ok := v.(string); ok {
				opts.sessionID = s
			}
		case "timeout_ms":
			if ms, ok := v.(float64); ok && ms > 0 {
				opts.timeout = time.Duration(ms * float64(time.Millisecond))
			}
		default:
			stripped[k] = v
		}
	}
	return opts, stripped
}

// args rebuilds an argument map carrying the options, for composite
// sub-calls.
func (o callOptions) args(base map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	if o.sessionID != "" {
		out["session_id"] = o.sessionID
	}
	if o.timeout > 0 {
		out["timeout_ms"] = float64(o.timeout / time.Millisecond)
	}
	return out
}

// Dispatcher routes tool calls: local handling, extension forwarding
// with response correlation, automation fallback, and the result cache
// in front of all of it.
type Dispatcher struct {
	cfg      config.Interface
	logger   *zap.Logger
	registry *registry.Registry
	cache    *cache.ResultCache
	engine   AutomationEngine
	meter    *auth.Meter

	pendingMu sync.Mutex
	pending   map[string]chan schemas.ResponseMessage

	// openURL is swappable for tests; the default shells out to the
	// platform opener.
	openURL func(ctx context.Context, url string) error
}

// New wires the dispatcher. engine may be nil, in which case calls
// without an extension session fail with a backend-unavailable error
// instead of falling back to a managed browser.
func New(cfg config.Interface, reg *registry.Registry, resultCache *cache.ResultCache, engine AutomationEngine, meter *auth.Meter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger.Named("Dispatcher"),
		registry: reg,
		cache:    resultCache,
		engine:   engine,
		meter:    meter,
		pending:  make(map[string]chan schemas.ResponseMessage),
		openURL:  openSystemBrowser,
	}
}

// CallTool executes one catalog tool end to end.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args map[string]interface{}) (*schemas.CallToolResult, error) {
	def, ok := catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrUnknownTool, name)
	}

	opts, toolArgs := extractCallOptions(args)
	if err := def.ValidateArguments(toolArgs); err != nil {
		d.meter.RecordCall(name, true)
		return nil, err
	}

	// Writes purge their families up front so a half-finished mutation
	// never leaves stale reads behind.
	if len(def.Invalidates) > 0 {
		d.cache.InvalidateFamilies(def.Invalidates...)
	}

	result, err := d.dispatch(ctx, def, toolArgs, opts)
	if err != nil {
		d.meter.RecordCall(name, true)
		return nil, err
	}

	d.meter.RecordCall(name, false)
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, def catalog.Definition, args map[string]interface{}, opts callOptions) (*schemas.CallToolResult, error) {
	if def.LocalOnly {
		return d.handleLocal(ctx, def.Name, args)
	}
	if def.Composite {
		return d.handleComposite(ctx, def.Name, args, opts)
	}

	var key string
	if def.Cacheable() {
		var err error
		key, err = cache.Key(def.Name, args)
		if err != nil {
			// A broken key is a miss, never a failure.
			d.logger.Warn("Cache key derivation failed.", zap.String("tool", def.Name), zap.Error(err))
		} else if cached, ok := d.cache.Get(key); ok {
			d.logger.Debug("Cache hit.", zap.String("tool", def.Name))
			d.meter.RecordCacheHit(def.Name)
			return tagCacheHit(cached), nil
		}
	}

	result, err := d.execute(ctx, def.Name, args, opts)
	if err != nil {
		return nil, err
	}

	if def.Cacheable() && key != "" && !result.IsError {
		d.cache.Put(key, def.CacheFamily, d.ttlFor(def.CacheFamily), result)
	}
	return result, nil
}

// execute routes to the extension when one is connected, otherwise to
// the managed browser. With neither available the call fails with
// ErrBackendUnavailable and no transport send is attempted.
func (d *Dispatcher) execute(ctx context.Context, tool string, args map[string]interface{}, opts callOptions) (*schemas.CallToolResult, error) {
	if target, ok := d.registry.SelectTarget(opts.sessionID); ok {
		result, err := d.forward(ctx, target, tool, args, opts.timeout)
		if err == nil {
			return result, nil
		}
		if d.engine == nil {
			return nil, err
		}
		// A dead or timed-out extension falls through to automation so
		// the client still gets an answer.
		d.logger.Warn("Extension command failed, falling back to automation.",
			zap.String("tool", tool),
			zap.String("session_id", target.ID),
			zap.Error(err))
		result, autoErr := d.engine.Execute(ctx, automation.LocalSessionID, tool, args)
		if autoErr != nil {
			return nil, err
		}
		return annotateFallback(result, "extensao nao respondeu"), nil
	}

	if d.engine == nil {
		return nil, schemas.NewCommandError(tool, "none",
			fmt.Errorf("%w: nenhuma extensao conectada e automacao indisponivel; conecte a extensao ou aguarde com sei_wait_for_extension", schemas.ErrBackendUnavailable))
	}

	result, err := d.engine.Execute(ctx, automation.LocalSessionID, tool, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// forward sends the command to the extension session and waits for the
// correlated response.
func (d *Dispatcher) forward(ctx context.Context, target *registry.Session, tool string, args map[string]interface{}, timeout time.Duration) (*schemas.CallToolResult, error) {
	id := newCommandID()
	ch := make(chan schemas.ResponseMessage, 1)

	d.pendingMu.Lock()
	d.pending[id] = ch
	d.pendingMu.Unlock()

	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
	}()

	cmd := schemas.CommandMessage{
		Type:      schemas.MessageTypeCommand,
		ID:        id,
		Action:    tool,
		Params:    args,
		SessionID: target.ID,
	}
	if err := target.Send(cmd); err != nil {
		return nil, schemas.NewCommandError(tool, "extension", fmt.Errorf("sending command: %w", err))
	}

	if timeout <= 0 {
		timeout = d.cfg.Bridge().CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.Success {
			msg := resp.Error
			if msg == "" {
				msg = "comando falhou na extensao"
			}
			return schemas.ErrorResult(msg), nil
		}
		return extensionResult(resp), nil
	case <-timer.C:
		return nil, schemas.NewCommandError(tool, "extension",
			fmt.Errorf("%w after %s", schemas.ErrCommandTimeout, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve completes a pending command with the extension's response.
// Responses for unknown ids (already timed out) are dropped.
func (d *Dispatcher) Resolve(resp schemas.ResponseMessage) {
	d.pendingMu.Lock()
	ch, ok := d.pending[resp.ID]
	if ok {
		delete(d.pending, resp.ID)
	}
	d.pendingMu.Unlock()

	if !ok {
		d.logger.Debug("Dropping response for unknown command.", zap.String("command_id", resp.ID))
		return
	}
	// The channel is buffered, this never blocks.
	ch <- resp
}

// PendingCount reports in-flight extension commands.
func (d *Dispatcher) PendingCount() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}

// -- Local Tools --

func (d *Dispatcher) handleLocal(ctx context.Context, tool string, args map[string]interface{}) (*schemas.CallToolResult, error) {
	switch tool {
	case schemas.ToolOpenURL:
		url, _ := args["url"].(string)
		if err := d.openURL(ctx, url); err != nil {
			return nil, schemas.NewCommandError(tool, "local", err)
		}
		return schemas.TextResult(fmt.Sprintf("URL aberta no navegador: %s", url)), nil

	case schemas.ToolWaitForExtension:
		return d.waitForExtension(ctx, args)

	case schemas.ToolConnectionStatus:
		payload, err := json.MarshalIndent(map[string]interface{}{
			"connected":        d.registry.IsConnected(),
			"session_count":    d.registry.Count(),
			"sessions":         d.registry.List(),
			"pending_commands": d.PendingCount(),
		}, "", "  ")
		if err != nil {
			return nil, err
		}
		return schemas.TextResult(string(payload)), nil

	default:
		return nil, fmt.Errorf("%w: %s", schemas.ErrUnknownTool, tool)
	}
}

func (d *Dispatcher) waitForExtension(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	// Optionally open a page (typically the SEI login) so the user can
	// connect the extension while we wait.
	if url, ok := args["open_url"].(string); ok && url != "" {
		if err := d.openURL(ctx, url); err != nil {
			d.logger.Warn("Opening browser for extension wait failed.", zap.Error(err))
		}
	}

	timeout := d.cfg.Bridge().ExtensionWait
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(extensionPollInterval)
	defer ticker.Stop()

	for {
		if d.registry.IsConnected() {
			return schemas.TextResult("Extensao conectada."), nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return schemas.ErrorResult(fmt.Sprintf("Nenhuma extensao conectou em %s.", timeout)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// -- Composite Tools --

func (d *Dispatcher) handleComposite(ctx context.Context, tool string, args map[string]interface{}, opts callOptions) (*schemas.CallToolResult, error) {
	switch tool {
	case schemas.ToolSearchAndOpen:
		return d.searchAndOpen(ctx, args, opts)
	default:
		return nil, fmt.Errorf("%w: %s", schemas.ErrUnknownTool, tool)
	}
}

// searchAndOpen chains search_process and open_process, reusing
// CallTool so both steps hit the cache and invalidation paths. With
// include_documents set it also lists the tree, but a listing failure
// never fails the call.
func (d *Dispatcher) searchAndOpen(ctx context.Context, args map[string]interface{}, opts callOptions) (*schemas.CallToolResult, error) {
	searchArgs := map[string]interface{}{"query": args["query"]}
	if typ, ok := args["type"].(string); ok && typ != "" {
		searchArgs["type"] = typ
	}
	searchResult, err := d.CallTool(ctx, schemas.ToolSearchProcess, opts.args(searchArgs))
	if err != nil {
		return nil, err
	}
	if searchResult.IsError {
		return searchResult, nil
	}

	number, ok := firstProcessNumber(searchResult)
	if !ok {
		return schemas.ErrorResult("Nenhum processo encontrado para abrir."), nil
	}

	openResult, err := d.CallTool(ctx, schemas.ToolOpenProcess, opts.args(map[string]interface{}{
		"process_number": number,
	}))
	if err != nil {
		return nil, err
	}
	if openResult.IsError {
		return openResult, nil
	}

	summary := map[string]interface{}{
		"query":          args["query"],
		"process_number": number,
		"opened":         true,
	}

	if include, _ := args["include_documents"].(bool); include {
		docsResult, err := d.CallTool(ctx, schemas.ToolListDocuments, opts.args(map[string]interface{}{
			"process_number": number,
		}))
		switch {
		case err != nil:
			d.logger.Warn("Document listing skipped.", zap.String("process_number", number), zap.Error(err))
			summary["documents_error"] = err.Error()
		case docsResult.IsError:
			summary["documents_error"] = firstText(docsResult)
		default:
			text := firstText(docsResult)
			var docs interface{}
			if err := json.Unmarshal([]byte(text), &docs); err != nil {
				docs = text
			}
			summary["documents"] = docs
		}
	}

	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, err
	}
	return schemas.TextResult(string(payload)), nil
}

// firstProcessNumber digs the first result's process number out of a
// search result payload.
func firstProcessNumber(result *schemas.CallToolResult) (string, bool) {
	if len(result.Content) == 0 || result.Content[0].Type != "text" {
		return "", false
	}
	var payload struct {
		Results []struct {
			ProcessNumber string `json:"process_number"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
		return "", false
	}
	if len(payload.Results) == 0 || payload.Results[0].ProcessNumber == "" {
		return "", false
	}
	return payload.Results[0].ProcessNumber, true
}

func firstText(result *schemas.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	return result.Content[0].Text
}

// -- Helpers --

func (d *Dispatcher) ttlFor(family string) time.Duration {
	bcfg := d.cfg.Bridge()
	switch family {
	case cache.FamilySearch:
		return bcfg.SearchCacheTTL
	case cache.FamilyDocuments:
		return bcfg.DocumentCacheTTL
	case cache.FamilyStatus:
		return bcfg.StatusCacheTTL
	default:
		return 0
	}
}

// newCommandID mints ids in the cmd_<8 hex> shape the extension echoes
// back.
func newCommandID() string {
	id := uuid.New()
	return "cmd_" + hex.EncodeToString(id[:4])
}

// extensionResult converts a successful extension response into tool
// content.
func extensionResult(resp schemas.ResponseMessage) *schemas.CallToolResult {
	if len(resp.Result) == 0 {
		return schemas.TextResult("ok")
	}
	return schemas.TextResult(string(resp.Result))
}

// tagCacheHit returns a tagged copy of a cached result. The stored
// value is never handed out directly, so callers cannot mutate the
// cache through the returned pointer.
func tagCacheHit(cached *schemas.CallToolResult) *schemas.CallToolResult {
	out := &schemas.CallToolResult{
		Content: make([]schemas.ContentBlock, 0, len(cached.Content)+1),
		IsError: cached.IsError,
	}
	out.Content = append(out.Content, cached.Content...)
	out.Content = append(out.Content, schemas.ContentBlock{Type: "text", Text: cacheHitTag})
	return out
}

// annotateFallback appends a note telling the client which backend
// actually served the call.
func annotateFallback(result *schemas.CallToolResult, reason string) *schemas.CallToolResult {
	result.Content = append(result.Content, schemas.ContentBlock{
		Type: "text",
		Text: fmt.Sprintf("[executado pelo navegador gerenciado: %s]", reason),
	})
	return result
}

// openSystemBrowser launches the platform URL opener.
func openSystemBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening system browser: %w", err)
	}
	// Release the child; the opener exits on its own.
	go func() { _ = cmd.Wait() }()
	return nil
}

// SetOpenURL overrides the system browser launcher. Tests only.
func (d *Dispatcher) SetOpenURL(fn func(ctx context.Context, url string) error) {
	d.openURL = fn
}
