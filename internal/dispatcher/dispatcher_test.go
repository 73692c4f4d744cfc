// File: internal/dispatcher/dispatcher_test.go
package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/auth"
	"github.com/iudex-br/sei-bridge/internal/cache"
	"github.com/iudex-br/sei-bridge/internal/config"
	"github.com/iudex-br/sei-bridge/internal/dispatcher"
	"github.com/iudex-br/sei-bridge/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Fakes --

type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*schemas.CallToolResult
	err     error
}

func (f *fakeEngine) Execute(_ context.Context, _ string, tool string, _ map[string]interface{}) (*schemas.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.results[tool]; ok {
		return r, nil
	}
	return schemas.TextResult("ok:" + tool), nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTransport struct {
	frames chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 16)}
}

func (f *fakeTransport) Send(data []byte) error {
	f.frames <- data
	return nil
}

func (f *fakeTransport) Close() error { return nil }

// nextCommand skips handshake frames until a command arrives.
func (f *fakeTransport) nextCommand(t *testing.T) schemas.CommandMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-f.frames:
			var env schemas.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if env.Type != schemas.MessageTypeCommand {
				continue
			}
			var cmd schemas.CommandMessage
			require.NoError(t, json.Unmarshal(frame, &cmd))
			return cmd
		case <-deadline:
			t.Fatal("no command frame received")
		}
	}
}

func newDispatcher(t *testing.T, engine *fakeEngine) (*dispatcher.Dispatcher, *registry.Registry, *auth.Meter) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	cfg.BridgeC.CommandTimeout = 250 * time.Millisecond
	reg := registry.New(logger)
	meter := auth.NewMeter()
	d := dispatcher.New(cfg, reg, cache.New(logger), engine, meter, logger)
	return d, reg, meter
}

// newExtensionOnlyDispatcher has no automation fallback wired.
func newExtensionOnlyDispatcher(t *testing.T, commandTimeout time.Duration) (*dispatcher.Dispatcher, *registry.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	cfg.BridgeC.CommandTimeout = commandTimeout
	reg := registry.New(logger)
	d := dispatcher.New(cfg, reg, cache.New(logger), nil, auth.NewMeter(), logger)
	return d, reg
}

func statusArgs() map[string]interface{} {
	return map[string]interface{}{"process_number": "1001234-56.2024.8.26.0100"}
}

// -- Routing --

func TestCallTool_UnknownTool(t *testing.T) {
	d, _, _ := newDispatcher(t, &fakeEngine{})
	_, err := d.CallTool(context.Background(), "sei_nope", nil)
	assert.ErrorIs(t, err, schemas.ErrUnknownTool)
}

func TestCallTool_InvalidArguments(t *testing.T) {
	d, _, meter := newDispatcher(t, &fakeEngine{})
	_, err := d.CallTool(context.Background(), schemas.ToolLogin, map[string]interface{}{
		"username": "maria",
	})
	assert.ErrorIs(t, err, schemas.ErrInvalidArguments)

	snapshot := meter.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, uint64(1), snapshot[0].Errors)
}

func TestCallTool_AutomationFallbackWhenNoExtension(t *testing.T) {
	engine := &fakeEngine{}
	d, _, _ := newDispatcher(t, engine)

	result, err := d.CallTool(context.Background(), schemas.ToolGetStatus, statusArgs())
	require.NoError(t, err)
	assert.Equal(t, "ok:"+schemas.ToolGetStatus, result.Content[0].Text)
	assert.Equal(t, 1, engine.callCount())
}

func TestCallTool_ForwardsToExtension(t *testing.T) {
	engine := &fakeEngine{}
	d, reg, _ := newDispatcher(t, engine)

	transport := newFakeTransport()
	_, err := reg.Connect("ext-1", transport)
	require.NoError(t, err)
	defer reg.Disconnect("ext-1")

	done := make(chan struct{})
	var result *schemas.CallToolResult
	go func() {
		defer close(done)
		result, err = d.CallTool(context.Background(), schemas.ToolGetStatus, statusArgs())
	}()

	cmd := transport.nextCommand(t)
	assert.Equal(t, schemas.ToolGetStatus, cmd.Action)
	assert.Regexp(t, `^cmd_[0-9a-f]{8}$`, cmd.ID)
	assert.Equal(t, "ext-1", cmd.SessionID)

	d.Resolve(schemas.ResponseMessage{
		Type:    schemas.MessageTypeResponse,
		ID:      cmd.ID,
		Success: true,
		Result:  json.RawMessage(`{"status":"aberto"}`),
	})

	<-done
	require.NoError(t, err)
	assert.Contains(t, result.Content[0].Text, "aberto")
	assert.Equal(t, 0, engine.callCount())
	assert.Equal(t, 0, d.PendingCount())
}

func TestCallTool_ExtensionFailureIsToolError(t *testing.T) {
	d, reg, _ := newDispatcher(t, &fakeEngine{})

	transport := newFakeTransport()
	_, err := reg.Connect("ext-1", transport)
	require.NoError(t, err)
	defer reg.Disconnect("ext-1")

	done := make(chan struct{})
	var result *schemas.CallToolResult
	go func() {
		defer close(done)
		result, err = d.CallTool(context.Background(), schemas.ToolNavigate, map[string]interface{}{
			"url": "https://sei.tjsp.jus.br",
		})
	}()

	cmd := transport.nextCommand(t)
	d.Resolve(schemas.ResponseMessage{
		Type:    schemas.MessageTypeResponse,
		ID:      cmd.ID,
		Success: false,
		Error:   "aba nao encontrada",
	})

	<-done
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "aba nao encontrada")
}

func TestCallTool_TimeoutFallsBackToAutomation(t *testing.T) {
	engine := &fakeEngine{}
	d, reg, _ := newDispatcher(t, engine)

	transport := newFakeTransport()
	_, err := reg.Connect("ext-1", transport)
	require.NoError(t, err)
	defer reg.Disconnect("ext-1")

	result, err := d.CallTool(context.Background(), schemas.ToolGetStatus, statusArgs())
	require.NoError(t, err)
	assert.Equal(t, 1, engine.callCount())

	// The fallback annotation rides along with the automation result.
	last := result.Content[len(result.Content)-1]
	assert.Contains(t, last.Text, "navegador gerenciado")
}

func TestResolve_LateResponseIsDropped(t *testing.T) {
	d, _, _ := newDispatcher(t, &fakeEngine{})
	d.Resolve(schemas.ResponseMessage{ID: "cmd_deadbeef", Success: true})
	assert.Equal(t, 0, d.PendingCount())
}

// -- Cache --

func TestCallTool_CacheReadThrough(t *testing.T) {
	engine := &fakeEngine{}
	d, _, meter := newDispatcher(t, engine)
	ctx := context.Background()

	args := map[string]interface{}{"query": "licitacao"}
	first, err := d.CallTool(ctx, schemas.ToolSearchProcess, args)
	require.NoError(t, err)

	second, err := d.CallTool(ctx, schemas.ToolSearchProcess, args)
	require.NoError(t, err)
	assert.Equal(t, first.Content[0].Text, second.Content[0].Text)
	assert.Equal(t, 1, engine.callCount())

	for _, u := range meter.Snapshot() {
		if u.Tool == schemas.ToolSearchProcess {
			assert.Equal(t, uint64(1), u.CacheHits)
		}
	}
}

func TestCallTool_WriteInvalidatesCache(t *testing.T) {
	engine := &fakeEngine{}
	d, _, _ := newDispatcher(t, engine)
	ctx := context.Background()

	_, err := d.CallTool(ctx, schemas.ToolGetStatus, statusArgs())
	require.NoError(t, err)
	_, err = d.CallTool(ctx, schemas.ToolSignDocument, map[string]interface{}{
		"document_id": "0012345",
		"password":    "s3nha",
	})
	require.NoError(t, err)

	// The status cache entry was invalidated, so the engine runs again.
	_, err = d.CallTool(ctx, schemas.ToolGetStatus, statusArgs())
	require.NoError(t, err)

	count := 0
	engine.mu.Lock()
	for _, c := range engine.calls {
		if c == schemas.ToolGetStatus {
			count++
		}
	}
	engine.mu.Unlock()
	assert.Equal(t, 2, count)
}

// -- Local Tools --

func TestCallTool_OpenURL(t *testing.T) {
	d, _, _ := newDispatcher(t, &fakeEngine{})

	var opened string
	d.SetOpenURL(func(_ context.Context, url string) error {
		opened = url
		return nil
	})

	result, err := d.CallTool(context.Background(), schemas.ToolOpenURL, map[string]interface{}{
		"url": "https://sei.tjsp.jus.br/sei",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://sei.tjsp.jus.br/sei", opened)
	assert.Contains(t, result.Content[0].Text, "sei.tjsp.jus.br")
}

func TestCallTool_OpenURLFailure(t *testing.T) {
	d, _, _ := newDispatcher(t, &fakeEngine{})
	d.SetOpenURL(func(_ context.Context, _ string) error {
		return errors.New("no display")
	})

	_, err := d.CallTool(context.Background(), schemas.ToolOpenURL, map[string]interface{}{
		"url": "https://example.br",
	})
	var cmdErr *schemas.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "local", cmdErr.Backend)
}

func TestCallTool_WaitForExtension(t *testing.T) {
	t.Run("already connected", func(t *testing.T) {
		d, reg, _ := newDispatcher(t, &fakeEngine{})
		_, err := reg.Connect("ext-1", newFakeTransport())
		require.NoError(t, err)
		defer reg.Disconnect("ext-1")

		result, err := d.CallTool(context.Background(), schemas.ToolWaitForExtension, nil)
		require.NoError(t, err)
		assert.False(t, result.IsError)
	})

	t.Run("times out", func(t *testing.T) {
		d, _, _ := newDispatcher(t, &fakeEngine{})
		result, err := d.CallTool(context.Background(), schemas.ToolWaitForExtension, map[string]interface{}{
			"timeout_seconds": 0.05,
		})
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestCallTool_ConnectionStatus(t *testing.T) {
	d, reg, _ := newDispatcher(t, &fakeEngine{})
	_, err := reg.Connect("ext-1", newFakeTransport())
	require.NoError(t, err)
	defer reg.Disconnect("ext-1")
	reg.UpdateURL("ext-1", "https://sei.tjsp.jus.br/sei/controlador.php")

	result, err := d.CallTool(context.Background(), schemas.ToolConnectionStatus, nil)
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &payload))
	assert.Equal(t, true, payload["connected"])
	assert.Equal(t, float64(1), payload["session_count"])
}

// -- Composite --

func TestCallTool_SearchAndOpen(t *testing.T) {
	searchPayload := `{"results":[{"process_number":"1001234-56.2024.8.26.0100","url":"..."}]}`
	engine := &fakeEngine{results: map[string]*schemas.CallToolResult{
		schemas.ToolSearchProcess: schemas.TextResult(searchPayload),
		schemas.ToolOpenProcess:   schemas.TextResult(`{"opened":true}`),
	}}
	d, _, _ := newDispatcher(t, engine)

	result, err := d.CallTool(context.Background(), schemas.ToolSearchAndOpen, map[string]interface{}{
		"query": "licitacao merenda",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Content[0].Text, "1001234-56.2024.8.26.0100")

	engine.mu.Lock()
	assert.Equal(t, []string{schemas.ToolSearchProcess, schemas.ToolOpenProcess}, engine.calls)
	engine.mu.Unlock()
}

func TestCallTool_PerCallTimeout(t *testing.T) {
	d, reg := newExtensionOnlyDispatcher(t, 5*time.Second)

	transport := newFakeTransport()
	_, err := reg.Connect("ext-1", transport)
	require.NoError(t, err)
	defer reg.Disconnect("ext-1")

	done := make(chan struct{})
	var callErr error
	var elapsed time.Duration
	go func() {
		defer close(done)
		args := statusArgs()
		args["timeout_ms"] = float64(80)
		start := time.Now()
		_, callErr = d.CallTool(context.Background(), schemas.ToolGetStatus, args)
		elapsed = time.Since(start)
	}()

	// The deadline override never travels to the extension.
	cmd := transport.nextCommand(t)
	assert.NotContains(t, cmd.Params, "timeout_ms")

	<-done
	assert.ErrorIs(t, callErr, schemas.ErrCommandTimeout)
	// Well under the configured 5s timeout: the per-call value won.
	assert.Less(t, elapsed, 2*time.Second)
}

func TestCallTool_ExplicitSessionRouting(t *testing.T) {
	engine := &fakeEngine{}
	d, reg, _ := newDispatcher(t, engine)

	t1 := newFakeTransport()
	t2 := newFakeTransport()
	_, err := reg.Connect("ext-1", t1)
	require.NoError(t, err)
	defer reg.Disconnect("ext-1")
	_, err = reg.Connect("ext-2", t2)
	require.NoError(t, err)
	defer reg.Disconnect("ext-2")

	// ext-2 would win the affinity pick; the explicit id overrides it.
	reg.UpdateURL("ext-2", "https://sei.tjsp.jus.br/sei/controlador.php")

	done := make(chan struct{})
	var result *schemas.CallToolResult
	go func() {
		defer close(done)
		args := statusArgs()
		args["session_id"] = "ext-1"
		result, err = d.CallTool(context.Background(), schemas.ToolGetStatus, args)
	}()

	cmd := t1.nextCommand(t)
	assert.Equal(t, schemas.ToolGetStatus, cmd.Action)
	assert.Equal(t, "ext-1", cmd.SessionID)
	assert.NotContains(t, cmd.Params, "session_id")

	d.Resolve(schemas.ResponseMessage{
		Type:    schemas.MessageTypeResponse,
		ID:      cmd.ID,
		Success: true,
		Result:  json.RawMessage(`{"status":"aberto"}`),
	})

	<-done
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, 0, engine.callCount())
}

func TestCommandFrame_WireShape(t *testing.T) {
	d, reg, _ := newDispatcher(t, &fakeEngine{})

	transport := newFakeTransport()
	_, err := reg.Connect("ext-1", transport)
	require.NoError(t, err)
	defer reg.Disconnect("ext-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.CallTool(context.Background(), schemas.ToolNavigate, map[string]interface{}{
			"url": "https://sei.tjsp.jus.br/sei",
		})
	}()

	var frame map[string]interface{}
	deadline := time.After(2 * time.Second)
	for frame == nil {
		select {
		case raw := <-transport.frames:
			var decoded map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &decoded))
			if decoded["type"] == schemas.MessageTypeCommand {
				frame = decoded
			}
		case <-deadline:
			t.Fatal("no command frame received")
		}
	}

	assert.Contains(t, frame, "params")
	assert.Contains(t, frame, "session_id")
	assert.NotContains(t, frame, "arguments")
	assert.Equal(t, "ext-1", frame["session_id"])

	d.Resolve(schemas.ResponseMessage{
		Type:    schemas.MessageTypeResponse,
		ID:      frame["id"].(string),
		Success: true,
	})
	<-done
}

func TestCallTool_CacheHitIsTaggedCopy(t *testing.T) {
	engine := &fakeEngine{}
	d, _, _ := newDispatcher(t, engine)
	ctx := context.Background()

	args := map[string]interface{}{"query": "licitacao"}
	first, err := d.CallTool(ctx, schemas.ToolSearchProcess, args)
	require.NoError(t, err)
	for _, block := range first.Content {
		assert.NotEqual(t, "[resultado em cache]", block.Text)
	}

	second, err := d.CallTool(ctx, schemas.ToolSearchProcess, args)
	require.NoError(t, err)
	require.NotEmpty(t, second.Content)
	assert.Equal(t, "[resultado em cache]", second.Content[len(second.Content)-1].Text)

	// Mutating a served hit must not poison the stored entry.
	second.Content[0].Text = "corrompido"
	third, err := d.CallTool(ctx, schemas.ToolSearchProcess, args)
	require.NoError(t, err)
	assert.Equal(t, first.Content[0].Text, third.Content[0].Text)

	assert.Equal(t, 1, engine.callCount())
}

func TestCallTool_NoSessionAndNoAutomation(t *testing.T) {
	d, _ := newExtensionOnlyDispatcher(t, 250*time.Millisecond)

	_, err := d.CallTool(context.Background(), schemas.ToolGetStatus, statusArgs())
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrBackendUnavailable)
	// The remediation path is spelled out for the client.
	assert.Contains(t, err.Error(), schemas.ToolWaitForExtension)
	assert.Equal(t, 0, d.PendingCount())
}

func TestCallTool_FailedWriteStillClearsCache(t *testing.T) {
	engine := &fakeEngine{}
	d, _, _ := newDispatcher(t, engine)
	ctx := context.Background()

	_, err := d.CallTool(ctx, schemas.ToolGetStatus, statusArgs())
	require.NoError(t, err)

	// The signature attempt dies mid-flight. The purge happens before
	// execution, so the stale status entry is already gone.
	engine.err = errors.New("assinatura interrompida")
	_, err = d.CallTool(ctx, schemas.ToolSignDocument, map[string]interface{}{
		"document_id": "0012345",
		"password":    "s3nha",
	})
	require.Error(t, err)
	engine.err = nil

	_, err = d.CallTool(ctx, schemas.ToolGetStatus, statusArgs())
	require.NoError(t, err)

	count := 0
	engine.mu.Lock()
	for _, c := range engine.calls {
		if c == schemas.ToolGetStatus {
			count++
		}
	}
	engine.mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestCallTool_SearchAndOpenIncludeDocuments(t *testing.T) {
	searchPayload := `{"results":[{"process_number":"1001234-56.2024.8.26.0100"}]}`
	docsPayload := `{"documents":[{"id":"0012345","label":"Despacho 12"}],"count":1}`
	engine := &fakeEngine{results: map[string]*schemas.CallToolResult{
		schemas.ToolSearchProcess: schemas.TextResult(searchPayload),
		schemas.ToolOpenProcess:   schemas.TextResult(`{"opened":true}`),
		schemas.ToolListDocuments: schemas.TextResult(docsPayload),
	}}
	d, _, _ := newDispatcher(t, engine)

	result, err := d.CallTool(context.Background(), schemas.ToolSearchAndOpen, map[string]interface{}{
		"query":             "1001234-56.2024.8.26.0100",
		"include_documents": true,
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Despacho 12")

	engine.mu.Lock()
	assert.Equal(t, []string{
		schemas.ToolSearchProcess,
		schemas.ToolOpenProcess,
		schemas.ToolListDocuments,
	}, engine.calls)
	engine.mu.Unlock()
}

func TestCallTool_SearchAndOpenDocumentListingFailureTolerated(t *testing.T) {
	engine := &fakeEngine{results: map[string]*schemas.CallToolResult{
		schemas.ToolSearchProcess: schemas.TextResult(`{"results":[{"process_number":"1001234-56.2024.8.26.0100"}]}`),
		schemas.ToolOpenProcess:   schemas.TextResult(`{"opened":true}`),
		schemas.ToolListDocuments: schemas.ErrorResult("arvore indisponivel"),
	}}
	d, _, _ := newDispatcher(t, engine)

	result, err := d.CallTool(context.Background(), schemas.ToolSearchAndOpen, map[string]interface{}{
		"query":             "1001234-56.2024.8.26.0100",
		"include_documents": true,
	})
	require.NoError(t, err)
	// The process still opened; the listing failure rides along as a note.
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "opened")
	assert.Contains(t, result.Content[0].Text, "arvore indisponivel")
}

func TestCallTool_SearchAndOpenNoResults(t *testing.T) {
	engine := &fakeEngine{results: map[string]*schemas.CallToolResult{
		schemas.ToolSearchProcess: schemas.TextResult(`{"results":[]}`),
	}}
	d, _, _ := newDispatcher(t, engine)

	result, err := d.CallTool(context.Background(), schemas.ToolSearchAndOpen, map[string]interface{}{
		"query": "inexistente",
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
