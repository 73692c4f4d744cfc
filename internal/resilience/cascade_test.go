// File: internal/resilience/cascade_test.go
package resilience_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/config"
	"github.com/iudex-br/sei-bridge/internal/resilience"
	"github.com/iudex-br/sei-bridge/internal/selmem"
)

// fakePage serves a fixed set of "visible" selectors.
type fakePage struct {
	visible     map[string]bool
	waits       []string
	clicked     []string
	filled      map[string]string
	screenshots int
}

func newFakePage(visible ...string) *fakePage {
	m := make(map[string]bool, len(visible))
	for _, s := range visible {
		m[s] = true
	}
	return &fakePage{visible: m, filled: make(map[string]string)}
}

func (p *fakePage) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	p.waits = append(p.waits, selector)
	if p.visible[selector] {
		return nil
	}
	return errors.New("timeout waiting for " + selector)
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.clicked = append(p.clicked, selector)
	return nil
}

func (p *fakePage) Fill(_ context.Context, selector, value string) error {
	p.filled[selector] = value
	return nil
}

func (p *fakePage) SelectOption(_ context.Context, selector, value string) error { return nil }

func (p *fakePage) Screenshot(_ context.Context) ([]byte, error) {
	p.screenshots++
	return []byte("jpeg-bytes"), nil
}

func (p *fakePage) InteractiveElements(_ context.Context) (string, error) {
	return "button#novo 'Pesquisar'", nil
}

func (p *fakePage) URL(_ context.Context) (string, error) {
	return "https://sei.example/sei/controlador.php", nil
}

// fakeProposer returns a canned proposal.
type fakeProposer struct {
	selector string
	err      error
	calls    int
}

func (f *fakeProposer) ProposeSelector(_ context.Context, _ []byte, _, _ string) (string, error) {
	f.calls++
	return f.selector, f.err
}

func newLocator(t *testing.T, proposer resilience.SelectorProposer) (*resilience.Locator, *selmem.Store) {
	t.Helper()
	store, err := selmem.NewStore(filepath.Join(t.TempDir(), "selectors.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	cfg := config.ResilienceConfig{
		FailFastTimeout:    50 * time.Millisecond,
		PruneMaxAge:        720 * time.Hour,
		DiagnosticsEnabled: true,
	}
	return resilience.NewLocator(cfg, store, proposer, zaptest.NewLogger(t)), store
}

func TestLocate_DirectSelectorWins(t *testing.T) {
	loc, store := newLocator(t, nil)
	page := newFakePage("#btnAcessar")

	req := resilience.LocateRequest{
		ContextKey: "login",
		Selectors:  []string{"#btnAcessar", "button[name='sbmAcessar']"},
	}
	selector, err := loc.Locate(context.Background(), page, req)
	require.NoError(t, err)
	assert.Equal(t, "#btnAcessar", selector)
	// Only the first candidate should have been probed.
	assert.Equal(t, []string{"#btnAcessar"}, page.waits)
	// A tier-1 hit must not mint a new memory record.
	assert.Zero(t, store.Len())
}

func TestLocate_FallsThroughCandidateList(t *testing.T) {
	loc, _ := newLocator(t, nil)
	page := newFakePage("button[name='sbmAcessar']")

	req := resilience.LocateRequest{
		ContextKey: "login",
		Selectors:  []string{"#btnAcessar", "button[name='sbmAcessar']"},
	}
	selector, err := loc.Locate(context.Background(), page, req)
	require.NoError(t, err)
	assert.Equal(t, "button[name='sbmAcessar']", selector)
}

func TestLocate_MemorizedSelector(t *testing.T) {
	loc, store := newLocator(t, nil)
	// The page has drifted: only the memorized selector matches.
	page := newFakePage("#novoBotao")

	req := resilience.LocateRequest{
		ContextKey: "search",
		Selectors:  []string{"#sbmPesquisar"},
	}
	require.NoError(t, store.Put("sei|search|#sbmPesquisar", "#novoBotao"))

	selector, err := loc.Locate(context.Background(), page, req)
	require.NoError(t, err)
	assert.Equal(t, "#novoBotao", selector)

	// A tier-2 hit promotes the record.
	rec, ok := store.Get("sei|search|#sbmPesquisar")
	require.True(t, ok)
	assert.Equal(t, 2, rec.SuccessCount)
}

func TestLocate_VisionProposalValidatedAndMemorized(t *testing.T) {
	proposer := &fakeProposer{selector: "#gerado"}
	loc, store := newLocator(t, proposer)
	page := newFakePage("#gerado")

	req := resilience.LocateRequest{
		ContextKey:  "documents",
		Description: "botao de novo documento",
		Selectors:   []string{"#antigo"},
	}
	selector, err := loc.Locate(context.Background(), page, req)
	require.NoError(t, err)
	assert.Equal(t, "#gerado", selector)
	assert.Equal(t, 1, proposer.calls)
	assert.Equal(t, 1, page.screenshots)

	rec, ok := store.Get("sei|documents|#antigo")
	require.True(t, ok)
	assert.Equal(t, "#gerado", rec.Selector)
}

func TestLocate_VisionProposalFailsValidation(t *testing.T) {
	// The model hallucinates a selector the page does not have.
	proposer := &fakeProposer{selector: "#fantasma"}
	loc, store := newLocator(t, proposer)
	page := newFakePage()

	req := resilience.LocateRequest{
		ContextKey:  "documents",
		Description: "botao inexistente",
		Selectors:   []string{"#antigo"},
	}
	_, err := loc.Locate(context.Background(), page, req)
	require.Error(t, err)
	assert.True(t, resilience.IsNotLocated(err))
	// Hallucinations must never be memorized.
	assert.Zero(t, store.Len())
}

func TestLocate_ExhaustedReturnsDiagnostics(t *testing.T) {
	loc, _ := newLocator(t, nil)
	page := newFakePage()

	req := resilience.LocateRequest{
		ContextKey: "status",
		Selectors:  []string{"#a", "#b"},
	}
	_, err := loc.Locate(context.Background(), page, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrElementNotLocated)

	var locErr *resilience.LocateError
	require.True(t, errors.As(err, &locErr))
	require.NotNil(t, locErr.Diagnostics)
	assert.NotEmpty(t, locErr.Diagnostics.ScreenshotB64)
	assert.Contains(t, locErr.Diagnostics.URL, "controlador.php")
}

func TestClickAndFill_UseLocatedSelector(t *testing.T) {
	loc, _ := newLocator(t, nil)
	page := newFakePage("#campo", "#botao")

	err := loc.Fill(context.Background(), page,
		resilience.LocateRequest{ContextKey: "login", Selectors: []string{"#campo"}}, "usuario")
	require.NoError(t, err)
	assert.Equal(t, "usuario", page.filled["#campo"])

	err = loc.Click(context.Background(), page,
		resilience.LocateRequest{ContextKey: "login", Selectors: []string{"#botao"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"#botao"}, page.clicked)
}

func TestLocate_ContextCancellation(t *testing.T) {
	loc, _ := newLocator(t, nil)
	page := newFakePage()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loc.Locate(ctx, page, resilience.LocateRequest{
		ContextKey: "login",
		Selectors:  []string{"#a"},
	})
	assert.ErrorIs(t, err, context.Canceled)
}
