// File: internal/automation/snapshot_test.go
package automation

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanSnapshot_DropsNoiseLines(t *testing.T) {
	raw := strings.Join([]string{
		`heading "Processo 0001234-56.2026.8.26.0000"`,
		`link ""`,
		`text "|"`,
		`image "Separador de menu"`,
		`link "Despacho 12345"`,
	}, "\n")

	want := strings.Join([]string{
		`heading "Processo 0001234-56.2026.8.26.0000"`,
		`link "Despacho 12345"`,
	}, "\n")
	if diff := cmp.Diff(want, cleanSnapshot(raw)); diff != "" {
		t.Errorf("cleanSnapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanSnapshot_CompressesSignatureStamps(t *testing.T) {
	raw := strings.Join([]string{
		`text "Conteudo do despacho"`,
		`text "Documento assinado eletronicamente por Maria Silva"`,
		`text "Documento assinado eletronicamente por Joao Souza"`,
		`text "Documento assinado eletronicamente por Ana Lima"`,
		`link "Proximo documento"`,
	}, "\n")

	cleaned := cleanSnapshot(raw)
	assert.Contains(t, cleaned, "[3 assinaturas eletronicas]")
	assert.NotContains(t, cleaned, "Maria Silva")
	// Only one compressed marker, and ordering is preserved.
	assert.Equal(t, 1, strings.Count(cleaned, "assinaturas eletronicas"))
	sigIdx := strings.Index(cleaned, "assinaturas")
	linkIdx := strings.Index(cleaned, "Proximo documento")
	assert.Less(t, sigIdx, linkIdx)
}

func TestTruncateAtNewline(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		assert.Equal(t, "abc\ndef", truncateAtNewline("abc\ndef", 100))
	})

	t.Run("cuts at line boundary", func(t *testing.T) {
		text := strings.Repeat("linha de conteudo\n", 50)
		out := truncateAtNewline(text, 100)
		require.Contains(t, out, "[... snapshot truncado ...]")

		body := strings.TrimSuffix(out, "\n[... snapshot truncado ...]")
		// Every surviving line must be whole.
		for _, line := range strings.Split(body, "\n") {
			assert.Equal(t, "linha de conteudo", line)
		}
	})

	t.Run("no newline before limit still cuts", func(t *testing.T) {
		text := strings.Repeat("x", 200)
		out := truncateAtNewline(text, 100)
		assert.LessOrEqual(t, len(out), 100+len("\n[... snapshot truncado ...]"))
	})
}

func TestSnapshotWalkerTemplate(t *testing.T) {
	for _, includeHidden := range []bool{true, false} {
		js := fmt.Sprintf(snapshotJS, includeHidden)
		assert.Contains(t, js, fmt.Sprintf("const includeHidden = %t;", includeHidden))
		// A stray verb in the template would leave a %! marker behind.
		assert.NotContains(t, js, "%!")
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"query":     "12345",
		"keep_open": true,
		"limit":     float64(10),
	}

	assert.Equal(t, "12345", argString(args, "query"))
	assert.Equal(t, "", argString(args, "missing"))
	assert.Equal(t, "", argString(args, "limit"))
	assert.True(t, argBool(args, "keep_open"))
	assert.False(t, argBool(args, "missing"))
}

func TestJSONResult(t *testing.T) {
	result, err := jsonResult(map[string]interface{}{"opened": true, "process_number": "123"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Contains(t, result.Content[0].Text, `"process_number": "123"`)
	assert.False(t, result.IsError)
}

func TestResilienceRequest(t *testing.T) {
	req := resilienceRequest("click", "#botao", "botao de salvar")
	assert.Equal(t, "click.#botao", req.ContextKey)
	assert.Equal(t, []string{"#botao"}, req.Selectors)
	assert.Equal(t, "botao de salvar", req.Description)
}
