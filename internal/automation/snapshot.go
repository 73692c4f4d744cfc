// File: internal/automation/snapshot.go
package automation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/iudex-br/sei-bridge/api/schemas"
)

// maxSnapshotLen caps the text handed back to the model. Truncation
// always happens at a line boundary so no half element survives.
const maxSnapshotLen = 8000

// snapshotJS walks a document and emits one indented line per meaningful
// node, close to an accessibility tree dump. The %t slot controls
// whether hidden elements are walked.
const snapshotJS = `function(doc) {
	const includeHidden = %t;
	const lines = [];
	const emit = (depth, text) => {
		if (lines.length < 400) lines.push('  '.repeat(depth) + text);
	};
	const describe = (el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === 'a') return 'link "' + (el.innerText || '').trim().slice(0, 80) + '"';
		if (tag === 'button') return 'button "' + (el.innerText || el.value || '').trim().slice(0, 80) + '"';
		if (tag === 'input') {
			const type = el.getAttribute('type') || 'text';
			if (type === 'hidden') return null;
			return 'input[' + type + '] "' + (el.value || el.getAttribute('placeholder') || '').slice(0, 60) + '"';
		}
		if (tag === 'select') return 'select "' + (el.options[el.selectedIndex] ? el.options[el.selectedIndex].text : '') + '"';
		if (tag === 'img') return el.getAttribute('title') ? 'image "' + el.getAttribute('title') + '"' : null;
		if (/^h[1-6]$/.test(tag)) return 'heading "' + (el.innerText || '').trim().slice(0, 100) + '"';
		if (tag === 'td' || tag === 'th' || tag === 'label' || tag === 'span' || tag === 'p') {
			const text = (el.innerText || '').trim();
			if (text && el.children.length === 0) return 'text "' + text.slice(0, 100) + '"';
		}
		return null;
	};
	const walk = (node, depth) => {
		if (!node || lines.length >= 400) return;
		for (const el of node.children) {
			const style = el.ownerDocument.defaultView.getComputedStyle(el);
			if (!includeHidden && (style.display === 'none' || style.visibility === 'hidden')) continue;
			const line = describe(el);
			if (line) emit(depth, line);
			walk(el, line ? depth + 1 : depth);
		}
	};
	walk(doc.body, 0);
	return lines.join('\n');
}`

// noisePatterns drop decorative lines the model gains nothing from.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(link|text) ""\s*$`),
	regexp.MustCompile(`^\s*image "(Separador|Espacador|Linha)`),
	regexp.MustCompile(`^\s*text "[|•·]+"\s*$`),
}

// signatureLine matches the repeated signature stamps SEI appends to
// every document view.
var signatureLine = regexp.MustCompile(`(?i)^\s*text "documento assinado eletronicamente`)

// cleanSnapshot drops noise lines and compresses consecutive signature
// stamps into a single marker.
func cleanSnapshot(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	signatures := 0

	flushSignatures := func() {
		if signatures == 0 {
			return
		}
		cleaned = append(cleaned, fmt.Sprintf("text [%d assinaturas eletronicas]", signatures))
		signatures = 0
	}

	for _, line := range lines {
		if signatureLine.MatchString(line) {
			signatures++
			continue
		}
		flushSignatures()

		noisy := false
		for _, pattern := range noisePatterns {
			if pattern.MatchString(line) {
				noisy = true
				break
			}
		}
		if !noisy && strings.TrimSpace(line) != "" {
			cleaned = append(cleaned, line)
		}
	}
	flushSignatures()
	return strings.Join(cleaned, "\n")
}

// truncateAtNewline cuts text to at most limit bytes, backing up to the
// previous newline and appending a marker.
func truncateAtNewline(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := strings.LastIndexByte(text[:limit], '\n')
	if cut <= 0 {
		cut = limit
	}
	return text[:cut] + "\n[... snapshot truncado ...]"
}

func (s *Session) snapshot(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	scope := argString(args, "scope")
	if scope == "" {
		scope = schemas.SnapshotScopeFull
	}
	maxLen := argInt(args, "max_length", maxSnapshotLen)
	walkerJS := fmt.Sprintf(snapshotJS, argBool(args, "include_hidden"))

	var parts []string
	capture := func(name, frameID string) error {
		var dump string
		if frameID == "" {
			js := fmt.Sprintf(`(%s)(document)`, walkerJS)
			if err := s.page.run(ctx, chromedp.Evaluate(js, &dump)); err != nil {
				return fmt.Errorf("capturing %s snapshot: %w", name, err)
			}
		} else {
			if err := s.evalInFrame(ctx, frameID, walkerJS, &dump); err != nil {
				return err
			}
		}
		if dump != "" {
			parts = append(parts, "== "+name+" ==\n"+dump)
		}
		return nil
	}

	switch scope {
	case schemas.SnapshotScopeTree:
		if err := capture("arvore", frameTree); err != nil {
			return nil, err
		}
	case schemas.SnapshotScopeView:
		if err := capture("visualizacao", frameView); err != nil {
			return nil, err
		}
	case schemas.SnapshotScopeMain:
		if err := capture("principal", ""); err != nil {
			return nil, err
		}
	case schemas.SnapshotScopeFull:
		if err := capture("principal", ""); err != nil {
			return nil, err
		}
		// Frame captures are best effort: outside a process screen the
		// frames simply do not exist.
		_ = capture("arvore", frameTree)
		_ = capture("visualizacao", frameView)
	default:
		return nil, fmt.Errorf("%w: unknown snapshot scope %q", schemas.ErrInvalidArguments, scope)
	}

	text := cleanSnapshot(strings.Join(parts, "\n\n"))
	return schemas.TextResult(truncateAtNewline(text, maxLen)), nil
}
