// File: internal/automation/tools.go
package automation

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonResult marshals v into a single text content block.
func jsonResult(v interface{}) (*schemas.CallToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling tool result: %w", err)
	}
	return schemas.TextResult(string(payload)), nil
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// argInt reads a numeric argument, which JSON decodes as float64.
func argInt(args map[string]interface{}, key string, fallback int) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return fallback
}

// -- Authentication --

func (s *Session) login(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	username := argString(args, "username")
	password := argString(args, "password")
	orgao := argString(args, "orgao")

	url := argString(args, "url")
	if url == "" {
		url = s.seiURL("/sei")
	}
	if err := s.navigateTo(ctx, url); err != nil {
		return nil, err
	}

	if err := s.locator.Fill(ctx, s.page, loginUserField, username); err != nil {
		return nil, err
	}
	if err := s.locator.Fill(ctx, s.page, loginPasswordField, password); err != nil {
		return nil, err
	}
	if orgao != "" {
		if err := s.locator.Select(ctx, s.page, loginUnitSelect, orgao); err != nil {
			return nil, err
		}
	}
	if err := s.locator.Click(ctx, s.page, loginSubmitButton); err != nil {
		return nil, err
	}

	// The main menu appearing is the login success signal.
	if _, err := s.locator.Locate(ctx, s.page, menuRoot); err != nil {
		return nil, fmt.Errorf("login did not reach the SEI home screen: %w", err)
	}

	s.loggedIn = true
	s.user = username
	s.currentProcess = ""
	s.logger.Info("SEI login succeeded.", zap.String("user", username))

	return jsonResult(map[string]interface{}{
		"success": true,
		"user":    username,
		"message": "Login realizado com sucesso",
	})
}

func (s *Session) logout(ctx context.Context) error {
	if !s.loggedIn {
		return nil
	}
	if err := s.locator.Click(ctx, s.page, logoutLink); err != nil {
		return err
	}
	s.loggedIn = false
	s.user = ""
	s.currentProcess = ""
	return nil
}

// -- Process Search & Navigation --

// searchResultsJS scrapes the quick-search result table. Returns null
// when the page is not a result listing (single-hit searches jump
// straight to the process). The %d slot caps the row count.
const searchResultsJS = `(function() {
	const rows = document.querySelectorAll('table.infraTable tr.infraTrClara, table.infraTable tr.infraTrEscura');
	if (!rows.length) return null;
	const results = [];
	for (const row of rows) {
		if (results.length >= %d) break;
		const link = row.querySelector('a.protocoloAberto, a.protocoloNormal, a[href*="procedimento_trabalhar"]');
		if (!link) continue;
		const cells = row.querySelectorAll('td');
		results.push({
			process_number: link.innerText.trim(),
			description: cells.length > 1 ? cells[cells.length - 1].innerText.trim().slice(0, 120) : ''
		});
	}
	return results;
})()`

func (s *Session) searchProcess(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	if err := s.requireLogin(); err != nil {
		return nil, err
	}
	query := argString(args, "query")
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", schemas.ErrInvalidArguments)
	}
	limit := argInt(args, "limit", 10)

	selector, err := s.locator.Locate(ctx, s.page, quickSearchField)
	if err != nil {
		return nil, err
	}
	if err := s.page.Fill(ctx, selector, query); err != nil {
		return nil, err
	}
	// The quick search submits on Enter.
	if err := s.page.run(ctx, chromedp.SendKeys(selector, "\r", chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("submitting quick search: %w", err)
	}
	if err := s.page.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("waiting for search results: %w", err)
	}

	// A single hit navigates directly into the process screen.
	url, err := s.page.URL(ctx)
	if err != nil {
		return nil, err
	}
	if strings.Contains(url, "procedimento_trabalhar") {
		s.currentProcess = query
		return jsonResult(map[string]interface{}{
			"query":   query,
			"results": []map[string]interface{}{{"process_number": query, "opened": true}},
			"count":   1,
		})
	}

	var results []map[string]interface{}
	if err := s.page.run(ctx, chromedp.Evaluate(fmt.Sprintf(searchResultsJS, limit), &results)); err != nil {
		return nil, fmt.Errorf("scraping search results: %w", err)
	}
	return jsonResult(map[string]interface{}{
		"query":   query,
		"results": results,
		"count":   len(results),
	})
}

func (s *Session) openProcess(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	if err := s.requireLogin(); err != nil {
		return nil, err
	}
	number := argString(args, "process_number")
	if number == "" {
		return nil, fmt.Errorf("%w: process_number is required", schemas.ErrInvalidArguments)
	}

	// Already sitting on this process: skip the round trip.
	if s.currentProcess == number {
		return jsonResult(map[string]interface{}{
			"process_number": number,
			"opened":         true,
			"already_open":   true,
		})
	}

	if err := s.ensureProcess(ctx, number); err != nil {
		return nil, err
	}
	return jsonResult(map[string]interface{}{
		"process_number": number,
		"opened":         true,
	})
}

// ensureProcess makes number the current process, navigating to it when
// a different one (or none) is open. An empty number keeps whatever is
// current and fails when nothing is.
func (s *Session) ensureProcess(ctx context.Context, number string) error {
	if number == "" {
		if s.currentProcess == "" {
			return fmt.Errorf("%w: no process is open", schemas.ErrInvalidArguments)
		}
		return nil
	}
	if s.currentProcess == number {
		return nil
	}

	selector, err := s.locator.Locate(ctx, s.page, quickSearchField)
	if err != nil {
		return err
	}
	if err := s.page.Fill(ctx, selector, number); err != nil {
		return err
	}
	if err := s.page.run(ctx, chromedp.SendKeys(selector, "\r", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("submitting process number: %w", err)
	}

	// An exact protocol number lands on the process screen with the
	// document tree frame present.
	if _, err := s.locator.Locate(ctx, s.page, processTree); err != nil {
		return fmt.Errorf("process %s did not open: %w", number, err)
	}

	s.currentProcess = number
	s.logger.Info("Process opened.", zap.String("process", number))
	return nil
}

// -- Documents --

// treeDocumentsJS lists document nodes from the process tree frame.
const treeDocumentsJS = `function(doc) {
	const docs = [];
	for (const a of doc.querySelectorAll('a[id^="anchor"]')) {
		const label = (a.innerText || '').trim();
		if (!label) continue;
		const href = a.getAttribute('href') || '';
		const match = href.match(/id_documento=(\d+)/);
		docs.push({
			id: match ? match[1] : a.id.replace('anchor', ''),
			label: label
		});
		if (docs.length >= 100) break;
	}
	return docs;
}`

func (s *Session) listDocuments(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	if err := s.requireLogin(); err != nil {
		return nil, err
	}
	if err := s.ensureProcess(ctx, argString(args, "process_number")); err != nil {
		return nil, err
	}

	var docs []map[string]interface{}
	if err := s.evalInFrame(ctx, frameTree, treeDocumentsJS, &docs); err != nil {
		return nil, err
	}

	// The first tree node is the process itself, not a document.
	if len(docs) > 0 && strings.Contains(docs[0]["label"].(string), s.currentProcess) {
		docs = docs[1:]
	}
	return jsonResult(map[string]interface{}{
		"process_number": s.currentProcess,
		"documents":      docs,
		"count":          len(docs),
	})
}

// clickInFrameJS clicks the first element matching any of the candidate
// selectors inside a frame document.
const clickInFrameJS = `function(doc) {
	const selectors = %s;
	for (const sel of selectors) {
		const el = doc.querySelector(sel);
		if (el) { el.click(); return sel; }
	}
	return null;
}`

// clickInFrame tries the candidate selectors inside frameID and reports
// which one matched.
func (s *Session) clickInFrame(ctx context.Context, frameID string, selectors []string) (string, error) {
	encoded, err := json.Marshal(selectors)
	if err != nil {
		return "", err
	}
	var matched *string
	if err := s.evalInFrame(ctx, frameID, fmt.Sprintf(clickInFrameJS, encoded), &matched); err != nil {
		return "", err
	}
	if matched == nil {
		return "", fmt.Errorf("%w: none of %v matched in frame %s", schemas.ErrElementNotLocated, selectors, frameID)
	}
	return *matched, nil
}

// setValueInFrameJS fills the first matching field inside a frame.
const setValueInFrameJS = `function(doc) {
	const selectors = %s;
	for (const sel of selectors) {
		const el = doc.querySelector(sel);
		if (el) {
			el.value = %s;
			el.dispatchEvent(new Event('input', { bubbles: true }));
			el.dispatchEvent(new Event('change', { bubbles: true }));
			return sel;
		}
	}
	return null;
}`

func (s *Session) fillInFrame(ctx context.Context, frameID string, selectors []string, value string) error {
	encodedSel, err := json.Marshal(selectors)
	if err != nil {
		return err
	}
	encodedVal, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var matched *string
	js := fmt.Sprintf(setValueInFrameJS, encodedSel, encodedVal)
	if err := s.evalInFrame(ctx, frameID, js, &matched); err != nil {
		return err
	}
	if matched == nil {
		return fmt.Errorf("%w: none of %v matched in frame %s", schemas.ErrElementNotLocated, selectors, frameID)
	}
	return nil
}

func (s *Session) createDocument(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	if err := s.requireLogin(); err != nil {
		return nil, err
	}
	if err := s.ensureProcess(ctx, argString(args, "process_number")); err != nil {
		return nil, err
	}
	docType := argString(args, "document_type")
	if docType == "" {
		return nil, fmt.Errorf("%w: document_type is required", schemas.ErrInvalidArguments)
	}
	description := argString(args, "description")
	content := argString(args, "content")
	nivelAcesso := argString(args, "nivel_acesso")

	// "Incluir Documento" toolbar action inside the view frame.
	if _, err := s.clickInFrame(ctx, frameView, []string{
		"img[title='Incluir Documento']",
		"a[href*='documento_escolher_tipo']",
	}); err != nil {
		return nil, fmt.Errorf("opening document type chooser: %w", err)
	}

	// Filter the series list and pick the requested type.
	if err := s.fillInFrame(ctx, frameView, []string{
		"#txtFiltro", "input[name='txtFiltro']",
	}, docType); err != nil {
		s.logger.Debug("Series filter not found, picking from full list.")
	}

	typeJS := fmt.Sprintf(`function(doc) {
		const wanted = %s;
		for (const a of doc.querySelectorAll('a.ancoraOpcao, #tblSeries a')) {
			if (a.innerText.trim().toLowerCase().includes(wanted.toLowerCase())) {
				a.click();
				return a.innerText.trim();
			}
		}
		return null;
	}`, mustJSON(docType))
	var picked *string
	if err := s.evalInFrame(ctx, frameView, typeJS, &picked); err != nil {
		return nil, err
	}
	if picked == nil {
		return nil, fmt.Errorf("%w: document type %q not offered", schemas.ErrElementNotLocated, docType)
	}

	if description != "" {
		if err := s.fillInFrame(ctx, frameView, []string{
			"#txtDescricao", "input[name='txtDescricao']",
		}, description); err != nil {
			return nil, fmt.Errorf("filling document description: %w", err)
		}
	}

	if nivelAcesso != "" {
		radio, ok := accessLevelRadios[nivelAcesso]
		if !ok {
			return nil, fmt.Errorf("%w: nivel_acesso %q is not one of publico, restrito, sigiloso", schemas.ErrInvalidArguments, nivelAcesso)
		}
		if _, err := s.clickInFrame(ctx, frameView, radio); err != nil {
			return nil, fmt.Errorf("selecting access level: %w", err)
		}
	}

	if _, err := s.clickInFrame(ctx, frameView, []string{
		"#btnSalvar", "button[name='btnSalvar']", "#sbmSalvar",
	}); err != nil {
		return nil, fmt.Errorf("confirming document creation: %w", err)
	}

	// SEI opens the new document's editor; typing the initial text is
	// best effort since some series have no editable body.
	if content != "" {
		if err := s.fillInFrame(ctx, frameView, []string{
			"#txaEditor", "textarea",
		}, content); err != nil {
			s.logger.Debug("Initial content not typed, editor not reachable.", zap.Error(err))
		}
	}

	s.logger.Info("Document created.",
		zap.String("process", s.currentProcess), zap.String("type", *picked))
	return jsonResult(map[string]interface{}{
		"process_number": s.currentProcess,
		"document_type":  *picked,
		"description":    description,
		"created":        true,
	})
}

// accessLevelRadios maps nivel_acesso values to the selector candidates
// for the corresponding radio button on the document form.
var accessLevelRadios = map[string][]string{
	"publico":  {"#optPublico", "input[value='0'][name='rdoNivelAcesso']"},
	"restrito": {"#optRestrito", "input[value='1'][name='rdoNivelAcesso']"},
	"sigiloso": {"#optSigiloso", "input[value='2'][name='rdoNivelAcesso']"},
}

func (s *Session) signDocument(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	if err := s.requireLogin(); err != nil {
		return nil, err
	}
	if s.currentProcess == "" {
		return nil, fmt.Errorf("%w: no process is open", schemas.ErrInvalidArguments)
	}
	documentID := argString(args, "document_id")
	if documentID == "" {
		return nil, fmt.Errorf("%w: document_id is required", schemas.ErrInvalidArguments)
	}
	password := argString(args, "password")
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", schemas.ErrInvalidArguments)
	}

	// Select the document in the tree so the toolbar acts on it.
	if _, err := s.clickInFrame(ctx, frameTree, []string{
		fmt.Sprintf("a[href*='id_documento=%s']", documentID),
		"#anchor" + documentID,
	}); err != nil {
		return nil, fmt.Errorf("selecting document %s in the tree: %w", documentID, err)
	}

	if _, err := s.clickInFrame(ctx, frameView, []string{
		"img[title='Assinar Documento']",
		"a[href*='documento_assinar']",
	}); err != nil {
		return nil, fmt.Errorf("opening signature dialog: %w", err)
	}

	// The signature dialog opens as a top-level modal.
	if err := s.locator.Fill(ctx, s.page, signPasswordField, password); err != nil {
		return nil, err
	}
	if role := argString(args, "role"); role != "" {
		if err := s.locator.Select(ctx, s.page, signRoleSelect, role); err != nil {
			return nil, err
		}
	}
	if err := s.locator.Click(ctx, s.page, signSubmitButton); err != nil {
		return nil, err
	}

	s.logger.Info("Document signed.",
		zap.String("process", s.currentProcess), zap.String("document", documentID))
	return jsonResult(map[string]interface{}{
		"process_number": s.currentProcess,
		"document_id":    documentID,
		"signed":         true,
	})
}

func (s *Session) forwardProcess(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	if err := s.requireLogin(); err != nil {
		return nil, err
	}
	if err := s.ensureProcess(ctx, argString(args, "process_number")); err != nil {
		return nil, err
	}
	unit := argString(args, "target_unit")
	if unit == "" {
		return nil, fmt.Errorf("%w: target_unit is required", schemas.ErrInvalidArguments)
	}
	keepOpen := argBool(args, "keep_open")
	note := argString(args, "note")

	if _, err := s.clickInFrame(ctx, frameView, []string{
		"img[title='Enviar Processo']",
		"a[href*='procedimento_enviar']",
	}); err != nil {
		return nil, fmt.Errorf("opening forward screen: %w", err)
	}

	if err := s.fillInFrame(ctx, frameView, []string{
		"#txtUnidade", "input[name='txtUnidade']",
	}, unit); err != nil {
		return nil, fmt.Errorf("filling destination unit: %w", err)
	}

	if keepOpen {
		if _, err := s.clickInFrame(ctx, frameView, []string{
			"#chkSinManterAberto", "input[name='chkSinManterAberto']",
		}); err != nil {
			return nil, fmt.Errorf("selecting keep-open option: %w", err)
		}
	}

	if note != "" {
		if err := s.fillInFrame(ctx, frameView, []string{
			"#txaObservacao", "textarea[name='txaObservacao']",
		}, note); err != nil {
			return nil, fmt.Errorf("filling forward note: %w", err)
		}
	}

	if _, err := s.clickInFrame(ctx, frameView, []string{
		"#sbmEnviar", "button[name='sbmEnviar']",
	}); err != nil {
		return nil, fmt.Errorf("confirming forward: %w", err)
	}

	s.logger.Info("Process forwarded.",
		zap.String("process", s.currentProcess), zap.String("unit", unit))
	result := map[string]interface{}{
		"process_number": s.currentProcess,
		"forwarded_to":   unit,
		"keep_open":      keepOpen,
	}
	if !keepOpen {
		s.currentProcess = ""
	}
	return jsonResult(result)
}

// -- Status & Inspection --

// statusJS reads the process header strip from the view frame, plus the
// latest history rows when asked for.
const statusJS = `function(doc) {
	const withHistory = %t;
	const header = doc.querySelector('#divArvoreInformacao, #divInformacao');
	const units = [];
	for (const td of doc.querySelectorAll('#tblHistorico td, table.infraTable td')) {
		const text = td.innerText.trim();
		if (text && units.length < 10 && /^[A-Z0-9/-]{2,20}$/.test(text)) units.push(text);
	}
	const status = {
		header: header ? header.innerText.trim().slice(0, 400) : '',
		open_units: units
	};
	if (withHistory) {
		const history = [];
		for (const row of doc.querySelectorAll('#tblHistorico tr, table.infraTable tr')) {
			const text = row.innerText.trim().replace(/\s+/g, ' ');
			if (text && history.length < 20) history.push(text.slice(0, 200));
		}
		status.history = history;
	}
	return status;
}`

func (s *Session) getStatus(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	if err := s.requireLogin(); err != nil {
		return nil, err
	}
	if err := s.ensureProcess(ctx, argString(args, "process_number")); err != nil {
		return nil, err
	}

	includeHistory := true
	if v, ok := args["include_history"].(bool); ok {
		includeHistory = v
	}

	var status map[string]interface{}
	if err := s.evalInFrame(ctx, frameView, fmt.Sprintf(statusJS, includeHistory), &status); err != nil {
		return nil, err
	}
	return jsonResult(map[string]interface{}{
		"process_number": s.currentProcess,
		"status":         status,
	})
}

func (s *Session) screenshot(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	var shot []byte
	var err error
	if argBool(args, "full_page") {
		shot, err = s.page.FullScreenshot(ctx)
	} else {
		shot, err = s.page.Screenshot(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &schemas.CallToolResult{
		Content: schemas.ImageContent(base64.StdEncoding.EncodeToString(shot), "image/jpeg"),
	}, nil
}

func (s *Session) getPageContent(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	maxLength := argInt(args, "max_length", 2000)

	var title, text string
	var url string
	err := s.page.run(ctx,
		chromedp.Title(&title),
		chromedp.Location(&url),
		chromedp.Evaluate(fmt.Sprintf(`(document.body && document.body.innerText || '').slice(0, %d)`, maxLength), &text),
	)
	if err != nil {
		return nil, fmt.Errorf("reading page content: %w", err)
	}
	return jsonResult(map[string]interface{}{
		"title":          title,
		"url":            url,
		"content_length": len(text),
		"excerpt":        text,
	})
}

// -- Generic Interaction --

func (s *Session) navigate(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	url := argString(args, "url")
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", schemas.ErrInvalidArguments)
	}
	if err := s.navigateTo(ctx, url); err != nil {
		return nil, err
	}
	s.currentProcess = ""
	return jsonResult(map[string]interface{}{"url": url, "navigated": true})
}

func (s *Session) click(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	selector := argString(args, "selector")
	if selector == "" {
		return nil, fmt.Errorf("%w: selector is required", schemas.ErrInvalidArguments)
	}
	req := resilienceRequest("click", selector, argString(args, "description"))
	if err := s.locator.Click(ctx, s.page, req); err != nil {
		return nil, err
	}
	return jsonResult(map[string]interface{}{"selector": selector, "clicked": true})
}

func (s *Session) fill(ctx context.Context, args map[string]interface{}) (*schemas.CallToolResult, error) {
	selector := argString(args, "selector")
	value := argString(args, "value")
	if selector == "" {
		return nil, fmt.Errorf("%w: selector is required", schemas.ErrInvalidArguments)
	}
	req := resilienceRequest("fill", selector, argString(args, "description"))
	if err := s.locator.Fill(ctx, s.page, req, value); err != nil {
		return nil, err
	}
	return jsonResult(map[string]interface{}{"selector": selector, "filled": true})
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
