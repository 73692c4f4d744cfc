// File: internal/catalog/catalog.go
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/cache"
)

// Definition is one bridge tool: its wire descriptor plus the routing
// and caching flags the dispatcher keys on.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// Required argument names, validated before dispatch.
	Required []string

	// LocalOnly tools never leave the server process.
	LocalOnly bool
	// Composite tools orchestrate other tools instead of mapping to one
	// backend command.
	Composite bool
	// CacheFamily marks the tool's results cacheable under that family.
	CacheFamily string
	// Invalidates lists the families a successful call stales.
	Invalidates []string
}

// Descriptor returns the tools/list wire shape.
func (d Definition) Descriptor() schemas.ToolDescriptor {
	return schemas.ToolDescriptor{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.InputSchema,
	}
}

// Cacheable reports whether results of this tool may be cached.
func (d Definition) Cacheable() bool {
	return d.CacheFamily != ""
}

// ValidateArguments checks required argument presence.
func (d Definition) ValidateArguments(args map[string]interface{}) error {
	for _, name := range d.Required {
		v, ok := args[name]
		if !ok {
			return fmt.Errorf("%w: missing required argument %q", schemas.ErrInvalidArguments, name)
		}
		if s, isString := v.(string); isString && s == "" {
			return fmt.Errorf("%w: argument %q must not be empty", schemas.ErrInvalidArguments, name)
		}
	}
	return nil
}

var tools = []Definition{
	{
		Name:        schemas.ToolLogin,
		Description: "Autentica no SEI com usuario e senha. Deve ser chamado antes das demais operacoes quando nao ha extensao conectada.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL base da instalacao do SEI"},"username":{"type":"string","description":"Usuario do SEI"},"password":{"type":"string","description":"Senha do SEI"},"orgao":{"type":"string","description":"Orgao ou unidade (opcional)"}},"required":["url","username","password"]}`),
		Required:    []string{"url", "username", "password"},
		Invalidates: []string{cache.FamilySearch, cache.FamilyDocuments, cache.FamilyStatus},
	},
	{
		Name:        schemas.ToolSearchProcess,
		Description: "Pesquisa processos pelo numero de protocolo ou texto livre e retorna a lista de resultados.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Numero do processo ou termo de pesquisa"},"type":{"type":"string","enum":["numero","texto","interessado","assunto"],"default":"numero","description":"Tipo de pesquisa"},"limit":{"type":"integer","default":10,"description":"Numero maximo de resultados"}},"required":["query"]}`),
		Required:    []string{"query"},
		CacheFamily: cache.FamilySearch,
	},
	{
		Name:        schemas.ToolOpenProcess,
		Description: "Abre um processo pelo numero de protocolo, tornando-o o processo corrente.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"process_number":{"type":"string","description":"Numero completo do processo"}},"required":["process_number"]}`),
		Required:    []string{"process_number"},
	},
	{
		Name:        schemas.ToolSearchAndOpen,
		Description: "Pesquisa um processo e abre o primeiro resultado em uma unica operacao. Pode listar os documentos do processo aberto.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Numero do processo ou termo de pesquisa"},"type":{"type":"string","enum":["numero","texto","interessado","assunto"],"default":"numero","description":"Tipo de pesquisa"},"include_documents":{"type":"boolean","default":false,"description":"Incluir a lista de documentos do processo aberto"}},"required":["query"]}`),
		Required:    []string{"query"},
		Composite:   true,
	},
	{
		Name:        schemas.ToolListDocuments,
		Description: "Lista os documentos da arvore de um processo. Sem numero, usa o processo corrente.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"process_number":{"type":"string","description":"Numero do processo (opcional, usa o corrente)"}}}`),
		CacheFamily: cache.FamilyDocuments,
	},
	{
		Name:        schemas.ToolCreateDocument,
		Description: "Inclui um novo documento em um processo.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"process_number":{"type":"string","description":"Numero do processo"},"document_type":{"type":"string","description":"Tipo (serie) do documento, ex: Despacho"},"content":{"type":"string","description":"Texto inicial do documento (opcional)"},"description":{"type":"string","description":"Descricao do documento (opcional)"},"nivel_acesso":{"type":"string","enum":["publico","restrito","sigiloso"],"description":"Nivel de acesso (opcional)"}},"required":["process_number","document_type"]}`),
		Required:    []string{"process_number", "document_type"},
		Invalidates: []string{cache.FamilyDocuments, cache.FamilyStatus},
	},
	{
		Name:        schemas.ToolSignDocument,
		Description: "Assina eletronicamente um documento do processo corrente.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"document_id":{"type":"string","description":"Numero SEI do documento a assinar"},"password":{"type":"string","description":"Senha de assinatura"},"role":{"type":"string","description":"Cargo ou funcao (opcional)"}},"required":["document_id","password"]}`),
		Required:    []string{"document_id", "password"},
		Invalidates: []string{cache.FamilyDocuments, cache.FamilyStatus},
	},
	{
		Name:        schemas.ToolForwardProcess,
		Description: "Envia um processo para outra unidade.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"process_number":{"type":"string","description":"Numero do processo"},"target_unit":{"type":"string","description":"Sigla da unidade de destino"},"keep_open":{"type":"boolean","description":"Manter o processo aberto na unidade atual"},"note":{"type":"string","description":"Anotacao do envio (opcional)"}},"required":["process_number","target_unit"]}`),
		Required:    []string{"process_number", "target_unit"},
		Invalidates: []string{cache.FamilySearch, cache.FamilyDocuments, cache.FamilyStatus},
	},
	{
		Name:        schemas.ToolGetStatus,
		Description: "Retorna a situacao de um processo: cabecalho, unidades em que esta aberto e andamentos.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"process_number":{"type":"string","description":"Numero do processo"},"include_history":{"type":"boolean","default":true,"description":"Incluir o historico de andamentos"}},"required":["process_number"]}`),
		Required:    []string{"process_number"},
		CacheFamily: cache.FamilyStatus,
	},
	{
		Name:        schemas.ToolScreenshot,
		Description: "Captura a tela atual do SEI como imagem JPEG.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"full_page":{"type":"boolean","default":false,"description":"Capturar a pagina inteira em vez da area visivel"}}}`),
	},
	{
		Name:        schemas.ToolSnapshot,
		Description: "Retorna uma representacao textual da pagina atual. O escopo pode ser full, tree, view ou main.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"scope":{"type":"string","enum":["full","tree","view","main"],"description":"Parte da tela a capturar"},"max_length":{"type":"integer","description":"Tamanho maximo do texto retornado"},"include_hidden":{"type":"boolean","default":false,"description":"Incluir elementos ocultos"}}}`),
	},
	{
		Name:        schemas.ToolNavigate,
		Description: "Navega o navegador gerenciado para uma URL.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL de destino"}},"required":["url"]}`),
		Required:    []string{"url"},
		Invalidates: []string{cache.FamilySearch, cache.FamilyDocuments, cache.FamilyStatus},
	},
	{
		Name:        schemas.ToolClick,
		Description: "Clica em um elemento da pagina identificado por seletor CSS.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"selector":{"type":"string","description":"Seletor CSS do elemento"},"description":{"type":"string","description":"Descricao do elemento para recuperacao visual (opcional)"}},"required":["selector"]}`),
		Required:    []string{"selector"},
		Invalidates: []string{cache.FamilySearch, cache.FamilyDocuments, cache.FamilyStatus},
	},
	{
		Name:        schemas.ToolFill,
		Description: "Preenche um campo da pagina identificado por seletor CSS.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"selector":{"type":"string","description":"Seletor CSS do campo"},"value":{"type":"string","description":"Valor a preencher"},"description":{"type":"string","description":"Descricao do campo para recuperacao visual (opcional)"}},"required":["selector","value"]}`),
		Required:    []string{"selector", "value"},
	},
	{
		Name:        schemas.ToolGetPageContent,
		Description: "Retorna titulo, URL e um trecho do texto da pagina atual.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"max_length":{"type":"integer","description":"Tamanho maximo do texto retornado"}}}`),
	},
	{
		Name:        schemas.ToolOpenURL,
		Description: "Abre uma URL no navegador padrao da maquina onde o servidor roda.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL a abrir"}},"required":["url"]}`),
		Required:    []string{"url"},
		LocalOnly:   true,
	},
	{
		Name:        schemas.ToolWaitForExtension,
		Description: "Aguarda uma extensao de navegador conectar ao servidor, ate o tempo limite. Pode abrir uma URL para o usuario conectar.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"timeout_seconds":{"type":"number","description":"Tempo maximo de espera em segundos"},"open_url":{"type":"string","description":"URL a abrir no navegador enquanto aguarda (opcional)"}}}`),
		LocalOnly:   true,
	},
	{
		Name:        schemas.ToolConnectionStatus,
		Description: "Retorna as sessoes de extensao conectadas e o estado do servidor.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		LocalOnly:   true,
	},
}

// routingProperties are accepted by every tool that leaves the server
// process: session_id pins the extension session, timeout_ms overrides
// the command timeout.
var routingProperties = map[string]json.RawMessage{
	"session_id": json.RawMessage(`{"type":"string","description":"Sessao de extensao que deve executar o comando (opcional)"}`),
	"timeout_ms": json.RawMessage(`{"type":"number","description":"Tempo limite do comando em milissegundos (opcional)"}`),
}

// withRoutingProperties merges the routing arguments into a tool's
// input schema.
func withRoutingProperties(schema json.RawMessage) json.RawMessage {
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(schema, &decoded); err != nil {
		return schema
	}
	props := map[string]json.RawMessage{}
	if raw, ok := decoded["properties"]; ok {
		if err := json.Unmarshal(raw, &props); err != nil {
			return schema
		}
	}
	for name, prop := range routingProperties {
		props[name] = prop
	}
	mergedProps, err := json.Marshal(props)
	if err != nil {
		return schema
	}
	decoded["properties"] = mergedProps
	merged, err := json.Marshal(decoded)
	if err != nil {
		return schema
	}
	return merged
}

var byName = func() map[string]Definition {
	m := make(map[string]Definition, len(tools))
	for i, d := range tools {
		if !d.LocalOnly {
			tools[i].InputSchema = withRoutingProperties(d.InputSchema)
		}
		m[d.Name] = tools[i]
	}
	return m
}()

// All returns every tool definition in catalog order.
func All() []Definition {
	out := make([]Definition, len(tools))
	copy(out, tools)
	return out
}

// Get looks a tool up by name.
func Get(name string) (Definition, bool) {
	d, ok := byName[name]
	return d, ok
}

// Descriptors returns the tools/list payload.
func Descriptors() []schemas.ToolDescriptor {
	out := make([]schemas.ToolDescriptor, 0, len(tools))
	for _, d := range tools {
		out = append(out, d.Descriptor())
	}
	return out
}
