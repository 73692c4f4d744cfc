// File: internal/gateway/rpc.go
package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/catalog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonRawMessage mirrors encoding/json.RawMessage; the json identifier
// is taken by the jsoniter instance above.
type jsonRawMessage = []byte

// maxRPCBody caps the request body at 4 MiB; screenshots travel in
// responses, never in requests.
const maxRPCBody = 4 << 20

// handleRPC serves POST /mcp: a single JSON-RPC request or a batch.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		writeJSON(w, http.StatusOK, schemas.NewError(nil, schemas.CodeParseError, "Parse error", nil))
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		writeJSON(w, http.StatusOK, schemas.NewError(nil, schemas.CodeInvalidRequest, "Empty request", nil))
		return
	}

	if trimmed[0] == '[' {
		s.handleBatch(w, r, trimmed)
		return
	}

	var req schemas.JSONRPCRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		writeJSON(w, http.StatusOK, schemas.NewError(nil, schemas.CodeParseError, "Parse error", nil))
		return
	}

	resp := s.handleRequest(r, &req)
	if resp == nil {
		// Notification: acknowledge with no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var batch []schemas.JSONRPCRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		writeJSON(w, http.StatusOK, schemas.NewError(nil, schemas.CodeParseError, "Parse error", nil))
		return
	}
	if len(batch) == 0 {
		writeJSON(w, http.StatusOK, schemas.NewError(nil, schemas.CodeInvalidRequest, "Empty batch", nil))
		return
	}

	responses := make([]*schemas.JSONRPCResponse, 0, len(batch))
	for i := range batch {
		if resp := s.handleRequest(r, &batch[i]); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		// All notifications.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

// handleRequest executes one JSON-RPC request. Notifications return
// nil.
func (s *Server) handleRequest(r *http.Request, req *schemas.JSONRPCRequest) *schemas.JSONRPCResponse {
	if req.JSONRPC != schemas.JSONRPCVersion {
		if req.IsNotification() {
			return nil
		}
		return schemas.NewError(req.ID, schemas.CodeInvalidRequest, "Invalid Request", nil)
	}

	s.logger.Debug("RPC request.", zap.String("method", req.Method))

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)

	case "notifications/initialized":
		return nil

	case "ping":
		if req.IsNotification() {
			return nil
		}
		return schemas.NewResult(req.ID, map[string]interface{}{})

	case "tools/list":
		if req.IsNotification() {
			return nil
		}
		return schemas.NewResult(req.ID, schemas.ListToolsResult{
			Tools: catalog.Descriptors(),
		})

	case "tools/call":
		return s.handleToolCall(r, req)

	default:
		if req.IsNotification() {
			return nil
		}
		return schemas.NewError(req.ID, schemas.CodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(req *schemas.JSONRPCRequest) *schemas.JSONRPCResponse {
	var params schemas.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return schemas.NewError(req.ID, schemas.CodeInvalidParams, "Invalid params", nil)
		}
	}

	// Echo back the client's version when it is one we speak; older or
	// unknown clients get the default.
	version := schemas.DefaultProtocolVersion
	if params.ProtocolVersion == schemas.LatestProtocolVersion {
		version = schemas.LatestProtocolVersion
	}

	clientName := "unknown"
	if params.ClientInfo != nil {
		clientName = params.ClientInfo.Name
	}
	s.logger.Info("Client initialized.",
		zap.String("client", clientName),
		zap.String("protocol_version", version))

	return schemas.NewResult(req.ID, schemas.InitializeResult{
		ProtocolVersion: version,
		Capabilities: schemas.ServerCapabilities{
			Tools: schemas.ToolsCapability{ListChanged: false},
		},
		ServerInfo: schemas.PeerInfo{
			Name:    serverName,
			Version: Version,
		},
	})
}

func (s *Server) handleToolCall(r *http.Request, req *schemas.JSONRPCRequest) *schemas.JSONRPCResponse {
	var params schemas.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		if req.IsNotification() {
			return nil
		}
		return schemas.NewError(req.ID, schemas.CodeInvalidParams, "Invalid params", nil)
	}

	result, err := s.dispatcher.CallTool(r.Context(), params.Name, params.Arguments)
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		return toolErrorResponse(req.ID, params.Name, err)
	}
	return schemas.NewResult(req.ID, result)
}

// toolErrorResponse maps tool failures onto the protocol: argument and
// lookup problems become JSON-RPC errors, execution failures become
// in-band error results.
func toolErrorResponse(id jsonRawMessage, tool string, err error) *schemas.JSONRPCResponse {
	switch {
	case errors.Is(err, schemas.ErrUnknownTool):
		return schemas.NewError(id, schemas.CodeInvalidParams,
			fmt.Sprintf("Unknown tool: %s", tool), nil)
	case errors.Is(err, schemas.ErrInvalidArguments):
		return schemas.NewError(id, schemas.CodeInvalidParams, err.Error(), nil)
	case errors.Is(err, schemas.ErrCommandTimeout),
		errors.Is(err, schemas.ErrBackendUnavailable),
		errors.Is(err, schemas.ErrElementNotLocated),
		errors.Is(err, schemas.ErrNotAuthenticated):
		return schemas.NewResult(id, schemas.ErrorResult(err.Error()))
	default:
		var cmdErr *schemas.CommandError
		if errors.As(err, &cmdErr) {
			return schemas.NewResult(id, schemas.ErrorResult(err.Error()))
		}
		return schemas.NewError(id, schemas.CodeInternalError,
			fmt.Sprintf("Internal error: %s", err.Error()), nil)
	}
}

// handleSSE serves GET /mcp: an event stream that does nothing but
// keep the connection warm for clients that probe with GET.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /mcp\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleInfo describes the server for clients that inspect before
// initializing.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":             serverName,
		"version":          Version,
		"protocol_version": schemas.DefaultProtocolVersion,
		"transport":        "http",
		"tool_count":       len(catalog.All()),
	})
}
