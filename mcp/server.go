package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ToolHandler is a tool that the MCP server exposes to clients.
type ToolHandler struct {
	// Definition describes the tool (name, description, input schema).
	Definition ToolDefinition
	// Execute is called when the client invokes tools/call for this tool.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Resource is a readable data source exposed via MCP resources/list and resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	// Read returns the resource content. Called on each resources/read request.
	Read func() string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets a structured logger. Default: discard.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithIO overrides the transport streams. Default: stdin/stdout.
func WithIO(r io.Reader, w io.Writer) ServerOption {
	return func(s *Server) { s.in, s.out = r, w }
}

// Server is an MCP server that communicates over stdio using JSON-RPC 2.0.
// Register tools and resources before calling Serve.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	tools     map[string]ToolHandler
	toolOrder []string
	resources map[string]Resource
	resOrder  []string

	in  io.Reader
	out io.Writer
	mu  sync.Mutex // protects writes
}

// New creates an MCP server with the given name and version.
func New(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		name:      name,
		version:   version,
		logger:    slog.New(discardHandler{}),
		tools:     make(map[string]ToolHandler),
		resources: make(map[string]Resource),
		in:        os.Stdin,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// AddTool registers a tool handler, replacing any tool with the same name.
// Must be called before Serve.
func (s *Server) AddTool(h ToolHandler) {
	name := h.Definition.Name
	if _, seen := s.tools[name]; !seen {
		s.toolOrder = append(s.toolOrder, name)
	}
	s.tools[name] = h
}

// AddResource registers a resource. Must be called before Serve.
func (s *Server) AddResource(r Resource) {
	if _, seen := s.resources[r.URI]; !seen {
		s.resOrder = append(s.resOrder, r.URI)
	}
	s.resources[r.URI] = r
}

// Serve reads JSON-RPC messages line by line and writes responses. Blocks
// until the input stream closes or ctx is cancelled. Lines have no fixed
// size cap: tool arguments may inline whole cached values.
func (s *Server) Serve(ctx context.Context) error {
	r := bufio.NewReader(s.in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.handleLine(ctx, trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("mcp: read transport: %w", err)
		}
	}
}

// handleLine dispatches one wire line: a single request or a batch array.
func (s *Server) handleLine(ctx context.Context, data []byte) {
	if data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.logger.Warn("mcp: malformed batch", "error", err)
			s.send(*errorResponse(json.RawMessage("null"), errCodeParse, "parse error"))
			return
		}
		for _, raw := range batch {
			s.handleSingle(ctx, raw)
		}
		return
	}
	s.handleSingle(ctx, data)
}

func (s *Server) handleSingle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("mcp: malformed request", "error", err)
		s.send(*errorResponse(json.RawMessage("null"), errCodeParse, "parse error"))
		return
	}

	start := time.Now()
	resp := s.route(ctx, &req)
	s.logger.Debug("mcp: request handled", "method", req.Method, "duration", time.Since(start))
	if resp != nil {
		s.send(*resp)
	}
}

// route maps a request to its handler. Returns nil for notifications.
func (s *Server) route(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	default:
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// --- handlers ---

func (s *Server) handleInitialize(req *request) *response {
	caps := serverCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &capability{}
	}
	if len(s.resources) > 0 {
		caps.Resources = &capability{}
	}

	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	defs := make([]ToolDefinition, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		defs = append(defs, s.tools[name].Definition)
	}
	return resultResponse(req.ID, toolsListResult{Tools: defs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	t, ok := s.tools[params.Name]
	if !ok {
		return resultResponse(req.ID, ErrorResult("unknown tool: "+params.Name))
	}
	return resultResponse(req.ID, s.execute(ctx, t, params.Arguments))
}

// execute runs a tool, converting a panic into a tool error so one bad
// handler cannot take the transport down.
func (s *Server) execute(ctx context.Context, t ToolHandler, args json.RawMessage) (res ToolCallResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mcp: tool panicked", "tool", t.Definition.Name, "panic", r)
			res = ErrorResult(fmt.Sprintf("tool %s failed", t.Definition.Name))
		}
	}()
	return t.Execute(ctx, args)
}

func (s *Server) handleResourcesList(req *request) *response {
	defs := make([]resourceDef, 0, len(s.resOrder))
	for _, uri := range s.resOrder {
		r := s.resources[uri]
		defs = append(defs, resourceDef{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		})
	}
	return resultResponse(req.ID, resourcesListResult{Resources: defs})
}

func (s *Server) handleResourcesRead(req *request) *response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	r, ok := s.resources[params.URI]
	if !ok {
		return errorResponse(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
	}
	return resultResponse(req.ID, resourceReadResult{
		Contents: []resourceContent{{
			URI:      r.URI,
			MimeType: r.MimeType,
			Text:     r.Read(),
		}},
	})
}

// --- response helpers ---

func resultResponse(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) send(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("mcp: write response", "error", err)
	}
}
