// Package weather implements a small MCP server exposing a weather-summary
// tool, a comparison prompt, and per-user resources. It exists primarily to
// exercise the session layer end to end, but is a complete server in its own
// right.
package weather

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsse "github.com/monsoonlabs/go-mcp-sse"
)

// Server answers the MCP requests a weather deployment supports. It
// implements the mcpsse.Handler interface, so it can be attached to any
// Session regardless of transport. Instances should be created using
// NewServer.
type Server struct {
	logger *slog.Logger
}

// Option represents the options for the Server.
type Option func(*Server)

// NewServer creates a weather server.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithLogger sets the logger, defaulting to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// HandleRequest implements mcpsse.Handler.
func (s *Server) HandleRequest(r *mcpsse.RequestResponder) {
	release := r.Acquire()
	defer release()

	msg := r.Request()
	s.logger.Debug("handling request", "method", msg.Method, "id", msg.ID.String())

	result, rpcErr := s.serve(msg)

	var err error
	if rpcErr != nil {
		err = r.RespondError(*rpcErr)
	} else {
		err = r.Respond(result)
	}
	if err != nil {
		s.logger.Error("failed to respond", "method", msg.Method, "err", err)
	}
}

// HandleNotification implements mcpsse.Handler.
func (s *Server) HandleNotification(msg mcpsse.JSONRPCMessage) {
	s.logger.Debug("received notification", "method", msg.Method)
}

// HandleFailure implements mcpsse.Handler.
func (s *Server) HandleFailure(err error) {
	s.logger.Error("session failure", "err", err)
}

func (s *Server) serve(msg mcpsse.JSONRPCMessage) (any, *mcpsse.JSONRPCError) {
	switch msg.Method {
	case mcpsse.MethodInitialize:
		return s.initialize(), nil
	case mcpsse.MethodPing:
		return struct{}{}, nil
	case mcpsse.MethodPromptsList:
		return s.listPrompts(), nil
	case mcpsse.MethodPromptsGet:
		var params mcpsse.GetPromptParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, invalidParams(err)
		}
		return s.getPrompt(params)
	case mcpsse.MethodResourcesList:
		return s.listResources(), nil
	case mcpsse.MethodResourcesRead:
		var params mcpsse.ReadResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, invalidParams(err)
		}
		return s.readResource(params)
	case mcpsse.MethodResourcesTemplatesList:
		return s.listResourceTemplates(), nil
	case mcpsse.MethodToolsList:
		return s.listTools(), nil
	case mcpsse.MethodToolsCall:
		var params mcpsse.CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, invalidParams(err)
		}
		return s.callTool(params)
	default:
		return nil, &mcpsse.JSONRPCError{
			Code:    mcpsse.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}
}

func (s *Server) initialize() mcpsse.InitializeResult {
	return mcpsse.InitializeResult{
		ProtocolVersion: mcpsse.ProtocolVersion,
		Capabilities: mcpsse.ServerCapabilities{
			Prompts:   &mcpsse.PromptsCapability{},
			Resources: &mcpsse.ResourcesCapability{},
			Tools:     &mcpsse.ToolsCapability{},
		},
		ServerInfo: mcpsse.Info{
			Name:    "test_app",
			Version: "1.0",
		},
	}
}

func invalidParams(err error) *mcpsse.JSONRPCError {
	return &mcpsse.JSONRPCError{
		Code:    mcpsse.CodeInvalidParams,
		Message: fmt.Sprintf("invalid params: %s", err),
	}
}
