package mcpsse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientSession layers the typed MCP client operations on top of a Session
// running over an SSEClient transport. The zero value is not usable;
// instances should be created using NewClientSession.
//
// A ClientSession is used in three phases: Connect establishes the transport
// and starts the engine, Initialize performs the protocol handshake, and the
// typed operations (ListTools, CallTool, ...) become available afterwards.
type ClientSession struct {
	transport *SSEClient
	logger    *slog.Logger

	info        Info
	readTimeout time.Duration

	session *Session

	mu           sync.Mutex
	serverInfo   Info
	serverCaps   ServerCapabilities
	instructions string
	initialized  bool
}

// ClientSessionOption represents the options for the ClientSession.
type ClientSessionOption func(*ClientSession)

// NewClientSession creates a client session over the given transport.
func NewClientSession(transport *SSEClient, options ...ClientSessionOption) *ClientSession {
	cs := &ClientSession{
		transport:   transport,
		logger:      slog.Default(),
		readTimeout: defaultReadTimeout,
		info: Info{
			Name:    "go-mcp-sse",
			Version: "1.0",
		},
	}

	for _, opt := range options {
		opt(cs)
	}

	return cs
}

// WithClientInfo sets the client identity sent during initialization.
func WithClientInfo(info Info) ClientSessionOption {
	return func(cs *ClientSession) {
		cs.info = info
	}
}

// WithClientReadTimeout bounds how long each operation waits for its
// response. Zero means wait until the context is done.
func WithClientReadTimeout(timeout time.Duration) ClientSessionOption {
	return func(cs *ClientSession) {
		cs.readTimeout = timeout
	}
}

// WithClientLogger sets the logger, defaulting to slog.Default.
func WithClientLogger(logger *slog.Logger) ClientSessionOption {
	return func(cs *ClientSession) {
		cs.logger = logger
	}
}

// Connect establishes the transport connection and starts the session engine.
// The ctx bounds connection setup only.
func (cs *ClientSession) Connect(ctx context.Context) error {
	in, out, err := cs.transport.Connect(ctx)
	if err != nil {
		return err
	}

	cs.session = NewSession(in, out,
		WithReadTimeout(cs.readTimeout),
		WithSessionLogger(cs.logger),
		WithRequestReceiver(cs.receiveRequest),
	)
	cs.session.Start()

	return nil
}

// Close shuts down the session and disconnects the transport.
func (cs *ClientSession) Close() {
	if cs.session != nil {
		cs.session.Close()
	}
	cs.transport.Disconnect()
}

// receiveRequest answers the server-to-client requests a client supports:
// ping. Everything else gets a method-not-found error.
func (cs *ClientSession) receiveRequest(r *RequestResponder) {
	release := r.Acquire()
	defer release()

	var err error
	switch r.Request().Method {
	case MethodPing:
		err = r.Respond(struct{}{})
	default:
		err = r.RespondError(JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", r.Request().Method),
		})
	}
	if err != nil {
		cs.logger.Error("failed to respond to server request",
			"method", r.Request().Method, "err", err)
	}
}

// Initialize performs the initialization handshake: it sends the initialize
// request, verifies the negotiated protocol version, records the server's
// identity and capabilities, and confirms with notifications/initialized.
func (cs *ClientSession) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      cs.info,
	}

	var result InitializeResult
	if err := cs.session.SendRequest(ctx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version: %s", result.ProtocolVersion)
	}

	if err := cs.session.SendNotification(ctx, MethodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	cs.mu.Lock()
	cs.serverInfo = result.ServerInfo
	cs.serverCaps = result.Capabilities
	cs.instructions = result.Instructions
	cs.initialized = true
	cs.mu.Unlock()

	return nil
}

// ServerInfo returns the server identity recorded during initialization.
func (cs *ClientSession) ServerInfo() Info {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised during
// initialization.
func (cs *ClientSession) ServerCapabilities() ServerCapabilities {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.serverCaps
}

// Instructions returns the usage instructions the server sent during
// initialization, if any.
func (cs *ClientSession) Instructions() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.instructions
}

func (cs *ClientSession) ensureInitialized() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Ping checks that the server is responsive.
func (cs *ClientSession) Ping(ctx context.Context) error {
	return cs.session.SendRequest(ctx, MethodPing, nil, nil)
}

// ListPrompts retrieves a paginated list of available prompts.
func (cs *ClientSession) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	var result ListPromptsResult
	if err := cs.ensureInitialized(); err != nil {
		return result, err
	}
	err := cs.session.SendRequest(ctx, MethodPromptsList, params, &result)
	return result, err
}

// GetPrompt retrieves a prompt by name with the given arguments.
func (cs *ClientSession) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	if err := cs.ensureInitialized(); err != nil {
		return result, err
	}
	err := cs.session.SendRequest(ctx, MethodPromptsGet, params, &result)
	return result, err
}

// ListResources retrieves a paginated list of available resources.
func (cs *ClientSession) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	if err := cs.ensureInitialized(); err != nil {
		return result, err
	}
	err := cs.session.SendRequest(ctx, MethodResourcesList, params, &result)
	return result, err
}

// ReadResource retrieves the contents of the resource at the given URI.
func (cs *ClientSession) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	if err := cs.ensureInitialized(); err != nil {
		return result, err
	}
	err := cs.session.SendRequest(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// ListResourceTemplates retrieves the list of resource templates.
func (cs *ClientSession) ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	if err := cs.ensureInitialized(); err != nil {
		return result, err
	}
	err := cs.session.SendRequest(ctx, MethodResourcesTemplatesList, params, &result)
	return result, err
}

// ListTools retrieves a paginated list of available tools.
func (cs *ClientSession) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	if err := cs.ensureInitialized(); err != nil {
		return result, err
	}
	err := cs.session.SendRequest(ctx, MethodToolsList, params, &result)
	return result, err
}

// CallTool invokes a tool by name with the given arguments.
func (cs *ClientSession) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if err := cs.ensureInitialized(); err != nil {
		return result, err
	}
	err := cs.session.SendRequest(ctx, MethodToolsCall, params, &result)
	return result, err
}
