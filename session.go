package mcpsse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives the inbound traffic of a Session that is not a response to
// one of the session's own requests. Implementations must be safe for
// concurrent use; HandleRequest is invoked on its own goroutine per request.
type Handler interface {
	// HandleRequest processes an incoming request. The implementation must
	// acquire the responder and send exactly one response through it.
	HandleRequest(r *RequestResponder)

	// HandleNotification processes an incoming notification.
	HandleNotification(msg JSONRPCMessage)

	// HandleFailure is informed of transport-level failures that are not
	// attributable to a specific caller: malformed inbound payloads,
	// responses with unknown ids, and the end of the stream (ErrStreamClosed).
	HandleFailure(err error)
}

// Session implements the protocol engine on top of a queue pair produced by a
// transport. It owns request-id allocation and response correlation for
// outgoing requests, dispatches incoming traffic, and cooperates with the
// peer on cancellation. A Session is symmetric: the same engine serves the
// client and the server side of a connection.
//
// Instances should be created using NewSession and shut down using Close.
type Session struct {
	in  <-chan Incoming
	out chan<- JSONRPCMessage

	readTimeout time.Duration
	logger      *slog.Logger

	handler              Handler
	requestReceiver      func(*RequestResponder)
	notificationReceiver func(JSONRPCMessage)

	mu            sync.Mutex
	nextRequestID int64
	pending       map[string]chan JSONRPCMessage
	inFlight      map[string]*RequestResponder

	stop      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// SessionOption represents the options for the Session.
type SessionOption func(*Session)

// NewSession creates a session engine over the given queue pair. The session
// does not process traffic until Start is called.
func NewSession(in <-chan Incoming, out chan<- JSONRPCMessage, options ...SessionOption) *Session {
	s := &Session{
		in:          in,
		out:         out,
		readTimeout: defaultReadTimeout,
		logger:      slog.Default(),
		pending:     make(map[string]chan JSONRPCMessage),
		inFlight:    make(map[string]*RequestResponder),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

const defaultReadTimeout = 30 * time.Second

// WithReadTimeout bounds how long SendRequest waits for the matching
// response. Zero means wait until the context is done or the session closes.
func WithReadTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.readTimeout = timeout
	}
}

// WithHandler sets the handler for incoming requests and notifications.
// Without a handler, incoming requests stay unanswered unless a request
// receiver responds to them.
func WithHandler(h Handler) SessionOption {
	return func(s *Session) {
		s.handler = h
	}
}

// WithRequestReceiver registers a callback observing every incoming request
// before it is dispatched to the handler. The receiver runs on the receive
// loop and may acquire the responder and answer the request itself, in which
// case the handler is not invoked.
func WithRequestReceiver(f func(*RequestResponder)) SessionOption {
	return func(s *Session) {
		s.requestReceiver = f
	}
}

// WithNotificationReceiver registers a callback observing every incoming
// notification before it is dispatched to the handler. The receiver runs on
// the receive loop.
func WithNotificationReceiver(f func(JSONRPCMessage)) SessionOption {
	return func(s *Session) {
		s.notificationReceiver = f
	}
}

// WithSessionLogger sets the logger, defaulting to slog.Default.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// Start launches the receive loop. Calling Start more than once has no
// effect.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.receiveLoop()
	})
}

// Done returns a channel closed when the receive loop exits, either because
// Close was called or because the inbound queue ended.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Close shuts the session down and waits for the receive loop to exit.
// Callers blocked in SendRequest are released with ErrSessionClosed. Close
// does not close the underlying transport.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.stopped
	}
}

// SendRequest sends a request with the given method and params and blocks
// until the matching response arrives, then unmarshals its result into
// result (which may be nil to discard it). An error response from the peer is
// returned as a *JSONRPCError.
//
// When no response arrives within the session's read timeout, SendRequest
// returns a TimeoutError; a response arriving later is reported to the
// failure handler as an UnmatchedResponseError. When ctx is cancelled first,
// SendRequest notifies the peer with notifications/cancelled and returns the
// context error.
func (s *Session) SendRequest(ctx context.Context, method string, params any, result any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	s.mu.Lock()
	id := requestIDFromInt(s.nextRequestID)
	s.nextRequestID++
	resCh := make(chan JSONRPCMessage, 1)
	s.pending[id.key()] = resCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id.key())
		s.mu.Unlock()
	}()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}

	select {
	case s.out <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrSessionClosed
	}

	var timeout <-chan time.Time
	if s.readTimeout > 0 {
		t := time.NewTimer(s.readTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-resCh:
		if res.Error != nil {
			return res.Error
		}
		if result == nil || len(res.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
		return nil
	case <-timeout:
		return TimeoutError{Code: 408, Method: method}
	case <-ctx.Done():
		s.notifyCancelled(id)
		return ctx.Err()
	case <-s.stop:
		return ErrSessionClosed
	}
}

// SendNotification sends a notification with the given method and params. It
// does not wait for anything beyond the enqueue.
func (s *Session) SendNotification(ctx context.Context, method string, params any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}

	select {
	case s.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrSessionClosed
	}
}

// notifyCancelled tells the peer to stop working on the request. Best effort:
// the caller is already on its way out, so a closed session is not an error.
func (s *Session) notifyCancelled(id RequestID) {
	params := notificationsCancelledParams{
		RequestID: id,
		Reason:    userCancelledReason,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.SendNotification(ctx, MethodNotificationsCancelled, params); err != nil {
		s.logger.Warn("failed to send cancellation notification", "id", id.String(), "err", err)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

func (s *Session) receiveLoop() {
	defer close(s.stopped)

	for {
		select {
		case <-s.stop:
			return
		case item, ok := <-s.in:
			if !ok {
				s.failure(ErrStreamClosed)
				return
			}
			if item.Err != nil {
				s.failure(item.Err)
				continue
			}
			s.dispatch(item.Msg)
		}
	}
}

// dispatch classifies one inbound envelope by shape: a method with an id is a
// request, a method without an id is a notification, an id without a method
// is a response. Anything else is dropped.
func (s *Session) dispatch(msg JSONRPCMessage) {
	if msg.JSONRPC != JSONRPCVersion {
		s.logger.Warn("dropping message with unexpected jsonrpc version", "version", msg.JSONRPC)
		return
	}

	switch {
	case msg.Method != "" && len(msg.ID) > 0:
		s.handleRequest(msg)
	case msg.Method != "":
		s.handleNotification(msg)
	case len(msg.ID) > 0:
		s.handleResponse(msg)
	default:
		s.logger.Warn("dropping message that is neither request, notification, nor response")
	}
}

func (s *Session) handleRequest(msg JSONRPCMessage) {
	if !msg.ID.Valid() {
		s.failure(fmt.Errorf("request %s carries malformed id %s", msg.Method, msg.ID))
		return
	}

	var meta ParamsMeta
	if len(msg.Params) > 0 {
		var p struct {
			Meta ParamsMeta `json:"_meta"`
		}
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			meta = p.Meta
		}
	}

	r := &RequestResponder{
		id:      msg.ID,
		request: msg,
		meta:    meta,
		session: s,
	}
	r.onComplete = func() {
		s.mu.Lock()
		delete(s.inFlight, r.id.key())
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.inFlight[r.id.key()] = r
	s.mu.Unlock()

	if s.requestReceiver != nil {
		s.requestReceiver(r)
	}
	if !r.InFlight() {
		return
	}
	if s.handler != nil {
		go s.handler.HandleRequest(r)
	}
}

func (s *Session) handleNotification(msg JSONRPCMessage) {
	if msg.Method == MethodNotificationsCancelled {
		s.handleCancelled(msg)
		return
	}

	if s.notificationReceiver != nil {
		s.notificationReceiver(msg)
	}
	if s.handler != nil {
		s.handler.HandleNotification(msg)
	}
}

// handleCancelled processes a peer's cancellation of one of its own requests.
// Unknown ids are ignored: the request may have completed already.
func (s *Session) handleCancelled(msg JSONRPCMessage) {
	var params notificationsCancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.failure(fmt.Errorf("malformed %s params: %w", MethodNotificationsCancelled, err))
		return
	}

	s.mu.Lock()
	r, ok := s.inFlight[params.RequestID.key()]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := r.Cancel(); err != nil {
		s.logger.Warn("failed to cancel in-flight request",
			"id", params.RequestID.String(), "err", err)
	}
}

func (s *Session) handleResponse(msg JSONRPCMessage) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID.key()]
	if ok {
		delete(s.pending, msg.ID.key())
	}
	s.mu.Unlock()

	if !ok {
		s.failure(UnmatchedResponseError{ID: msg.ID})
		return
	}
	ch <- msg
}

func (s *Session) failure(err error) {
	if s.handler != nil {
		s.handler.HandleFailure(err)
		return
	}
	s.logger.Error("session failure", "err", err)
}

func (s *Session) respond(msg JSONRPCMessage) error {
	select {
	case s.out <- msg:
		return nil
	case <-s.stop:
		return ErrSessionClosed
	}
}

// RequestResponder carries one incoming request through its lifecycle. A
// handler acquires the responder, sends exactly one response through Respond
// or RespondError, and releases it. While acquired, a peer cancellation may
// race the handler's response; whichever reaches the responder first wins and
// the loser gets ErrAlreadyResponded (or a silent no-op for a late
// cancellation).
type RequestResponder struct {
	id      RequestID
	request JSONRPCMessage
	meta    ParamsMeta
	session *Session

	onComplete func()

	mu        sync.Mutex
	entered   bool
	completed bool
	cancelled bool
}

// ID returns the id of the request being responded to.
func (r *RequestResponder) ID() RequestID { return r.id }

// Request returns the request envelope.
func (r *RequestResponder) Request() JSONRPCMessage { return r.request }

// Meta returns the request metadata from the "_meta" params key.
func (r *RequestResponder) Meta() ParamsMeta { return r.meta }

// Acquire marks the responder as being handled and returns the release
// function. Respond, RespondError, and Cancel all require the responder to be
// acquired. The release function must be called when handling ends,
// typically deferred.
func (r *RequestResponder) Acquire() (release func()) {
	r.mu.Lock()
	r.entered = true
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		completed := r.completed
		r.entered = false
		r.mu.Unlock()
		if completed {
			r.onComplete()
		}
	}
}

// Respond sends a successful response carrying result.
func (r *RequestResponder) Respond(result any) error {
	resultBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return r.complete(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      r.id,
		Result:  resultBs,
	})
}

// RespondError sends an error response.
func (r *RequestResponder) RespondError(rpcErr JSONRPCError) error {
	return r.complete(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      r.id,
		Error:   &rpcErr,
	})
}

func (r *RequestResponder) complete(msg JSONRPCMessage) error {
	r.mu.Lock()
	if !r.entered {
		r.mu.Unlock()
		return ErrNotAcquired
	}
	if r.completed {
		r.mu.Unlock()
		return ErrAlreadyResponded
	}
	r.completed = true
	r.mu.Unlock()

	return r.session.respond(msg)
}

// Cancel completes the request with a cancellation error response. Cancelling
// a request that has already been responded to is a no-op; exactly one
// response leaves the responder either way.
func (r *RequestResponder) Cancel() error {
	r.mu.Lock()
	if !r.entered {
		r.mu.Unlock()
		return ErrNotAcquired
	}
	if r.completed {
		r.mu.Unlock()
		return nil
	}
	r.completed = true
	r.cancelled = true
	r.mu.Unlock()

	return r.session.respond(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      r.id,
		Error: &JSONRPCError{
			Code:    CodeRequestCancelled,
			Message: requestCancelledMsg,
		},
	})
}

// InFlight reports whether the request still awaits a response.
func (r *RequestResponder) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.completed
}

// Cancelled reports whether the request was completed by cancellation.
func (r *RequestResponder) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}
