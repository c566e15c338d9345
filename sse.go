package mcpsse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Incoming is one item pulled off the inbound queue: either a decoded
// envelope or a failure that did not terminate the stream. The queue is
// closed when the stream ends, so a closed channel is the end-of-stream
// signal for every consumer.
type Incoming struct {
	Msg JSONRPCMessage
	Err error
}

// SSEClient bridges the SSE-plus-POST transport into a pair of in-process
// queues. The inbound queue carries envelopes parsed from "message" events;
// the outbound queue is drained by a writer worker that POSTs each envelope
// to the endpoint the server advertised in its first "endpoint" event.
//
// SSEClient has no protocol-level knowledge; layer a Session on top of the
// queues returned by Connect. Instances should be created using NewSSEClient.
type SSEClient struct {
	connectURL string
	httpClient *http.Client
	logger     *slog.Logger

	headers        map[string]string
	connectTimeout time.Duration
	readTimeout    time.Duration
	maxPayloadSize int

	messageURL string

	in  chan Incoming
	out chan JSONRPCMessage

	streamCtx context.Context
	cancel    context.CancelFunc
	idleFired atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultSSEReadTimeout = 5 * time.Minute

	queueSize = 32
)

// NewSSEClient creates an SSE client that connects to the specified
// connectURL. The optional httpClient parameter allows custom HTTP client
// configuration - if nil, the default HTTP client is used. The client must
// call Connect to establish the stream and obtain the queues.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		connectURL:     connectURL,
		httpClient:     cli,
		logger:         slog.Default(),
		connectTimeout: defaultConnectTimeout,
		readTimeout:    defaultSSEReadTimeout,
		in:             make(chan Incoming, queueSize),
		out:            make(chan JSONRPCMessage, queueSize),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// WithSSEClientHeaders sets extra headers sent with the initial GET and with
// every outbound POST.
func WithSSEClientHeaders(headers map[string]string) SSEClientOption {
	return func(c *SSEClient) {
		c.headers = headers
	}
}

// WithSSEClientConnectTimeout bounds how long Connect waits for the server's
// "endpoint" event after the stream is opened.
func WithSSEClientConnectTimeout(timeout time.Duration) SSEClientOption {
	return func(c *SSEClient) {
		c.connectTimeout = timeout
	}
}

// WithSSEClientReadTimeout sets the idle-read bound of the stream: if no
// event arrives within this duration the connection is dropped and the
// failure is surfaced on the inbound queue. Zero disables the bound.
func WithSSEClientReadTimeout(timeout time.Duration) SSEClientOption {
	return func(c *SSEClient) {
		c.readTimeout = timeout
	}
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event payload
// received from the server. If the payload size exceeds this limit, the
// stream is terminated.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger, defaulting to slog.Default.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger
	}
}

// Connect opens the SSE stream and starts the two transport workers. It
// blocks until the server's first "endpoint" event has been received and
// validated, then returns the inbound and outbound queues. The writer worker
// is not started before the endpoint is known.
//
// The endpoint is resolved relative to the stream URL and must share scheme
// and host with it; Connect fails with ErrOriginMismatch otherwise. The ctx
// bounds connection setup only; the established stream lives until
// Disconnect.
func (c *SSEClient) Connect(ctx context.Context) (<-chan Incoming, chan<- JSONRPCMessage, error) {
	c.streamCtx, c.cancel = context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(c.streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	c.workers.Add(1)
	go c.listenSSEEvents(resp.Body, ready)

	var timeout <-chan time.Time
	if c.connectTimeout > 0 {
		t := time.NewTimer(c.connectTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-ready:
		if err != nil {
			c.Disconnect()
			return nil, nil, fmt.Errorf("failed to establish session: %w", err)
		}
	case <-timeout:
		c.Disconnect()
		return nil, nil, errors.New("timed out waiting for endpoint event")
	case <-ctx.Done():
		c.Disconnect()
		return nil, nil, fmt.Errorf("failed to establish session: %w", ctx.Err())
	}

	c.workers.Add(1)
	go c.postMessages()

	return c.in, c.out, nil
}

// Disconnect closes the underlying connection and blocks until both workers
// have exited. It is idempotent and safe to call concurrently with active
// workers; closing the connection unblocks any pending stream read.
func (c *SSEClient) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
	})
	c.workers.Wait()
}

func (c *SSEClient) listenSSEEvents(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.in)
		c.workers.Done()
	}()

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	// Idle watchdog: drop the connection when the server goes silent for
	// longer than the read timeout.
	var idle *time.Timer
	if c.readTimeout > 0 {
		idle = time.AfterFunc(c.readTimeout, func() {
			c.idleFired.Store(true)
			c.cancel()
		})
		defer idle.Stop()
	}

	endpointKnown := false

	for ev, err := range sse.Read(body, config) {
		if idle != nil {
			idle.Reset(c.readTimeout)
		}

		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Distinguish the watchdog's cancellation from Disconnect's:
				// the former is a stream failure the consumer must see.
				if !c.idleFired.Load() {
					return
				}
				err = fmt.Errorf("no event received within %s", c.readTimeout)
			}
			c.logger.Error("failed to read SSE event", "err", err)
			if !endpointKnown {
				ready <- fmt.Errorf("stream failed before endpoint event: %w", err)
				return
			}
			c.pushIncoming(Incoming{Err: err})
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointKnown {
				c.logger.Warn("ignoring duplicate endpoint event")
				continue
			}
			endpoint, err := c.resolveEndpoint(ev.Data)
			if err != nil {
				ready <- err
				return
			}
			c.messageURL = endpoint
			endpointKnown = true
			ready <- nil
		case "message":
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				// Parse failures are surfaced downstream; the stream stays alive.
				c.pushIncoming(Incoming{Err: fmt.Errorf("failed to unmarshal message: %w", err)})
				continue
			}
			c.pushIncoming(Incoming{Msg: msg})
		default:
			c.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}

	if !endpointKnown {
		ready <- errors.New("stream ended before endpoint event")
	}
}

func (c *SSEClient) pushIncoming(item Incoming) {
	select {
	case c.in <- item:
	case <-c.done:
	}
}

func (c *SSEClient) resolveEndpoint(data string) (string, error) {
	base, err := url.Parse(c.connectURL)
	if err != nil {
		return "", fmt.Errorf("parse stream URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}

	endpoint := base.ResolveReference(ref)
	if endpoint.Scheme != base.Scheme || endpoint.Host != base.Host {
		return "", fmt.Errorf("%w: %s", ErrOriginMismatch, endpoint)
	}

	return endpoint.String(), nil
}

func (c *SSEClient) postMessages() {
	defer c.workers.Done()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.post(msg); err != nil {
				c.logger.Error("failed to deliver message", "err", err)
			}
		}
	}
}

func (c *SSEClient) post(msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(c.streamCtx, http.MethodPost, c.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// SSEServer is the serving half of the transport: it upgrades GET requests to
// SSE streams, advertises a per-connection endpoint URL, and routes POSTed
// envelopes back to the matching connection. Each accepted connection is
// exposed as a ServerConn carrying the same queue pair an SSEClient produces,
// so the Session engine runs unchanged on either side.
//
// The handlers returned by HandleSSE and HandleMessage can be mounted on any
// HTTP mux. Instances should be created using NewSSEServer and shut down
// using Close.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	mu       sync.Mutex
	conns    map[string]*ServerConn
	accepted chan *ServerConn

	done      chan struct{}
	closeOnce sync.Once
}

// ServerConn is one client connection accepted by an SSEServer.
type ServerConn struct {
	id  string
	in  chan Incoming
	out chan JSONRPCMessage

	closed    chan struct{}
	closeOnce sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// NewSSEServer creates an SSE server whose clients will be directed to POST
// their messages to messageURL.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		conns:      make(map[string]*ServerConn),
		accepted:   make(chan *ServerConn, 5),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEServerLogger sets the logger, defaulting to slog.Default.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// Connections returns an iterator over accepted client connections. The
// iteration ends when the server is closed.
func (s *SSEServer) Connections() iter.Seq[*ServerConn] {
	return func(yield func(*ServerConn) bool) {
		for {
			select {
			case <-s.done:
				return
			case conn := <-s.accepted:
				if !yield(conn) {
					return
				}
			}
		}
	}
}

// Close stops accepting connections and terminates the active ones.
func (s *SSEServer) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// HandleSSE returns an http.Handler for establishing SSE connections over GET
// requests. The handler upgrades the connection, assigns a unique session id,
// and sends the per-connection message endpoint as the first event. The
// connection remains open until the client disconnects, the connection is
// stopped, or the server closes.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		conn := &ServerConn{
			id:     uuid.New().String(),
			in:     make(chan Incoming, queueSize),
			out:    make(chan JSONRPCMessage, queueSize),
			closed: make(chan struct{}),
		}

		s.mu.Lock()
		s.conns[conn.id] = conn
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn.id)
			s.mu.Unlock()
			conn.Stop()
		}()

		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, conn.id)
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", "err", err)
			return
		}

		select {
		case s.accepted <- conn:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		for {
			select {
			case <-s.done:
				return
			case <-conn.closed:
				return
			case <-r.Context().Done():
				return
			case out := <-conn.out:
				msgBs, err := json.Marshal(out)
				if err != nil {
					s.logger.Error("failed to marshal message", "err", err)
					continue
				}
				ev := sse.Message{
					Type: sse.Type("message"),
				}
				ev.AppendData(string(msgBs))
				if err := sess.Send(&ev); err != nil {
					s.logger.Error("failed to send message", "err", err)
					return
				}
				if err := sess.Flush(); err != nil {
					s.logger.Error("failed to flush message", "err", err)
					return
				}
			}
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent
// via POST requests. The handler expects a sessionID query parameter and a
// JSON-encoded envelope body; valid envelopes are routed to the inbound queue
// of the matching connection.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		conn, ok := s.conns[sessID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case conn.in <- Incoming{Msg: msg}:
		case <-conn.closed:
			http.Error(w, "session closed", http.StatusGone)
		case <-s.done:
		}
	})
}

// ID returns the unique identifier of this connection.
func (c *ServerConn) ID() string { return c.id }

// Queues returns the inbound and outbound queues of this connection, from the
// server's point of view: the inbound queue carries envelopes the client
// POSTed, the outbound queue is streamed to the client as "message" events.
func (c *ServerConn) Queues() (<-chan Incoming, chan<- JSONRPCMessage) {
	return c.in, c.out
}

// Closed returns a channel closed when the connection has ended, either
// because the client disconnected or because Stop was called.
func (c *ServerConn) Closed() <-chan struct{} {
	return c.closed
}

// Stop terminates the connection.
func (c *ServerConn) Stop() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
