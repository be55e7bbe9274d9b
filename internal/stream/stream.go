// Package stream consumes the server-push event channel of a session.
//
// [Client.Open] dials the session's WebSocket endpoint. Returning without
// error means the underlying connection is established. A single reader
// goroutine then decodes every text frame into a [protocol.Event] and hands
// it to the [Handler] in arrival order. Frames that fail to decode are
// logged and dropped; they never end the stream. When the stream ends,
// [Handler.HandleClose] is called exactly once.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/flowone/internal/observe"
	"github.com/MrWong99/flowone/internal/protocol"
)

// defaultReadLimit caps the size of a single inbound frame.
const defaultReadLimit = 1 << 20

// Handler receives the events of one stream. Both methods are called from
// the stream's reader goroutine and never concurrently with each other.
type Handler interface {
	// HandleEvent is called for every decoded event, in arrival order.
	HandleEvent(protocol.Event)

	// HandleClose is called exactly once after the last event. err is nil
	// when the stream was closed locally with [Stream.Close].
	HandleClose(err error)
}

// Funcs adapts a pair of functions to [Handler]. Nil fields are skipped.
type Funcs struct {
	OnEvent func(protocol.Event)
	OnClose func(error)
}

func (f Funcs) HandleEvent(ev protocol.Event) {
	if f.OnEvent != nil {
		f.OnEvent(ev)
	}
}

func (f Funcs) HandleClose(err error) {
	if f.OnClose != nil {
		f.OnClose(err)
	}
}

// Option is a functional option for [NewClient].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHeader adds a header sent with every handshake request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithReadLimit sets the maximum accepted frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.readLimit = n }
}

// WithMetrics records received events, dropped frames and remote
// disconnects on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client opens event streams against one backend.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	header     http.Header
	readLimit  int64
	metrics    *observe.Metrics
}

// NewClient returns a Client for the backend at baseURL. http and https
// URLs are mapped to ws and wss respectively.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("stream: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("stream: unsupported base url scheme %q", u.Scheme)
	}

	c := &Client{
		base:      u,
		header:    http.Header{},
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// URL returns the event stream endpoint of sessionID.
func (c *Client) URL(sessionID string) string {
	u := *c.base
	u.Path = c.base.Path + "/sessions/" + sessionID + "/events"
	u.RawPath = c.base.EscapedPath() + "/sessions/" + url.PathEscape(sessionID) + "/events"
	return u.String()
}

// Open dials the event stream of sessionID and starts delivering events to
// h. ctx bounds the handshake only.
func (c *Client) Open(ctx context.Context, sessionID string, h Handler) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, c.URL(sessionID), &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.header.Clone(),
	})
	if err != nil {
		return nil, fmt.Errorf("stream: dial: %w", err)
	}
	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		sessionID: sessionID,
		conn:      conn,
		handler:   h,
		metrics:   c.metrics,
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Stream is one open event stream.
type Stream struct {
	sessionID string
	conn      *websocket.Conn
	handler   Handler
	metrics   *observe.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// SessionID returns the session this stream belongs to.
func (s *Stream) SessionID() string { return s.sessionID }

// Done is closed once the reader goroutine has delivered HandleClose.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close closes the stream. It does not wait for the reader goroutine, so it
// is safe to call while holding a lock the handler also takes. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		// Cancelling the read context already tears the connection down;
		// Close only sends the close frame when the peer is still there.
		go s.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}

func (s *Stream) readLoop() {
	defer close(s.done)

	var cause error
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				cause = fmt.Errorf("stream: read: %w", err)
			}
			break
		}
		if typ != websocket.MessageText {
			s.drop(&protocol.DecodeError{Reason: "binary frame"})
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			s.drop(err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordEvent(s.ctx, string(ev.Metadata().Type))
		}
		s.handler.HandleEvent(ev)
	}

	if cause != nil {
		slog.Info("stream: closed by remote", "session_id", s.sessionID, "err", cause)
		if s.metrics != nil {
			s.metrics.StreamDisconnects.Add(context.Background(), 1)
		}
	}
	s.handler.HandleClose(cause)
}

func (s *Stream) drop(err error) {
	reason := "decode"
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		reason = de.Reason
	}
	slog.Warn("stream: dropping malformed frame", "session_id", s.sessionID, "err", err)
	if s.metrics != nil {
		s.metrics.RecordDroppedFrame(context.Background(), reason)
	}
}
