package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/flowone/internal/observe"
	"github.com/MrWong99/flowone/internal/protocol"
)

// frame is one message the test server writes.
type frame struct {
	typ  websocket.MessageType
	data string
}

func text(s string) frame { return frame{typ: websocket.MessageText, data: s} }

// newEventServer starts a WebSocket server that writes frames to every
// client. When hold is true, the server keeps the connection open until the
// client goes away; otherwise it closes normally after the last frame.
func newEventServer(t *testing.T, frames []frame, hold bool) (*httptest.Server, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()
		for _, f := range frames {
			if err := conn.Write(ctx, f.typ, []byte(f.data)); err != nil {
				return
			}
		}
		if hold {
			_, _, _ = conn.Read(ctx)
			return
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

type requestLog struct {
	mu      sync.Mutex
	paths   []string
	headers []http.Header
}

func (l *requestLog) record(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, r.URL.Path)
	l.headers = append(l.headers, r.Header.Clone())
}

// recorder is a Handler collecting everything it is given.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	closes []error
	closed chan struct{}
}

func newRecorder() *recorder { return &recorder{closed: make(chan struct{})} }

func (r *recorder) HandleEvent(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) HandleClose(err error) {
	r.mu.Lock()
	r.closes = append(r.closes, err)
	n := len(r.closes)
	r.mu.Unlock()
	if n == 1 {
		close(r.closed)
	}
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleClose was not called")
	}
}

func TestNewClient_URL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, want string
	}{
		{"http://localhost:8000", "ws://localhost:8000/sessions/s%201/events"},
		{"https://api.example.com/v1/", "wss://api.example.com/v1/sessions/s%201/events"},
		{"ws://h", "ws://h/sessions/s%201/events"},
	}
	for _, tc := range tests {
		c, err := NewClient(tc.base)
		if err != nil {
			t.Fatalf("NewClient(%q): %v", tc.base, err)
		}
		if got := c.URL("s 1"); got != tc.want {
			t.Errorf("URL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}

	if _, err := NewClient("ftp://nope"); err == nil {
		t.Error("NewClient accepted an ftp url")
	}
}

func TestOpen_DeliversInOrderAndDropsMalformed(t *testing.T) {
	t.Parallel()

	srv, reqs := newEventServer(t, []frame{
		text(`{"type":"session.started","sessionId":"s1","persona":{"tone":"calm"}}`),
		text(`not json at all`),
		text(`{"type":"agent.speech.delta","text":"Hel"}`),
		{typ: websocket.MessageBinary, data: "\x00\x01"},
		text(`{"no":"type"}`),
		text(`{"type":"agent.speech.delta","text":"lo"}`),
		text(`{"type":"brand.new.thing"}`),
		text(`{"type":"agent.speech.done"}`),
	}, false)

	c, err := NewClient(srv.URL, WithHeader("Authorization", "Bearer k"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	rec := newRecorder()
	s, err := c.Open(context.Background(), "s1", rec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	rec.waitClosed(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	wantTypes := []protocol.Type{
		protocol.TypeSessionStarted,
		protocol.TypeAgentSpeechDelta,
		protocol.TypeAgentSpeechDelta,
		"brand.new.thing",
		protocol.TypeAgentSpeechDone,
	}
	if len(rec.events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %#v", len(rec.events), len(wantTypes), rec.events)
	}
	for i, want := range wantTypes {
		if got := rec.events[i].Metadata().Type; got != want {
			t.Errorf("event %d type = %q, want %q", i, got, want)
		}
	}
	if d, ok := rec.events[1].(protocol.AgentSpeechDelta); !ok || d.Text != "Hel" {
		t.Errorf("event 1 = %#v", rec.events[1])
	}
	if _, ok := rec.events[3].(protocol.Unknown); !ok {
		t.Errorf("event 3 = %T, want protocol.Unknown", rec.events[3])
	}

	if len(rec.closes) != 1 || rec.closes[0] == nil {
		t.Errorf("closes = %v, want one non-nil remote close error", rec.closes)
	}

	reqs.mu.Lock()
	defer reqs.mu.Unlock()
	if len(reqs.paths) != 1 || reqs.paths[0] != "/sessions/s1/events" {
		t.Errorf("paths = %v", reqs.paths)
	}
	if got := reqs.headers[0].Get("Authorization"); got != "Bearer k" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestStream_LocalCloseReportsNil(t *testing.T) {
	t.Parallel()

	srv, _ := newEventServer(t, []frame{text(`{"type":"speech.final","text":"hi"}`)}, true)
	c, _ := NewClient(srv.URL)
	rec := newRecorder()
	s, err := c.Open(context.Background(), "s1", rec)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Give the first frame a chance to arrive; the close must be reported
	// either way.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.events)
		rec.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	rec.waitClosed(t)
	<-s.Done()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.closes) != 1 {
		t.Fatalf("HandleClose called %d times, want 1", len(rec.closes))
	}
	if rec.closes[0] != nil {
		t.Errorf("HandleClose(%v), want nil for a local close", rec.closes[0])
	}
}

// lockingHandler takes a lock in every callback, like the session controller.
type lockingHandler struct {
	mu *sync.Mutex
	*recorder
}

func (h lockingHandler) HandleEvent(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorder.HandleEvent(ev)
}

func (h lockingHandler) HandleClose(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorder.HandleClose(err)
}

func TestStream_CloseUnderHandlerLockDoesNotDeadlock(t *testing.T) {
	t.Parallel()

	srv, _ := newEventServer(t, nil, true)
	c, _ := NewClient(srv.URL)

	var mu sync.Mutex
	rec := newRecorder()
	s, err := c.Open(context.Background(), "s1", lockingHandler{mu: &mu, recorder: rec})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		mu.Lock()
		_ = s.Close()
		mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked while the handler lock was held")
	}
	rec.waitClosed(t)
}

func TestOpen_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Open(context.Background(), "missing", newRecorder())
	if err == nil {
		t.Fatal("Open succeeded against a non-WebSocket endpoint")
	}
	if !strings.HasPrefix(err.Error(), "stream: dial:") {
		t.Errorf("err = %v, want stream: dial prefix", err)
	}
}

func TestStream_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	srv, _ := newEventServer(t, []frame{
		text(`{"type":"agent.speech","text":"x"}`),
		text(`{"type":""}`),
	}, false)
	c, _ := NewClient(srv.URL, WithMetrics(m))
	rec := newRecorder()
	if _, err := c.Open(context.Background(), "s1", rec); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.waitClosed(t)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[met.Name] += dp.Value
				}
			}
		}
	}
	if totals["flowone.stream.events"] != 1 {
		t.Errorf("events = %d, want 1", totals["flowone.stream.events"])
	}
	if totals["flowone.stream.dropped_frames"] != 1 {
		t.Errorf("dropped = %d, want 1", totals["flowone.stream.dropped_frames"])
	}
	if totals["flowone.stream.disconnects"] != 1 {
		t.Errorf("disconnects = %d, want 1", totals["flowone.stream.disconnects"])
	}
}
