// Package session orchestrates one live conversational session.
//
// A [Controller] creates the session on the backend, opens its event stream
// and folds every event into the transcript, avatar transport, analytics and
// trace state. It owns every network and media resource of the session and
// releases all of them through a single path, whether the session ends by
// [Controller.Close], by a failed open, or by a newer [Controller.Open]
// superseding it.
//
// All state is guarded by one mutex. Change notifications are queued while
// the lock is held and delivered afterwards, in order, so listeners may call
// back into the Controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/flowone/internal/analytics"
	"github.com/MrWong99/flowone/internal/api"
	"github.com/MrWong99/flowone/internal/avatar"
	"github.com/MrWong99/flowone/internal/observe"
	"github.com/MrWong99/flowone/internal/protocol"
	"github.com/MrWong99/flowone/internal/stream"
	"github.com/MrWong99/flowone/internal/transcript"
	"github.com/MrWong99/flowone/pkg/media"
)

// Backend is the subset of the control API the controller needs.
// [*api.Client] implements it.
type Backend interface {
	CreateSession(ctx context.Context, agentID string, enableAvatar bool) (api.Session, error)
	SendMessage(ctx context.Context, sessionID, text string) (api.SendResult, error)
	VoiceToken(ctx context.Context, sessionID string) (api.VoiceToken, error)
}

var _ Backend = (*api.Client)(nil)

// StreamOpener opens the event stream of a session. Returning without error
// means the underlying connection is established. The returned closer ends
// the stream; it must not block on handler delivery.
type StreamOpener interface {
	Open(ctx context.Context, sessionID string, h stream.Handler) (io.Closer, error)
}

// StreamOpenerFunc adapts a function to [StreamOpener].
type StreamOpenerFunc func(ctx context.Context, sessionID string, h stream.Handler) (io.Closer, error)

// Open implements [StreamOpener].
func (f StreamOpenerFunc) Open(ctx context.Context, sessionID string, h stream.Handler) (io.Closer, error) {
	return f(ctx, sessionID, h)
}

// Streams adapts a [stream.Client] to [StreamOpener].
func Streams(c *stream.Client) StreamOpener {
	return StreamOpenerFunc(func(ctx context.Context, sessionID string, h stream.Handler) (io.Closer, error) {
		s, err := c.Open(ctx, sessionID, h)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// State is the lifecycle state of the controller.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateActive
	StateClosed
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Info describes the current session.
type Info struct {
	ID              string
	AgentID         string
	AvatarRequested bool
	OpenedAt        time.Time
}

// OpenOptions configures [Controller.Open].
type OpenOptions struct {
	// EnableAvatar asks the backend to start avatar video.
	EnableAvatar bool
}

// Handle identifies the session established by one [Controller.Open].
type Handle struct {
	Info Info

	c   *Controller
	gen uint64
}

// Current reports whether the session of h is still the controller's
// active session.
func (h *Handle) Current() bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.gen == h.c.gen && h.c.state == StateActive
}

// ChangeKind names what changed in a [Change] notification.
type ChangeKind int

const (
	ChangeStatus ChangeKind = iota
	ChangeTranscript
	ChangeAvatar
	ChangeAnalytics
	ChangeTrace
	ChangeRoute
	ChangeDisconnected
	ChangeVoice
	ChangeServerError
)

var changeNames = [...]string{
	ChangeStatus:       "status",
	ChangeTranscript:   "transcript",
	ChangeAvatar:       "avatar",
	ChangeAnalytics:    "analytics",
	ChangeTrace:        "trace",
	ChangeRoute:        "route",
	ChangeDisconnected: "disconnected",
	ChangeVoice:        "voice",
	ChangeServerError:  "server_error",
}

func (k ChangeKind) String() string {
	if int(k) >= 0 && int(k) < len(changeNames) {
		return changeNames[k]
	}
	return fmt.Sprintf("change(%d)", int(k))
}

// Change is one state change notification. Listeners read the new state
// with [Controller.Snapshot].
type Change struct {
	Kind ChangeKind

	// Status is the controller state when the change was queued.
	Status State

	// Err is set for ChangeDisconnected, ChangeServerError and failed
	// avatar transitions.
	Err error
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Status     State
	Session    Info
	Connected  bool
	Persona    protocol.Persona
	Transcript []transcript.Message
	Avatar     avatar.State
	Analytics  analytics.Snapshot
	TraceID    string

	// RoutedAgentID is the peer agent announced by the last route.auto.
	RoutedAgentID string

	// Voice is the push-to-talk credential while voice capture is enabled.
	Voice *api.VoiceToken

	LastError error
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithAvatar sets the avatar transport manager. Without it, room
// transports fail to join.
func WithAvatar(m *avatar.Manager) Option {
	return func(c *Controller) { c.avatar = m }
}

// WithMetrics records the active session gauge and analytics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithOpenTimeout bounds session creation plus stream connection. Zero
// means only the caller's context applies.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *Controller) { c.openTimeout = d }
}

// WithTranscriptOptions passes options to the transcript assembler.
func WithTranscriptOptions(opts ...transcript.Option) Option {
	return func(c *Controller) { c.transcriptOpts = append(c.transcriptOpts, opts...) }
}

// Controller runs one session at a time. It is safe for concurrent use.
type Controller struct {
	backend        Backend
	streams        StreamOpener
	avatar         *avatar.Manager
	metrics        *observe.Metrics
	openTimeout    time.Duration
	transcriptOpts []transcript.Option

	mu          sync.Mutex
	state       State
	gen         uint64
	info        Info
	connected   bool
	streamLost  bool
	counted     bool
	source      io.Closer
	cancelOpen  context.CancelFunc
	persona     protocol.Persona
	transcript  *transcript.Assembler
	analytics   *analytics.Aggregator
	trace       analytics.Correlator
	routed      string
	voice       *api.VoiceToken
	lastErr     error
	listeners   []func(Change)
	pending     []Change
	dispatching bool
}

// New returns an idle Controller.
func New(backend Backend, streams StreamOpener, opts ...Option) *Controller {
	c := &Controller{
		backend: backend,
		streams: streams,
	}
	for _, o := range opts {
		o(c)
	}
	if c.avatar == nil {
		c.avatar = avatar.New(noRooms{})
	}
	c.transcript = transcript.New(c.transcriptOpts...)
	var aggOpts []analytics.AggregatorOption
	if c.metrics != nil {
		aggOpts = append(aggOpts, analytics.WithMetrics(c.metrics))
	}
	c.analytics = analytics.NewAggregator(aggOpts...)
	c.avatar.OnChange(c.onAvatarChange)
	return c
}

// OnChange registers fn for change notifications. Notifications are
// delivered in the order the changes happened, never while the controller
// lock is held.
func (c *Controller) OnChange(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether a session is open.
func (c *Controller) Active() bool { return c.State() == StateActive }

// Connected reports whether the event stream of the active session is up.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Snapshot returns a consistent copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Status:        c.state,
		Session:       c.info,
		Connected:     c.connected,
		Persona:       c.persona,
		Transcript:    c.transcript.Messages(),
		Avatar:        c.avatar.State(),
		Analytics:     c.analytics.Snapshot(),
		TraceID:       c.trace.TraceID(),
		RoutedAgentID: c.routed,
		LastError:     c.lastErr,
	}
	if c.voice != nil {
		v := *c.voice
		s.Voice = &v
	}
	return s
}

// Open creates a session with agentID and connects its event stream. Any
// session the controller already runs is released first. Open returns
// [ErrClosed] when [Controller.Close] or another Open interrupts it.
func (c *Controller) Open(ctx context.Context, agentID string, opts OpenOptions) (h *Handle, err error) {
	ctx, span := observe.StartSpan(ctx, "session.open",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.Bool("avatar.enabled", opts.EnableAvatar),
		),
	)
	defer func() { observe.EndSpan(span, err) }()
	defer c.flush()

	var cancel context.CancelFunc
	if c.openTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.openTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	c.mu.Lock()
	c.releaseLocked()
	gen := c.gen
	c.cancelOpen = cancel
	c.setStateLocked(StateOpening)
	c.mu.Unlock()

	sess, err := c.backend.CreateSession(ctx, agentID, opts.EnableAvatar)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if err != nil {
		createErr := &SessionCreateError{AgentID: agentID, Err: err}
		c.failOpenLocked(createErr)
		c.mu.Unlock()
		return nil, createErr
	}
	c.info = Info{
		ID:              sess.ID,
		AgentID:         agentID,
		AvatarRequested: opts.EnableAvatar,
		OpenedAt:        time.Now(),
	}
	if c.trace.ObserveID(sess.TraceID) {
		c.emitLocked(ChangeTrace, nil)
	}
	c.mu.Unlock()

	ctx = observe.WithBackendTrace(ctx, sess.TraceID)
	span.SetAttributes(attribute.String("session.id", sess.ID))
	log := observe.Logger(ctx).With("session_id", sess.ID)

	src, err := c.streams.Open(ctx, sess.ID, &handler{c: c, gen: gen})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if src != nil {
			_ = src.Close()
		}
		return nil, ErrClosed
	}
	if err != nil {
		disc := &DisconnectedError{SessionID: sess.ID, Err: err}
		c.failOpenLocked(disc)
		c.mu.Unlock()
		return nil, disc
	}
	c.cancelOpen = nil
	if c.streamLost {
		_ = src.Close()
	} else {
		c.source = src
		c.connected = true
	}
	c.counted = true
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	c.setStateLocked(StateActive)
	h = &Handle{Info: c.info, c: c, gen: gen}
	c.mu.Unlock()

	log.Info("session: active", "agent_id", agentID, "avatar", opts.EnableAvatar)
	return h, nil
}

// SendMessage submits a user utterance. It never changes the transcript on
// success; the resulting speech events are the only source of transcript
// truth. A failure appends a local error message and is returned as a
// [*SendError]; the session stays open.
func (c *Controller) SendMessage(ctx context.Context, text string) (err error) {
	if strings.TrimSpace(text) == "" {
		return &SendError{Err: ErrEmptyMessage}
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return &SendError{Err: ErrNoSession}
	}
	sid, gen := c.info.ID, c.gen
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.send_message",
		trace.WithAttributes(attribute.String("session.id", sid)))
	defer func() { observe.EndSpan(span, err) }()
	defer c.flush()

	res, sendErr := c.backend.SendMessage(ctx, sid, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		if sendErr != nil {
			return &SendError{SessionID: sid, Err: sendErr}
		}
		return nil
	}
	// The agent trace id wins when both are present.
	traced := c.trace.ObserveID(res.TraceIDUser)
	if c.trace.ObserveID(res.TraceIDAgent) {
		traced = true
	}
	if traced {
		c.emitLocked(ChangeTrace, nil)
	}

	if sendErr != nil {
		se := &SendError{SessionID: sid, Err: sendErr}
		c.transcript.AppendError("Failed to send message: " + sendErr.Error())
		c.lastErr = se
		c.emitLocked(ChangeTranscript, se)
		observe.Logger(ctx).Warn("session: send failed", "session_id", sid, "err", sendErr)
		return se
	}
	return nil
}

// SetVoiceCapture enables or disables push-to-talk. Enabling fetches a
// voice room credential from the backend and exposes it in
// [Snapshot.Voice]; disabling drops it.
func (c *Controller) SetVoiceCapture(ctx context.Context, enabled bool) error {
	defer c.flush()

	c.mu.Lock()
	if !enabled {
		if c.voice != nil {
			c.voice = nil
			c.emitLocked(ChangeVoice, nil)
		}
		c.mu.Unlock()
		return nil
	}
	if c.state != StateActive {
		c.mu.Unlock()
		return fmt.Errorf("session: voice capture: %w", ErrNoSession)
	}
	sid, gen := c.info.ID, c.gen
	c.mu.Unlock()

	tok, err := c.backend.VoiceToken(ctx, sid)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return fmt.Errorf("session: voice capture: %w", ErrNoSession)
	}
	if err != nil {
		err = fmt.Errorf("session: voice capture: %w", err)
		c.lastErr = err
		c.emitLocked(ChangeVoice, err)
		return err
	}
	c.voice = &tok
	c.emitLocked(ChangeVoice, nil)
	return nil
}

// Close ends the session: it cancels an in-flight Open, closes the event
// stream, tears the avatar transport down and resets transcript, analytics
// and trace state. Calling Close more than once has the same effect as
// calling it once.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.releaseLocked()
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.flush()
	return nil
}

// WaitIdle blocks until the avatar manager has finished leaving rooms. It
// is meant for orderly shutdown after [Controller.Close].
func (c *Controller) WaitIdle() { c.avatar.Wait() }

// releaseLocked is the single exit path for every session resource. It
// invalidates callbacks of the previous generation and returns the
// per-session state to its initial values. The lifecycle state is left for
// the caller to set.
func (c *Controller) releaseLocked() {
	c.gen++
	if c.cancelOpen != nil {
		c.cancelOpen()
		c.cancelOpen = nil
	}
	if c.source != nil {
		if err := c.source.Close(); err != nil {
			observe.Logger(context.Background()).Warn("session: closing event stream failed",
				"session_id", c.info.ID, "err", err)
		}
		c.source = nil
	}
	if c.avatar.State().Kind != avatar.KindIdle {
		c.emitLocked(ChangeAvatar, nil)
	}
	c.avatar.Teardown()
	if c.counted {
		c.counted = false
		if c.metrics != nil {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}

	dirty := c.info != (Info{}) || len(c.transcript.Messages()) > 0 ||
		c.analytics.Snapshot() != (analytics.Snapshot{}) || c.trace.TraceID() != "" ||
		c.routed != "" || c.voice != nil || c.lastErr != nil

	c.info = Info{}
	c.connected = false
	c.streamLost = false
	c.persona = protocol.Persona{}
	c.transcript.Reset()
	c.analytics.Reset()
	c.trace.Reset()
	c.routed = ""
	c.voice = nil
	c.lastErr = nil

	if dirty {
		c.emitLocked(ChangeTranscript, nil)
		c.emitLocked(ChangeAnalytics, nil)
	}
}

// failOpenLocked releases a half-open session and returns to idle with err
// as the last error.
func (c *Controller) failOpenLocked(err error) {
	c.releaseLocked()
	c.lastErr = err
	c.setStateLocked(StateIdle)
	observe.Logger(context.Background()).Warn("session: open failed", "err", err)
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.emitLocked(ChangeStatus, nil)
}

func (c *Controller) emitLocked(kind ChangeKind, err error) {
	c.pending = append(c.pending, Change{Kind: kind, Status: c.state, Err: err})
}

// flush delivers queued changes. Only one goroutine delivers at a time;
// changes queued meanwhile, including by listeners themselves, are picked up
// by the goroutine already delivering.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		listeners := slices.Clone(c.listeners)
		c.mu.Unlock()

		for _, ch := range batch {
			for _, fn := range listeners {
				fn(ch)
			}
		}

		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}

// applyLocked folds one stream event into the session state.
func (c *Controller) applyLocked(ev protocol.Event) {
	if _, ok := ev.(protocol.Unknown); ok {
		return
	}

	ctx := context.Background()
	if c.trace.Observe(ev) {
		c.emitLocked(ChangeTrace, nil)
	}
	if c.analytics.Observe(ctx, ev) {
		c.emitLocked(ChangeAnalytics, nil)
	}

	switch e := ev.(type) {
	case protocol.SessionStarted:
		c.persona = e.Persona
		c.applyTranscriptLocked(ev)
	case protocol.SpeechFinal, protocol.AgentSpeechDelta, protocol.AgentSpeech, protocol.AgentSpeechDone:
		c.applyTranscriptLocked(ev)
	case protocol.AvatarStarted:
		s := c.avatar.OnAvatarStarted(e)
		c.noteAvatarLocked(s)
	case protocol.AvatarError:
		s := c.avatar.OnAvatarError(e)
		c.noteAvatarLocked(s)
	case protocol.RouteAuto:
		if e.AgentID != "" && e.AgentID != c.routed {
			c.routed = e.AgentID
			c.emitLocked(ChangeRoute, nil)
		}
	case protocol.ServerError:
		err := &ServerError{SessionID: c.info.ID, Message: e.Message}
		c.lastErr = err
		c.emitLocked(ChangeServerError, err)
	default:
		// Variants without client-side state.
	}
}

func (c *Controller) applyTranscriptLocked(ev protocol.Event) {
	if _, changed := c.transcript.Apply(ev); changed {
		c.emitLocked(ChangeTranscript, nil)
	}
}

func (c *Controller) noteAvatarLocked(s avatar.State) {
	var err error
	if s.Err != nil {
		err = s.Err
		c.lastErr = err
	}
	c.emitLocked(ChangeAvatar, err)
}

// onAvatarChange receives background avatar transitions. The avatar state
// is read again under the controller lock so that a transition racing with
// a teardown is reported with the state that won.
func (c *Controller) onAvatarChange(avatar.State) {
	c.mu.Lock()
	if c.state != StateOpening && c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.noteAvatarLocked(c.avatar.State())
	c.mu.Unlock()
	c.flush()
}

// handler feeds the events of one stream generation into the controller.
type handler struct {
	c   *Controller
	gen uint64
}

func (h *handler) HandleEvent(ev protocol.Event) {
	c := h.c
	c.mu.Lock()
	if h.gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.applyLocked(ev)
	c.mu.Unlock()
	c.flush()
}

func (h *handler) HandleClose(err error) {
	c := h.c
	c.mu.Lock()
	if h.gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.source = nil
	c.connected = false
	c.streamLost = true
	if err == nil {
		err = errors.New("stream ended")
	}
	disc := &DisconnectedError{SessionID: c.info.ID, Err: err}
	c.lastErr = disc
	c.emitLocked(ChangeDisconnected, disc)
	c.mu.Unlock()

	observe.Logger(context.Background()).Warn("session: event stream lost", "session_id", disc.SessionID, "err", err)
	c.flush()
}

// noRooms is the joiner used when no avatar manager is configured.
type noRooms struct{}

func (noRooms) Join(context.Context, string, media.JoinOptions) (media.Room, error) {
	return nil, errors.New("no room joiner configured")
}
