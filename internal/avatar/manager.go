// Package avatar owns the lifecycle of the avatar video transport of a
// session.
//
// The backend announces the transport with an avatar.started event carrying
// either a directly playable URL or a media room URL. The direct URL always
// wins. A room is joined receive-only in the background and becomes the
// video source once its first video track arrives. Whatever was active
// before is torn down before a new transport is applied, so callers only
// ever see one source: none, a URL, or a live stream.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/flowone/internal/observe"
	"github.com/MrWong99/flowone/internal/protocol"
	"github.com/MrWong99/flowone/pkg/media"
)

// Kind enumerates the transport states.
type Kind int

const (
	KindIdle Kind = iota
	KindLoading
	KindDirectStream
	KindRoomJoined
	KindError
)

// String returns the metric label of k.
func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindLoading:
		return "loading"
	case KindDirectStream:
		return "direct_stream"
	case KindRoomJoined:
		return "room_joined"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the caller-visible transport state.
type State struct {
	Kind Kind

	// URL is set for KindDirectStream, and for KindLoading with the room
	// being joined.
	URL string

	// Stream is set for KindRoomJoined only.
	Stream *media.Stream

	// Err is set for KindError only.
	Err *TransportError
}

// Source is the current playable video source. At most one field is set.
type Source struct {
	URL    string
	Stream *media.Stream
}

// None reports whether there is nothing to play.
func (s Source) None() bool { return s.URL == "" && s.Stream == nil }

// Source returns the playable source for s.
func (s State) Source() Source {
	switch s.Kind {
	case KindDirectStream:
		return Source{URL: s.URL}
	case KindRoomJoined:
		return Source{Stream: s.Stream}
	default:
		return Source{}
	}
}

// TransportError describes why avatar video is unavailable. The session
// stays usable without video.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return "avatar: " + e.Message + ": " + e.Err.Error()
	}
	return "avatar: " + e.Message
}

func (e *TransportError) Unwrap() error { return e.Err }

const (
	defaultJoinTimeout  = 30 * time.Second
	defaultLeaveTimeout = 5 * time.Second
)

// Option is a functional option for [New].
type Option func(*Manager)

// WithJoinTimeout bounds the time from starting a room join until the
// first video track. Zero disables the bound.
func WithJoinTimeout(d time.Duration) Option {
	return func(m *Manager) { m.joinTimeout = d }
}

// WithMetrics records transitions and join durations on mt.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager is the avatar transport state machine. It is safe for concurrent
// use. Transitions caused by a method call are returned to the caller;
// transitions that happen later in the background (room joined, join failed,
// room ended) are reported through the [Manager.OnChange] callback, which is
// invoked without any Manager lock held.
type Manager struct {
	joiner       media.RoomJoiner
	joinTimeout  time.Duration
	leaveTimeout time.Duration
	metrics      *observe.Metrics

	mu         sync.Mutex
	state      State
	gen        uint64
	room       media.Room
	cancelJoin context.CancelFunc
	onChange   func(State)

	wg sync.WaitGroup
}

// New returns an idle Manager that joins rooms with joiner.
func New(joiner media.RoomJoiner, opts ...Option) *Manager {
	m := &Manager{
		joiner:       joiner,
		joinTimeout:  defaultJoinTimeout,
		leaveTimeout: defaultLeaveTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnChange registers fn for background transitions. Subsequent calls replace
// the previous registration.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Source returns the current playable source.
func (m *Manager) Source() Source { return m.State().Source() }

// OnAvatarStarted tears down the current transport and applies the one
// announced by ev.
func (m *Manager) OnAvatarStarted(ev protocol.AvatarStarted) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()

	switch {
	case ev.VideoStreamURL != "":
		m.setLocked(State{Kind: KindDirectStream, URL: ev.VideoStreamURL})
	case ev.DailyRoomURL != "":
		m.setLocked(State{Kind: KindLoading, URL: ev.DailyRoomURL})
		m.startJoinLocked(ev.DailyRoomURL, ev.RoomToken)
	default:
		m.setLocked(State{Kind: KindError, Err: &TransportError{Message: "avatar.started carried no video source"}})
	}
	return m.state
}

// OnAvatarError discards any transport in progress and enters the error
// state with the backend's message.
func (m *Manager) OnAvatarError(ev protocol.AvatarError) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	m.setLocked(State{Kind: KindError, Err: &TransportError{Message: ev.Message}})
	return m.state
}

// Teardown leaves any joined room, cancels an in-flight join and returns to
// idle. It is safe to call more than once.
func (m *Manager) Teardown() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	if m.state.Kind != KindIdle {
		m.setLocked(State{Kind: KindIdle})
	}
	return m.state
}

// Wait blocks until all background joins and leaves have finished. It must
// not be called concurrently with methods that start new work.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) setLocked(s State) {
	m.state = s
	if m.metrics != nil {
		m.metrics.RecordAvatarTransition(context.Background(), s.Kind.String())
	}
}

// teardownLocked invalidates background work and releases the room. The
// state is left for the caller to replace.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.cancelJoin != nil {
		m.cancelJoin()
		m.cancelJoin = nil
	}
	if m.room != nil {
		m.leaveAsync(m.room)
		m.room = nil
	}
}

func (m *Manager) leaveAsync(r media.Room) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.leaveTimeout)
		defer cancel()
		if err := r.Leave(ctx); err != nil {
			slog.Warn("avatar: leaving room failed", "err", err)
		}
	}()
}

func (m *Manager) startJoinLocked(url, token string) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.joinTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.joinTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	m.cancelJoin = cancel
	gen := m.gen

	m.wg.Add(1)
	go m.join(ctx, gen, url, token)
}

// join runs the room join for generation gen and then follows the room
// until it ends or the generation is superseded.
func (m *Manager) join(ctx context.Context, gen uint64, url, token string) {
	defer m.wg.Done()

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "avatar.room_join")
	var spanErr error
	spanOpen := true
	defer func() {
		if spanOpen {
			observe.EndSpan(span, spanErr)
		}
	}()

	room, err := m.joiner.Join(ctx, url, media.JoinOptions{Token: token, ReceiveOnly: true})
	if err != nil {
		spanErr = err
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return // superseded
		}
		m.fail(gen, joinFailure(ctx, err))
		return
	}
	if !m.adopt(gen, room) {
		m.leaveAsync(room)
		return
	}

	var audio []media.Track
	joined := false
	for {
		select {
		case tr, ok := <-room.Tracks():
			if !ok {
				cause := room.Err()
				if cause == nil {
					// Left locally; the generation has moved on.
					return
				}
				msg := "room ended"
				if !joined {
					msg = "room closed before a video track arrived"
				}
				spanErr = cause
				m.fail(gen, &TransportError{Message: msg, Err: cause})
				return
			}
			if joined {
				continue
			}
			if tr.Kind() != media.KindVideo {
				audio = append(audio, tr)
				continue
			}
			stream := media.NewStream(tr)
			stream.Audio = audio
			if m.metrics != nil {
				m.metrics.RoomJoinDuration.Record(ctx, time.Since(start).Seconds())
			}
			if !m.transition(gen, State{Kind: KindRoomJoined, Stream: stream}) {
				return
			}
			joined = true
			spanOpen = false
			span.End()

		case <-ctx.Done():
			if !joined && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				spanErr = ctx.Err()
				m.fail(gen, &TransportError{Message: "room join timed out", Err: ctx.Err()})
				return
			}
			if !joined {
				return
			}
			// The join deadline no longer applies once video flows; keep
			// following the room until it ends.
			ctx = context.Background()
		}
	}
}

// adopt stores room as the active room if gen is still current.
func (m *Manager) adopt(gen uint64, room media.Room) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.room = room
	return true
}

// transition applies s if gen is still current and notifies the listener.
func (m *Manager) transition(gen uint64, s State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.setLocked(s)
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(s)
	}
	return true
}

// fail releases the room of generation gen and enters the error state.
func (m *Manager) fail(gen uint64, err *TransportError) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.cancelJoin != nil {
		m.cancelJoin()
		m.cancelJoin = nil
	}
	if m.room != nil {
		m.leaveAsync(m.room)
		m.room = nil
	}
	s := State{Kind: KindError, Err: err}
	m.setLocked(s)
	fn := m.onChange
	m.mu.Unlock()

	slog.Warn("avatar: transport failed", "err", err)
	if fn != nil {
		fn(s)
	}
}

func joinFailure(ctx context.Context, err error) *TransportError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TransportError{Message: "room join timed out", Err: err}
	}
	return &TransportError{Message: "room join failed", Err: err}
}
