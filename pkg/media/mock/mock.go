// Package mock provides in-memory implementations of [media.RoomJoiner],
// [media.Room] and [media.Track] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	j := &mock.Joiner{}
//	j.OnJoin = func(r *mock.Room) { r.PushTrack(mock.NewVideoTrack("v1", "s1")) }
//	room, err := j.Join(ctx, "https://rooms.example/abc", media.JoinOptions{ReceiveOnly: true})
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/flowone/pkg/media"
)

// ─── Joiner ──────────────────────────────────────────────────────────────────

// JoinCall records the arguments of one [Joiner.Join] call.
type JoinCall struct {
	URL     string
	Options media.JoinOptions
}

// Joiner is a mock implementation of [media.RoomJoiner].
type Joiner struct {
	mu sync.Mutex

	// JoinError, when set, is returned by every Join call.
	JoinError error

	// Gate, when non-nil, makes Join block until it is closed or the
	// context is cancelled.
	Gate chan struct{}

	// OnJoin, when set, is called with every room before Join returns it.
	OnJoin func(*Room)

	// Calls records every Join call in order.
	Calls []JoinCall

	rooms []*Room
}

// Join implements [media.RoomJoiner].
func (j *Joiner) Join(ctx context.Context, url string, opts media.JoinOptions) (media.Room, error) {
	j.mu.Lock()
	j.Calls = append(j.Calls, JoinCall{URL: url, Options: opts})
	gate, joinErr, onJoin := j.Gate, j.JoinError, j.OnJoin
	j.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if joinErr != nil {
		return nil, joinErr
	}

	r := NewRoom()
	j.mu.Lock()
	j.rooms = append(j.rooms, r)
	j.mu.Unlock()
	if onJoin != nil {
		onJoin(r)
	}
	return r, nil
}

// CallCount returns how many times Join was called.
func (j *Joiner) CallCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.Calls)
}

// Rooms returns the rooms created so far, in join order.
func (j *Joiner) Rooms() []*Room {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Room, len(j.rooms))
	copy(out, j.rooms)
	return out
}

// ─── Room ────────────────────────────────────────────────────────────────────

// Room is a mock implementation of [media.Room]. Tests deliver tracks with
// [Room.PushTrack] and simulate a remote hang-up with [Room.CloseRemote].
type Room struct {
	mu sync.Mutex

	// LeaveError is returned by Leave.
	LeaveError error

	tracks     chan media.Track
	closed     bool
	err        error
	leaveCount int
}

// NewRoom returns a live room with a small track buffer.
func NewRoom() *Room {
	return &Room{tracks: make(chan media.Track, 8)}
}

// Tracks implements [media.Room].
func (r *Room) Tracks() <-chan media.Track { return r.tracks }

// Err implements [media.Room].
func (r *Room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Leave implements [media.Room].
func (r *Room) Leave(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveCount++
	if !r.closed {
		r.closed = true
		close(r.tracks)
	}
	return r.LeaveError
}

// PushTrack delivers t to the room's consumer. It returns false when the
// room is closed or the buffer is full.
func (r *Room) PushTrack(t media.Track) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.tracks <- t:
		return true
	default:
		return false
	}
}

// CloseRemote ends the room as if the remote side hung up. A nil err is
// reported as [media.ErrRoomClosed].
func (r *Room) CloseRemote(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err == nil {
		err = media.ErrRoomClosed
	}
	r.closed = true
	r.err = err
	close(r.tracks)
}

// LeaveCount returns how many times Leave was called.
func (r *Room) LeaveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveCount
}

// Closed reports whether the room has ended.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ─── Track ───────────────────────────────────────────────────────────────────

// Track is a mock implementation of [media.Track]. Packets written to
// Packets are returned by Read; Read returns io.EOF once Packets is closed
// or when it is nil.
type Track struct {
	TrackID   string
	Stream    string
	MediaKind media.Kind
	Mime      string
	Packets   chan []byte
}

// NewVideoTrack returns a VP8 video track.
func NewVideoTrack(id, streamID string) *Track {
	return &Track{TrackID: id, Stream: streamID, MediaKind: media.KindVideo, Mime: "video/VP8"}
}

// NewAudioTrack returns an Opus audio track.
func NewAudioTrack(id, streamID string) *Track {
	return &Track{TrackID: id, Stream: streamID, MediaKind: media.KindAudio, Mime: "audio/opus"}
}

func (t *Track) ID() string       { return t.TrackID }
func (t *Track) StreamID() string { return t.Stream }
func (t *Track) Kind() media.Kind { return t.MediaKind }
func (t *Track) Codec() string    { return t.Mime }

// Read implements [media.Track].
func (t *Track) Read(b []byte) (int, error) {
	if t.Packets == nil {
		return 0, io.EOF
	}
	p, ok := <-t.Packets
	if !ok {
		return 0, io.EOF
	}
	return copy(b, p), nil
}

// Compile-time interface assertions.
var (
	_ media.RoomJoiner = (*Joiner)(nil)
	_ media.Room       = (*Room)(nil)
	_ media.Track      = (*Track)(nil)
)
