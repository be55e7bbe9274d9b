// Package media defines the room media abstraction used to receive a remote
// avatar video feed.
//
// A [RoomJoiner] joins a real-time media room and returns a [Room] that
// delivers the remote tracks it subscribes to. Implementations live in
// sub-packages: [github.com/MrWong99/flowone/pkg/media/webrtc] negotiates a
// receive-only WebRTC peer connection, and
// [github.com/MrWong99/flowone/pkg/media/mock] is a scriptable test double.
package media

import (
	"context"
	"errors"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ErrRoomClosed is returned by [Room.Err] when the room ended without a
// more specific cause.
var ErrRoomClosed = errors.New("media: room closed")

// Track is one inbound remote track.
type Track interface {
	// ID is the track identifier announced by the remote side.
	ID() string

	// StreamID groups tracks that belong to the same remote stream.
	StreamID() string

	// Kind reports whether this is an audio or a video track.
	Kind() Kind

	// Codec is the negotiated codec MIME type, e.g. "video/VP8".
	Codec() string

	// Read reads the next raw RTP packet into b. It returns an error once
	// the track or its room has been closed.
	Read(b []byte) (int, error)
}

// Stream is the renderable remote media handed to callers once a room has
// produced a video track.
type Stream struct {
	// ID is the remote stream id of the video track.
	ID string

	// Video is the inbound video track. It is never nil.
	Video Track

	// Audio holds inbound audio tracks of the same stream, if any arrived
	// before the stream was published.
	Audio []Track
}

// NewStream returns a Stream built around the video track v.
func NewStream(v Track) *Stream {
	return &Stream{ID: v.StreamID(), Video: v}
}

// JoinOptions configures a room join.
type JoinOptions struct {
	// Token optionally authorises the join.
	Token string

	// ReceiveOnly disables local audio and video capture.
	ReceiveOnly bool
}

// Room is a joined media room.
type Room interface {
	// Tracks delivers inbound remote tracks in arrival order. The channel
	// is closed when the room ends, locally or remotely.
	Tracks() <-chan Track

	// Err reports why the room ended. It returns nil while the room is live
	// and after a local [Room.Leave].
	Err() error

	// Leave leaves the room and releases its media resources. It is safe
	// to call more than once.
	Leave(ctx context.Context) error
}

// RoomJoiner joins media rooms.
type RoomJoiner interface {
	// Join joins the room at url. It returns once signalling has completed;
	// tracks arrive on [Room.Tracks] afterwards.
	Join(ctx context.Context, url string, opts JoinOptions) (Room, error)
}
