// Package webrtc implements [media.RoomJoiner] on top of pion/webrtc.
//
// Rooms are joined with a WHEP-style exchange: the joiner creates a
// receive-only peer connection with one video and one audio transceiver,
// POSTs the complete SDP offer to the room URL and applies the SDP answer
// from the response body. The Location header of the response names the
// session resource that is DELETEd when the room is left.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/flowone/pkg/media"
)

const (
	// maxAnswerBytes bounds the SDP answer read from the signalling response.
	maxAnswerBytes = 64 << 10

	// trackBuffer is how many undelivered inbound tracks a room holds.
	trackBuffer = 8

	defaultMaxRetries = 3
)

// ErrSendNotSupported is returned when a join asks for local capture.
var ErrSendNotSupported = errors.New("webrtc: only receive-only joins are supported")

// SignalError reports a non-success response from the room's signalling
// endpoint.
type SignalError struct {
	StatusCode int
	Body       string
}

func (e *SignalError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webrtc: signalling failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("webrtc: signalling failed with status %d: %s", e.StatusCode, e.Body)
}

// Option is a functional option for [New].
type Option func(*Joiner)

// WithHTTPClient sets the client used for signalling requests.
func WithHTTPClient(c *http.Client) Option {
	return func(j *Joiner) { j.client = c }
}

// WithICEServers sets the STUN/TURN server URLs offered to the peer
// connection.
func WithICEServers(urls ...string) Option {
	return func(j *Joiner) { j.iceServers = urls }
}

// WithMaxRetries sets how many times a failed signalling request is retried
// when the failure looks transient (network error, 429 or 5xx).
func WithMaxRetries(n int) Option {
	return func(j *Joiner) { j.maxRetries = n }
}

// WithRetryInterval sets the initial backoff between signalling retries.
func WithRetryInterval(d time.Duration) Option {
	return func(j *Joiner) { j.retryInterval = d }
}

// Joiner joins rooms over WebRTC. It is safe for concurrent use.
type Joiner struct {
	client        *http.Client
	iceServers    []string
	maxRetries    int
	retryInterval time.Duration
}

// New returns a Joiner with the given options applied.
func New(opts ...Option) *Joiner {
	j := &Joiner{
		client:        http.DefaultClient,
		maxRetries:    defaultMaxRetries,
		retryInterval: 250 * time.Millisecond,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Join implements [media.RoomJoiner].
func (j *Joiner) Join(ctx context.Context, roomURL string, opts media.JoinOptions) (media.Room, error) {
	if !opts.ReceiveOnly {
		return nil, ErrSendNotSupported
	}

	cfg := webrtc.Configuration{}
	if len(j.iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: j.iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	r := &room{
		pc:     pc,
		client: j.client,
		token:  opts.Token,
		tracks: make(chan media.Track, trackBuffer),
	}
	fail := func(err error) (media.Room, error) {
		_ = pc.Close()
		return nil, err
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fail(fmt.Errorf("webrtc: add %s transceiver: %w", kind, err))
		}
	}

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.deliver(&remoteTrack{tr: tr})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			r.end(fmt.Errorf("webrtc: peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			r.end(media.ErrRoomClosed)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("webrtc: create offer: %w", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("webrtc: set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	answer, location, err := j.signal(ctx, roomURL, opts.Token, pc.LocalDescription().SDP)
	if err != nil {
		return fail(err)
	}
	r.resource = resolveLocation(roomURL, location)
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		_ = r.deleteResource(context.WithoutCancel(ctx))
		return fail(fmt.Errorf("webrtc: set remote description: %w", err))
	}

	slog.Debug("webrtc: room joined", "room", roomURL, "resource", r.resource)
	return r, nil
}

// signal POSTs the offer and returns the answer SDP and the Location header.
func (j *Joiner) signal(ctx context.Context, roomURL, token, offer string) (answer, location string, err error) {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, roomURL, strings.NewReader(offer))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("webrtc: build signalling request: %w", err))
		}
		req.Header.Set("Content-Type", "application/sdp")
		req.Header.Set("Accept", "application/sdp")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := j.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("webrtc: signalling request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
		if err != nil {
			return fmt.Errorf("webrtc: read signalling response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			if len(body) == 0 {
				return backoff.Permanent(errors.New("webrtc: signalling response carried no SDP answer"))
			}
			answer = string(body)
			location = resp.Header.Get("Location")
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &SignalError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		default:
			return backoff.Permanent(&SignalError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = j.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(j.maxRetries, 0))), ctx)

	notify := func(err error, next time.Duration) {
		slog.Warn("webrtc: signalling failed, retrying", "room", roomURL, "err", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", "", err
	}
	return answer, location, nil
}

// resolveLocation turns a possibly relative Location header into an
// absolute URL. It returns "" when there is nothing to resolve.
func resolveLocation(roomURL, location string) string {
	if location == "" {
		return ""
	}
	base, err := url.Parse(roomURL)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

// room is a joined WebRTC room.
type room struct {
	pc       *webrtc.PeerConnection
	client   *http.Client
	token    string
	resource string

	tracks chan media.Track

	mu     sync.Mutex
	closed bool
	left   bool
	err    error
}

func (r *room) Tracks() <-chan media.Track { return r.tracks }

func (r *room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// deliver hands t to the consumer without blocking the pion callback.
func (r *room) deliver(t media.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.tracks <- t:
	default:
		slog.Warn("webrtc: track buffer full, dropping track", "track", t.ID(), "kind", t.Kind())
	}
}

// end marks the room as ended by the remote side.
func (r *room) end(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.err = err
	close(r.tracks)
}

func (r *room) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return nil
	}
	r.left = true
	if !r.closed {
		r.closed = true
		close(r.tracks)
	}
	r.mu.Unlock()

	return errors.Join(r.deleteResource(ctx), r.pc.Close())
}

// deleteResource ends the signalling session on the remote side.
func (r *room) deleteResource(ctx context.Context) error {
	if r.resource == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.resource, nil)
	if err != nil {
		return fmt.Errorf("webrtc: build leave request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("webrtc: leave request: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return &SignalError{StatusCode: resp.StatusCode}
	}
	return nil
}

// remoteTrack adapts a pion remote track to [media.Track].
type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string       { return t.tr.ID() }
func (t *remoteTrack) StreamID() string { return t.tr.StreamID() }
func (t *remoteTrack) Codec() string    { return t.tr.Codec().MimeType }

func (t *remoteTrack) Kind() media.Kind {
	if t.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func (t *remoteTrack) Read(b []byte) (int, error) {
	n, _, err := t.tr.Read(b)
	return n, err
}

// Compile-time interface assertions.
var (
	_ media.RoomJoiner = (*Joiner)(nil)
	_ media.Room       = (*room)(nil)
	_ media.Track      = (*remoteTrack)(nil)
)
