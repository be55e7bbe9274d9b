// Package protocol defines the server-pushed session events consumed by the
// flowone client runtime and the decoder that turns raw stream frames into
// them.
//
// [Event] is a closed set: every variant is a struct in this package that
// implements the unexported marker method. Consumers switch over the concrete
// types and must keep an explicit arm for [Unknown], which carries any
// well-formed frame whose type this client does not understand.
package protocol

import "time"

// Type is the wire discriminator of a session event.
type Type string

const (
	TypeSessionStarted   Type = "session.started"
	TypeSpeechFinal      Type = "speech.final"
	TypeAgentSpeechDelta Type = "agent.speech.delta"
	TypeAgentSpeech      Type = "agent.speech"
	TypeAgentSpeechDone  Type = "agent.speech.done"
	TypeAvatarStarted    Type = "avatar.started"
	TypeAvatarError      Type = "avatar.error"
	TypeRouteAuto        Type = "route.auto"
	TypeError            Type = "error"
)

// Event is one decoded session event.
type Event interface {
	// Metadata returns the fields shared by every variant.
	Metadata() Meta

	isEvent()
}

// Meta holds the fields any event may carry regardless of its variant.
type Meta struct {
	// Type is the raw discriminator as received.
	Type Type

	// TraceID is the backend diagnostic correlation id, if present.
	TraceID string

	// LatencyMS is the backend-reported latency for this event, if present.
	LatencyMS *float64

	// Tokens is the token usage attributed to this event, if present.
	Tokens *int64

	// ReceivedAt is when the frame was decoded.
	ReceivedAt time.Time
}

// Metadata implements [Event].
func (m Meta) Metadata() Meta { return m }

// Persona describes the agent persona announced at session start.
type Persona struct {
	Tone  string   `json:"tone"`
	Goals []string `json:"goals"`
}

// SessionStarted is sent once the backend has spawned the session runtime.
type SessionStarted struct {
	Meta
	SessionID string
	Persona   Persona
}

// SpeechFinal is a finalized utterance recognised from the human.
type SpeechFinal struct {
	Meta
	Text string
}

// AgentSpeechDelta is an incremental fragment of the agent's current reply.
type AgentSpeechDelta struct {
	Meta
	Text   string
	TurnID string
}

// AgentSpeech is the complete, authoritative text of the agent's reply.
type AgentSpeech struct {
	Meta
	Text   string
	TurnID string
}

// AgentSpeechDone marks the end of the agent's turn.
type AgentSpeechDone struct {
	Meta
	TurnID string
}

// AvatarStarted announces the avatar video transport for the session. When
// both URLs are set, VideoStreamURL takes precedence.
type AvatarStarted struct {
	Meta
	VideoStreamURL string
	DailyRoomURL   string

	// RoomToken optionally authorises joining DailyRoomURL.
	RoomToken string
}

// AvatarError reports that the backend could not provide avatar video.
type AvatarError struct {
	Meta
	Message string
}

// RouteAuto reports that the conversation was routed to a peer agent.
type RouteAuto struct {
	Meta
	AgentID string
}

// ServerError is a generic error pushed by the backend, e.g. for an unknown
// session id.
type ServerError struct {
	Meta
	Message string
}

// Unknown is a well-formed frame with an unrecognised type. It is valid and
// must be ignored by consumers.
type Unknown struct {
	Meta
	Raw []byte
}

func (SessionStarted) isEvent()   {}
func (SpeechFinal) isEvent()      {}
func (AgentSpeechDelta) isEvent() {}
func (AgentSpeech) isEvent()      {}
func (AgentSpeechDone) isEvent()  {}
func (AvatarStarted) isEvent()    {}
func (AvatarError) isEvent()      {}
func (RouteAuto) isEvent()        {}
func (ServerError) isEvent()      {}
func (Unknown) isEvent()          {}
