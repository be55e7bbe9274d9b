package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DecodeError reports a frame that is not a well-formed session event. The
// stream drops such frames; they never terminate a session.
type DecodeError struct {
	// Reason is a short description of what was wrong with the frame.
	Reason string

	// Err is the underlying parse error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// wireEvent is the union of every field any variant may carry. Alternative
// spellings seen from different backend revisions are accepted side by side.
type wireEvent struct {
	Type string `json:"type"`

	SessionID string          `json:"sessionId"`
	Persona   json.RawMessage `json:"persona"`

	Text      string `json:"text"`
	Delta     string `json:"delta"`
	TurnID    string `json:"turnId"`
	TurnIDAlt string `json:"turn_id"`
	AgentID   string `json:"agentId"`
	RoutedTo  string `json:"to"`
	Message   string `json:"message"`

	ErrorField json.RawMessage `json:"error"`

	VideoStreamURL string `json:"videoStreamUrl"`
	DailyRoomURL   string `json:"dailyRoomUrl"`
	Token          string `json:"token"`

	TraceID      string   `json:"trace_id"`
	TraceIDAlt   string   `json:"traceId"`
	LatencyMS    *float64 `json:"latency_ms"`
	LatencyMSAlt *float64 `json:"latencyMs"`
	Tokens       *int64   `json:"tokens"`
}

// Decode parses one inbound frame. It returns a [*DecodeError] when the frame
// is not a JSON object or lacks a type discriminator. Frames with an
// unrecognised type decode successfully as [Unknown].
func Decode(frame []byte) (Event, error) {
	return decodeAt(frame, time.Now())
}

func decodeAt(frame []byte, now time.Time) (Event, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Reason: "frame is not a JSON object"}
	}

	var w wireEvent
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, &DecodeError{Reason: "invalid json frame", Err: err}
	}
	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}

	meta := Meta{
		Type:       Type(typ),
		TraceID:    firstNonEmpty(w.TraceID, w.TraceIDAlt),
		LatencyMS:  w.LatencyMS,
		Tokens:     w.Tokens,
		ReceivedAt: now,
	}
	if meta.LatencyMS == nil {
		meta.LatencyMS = w.LatencyMSAlt
	}
	turnID := firstNonEmpty(w.TurnID, w.TurnIDAlt)

	switch meta.Type {
	case TypeSessionStarted:
		return SessionStarted{Meta: meta, SessionID: w.SessionID, Persona: personaOf(w.Persona)}, nil
	case TypeSpeechFinal:
		return SpeechFinal{Meta: meta, Text: w.Text}, nil
	case TypeAgentSpeechDelta:
		return AgentSpeechDelta{Meta: meta, Text: firstNonEmpty(w.Text, w.Delta), TurnID: turnID}, nil
	case TypeAgentSpeech:
		return AgentSpeech{Meta: meta, Text: w.Text, TurnID: turnID}, nil
	case TypeAgentSpeechDone:
		return AgentSpeechDone{Meta: meta, TurnID: turnID}, nil
	case TypeAvatarStarted:
		return AvatarStarted{
			Meta:           meta,
			VideoStreamURL: strings.TrimSpace(w.VideoStreamURL),
			DailyRoomURL:   strings.TrimSpace(w.DailyRoomURL),
			RoomToken:      w.Token,
		}, nil
	case TypeAvatarError:
		return AvatarError{Meta: meta, Message: firstNonEmpty(w.Message, errorText(w.ErrorField), "avatar unavailable")}, nil
	case TypeRouteAuto:
		return RouteAuto{Meta: meta, AgentID: firstNonEmpty(w.AgentID, w.RoutedTo)}, nil
	case TypeError:
		return ServerError{Meta: meta, Message: firstNonEmpty(w.Message, errorText(w.ErrorField), "unknown server error")}, nil
	default:
		raw := make([]byte, len(trimmed))
		copy(raw, trimmed)
		return Unknown{Meta: meta, Raw: raw}, nil
	}
}

// personaOf decodes a persona member field by field, so a malformed member
// costs only that member and never the session.started frame.
func personaOf(raw json.RawMessage) Persona {
	var fields struct {
		Tone  json.RawMessage `json:"tone"`
		Goals json.RawMessage `json:"goals"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return Persona{}
	}
	var p Persona
	_ = json.Unmarshal(fields.Tone, &p.Tone)
	if err := json.Unmarshal(fields.Goals, &p.Goals); err != nil {
		p.Goals = nil
		var one string
		if json.Unmarshal(fields.Goals, &one) == nil && strings.TrimSpace(one) != "" {
			p.Goals = []string{one}
		}
	}
	return p
}

// errorText extracts a message from an "error" field that is either a plain
// string or an object with a "message" member.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
