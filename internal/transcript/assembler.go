// Package transcript reconstructs the ordered list of display messages of a
// session from its speech events.
//
// Agent replies stream in as deltas that are concatenated into a single
// in-flight message until the authoritative agent.speech text or an
// agent.speech.done marker finalizes it. At most one message is in flight at
// any time, and a finalized message is never modified again.
package transcript

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/flowone/internal/protocol"
)

// Role identifies who a message is attributed to.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"

	// RoleInfo marks synthetic informational messages shown on the agent
	// side, such as the session start banner.
	RoleInfo Role = "info"

	// RoleError marks local error messages, e.g. a failed send.
	RoleError Role = "error"
)

// Message is one entry of the transcript.
type Message struct {
	ID        string
	Role      Role
	Text      string
	CreatedAt time.Time

	// Final is false only for the in-flight agent message.
	Final bool

	// TurnID is the backend turn the message belongs to, if known.
	TurnID string
}

// Option is a functional option for [New].
type Option func(*Assembler)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithIDGenerator overrides how message ids are generated.
func WithIDGenerator(gen func() string) Option {
	return func(a *Assembler) { a.newID = gen }
}

// Assembler folds session events into a transcript. It holds no network
// state and is not safe for concurrent use.
type Assembler struct {
	msgs     []Message
	inFlight int // index into msgs, -1 when none
	now      func() time.Time
	newID    func() string
}

// New returns an empty Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		inFlight: -1,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply folds ev into the transcript and returns the updated message list
// along with whether anything changed. Events that do not affect the
// transcript leave it untouched.
func (a *Assembler) Apply(ev protocol.Event) ([]Message, bool) {
	changed := false

	switch e := ev.(type) {
	case protocol.SessionStarted:
		a.append(RoleInfo, sessionBanner(e.Persona), "", true)
		changed = true

	case protocol.SpeechFinal:
		a.append(RoleUser, e.Text, "", true)
		changed = true

	case protocol.AgentSpeechDelta:
		if a.inFlight >= 0 && turnDiffers(a.msgs[a.inFlight].TurnID, e.TurnID) {
			a.finalize()
		}
		if a.inFlight < 0 {
			a.inFlight = a.append(RoleAgent, e.Text, e.TurnID, false)
		} else {
			m := &a.msgs[a.inFlight]
			m.Text += e.Text
			if m.TurnID == "" {
				m.TurnID = e.TurnID
			}
		}
		changed = true

	case protocol.AgentSpeech:
		if a.inFlight >= 0 && turnDiffers(a.msgs[a.inFlight].TurnID, e.TurnID) {
			a.finalize()
		}
		if a.inFlight >= 0 {
			m := &a.msgs[a.inFlight]
			m.Text = e.Text
			if m.TurnID == "" {
				m.TurnID = e.TurnID
			}
			a.finalize()
		} else {
			a.append(RoleAgent, e.Text, e.TurnID, true)
		}
		changed = true

	case protocol.AgentSpeechDone:
		// A marker for another turn must not close the current one.
		if a.inFlight >= 0 && !turnDiffers(a.msgs[a.inFlight].TurnID, e.TurnID) {
			a.finalize()
			changed = true
		}

	case protocol.Unknown:
		// Ignored.

	default:
		// Avatar, routing and error events are not part of the transcript.
	}

	return a.Messages(), changed
}

// AppendError appends a finalized local error message. It does not touch
// the in-flight agent message.
func (a *Assembler) AppendError(text string) []Message {
	a.append(RoleError, text, "", true)
	return a.Messages()
}

// Messages returns a copy of the transcript.
func (a *Assembler) Messages() []Message {
	out := make([]Message, len(a.msgs))
	copy(out, a.msgs)
	return out
}

// InFlight returns the index of the in-flight agent message and whether one
// exists.
func (a *Assembler) InFlight() (int, bool) {
	return a.inFlight, a.inFlight >= 0
}

// Reset clears the transcript.
func (a *Assembler) Reset() {
	a.msgs = nil
	a.inFlight = -1
}

func (a *Assembler) append(role Role, text, turnID string, final bool) int {
	a.msgs = append(a.msgs, Message{
		ID:        a.newID(),
		Role:      role,
		Text:      text,
		CreatedAt: a.now(),
		Final:     final,
		TurnID:    turnID,
	})
	return len(a.msgs) - 1
}

func (a *Assembler) finalize() {
	if a.inFlight < 0 {
		return
	}
	a.msgs[a.inFlight].Final = true
	a.inFlight = -1
}

// turnDiffers reports whether two turn ids are both known and different.
// An unknown id on either side is treated as the same turn.
func turnDiffers(current, incoming string) bool {
	return current != "" && incoming != "" && current != incoming
}

func sessionBanner(p protocol.Persona) string {
	if p.Tone == "" {
		return "Session started."
	}
	return "Session started. Persona tone: " + p.Tone
}
