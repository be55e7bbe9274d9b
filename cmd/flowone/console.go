package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/flowone/internal/avatar"
	"github.com/MrWong99/flowone/internal/config"
	"github.com/MrWong99/flowone/internal/session"
	"github.com/MrWong99/flowone/internal/transcript"
)

// controller is the part of [session.Controller] the console drives.
type controller interface {
	Open(ctx context.Context, agentID string, opts session.OpenOptions) (*session.Handle, error)
	SendMessage(ctx context.Context, text string) error
	SetVoiceCapture(ctx context.Context, enabled bool) error
	Close() error
	Snapshot() session.Snapshot
	OnChange(fn func(session.Change))
}

const helpText = `commands:
  /open [agent]   open a session (defaults to session.agent_id)
  /close          close the current session
  /voice on|off   toggle push-to-talk voice capture
  /state          print the session state
  /quit           exit
anything else is sent to the agent`

// console is a line-oriented terminal front end for a session controller.
type console struct {
	ctl     controller
	in      io.Reader
	session func() config.SessionConfig

	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
}

func newConsole(ctl controller, in io.Reader, out io.Writer, sessionCfg func() config.SessionConfig) *console {
	c := &console{
		ctl:     ctl,
		in:      in,
		out:     out,
		session: sessionCfg,
		printed: make(map[string]bool),
	}
	ctl.OnChange(c.render)
	return c
}

// Run opens the configured session, if any, and processes input lines until
// /quit, end of input or ctx is done.
func (c *console) Run(ctx context.Context) error {
	if id := c.session().AgentID; id != "" {
		c.open(ctx, id)
	} else {
		c.say("no agent configured; use /open <agent>")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the console should exit.
func (c *console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		// Backend failures surface as transcript error messages.
		if err := c.ctl.SendMessage(ctx, line); errors.Is(err, session.ErrNoSession) {
			c.say("no open session; use /open")
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.say(helpText)
	case "/open":
		id := arg
		if id == "" {
			id = c.session().AgentID
		}
		if id == "" {
			c.say("usage: /open <agent>")
			return false
		}
		c.open(ctx, id)
	case "/close":
		if err := c.ctl.Close(); err != nil {
			c.say("close failed: %v", err)
		}
		c.resetPrinted()
	case "/voice":
		switch arg {
		case "on", "off":
			if err := c.ctl.SetVoiceCapture(ctx, arg == "on"); err != nil {
				c.say("voice: %v", err)
			}
		default:
			c.say("usage: /voice on|off")
		}
	case "/state":
		c.say("%s", formatSnapshot(c.ctl.Snapshot()))
	default:
		c.say("unknown command %q; try /help", cmd)
	}
	return false
}

func (c *console) open(ctx context.Context, agentID string) {
	c.resetPrinted()
	h, err := c.ctl.Open(ctx, agentID, session.OpenOptions{EnableAvatar: c.session().EnableAvatar})
	if err != nil {
		c.say("open failed: %v", err)
		return
	}
	c.say("session %s open with agent %s", h.Info.ID, agentID)
}

// render prints what changed. It runs on the controller's notification
// path, so it may read the snapshot.
func (c *console) render(ch session.Change) {
	switch ch.Kind {
	case session.ChangeTranscript:
		c.printTranscript(c.ctl.Snapshot().Transcript)
	case session.ChangeAvatar:
		c.say("[avatar] %s", formatAvatar(c.ctl.Snapshot().Avatar))
	case session.ChangeRoute:
		if id := c.ctl.Snapshot().RoutedAgentID; id != "" {
			c.say("[route] handed off to %s", id)
		}
	case session.ChangeVoice:
		if v := c.ctl.Snapshot().Voice; v != nil {
			c.say("[voice] capturing in room %s", v.Room)
		} else if ch.Err != nil {
			c.say("[voice] %v", ch.Err)
		} else {
			c.say("[voice] off")
		}
	case session.ChangeDisconnected:
		c.say("[stream] disconnected: %v", ch.Err)
	case session.ChangeServerError:
		c.say("[server] %v", ch.Err)
	case session.ChangeStatus:
		c.say("[session] %s", ch.Status)
	}
}

// printTranscript prints final messages that have not been printed yet.
func (c *console) printTranscript(msgs []transcript.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if !m.Final || c.printed[m.ID] {
			continue
		}
		c.printed[m.ID] = true
		fmt.Fprintf(c.out, "%s> %s\n", m.Role, m.Text)
	}
}

func (c *console) resetPrinted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.printed)
}

func (c *console) say(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func formatAvatar(s avatar.State) string {
	switch s.Kind {
	case avatar.KindDirectStream:
		return "playing " + s.URL
	case avatar.KindLoading:
		return "joining " + s.URL
	case avatar.KindRoomJoined:
		return "room video attached"
	case avatar.KindError:
		if s.Err == nil {
			return "unavailable"
		}
		return "unavailable: " + s.Err.Error()
	default:
		return s.Kind.String()
	}
}

func formatSnapshot(s session.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status:    %s\n", s.Status)
	if s.Session.ID != "" {
		fmt.Fprintf(&b, "session:   %s (agent %s)\n", s.Session.ID, s.Session.AgentID)
	}
	fmt.Fprintf(&b, "connected: %t\n", s.Connected)
	if s.Persona.Tone != "" {
		fmt.Fprintf(&b, "persona:   %s\n", s.Persona.Tone)
	}
	fmt.Fprintf(&b, "messages:  %d\n", len(s.Transcript))
	fmt.Fprintf(&b, "avatar:    %s\n", formatAvatar(s.Avatar))
	if s.Analytics.HasLatency {
		fmt.Fprintf(&b, "latency:   %.0fms\n", s.Analytics.LatencyMS)
	}
	fmt.Fprintf(&b, "tokens:    %d in %d turns\n", s.Analytics.Tokens, s.Analytics.Turns)
	if s.TraceID != "" {
		fmt.Fprintf(&b, "trace:     %s\n", s.TraceID)
	}
	if s.RoutedAgentID != "" {
		fmt.Fprintf(&b, "routed:    %s\n", s.RoutedAgentID)
	}
	if s.LastError != nil {
		fmt.Fprintf(&b, "error:     %v", s.LastError)
	}
	return strings.TrimRight(b.String(), "\n")
}
