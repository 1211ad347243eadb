// Package session owns one client connection: it receives user input,
// requests admission, drives the process runner, and translates runner
// events into outbound protocol frames, including the tool-permission
// negotiation sub-protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ecmoce/chatgate"
	"github.com/ecmoce/chatgate/admission"
	"github.com/ecmoce/chatgate/store"
)

// State is the session's protocol state, exposed for supervision and tests.
type State int32

const (
	StateIdle State = iota
	StateAwaitingAdmission
	StateStreaming
	StateAwaitingPermission
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAdmission:
		return "awaiting_admission"
	case StateStreaming:
		return "streaming"
	case StateAwaitingPermission:
		return "awaiting_permission"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the message-framed bidirectional channel to one client.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Handle is the running-turn surface the session needs from a runner
// process. *runner.Process satisfies it.
type Handle interface {
	Events() <-chan chatgate.Event
	Resolve(id string, allowed bool) bool
	Stop(ctx context.Context) error
}

// Runner starts one turn. Defined here, at the consumer side.
type Runner interface {
	Run(ctx context.Context, turn chatgate.Turn) (Handle, error)
}

// Searcher retrieves web context to prepend to a turn's prompt. Search
// providers are external collaborators; a nil Searcher disables the
// web_search and deep_research frame flags.
type Searcher interface {
	Search(ctx context.Context, query string, deep bool) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, turn chatgate.Turn) (Handle, error)

func (f RunnerFunc) Run(ctx context.Context, turn chatgate.Turn) (Handle, error) {
	return f(ctx, turn)
}

// Params wires one Session.
type Params struct {
	Conn      Conn
	User      string
	Origin    string
	Admission *admission.Controller
	Runner    Runner
	Gateway   *store.Gateway
	Searcher  Searcher
	Logger    *zap.Logger

	// MaxInputLength bounds chat message length in bytes.
	MaxInputLength int

	// PingInterval is the expected client liveness period; 3 missed
	// intervals count as a disconnect.
	PingInterval time.Duration

	// DefaultModel is used when a chat frame names no model.
	DefaultModel string

	// OnCommand handles slash-prefixed input; the returned string is
	// sent back as a status frame. Nil handles nothing.
	OnCommand func(command string) string
}

// Session is the protocol state machine for one live connection.
// Turns on one connection are strictly sequential; cross-connection
// concurrency is the admission controller's concern.
type Session struct {
	conn     Conn
	user     string
	origin   string
	adm      *admission.Controller
	runner   Runner
	gw       *store.Gateway
	searcher Searcher
	logger   *zap.Logger

	maxInput     int
	pingInterval time.Duration
	defaultModel string
	onCommand    func(string) string

	state atomic.Int32

	writeMu sync.Mutex

	turnMu     sync.Mutex
	handle     Handle
	turnCancel context.CancelFunc
	stopped    bool // explicit stop requested for the current turn
}

// New creates a Session. Zero Params fields get safe defaults.
func New(p Params) *Session {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.MaxInputLength <= 0 {
		p.MaxInputLength = 10000
	}
	if p.PingInterval <= 0 {
		p.PingInterval = 30 * time.Second
	}
	return &Session{
		conn:         p.Conn,
		user:         p.User,
		origin:       p.Origin,
		adm:          p.Admission,
		runner:       p.Runner,
		gw:           p.Gateway,
		searcher:     p.Searcher,
		logger:       p.Logger,
		maxInput:     p.MaxInputLength,
		pingInterval: p.PingInterval,
		defaultModel: p.DefaultModel,
		onCommand:    p.OnCommand,
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run drives the connection until disconnect. Reconnection is not
// session-resuming: a new connection gets a fresh Session at Idle, and
// continuity comes from stored history only.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.state.Store(int32(StateClosed))
		s.cancelTurn(false)
		_ = s.conn.Close()
		s.logger.Info("session closed", zap.String("user", s.user))
	}()

	s.send(ServerFrame{Type: "connected", Username: s.user})

	for {
		// Liveness: any inbound frame refreshes the deadline.
		_ = s.conn.SetReadDeadline(time.Now().Add(3 * s.pingInterval))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return // disconnect or missed heartbeats
		}

		frame, kind, err := decodeClientFrame(data)
		if err != nil {
			// Protocol violation: report once and close the connection.
			s.logger.Warn("protocol violation", zap.String("user", s.user), zap.Error(err))
			s.send(ServerFrame{Type: "error", Content: "invalid message"})
			return
		}

		switch kind {
		case kindPing:
			s.send(ServerFrame{Type: "pong"})
		case kindPermission:
			s.resolvePermission(frame)
		case kindSlash:
			s.handleCommand(frame)
		case kindStop:
			s.cancelTurn(true)
		case kindChat:
			s.startTurn(ctx, frame)
		}
	}
}

// startTurn validates a chat frame and launches the turn goroutine.
// The read loop keeps running so pings, permission responses, and stop
// requests flow while the turn streams.
func (s *Session) startTurn(ctx context.Context, f ClientFrame) {
	f.FileIDs = validateFileIDs(f.FileIDs)
	if f.Message == "" && len(f.FileIDs) == 0 {
		s.send(ServerFrame{Type: "error", Content: "Empty message"})
		return
	}
	if len(f.Message) > s.maxInput {
		s.send(ServerFrame{Type: "error", Content: fmt.Sprintf("Message too long (max %d)", s.maxInput)})
		return
	}
	if strings.HasPrefix(f.Message, "/") {
		// Slash-prefixed input is a command, never a model prompt.
		s.handleCommand(ClientFrame{Command: f.Message})
		return
	}

	// Single-flight per connection.
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateAwaitingAdmission)) {
		s.send(ServerFrame{Type: "error", Content: "A turn is already in progress"})
		return
	}

	go s.runTurn(ctx, f)
}

// runTurn executes one admitted turn end to end. The admission ticket
// is released on every exit path via the deferred Release.
func (s *Session) runTurn(ctx context.Context, f ClientFrame) {
	defer s.toIdle()

	ticket, err := s.adm.TryAdmit(s.user, s.origin)
	if err != nil {
		s.send(ServerFrame{Type: "error", Content: rejectionContent(err)})
		return
	}
	defer ticket.Release()

	degraded := false
	convID, d := s.gw.EnsureConversation(s.user, f.ConversationID, f.Message)
	degraded = degraded || d

	_, d = s.gw.Append(convID, chatgate.Message{
		Role:    chatgate.RoleUser,
		Content: f.Message,
		Files:   fileRefs(f.FileIDs),
	})
	degraded = degraded || d

	// Web context enriches the prompt only; history keeps the user's
	// original message.
	input := f.Message
	if s.searcher != nil && (f.WebSearch || f.DeepResearch) && f.Message != "" {
		note := "Searching the web..."
		if f.DeepResearch {
			note = "Deep research in progress..."
		}
		s.send(ServerFrame{Type: "status", Content: note})
		found, err := s.searcher.Search(ctx, f.Message, f.DeepResearch)
		switch {
		case err != nil:
			s.logger.Warn("web search failed", zap.String("user", s.user), zap.Error(err))
		case found != "":
			input = found + "\n\n---\n\nUser question:\n" + input
		}
	}

	s.send(ServerFrame{Type: "start", ConversationID: convID})

	model := f.Model
	if model == "" {
		model = s.defaultModel
	}
	turn := chatgate.Turn{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Input:          input,
		FileIDs:        f.FileIDs,
		Model:          model,
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle, err := s.runner.Run(turnCtx, turn)
	if err != nil {
		s.logger.Error("turn start failed", zap.String("user", s.user), zap.Error(err))
		s.send(ServerFrame{Type: "error", Content: startFailureContent(err)})
		return
	}
	s.installTurn(handle, cancel)
	defer s.clearTurn()
	s.state.Store(int32(StateStreaming))

	s.streamTurn(handle, convID, f.Message, degraded)
}

// streamTurn forwards runner events 1:1, in order, until the stream ends.
func (s *Session) streamTurn(handle Handle, convID, userMessage string, degraded bool) {
	var buf strings.Builder
	terminal := false

	for ev := range handle.Events() {
		// Any event after a permission request resumes streaming.
		if s.State() == StateAwaitingPermission && ev.Type != chatgate.EventPermission {
			s.state.Store(int32(StateStreaming))
		}

		switch ev.Type {
		case chatgate.EventChunk:
			buf.WriteString(ev.Content)
			s.send(eventFrame(ev))

		case chatgate.EventPermission:
			s.state.Store(int32(StateAwaitingPermission))
			s.send(eventFrame(ev))

		case chatgate.EventResult:
			if ev.Content != "" && !strings.Contains(buf.String(), ev.Content) {
				buf.WriteString(ev.Content)
			}
			s.send(ServerFrame{
				Type:      "final_result",
				Content:   ev.Content,
				TotalCost: ev.TotalCost,
			})

		case chatgate.EventDone:
			terminal = true
			degraded = s.completeTurn(convID, userMessage, buf.String(), ev.Elapsed, degraded)
			s.send(ServerFrame{
				Type:           "done",
				ConversationID: convID,
				Elapsed:        roundSeconds(ev.Elapsed),
				Degraded:       degraded,
			})

		case chatgate.EventError:
			// Partial streamed content stays visible but is not
			// committed to history.
			terminal = true
			s.send(ServerFrame{Type: "error", Content: ev.Content})

		default:
			s.send(eventFrame(ev))
		}
	}

	if !terminal {
		// Stream ended without a terminal event: the turn was stopped.
		if s.explicitStop() {
			s.send(ServerFrame{Type: "error", Content: "Turn stopped"})
		}
	}
}

// completeTurn persists the assistant message and applies the
// first-exchange auto-title. Returns the updated degraded flag.
func (s *Session) completeTurn(convID, userMessage, content string, elapsed time.Duration, degraded bool) bool {
	_, d := s.gw.Append(convID, chatgate.Message{
		Role:    chatgate.RoleAssistant,
		Content: content,
		Elapsed: roundSeconds(elapsed),
	})
	degraded = degraded || d

	history, d := s.gw.History(convID)
	degraded = degraded || d
	if len(history) == 2 {
		degraded = s.gw.UpdateTitle(convID, store.DeriveTitle(userMessage)) || degraded
	}
	return degraded
}

// resolvePermission forwards an allow/deny answer to the in-flight turn.
// Answers with no pending request (late arrivals after the auto-deny)
// are logged and dropped.
func (s *Session) resolvePermission(f ClientFrame) {
	s.turnMu.Lock()
	handle := s.handle
	s.turnMu.Unlock()

	if handle == nil || !handle.Resolve(f.ToolUseID, f.Allowed) {
		s.logger.Debug("permission response with no pending request",
			zap.String("user", s.user),
			zap.String("tool_use_id", f.ToolUseID))
		return
	}
	s.state.CompareAndSwap(int32(StateAwaitingPermission), int32(StateStreaming))
}

// handleCommand acknowledges slash-prefixed input as a command event.
func (s *Session) handleCommand(f ClientFrame) {
	cmd := f.Command
	if cmd == "" {
		cmd = f.Message
	}
	if s.onCommand != nil {
		s.send(ServerFrame{Type: "status", Content: s.onCommand(cmd)})
		return
	}
	s.send(ServerFrame{Type: "status", Content: "unsupported command: " + cmd})
}

// cancelTurn stops the in-flight turn, if any. Cancellation propagates
// through the turn context to the runner's watchdog, which kills and
// reaps the subprocess.
func (s *Session) cancelTurn(explicit bool) {
	s.turnMu.Lock()
	cancel := s.turnCancel
	if explicit && cancel != nil {
		s.stopped = true
	}
	s.turnMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) installTurn(h Handle, cancel context.CancelFunc) {
	s.turnMu.Lock()
	s.handle = h
	s.turnCancel = cancel
	s.stopped = false
	s.turnMu.Unlock()
}

func (s *Session) clearTurn() {
	s.turnMu.Lock()
	s.handle = nil
	s.turnCancel = nil
	s.turnMu.Unlock()
}

func (s *Session) explicitStop() bool {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.stopped
}

// toIdle returns the machine to Idle unless the connection closed.
func (s *Session) toIdle() {
	s.state.CompareAndSwap(int32(StateAwaitingAdmission), int32(StateIdle))
	s.state.CompareAndSwap(int32(StateStreaming), int32(StateIdle))
	s.state.CompareAndSwap(int32(StateAwaitingPermission), int32(StateIdle))
}

// send serializes one outbound frame. Writes from the read loop and the
// turn goroutine share the connection, so they are mutex-serialized.
// Write failures are ignored: a dead connection surfaces in the read loop.
func (s *Session) send(f ServerFrame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		s.logger.Debug("write failed", zap.String("user", s.user), zap.Error(err))
	}
}

// rejectionContent renders an admission rejection for the client.
func rejectionContent(err error) string {
	switch {
	case errors.Is(err, chatgate.ErrBusy):
		return "Busy: too many concurrent turns, try again shortly"
	case errors.Is(err, chatgate.ErrRateLimited):
		return "Rate limit exceeded. Try again later."
	default:
		return "Admission refused"
	}
}

// startFailureContent renders a runner start failure for the client.
func startFailureContent(err error) string {
	if errors.Is(err, chatgate.ErrUnavailable) {
		return "Agent unavailable"
	}
	return "Failed to start turn"
}

// fileRefs converts validated file ids to attachment references.
func fileRefs(ids []string) []chatgate.Attachment {
	var files []chatgate.Attachment
	for _, id := range ids {
		files = append(files, chatgate.Attachment{ID: "", Filename: id, OriginalName: id})
	}
	return files
}

// roundSeconds converts a duration to seconds with centisecond precision.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
