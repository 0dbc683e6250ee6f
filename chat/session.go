package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
	"github.com/tcriess/lightspeed-course-chat/ws"
)

const eventQueueSize = 256

// events that belong to the active room, their handlers live as long as the room
var roomEvents = []string{
	types.EventJoined,
	types.EventMessages,
	types.EventNewMessage,
	types.EventOnlineUsers,
	types.EventBlockedFromChat,
	types.EventUnblockedFromChat,
}

var ErrSessionClosed = errors.New("session closed")

// Session owns the event loop of one chat view. Transport callbacks, timers and user input are all turned into
// closures that run one after the other on the loop goroutine, so the Controller never sees concurrent calls.
type Session struct {
	manager *ws.Manager
	ctrl    *Controller
	log     hclog.Logger

	events    chan func()
	closed    chan struct{}
	closeOnce sync.Once

	sessionScope *ws.Scope
	roomScope    *ws.Scope // only touched on the loop
}

// NewSession wires a controller to the connection manager. Run has to be called to process events.
func NewSession(manager *ws.Manager, opts Options) *Session {
	s := &Session{
		manager: manager,
		log:     globals.AppLogger.Named("session"),
		events:  make(chan func(), eventQueueSize),
		closed:  make(chan struct{}),
	}
	if opts.Scheduler == nil {
		opts.Scheduler = loopScheduler{s: s}
	}
	s.ctrl = NewController(manager, opts)

	s.sessionScope = manager.NewScope()
	s.sessionScope.On(types.EventConnect, func(json.RawMessage) {
		s.post(s.ctrl.Connected)
	})
	s.sessionScope.On(types.EventDisconnect, func(data json.RawMessage) {
		err := decodeError(data)
		s.post(func() { s.ctrl.Disconnected(err) })
	})
	s.sessionScope.On(types.EventConnectError, func(data json.RawMessage) {
		err := decodeError(data)
		s.post(func() { s.ctrl.ConnectError(err) })
	})
	s.sessionScope.On(types.EventAuthenticated, s.forward(types.EventAuthenticated))
	s.sessionScope.On(types.EventError, s.forward(types.EventError))
	return s
}

func decodeError(data json.RawMessage) error {
	payload := types.ErrorPayload{}
	if err := types.Decode(data, &payload); err != nil || payload.Message == "" {
		return errors.New("connection lost")
	}
	return errors.New(payload.Message)
}

func (s *Session) forward(event string) ws.Handler {
	return func(data json.RawMessage) {
		s.post(func() {
			if err := s.ctrl.HandleEvent(event, data); err != nil {
				s.log.Warn("event not applied", "event", event, "error", err)
			}
		})
	}
}

// post queues f for the loop. It returns false if the session is closed.
func (s *Session) post(f func()) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.events <- f:
		return true
	case <-s.closed:
		return false
	}
}

// do runs f on the loop and waits for it.
func (s *Session) do(f func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		f()
	}) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Run processes events until ctx is done or Close is called. On exit the room is left and the connection is torn
// down.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()
	for {
		select {
		case f := <-s.events:
			f()
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		}
	}
}

func (s *Session) shutdown() {
	s.ctrl.Close()
	s.sessionScope.Release()
	if s.roomScope != nil {
		s.roomScope.Release()
		s.roomScope = nil
	}
	s.Close()
	s.manager.Disconnect()
}

// Close stops the loop. It is safe to call it more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Login binds the session to the identity and starts the transport for it. An unknown identity only defers the
// handshake.
func (s *Session) Login(ctx context.Context, identity types.Identity) error {
	if err := s.do(func() { s.ctrl.Login(identity) }); err != nil {
		return err
	}
	if !identity.Known() {
		return nil
	}
	return s.manager.Connect(ctx, identity)
}

// Logout tears the transport down and forgets the identity.
func (s *Session) Logout() error {
	s.manager.Disconnect()
	return s.do(s.ctrl.Logout)
}

// SetCourse switches the active room. The room handlers of the previous course are released before the new room
// subscribes.
func (s *Session) SetCourse(courseId string) error {
	return s.do(func() {
		if s.ctrl.CourseId() == courseId {
			return
		}
		if s.roomScope != nil {
			s.roomScope.Release()
			s.roomScope = nil
		}
		if courseId != "" {
			s.roomScope = s.manager.NewScope()
			for _, event := range roomEvents {
				s.roomScope.On(event, s.forward(event))
			}
		}
		s.ctrl.SetCourse(courseId)
	})
}

func (s *Session) Send(body, replyToId string) error {
	var sendErr error
	if err := s.do(func() { sendErr = s.ctrl.Send(body, replyToId) }); err != nil {
		return err
	}
	return sendErr
}

func (s *Session) SetDraft(draft string) error {
	return s.do(func() { s.ctrl.SetDraft(draft) })
}

func (s *Session) SetReplyTo(id string) error {
	var replyErr error
	if err := s.do(func() { replyErr = s.ctrl.SetReplyTo(id) }); err != nil {
		return err
	}
	return replyErr
}

func (s *Session) ClearReplyTo() error {
	return s.do(s.ctrl.ClearReplyTo)
}

func (s *Session) RequestNextPage() bool {
	requested := false
	_ = s.do(func() { requested = s.ctrl.RequestNextPage() })
	return requested
}

func (s *Session) OnScroll(offsetFromTop int) bool {
	requested := false
	_ = s.do(func() { requested = s.ctrl.OnScroll(offsetFromTop) })
	return requested
}

func (s *Session) MarkRead(id string) bool {
	marked := false
	_ = s.do(func() { marked = s.ctrl.MarkRead(id) })
	return marked
}

// View returns the current projection.
func (s *Session) View() (View, error) {
	var v View
	err := s.do(func() { v = s.ctrl.View() })
	return v, err
}

// loopScheduler runs timer callbacks on the session loop.
type loopScheduler struct {
	s *Session
}

func (l loopScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() {
		l.s.post(f)
	})
}
