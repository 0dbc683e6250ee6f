package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-course-chat/filter"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
)

const (
	defaultNoticeWindow  = 5 * time.Second
	defaultScrollTrigger = 48
	replySnippetLength   = 80

	blockedNotice    = "You are blocked from this chat"
	unblockedNotice  = "You have been unblocked"
	joinFailedNotice = "Could not join the chat"
	pageFailedNotice = "Could not load messages"
	connectionNotice = "Chat connection unavailable"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrNoCourse       = errors.New("no active course")
	ErrNotConnected   = errors.New("not connected")
	ErrBlocked        = errors.New("blocked from this chat")
	ErrNotJoined      = errors.New("not joined to the course chat")
	ErrUnknownMessage = errors.New("unknown message")
)

// Emitter is the outbound side of the connection.
type Emitter interface {
	Emit(event string, payload interface{}) error
	Connected() bool
}

type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. The callback must run on the same event loop as the controller, it is a required
// option of NewController (Session provides one posting into its loop).
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Cache holds the last known messages per course. It is only a placeholder until page 1 arrives.
type Cache interface {
	Load(courseId string) []types.Message
	Save(courseId string, messages []types.Message)
}

type Options struct {
	JoinDelay        time.Duration // grace period between the handshake ack and the join
	NoticeWindow     time.Duration // how long transient notices stay visible
	ScrollThreshold  int           // distance from the top that triggers loading older messages
	MaxMessageLength int           // in runes, 0 disables the check
	Filter           *filter.Program
	Cache            Cache
	Scheduler        Scheduler
	Now              func() time.Time
	Location         *time.Location
	OnView           func(View)
}

// Controller is the client side state machine of the course chat: handshake, room membership, message store,
// pagination, presence, the send pipeline and moderation. It is not safe for concurrent use, all methods must be
// called from one event loop (see Session).
type Controller struct {
	opts    Options
	emitter Emitter
	log     hclog.Logger

	identity      types.Identity
	connected     bool
	authenticated bool
	errText       string

	room      *Room
	joinTimer Timer

	draft          string
	replyTo        *types.ReplyRef
	stickToBottom  bool
	anchorId       string
	scrollToBottom bool
	closed         bool
}

func NewController(emitter Emitter, opts Options) *Controller {
	if opts.JoinDelay < 0 {
		opts.JoinDelay = 0
	}
	if opts.NoticeWindow <= 0 {
		opts.NoticeWindow = defaultNoticeWindow
	}
	if opts.ScrollThreshold <= 0 {
		opts.ScrollThreshold = defaultScrollTrigger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Scheduler == nil {
		panic("chat: NewController needs a Scheduler running callbacks on the controller's event loop")
	}
	return &Controller{
		opts:    opts,
		emitter: emitter,
		log:     globals.AppLogger.Named("chat"),
	}
}

// CourseId returns the id of the active course, empty if there is none.
func (c *Controller) CourseId() string {
	if c.room == nil {
		return ""
	}
	return c.room.CourseId
}

func (c *Controller) State() types.RoomState {
	if c.room == nil {
		return types.RoomIdle
	}
	return c.room.State()
}

func (c *Controller) Identity() types.Identity {
	return c.identity
}

// Login sets the identity of the user. An unknown identity defers the handshake until a known one is set.
func (c *Controller) Login(identity types.Identity) {
	if identity == c.identity {
		return
	}
	c.log.Debug("login", "user", identity.UserId)
	c.identity = identity
	c.authenticated = false
	c.stopJoinTimer()
	if room := c.room; room != nil {
		if room.State() != types.RoomIdle && c.connected {
			if err := c.emitter.Emit(types.EventLeaveCourse, room.CourseId); err != nil {
				c.log.Error("could not send leave", "course", room.CourseId, "error", err)
			}
		}
		room.reset()
		room.presence.SetSelf(identity.UserId)
	}
	c.authenticate()
	c.render()
}

// Logout forgets the identity. The room falls back to Idle, the owner is expected to tear the connection down.
func (c *Controller) Logout() {
	c.identity = types.Identity{}
	c.authenticated = false
	c.stopJoinTimer()
	if c.room != nil {
		c.room.reset()
	}
	c.render()
}

// Connected is called whenever the transport (re)connected. The full handshake, join and load sequence runs again,
// nothing is assumed to have survived on the server side.
func (c *Controller) Connected() {
	c.connected = true
	c.errText = ""
	c.authenticated = false
	c.authenticate()
	c.render()
}

// Disconnected is called when the transport dropped. Nothing can be emitted anymore, the room is reset locally.
func (c *Controller) Disconnected(err error) {
	if err != nil {
		c.log.Info("disconnected", "error", err)
	}
	c.connected = false
	c.authenticated = false
	c.stopJoinTimer()
	if c.room != nil {
		c.room.reset()
	}
	c.render()
}

// ConnectError surfaces a failed dial. It is not fatal, the transport keeps retrying.
func (c *Controller) ConnectError(err error) {
	c.log.Warn("connection error", "error", err)
	c.connected = false
	c.errText = connectionNotice
	c.render()
}

func (c *Controller) authenticate() {
	if !c.connected || c.authenticated || !c.identity.Known() {
		return
	}
	if err := c.emitter.Emit(types.EventAuthenticate, types.AuthenticatePayload{UserId: c.identity.UserId}); err != nil {
		c.log.Error("could not send authenticate", "error", err)
	}
}

// HandleEvent applies a server event to the state.
func (c *Controller) HandleEvent(event string, raw json.RawMessage) error {
	if c.closed {
		return nil
	}
	var err error
	switch event {
	case types.EventAuthenticated:
		c.onAuthenticated()

	case types.EventJoined:
		payload := types.JoinedPayload{}
		if err = types.Decode(raw, &payload); err == nil {
			c.onJoined(payload)
		}

	case types.EventMessages:
		payload := types.MessagesPayload{}
		if err = types.Decode(raw, &payload); err == nil {
			c.onMessages(payload)
		}

	case types.EventNewMessage:
		msg := types.Message{}
		if err = types.Decode(raw, &msg); err == nil {
			c.onNewMessage(msg)
		}

	case types.EventOnlineUsers:
		entries := make([]types.PresenceEntry, 0)
		if err = types.Decode(raw, &entries); err == nil {
			c.onOnlineUsers(entries)
		}

	case types.EventBlockedFromChat:
		payload := types.ModerationPayload{}
		if err = types.Decode(raw, &payload); err == nil {
			c.onBlocked(payload)
		}

	case types.EventUnblockedFromChat:
		payload := types.ModerationPayload{}
		if err = types.Decode(raw, &payload); err == nil {
			c.onUnblocked(payload)
		}

	case types.EventError:
		payload := types.ErrorPayload{}
		if err = types.Decode(raw, &payload); err == nil {
			c.onError(payload)
		}

	default:
		c.log.Trace("ignoring event", "event", event)
		return nil
	}
	if err != nil {
		c.log.Error("could not decode event", "event", event, "error", err)
		return fmt.Errorf("could not decode %s: %w", event, err)
	}
	return nil
}

func (c *Controller) onAuthenticated() {
	if !c.identity.Known() {
		return
	}
	c.log.Debug("authenticated", "user", c.identity.UserId)
	c.authenticated = true
	c.scheduleJoin()
	c.render()
}

// scheduleJoin arms the join after the grace period. The join only happens if the same room is still active and
// idle when the timer fires.
func (c *Controller) scheduleJoin() {
	if c.room == nil || !c.authenticated || c.room.State() != types.RoomIdle {
		return
	}
	c.stopJoinTimer()
	room := c.room
	if c.opts.JoinDelay == 0 {
		c.join(room)
		return
	}
	c.joinTimer = c.opts.Scheduler.AfterFunc(c.opts.JoinDelay, func() {
		c.joinTimer = nil
		c.join(room)
		c.render()
	})
}

func (c *Controller) stopJoinTimer() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
}

func (c *Controller) join(room *Room) {
	if c.closed || room != c.room || !c.connected || !c.authenticated || room.State() != types.RoomIdle {
		return
	}
	if err := c.emitter.Emit(types.EventJoinCourse, room.CourseId); err != nil {
		c.log.Error("could not send join", "course", room.CourseId, "error", err)
		return
	}
	_ = room.transition(types.RoomJoining)
	c.log.Debug("joining", "course", room.CourseId)
}

// activeCourse reports whether an event tagged with courseId belongs to the active room. Untagged events are
// attributed to the active room.
func (c *Controller) activeCourse(courseId string) bool {
	return c.room != nil && (courseId == "" || courseId == c.room.CourseId)
}

func (c *Controller) onJoined(p types.JoinedPayload) {
	if !c.activeCourse(p.CourseId) {
		c.log.Debug("dropping join ack for inactive course", "course", p.CourseId)
		return
	}
	room := c.room
	switch room.State() {
	case types.RoomJoining:
		if !p.Success {
			_ = room.transition(types.RoomIdle)
			room.pages.Cancel()
			c.setError(p.Message, joinFailedNotice)
			c.log.Warn("join failed", "course", room.CourseId, "message", p.Message)
			break
		}
		if p.IsBlocked {
			c.enterBlocked(p.Message)
			break
		}
		_ = room.transition(types.RoomJoined)
		c.errText = ""
		// a block notice from before a reconnect is stale once the ack says otherwise
		c.clearNotice()
		c.log.Info("joined", "course", room.CourseId)
		c.requestFirstPage()

	case types.RoomJoined:
		if p.IsBlocked {
			c.enterBlocked(p.Message)
		}

	case types.RoomBlocked:
		if p.Success && !p.IsBlocked {
			c.leaveBlocked("")
		}

	default:
		c.log.Debug("dropping join ack", "course", room.CourseId, "state", room.State())
		return
	}
	c.render()
}

// enterBlocked moves the room to Blocked. The room is left so the server stops delivering live pushes.
func (c *Controller) enterBlocked(message string) {
	room := c.room
	if message == "" {
		message = blockedNotice
	}
	if room.State() == types.RoomBlocked {
		c.setNotice(message, false)
		return
	}
	if err := room.transition(types.RoomBlocked); err != nil {
		c.log.Debug("ignoring block", "course", room.CourseId, "error", err)
		return
	}
	c.log.Info("blocked from chat", "course", room.CourseId)
	room.pages.Cancel()
	room.presence.Clear()
	c.stickToBottom = false
	c.setNotice(message, false)
	if err := c.emitter.Emit(types.EventLeaveCourse, room.CourseId); err != nil {
		c.log.Error("could not send leave", "course", room.CourseId, "error", err)
	}
}

// leaveBlocked moves the room from Blocked back to Joined, joins again and reloads page 1.
func (c *Controller) leaveBlocked(message string) {
	room := c.room
	if err := room.transition(types.RoomJoined); err != nil {
		c.log.Debug("ignoring unblock", "course", room.CourseId, "error", err)
		return
	}
	c.log.Info("unblocked", "course", room.CourseId)
	if message == "" {
		message = unblockedNotice
	}
	c.setNotice(message, true)
	if err := c.emitter.Emit(types.EventJoinCourse, room.CourseId); err != nil {
		c.log.Error("could not send join", "course", room.CourseId, "error", err)
	}
	c.requestFirstPage()
}

func (c *Controller) onBlocked(p types.ModerationPayload) {
	if !c.activeCourse(p.CourseId) {
		return
	}
	switch c.room.State() {
	case types.RoomJoining, types.RoomJoined, types.RoomBlocked:
		c.enterBlocked(p.Message)
		c.render()
	}
}

func (c *Controller) onUnblocked(p types.ModerationPayload) {
	if c.room == nil || p.CourseId != c.room.CourseId {
		c.log.Debug("dropping unblock for inactive course", "course", p.CourseId)
		return
	}
	if c.room.State() != types.RoomBlocked {
		return
	}
	c.leaveBlocked(p.Message)
	c.render()
}

// IsBlockedText reports whether an error message is a blocked-write rejection.
func IsBlockedText(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "blocked") && !strings.Contains(lower, "unblocked")
}

func (c *Controller) onError(p types.ErrorPayload) {
	c.log.Warn("server error", "message", p.Message)
	if c.room == nil {
		return
	}
	if IsBlockedText(p.Message) {
		switch c.room.State() {
		case types.RoomJoining, types.RoomJoined:
			c.enterBlocked(p.Message)
		}
		c.render()
		return
	}
	c.setNotice(p.Message, true)
	c.render()
}

func (c *Controller) requestFirstPage() {
	room := c.room
	page := room.pages.BeginFirst()
	if err := c.emitter.Emit(types.EventGetMessages, types.GetMessagesPayload{CourseId: room.CourseId, Page: page}); err != nil {
		c.log.Error("could not request messages", "course", room.CourseId, "page", page, "error", err)
		room.pages.Cancel()
	}
}

func (c *Controller) onMessages(p types.MessagesPayload) {
	if c.room == nil || (p.CourseId != "" && p.CourseId != c.room.CourseId) {
		c.log.Debug("dropping messages for inactive course", "course", p.CourseId)
		return
	}
	room := c.room
	page, ok := room.pages.Resolve(p)
	if !ok {
		c.log.Debug("dropping unsolicited messages", "course", room.CourseId, "page", p.Page)
		return
	}
	if !p.Success {
		c.log.Warn("page request failed", "course", room.CourseId, "page", page, "message", p.Message)
		c.setNotice(pageFailedNotice, true)
		c.render()
		return
	}
	if page == 1 {
		if !room.store.Replace(p.Data) {
			c.log.Debug("empty first page, keeping cached messages", "course", room.CourseId)
		}
		c.scrollToBottom = true
	} else {
		first, hadFirst := room.store.First()
		if n := room.store.Prepend(p.Data); n > 0 && hadFirst {
			c.anchorId = first.Id
		}
	}
	room.pages.Loaded(page, len(p.Data), p.TotalPages)
	c.saveCache()
	c.render()
}

func (c *Controller) onNewMessage(m types.Message) {
	if c.room == nil || (m.CourseId != "" && m.CourseId != c.room.CourseId) {
		c.log.Debug("dropping message for inactive course", "course", m.CourseId, "id", m.Id)
		return
	}
	if m.CourseId == "" && !c.room.Joined() {
		return
	}
	if !c.room.store.Append(m) {
		return
	}
	if c.stickToBottom && m.SenderId == c.identity.UserId {
		c.stickToBottom = false
		c.scrollToBottom = true
	}
	c.saveCache()
	c.render()
}

func (c *Controller) onOnlineUsers(entries []types.PresenceEntry) {
	if c.room == nil {
		return
	}
	// snapshots carry no course id, one arriving before the join ack may still belong to the previous room
	if c.room.State() != types.RoomJoined {
		c.log.Debug("dropping presence snapshot", "course", c.room.CourseId, "state", c.room.State())
		return
	}
	c.room.presence.Replace(entries)
	c.render()
}

// SetCourse makes courseId the active room. The previous room is left before anything is done for the new one,
// its state is thrown away. An empty id only leaves.
func (c *Controller) SetCourse(courseId string) {
	if c.room != nil && c.room.CourseId == courseId {
		return
	}
	c.leaveRoom()
	if courseId == "" || c.closed {
		c.render()
		return
	}
	room := NewRoom(courseId, c.identity.UserId)
	if c.opts.Cache != nil {
		room.store.Seed(c.opts.Cache.Load(courseId))
	}
	c.room = room
	c.scrollToBottom = room.store.Len() > 0
	c.log.Debug("active course", "course", courseId, "cached", room.store.Len())
	c.scheduleJoin()
	c.render()
}

func (c *Controller) leaveRoom() {
	c.stopJoinTimer()
	room := c.room
	if room == nil {
		return
	}
	switch room.State() {
	case types.RoomJoining, types.RoomJoined, types.RoomBlocked:
		_ = room.transition(types.RoomLeaving)
		if c.connected {
			if err := c.emitter.Emit(types.EventLeaveCourse, room.CourseId); err != nil {
				c.log.Error("could not send leave", "course", room.CourseId, "error", err)
			}
		}
		_ = room.transition(types.RoomIdle)
	}
	room.pages.Reset()
	room.presence.Clear()
	room.noticeId++
	c.room = nil
	c.draft = ""
	c.replyTo = nil
	c.stickToBottom = false
	c.anchorId = ""
	c.scrollToBottom = false
}

// Close leaves the active room. Events arriving afterwards are ignored.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.leaveRoom()
	c.closed = true
	c.render()
}

// Send validates and emits a message. Nothing is added to the store, the message shows up once the server echoes
// it as newMessage. An empty replyToId uses the reply target set with SetReplyTo.
func (c *Controller) Send(body, replyToId string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyMessage
	}
	if c.opts.MaxMessageLength > 0 && utf8.RuneCountInString(body) > c.opts.MaxMessageLength {
		return ErrMessageTooLong
	}
	if c.room == nil {
		return ErrNoCourse
	}
	if !c.connected || !c.emitter.Connected() {
		return ErrNotConnected
	}
	if c.room.Blocked() {
		return ErrBlocked
	}
	if !c.room.Joined() {
		return ErrNotJoined
	}
	if replyToId == "" && c.replyTo != nil {
		replyToId = c.replyTo.Id
	}
	if replyToId != "" && !c.room.store.Has(replyToId) {
		return ErrUnknownMessage
	}
	payload := types.SendMessagePayload{CourseId: c.room.CourseId, Message: body, ReplyTo: replyToId}
	if err := c.emitter.Emit(types.EventSendMessage, payload); err != nil {
		return fmt.Errorf("could not send message: %w", err)
	}
	c.draft = ""
	c.replyTo = nil
	c.stickToBottom = true
	c.render()
	return nil
}

func (c *Controller) SetDraft(draft string) {
	c.draft = draft
	c.render()
}

// SetReplyTo marks a stored message as the reply target of the next send.
func (c *Controller) SetReplyTo(id string) error {
	if c.room == nil {
		return ErrNoCourse
	}
	m, ok := c.room.store.Get(id)
	if !ok {
		return ErrUnknownMessage
	}
	c.replyTo = &types.ReplyRef{
		Id:         m.Id,
		Message:    m.Snippet(replySnippetLength),
		SenderName: m.SenderName,
		SenderRole: m.SenderRole,
	}
	c.render()
	return nil
}

func (c *Controller) ClearReplyTo() {
	c.replyTo = nil
	c.render()
}

// RequestNextPage asks for the next older page. It returns false when nothing was requested: no page loaded yet,
// last page reached, a request in flight, or the room is not joined.
func (c *Controller) RequestNextPage() bool {
	if c.room == nil || !c.room.Joined() || !c.connected {
		return false
	}
	room := c.room
	page, ok := room.pages.BeginNext()
	if !ok {
		return false
	}
	if err := c.emitter.Emit(types.EventGetMessages, types.GetMessagesPayload{CourseId: room.CourseId, Page: page}); err != nil {
		c.log.Error("could not request messages", "course", room.CourseId, "page", page, "error", err)
		room.pages.Cancel()
		return false
	}
	c.render()
	return true
}

// OnScroll is called with the distance of the viewport from the top of the message list.
func (c *Controller) OnScroll(offsetFromTop int) bool {
	if offsetFromTop > c.opts.ScrollThreshold {
		return false
	}
	return c.RequestNextPage()
}

func (c *Controller) MarkRead(id string) bool {
	if c.room == nil || !c.room.store.MarkRead(id) {
		return false
	}
	c.saveCache()
	c.render()
	return true
}

func (c *Controller) setError(message, fallback string) {
	if message == "" {
		message = fallback
	}
	c.errText = message
}

// setNotice shows a room notice. A transient notice is cleared after the notice window unless it was replaced in
// the meantime.
func (c *Controller) setNotice(message string, transient bool) {
	room := c.room
	room.noticeId++
	room.notice = message
	if !transient {
		return
	}
	id := room.noticeId
	c.opts.Scheduler.AfterFunc(c.opts.NoticeWindow, func() {
		if c.room != room || room.noticeId != id {
			return
		}
		room.notice = ""
		c.render()
	})
}

func (c *Controller) clearNotice() {
	c.room.noticeId++
	c.room.notice = ""
}

func (c *Controller) saveCache() {
	if c.opts.Cache == nil || c.room == nil || c.room.store.Provisional() {
		return
	}
	c.opts.Cache.Save(c.room.CourseId, c.room.store.Messages())
}

// View returns the current projection without consuming the one-shot scroll hints.
func (c *Controller) View() View {
	v := View{
		Connected:     c.connected,
		Authenticated: c.authenticated,
		Error:         c.errText,
		Draft:         c.draft,
		AnchorId:      c.anchorId,
		State:         types.RoomIdle,
		Buckets:       []DayBucket{},
		Presence:      []types.PresenceEntry{},
	}
	if c.replyTo != nil {
		ref := *c.replyTo
		v.ReplyTo = &ref
	}
	v.ScrollToBottom = c.scrollToBottom
	room := c.room
	if room == nil {
		return v
	}
	v.CourseId = room.CourseId
	v.State = room.State()
	v.Blocked = room.Blocked()
	v.Notice = room.notice
	v.Presence = room.presence.Entries()
	v.HasMore = room.pages.HasMore() && room.pages.Page() > 0
	v.LoadingOlder = room.pages.Requested() > 1
	v.CanSend = c.connected && room.Joined()

	messages := room.store.Messages()
	if c.opts.Filter != nil {
		visible := messages[:0]
		for i := range messages {
			if c.opts.Filter.Match(&messages[i], c.identity) {
				visible = append(visible, messages[i])
			}
		}
		messages = visible
	}
	v.Buckets = Buckets(messages, c.opts.Now(), c.opts.Location)
	return v
}

// render publishes the view and consumes the one-shot hints.
func (c *Controller) render() {
	if c.opts.OnView == nil {
		return
	}
	v := c.View()
	c.anchorId = ""
	c.scrollToBottom = false
	c.opts.OnView(v)
}
