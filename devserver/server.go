// Package devserver is an in-memory chat server speaking the course chat protocol. It is meant for local
// development and for integration tests of the client, nothing is persisted.
package devserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
)

const (
	defaultPageSize = 20
	sendChannelSize = 256
	writeWait       = 10 * time.Second
	maxMessageSize  = 64 * 1024

	BlockedText   = "You are blocked from this chat"
	UnblockedText = "You have been unblocked"
)

type course struct {
	id       string
	messages []types.Message // ascending by timestamp
	blocked  map[string]string
	members  map[*peer]struct{}
}

type peer struct {
	conn    *websocket.Conn
	send    chan []byte
	user    types.Identity
	authed  bool
	courses map[string]struct{}
}

type Server struct {
	pageSize int
	log      hclog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	courses map[string]*course
	users   map[string]types.Identity
	peers   map[*peer]struct{}

	// mutex for all of the above maps
	sync.Mutex
}

func New(pageSize int) *Server {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Server{
		pageSize: pageSize,
		log:      globals.AppLogger.Named("devserver"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:     time.Now,
		courses: make(map[string]*course),
		users:   make(map[string]types.Identity),
		peers:   make(map[*peer]struct{}),
	}
}

// Handler returns the router serving the websocket endpoint and the admin routes.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/chat", s.websocketHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/courses/{course}/block/{user}", s.blockHandler).Methods(http.MethodPost)
	router.HandleFunc("/admin/courses/{course}/unblock/{user}", s.unblockHandler).Methods(http.MethodPost)
	router.HandleFunc("/admin/courses/{course}/messages", s.messagesHandler).Methods(http.MethodGet)
	return router
}

// AddUser registers the display name and role of a user. Unknown users get a generated guest name.
func (s *Server) AddUser(user types.Identity) {
	s.Lock()
	defer s.Unlock()
	s.users[user.UserId] = user
}

func (s *Server) courseLocked(id string) *course {
	c, ok := s.courses[id]
	if !ok {
		c = &course{
			id:      id,
			blocked: make(map[string]string),
			members: make(map[*peer]struct{}),
		}
		s.courses[id] = c
	}
	return c
}

// Seed appends messages to a course history, ids and timestamps are filled in when missing.
func (s *Server) Seed(courseId string, messages ...types.Message) {
	s.Lock()
	defer s.Unlock()
	c := s.courseLocked(courseId)
	for _, m := range messages {
		if m.Id == "" {
			m.Id = uuid.New().String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = s.now()
		}
		m.CourseId = courseId
		c.messages = append(c.messages, m)
	}
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].Timestamp.Before(c.messages[j].Timestamp)
	})
}

// Messages returns a copy of the course history.
func (s *Server) Messages(courseId string) []types.Message {
	s.Lock()
	defer s.Unlock()
	c, ok := s.courses[courseId]
	if !ok {
		return nil
	}
	res := make([]types.Message, len(c.messages))
	copy(res, c.messages)
	return res
}

// Block revokes the write access of a user to a course and pushes blockedFromChat to all of the user's connections.
func (s *Server) Block(courseId, userId, reason string) {
	if reason == "" {
		reason = BlockedText
	}
	s.Lock()
	defer s.Unlock()
	c := s.courseLocked(courseId)
	c.blocked[userId] = reason
	for p := range s.peers {
		if p.user.UserId != userId {
			continue
		}
		delete(c.members, p)
		delete(p.courses, courseId)
		s.emitLocked(p, types.EventBlockedFromChat, types.ModerationPayload{CourseId: courseId, Message: reason})
	}
	s.broadcastPresenceLocked(c)
}

func (s *Server) Unblock(courseId, userId string) {
	s.Lock()
	defer s.Unlock()
	c := s.courseLocked(courseId)
	if _, ok := c.blocked[userId]; !ok {
		return
	}
	delete(c.blocked, userId)
	for p := range s.peers {
		if p.user.UserId == userId {
			s.emitLocked(p, types.EventUnblockedFromChat, types.ModerationPayload{CourseId: courseId, Message: UnblockedText})
		}
	}
}

// DropConnections closes every client connection, clients are expected to reconnect.
func (s *Server) DropConnections() {
	s.Lock()
	defer s.Unlock()
	for p := range s.peers {
		_ = p.conn.Close()
	}
}

func (s *Server) blockHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.Block(vars["course"], vars["user"], r.URL.Query().Get("reason"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unblockHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.Unblock(vars["course"], vars["user"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Messages(vars["course"]))
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade error", "error", err)
		return
	}
	p := &peer{
		conn:    conn,
		send:    make(chan []byte, sendChannelSize),
		courses: make(map[string]struct{}),
	}
	s.Lock()
	s.peers[p] = struct{}{}
	s.Unlock()

	done := make(chan struct{})
	go s.writeLoop(p, done)
	s.readLoop(p)

	s.Lock()
	delete(s.peers, p)
	for id := range p.courses {
		if c, ok := s.courses[id]; ok {
			delete(c.members, p)
			s.broadcastPresenceLocked(c)
		}
	}
	close(p.send)
	s.Unlock()
	<-done
}

func (s *Server) writeLoop(p *peer, done chan struct{}) {
	defer close(done)
	for message := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			s.log.Debug("could not write to peer", "error", err)
			_ = p.conn.Close()
			// drain so that emitters never block
			for range p.send {
			}
			return
		}
	}
	_ = p.conn.Close()
}

func (s *Server) readLoop(p *peer) {
	p.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			s.log.Warn("could not unmarshal ws message", "error", err)
			continue
		}
		s.handle(p, message)
	}
}

// emitLocked queues an event for the peer, events for a peer with a full buffer are dropped.
func (s *Server) emitLocked(p *peer, event string, payload interface{}) {
	raw, err := types.NewWebsocketMessage(event, payload)
	if err != nil {
		s.log.Error("could not marshal event", "event", event, "error", err)
		return
	}
	select {
	case p.send <- raw:
	default:
		s.log.Warn("peer send buffer full, dropping event", "event", event)
	}
}

func (s *Server) broadcastPresenceLocked(c *course) {
	seen := make(map[string]struct{})
	entries := make([]types.PresenceEntry, 0, len(c.members))
	for p := range c.members {
		if _, ok := seen[p.user.UserId]; ok {
			continue
		}
		seen[p.user.UserId] = struct{}{}
		entries = append(entries, types.PresenceEntry{UserId: p.user.UserId, Name: p.user.Name, Role: p.user.Role})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserId < entries[j].UserId })
	for p := range c.members {
		s.emitLocked(p, types.EventOnlineUsers, entries)
	}
}

func (s *Server) handle(p *peer, message types.WebsocketMessage) {
	s.Lock()
	defer s.Unlock()
	switch message.Event {
	case types.EventAuthenticate:
		payload := types.AuthenticatePayload{}
		if err := types.Decode(message.Data, &payload); err != nil || payload.UserId == "" {
			s.emitLocked(p, types.EventError, types.ErrorPayload{Message: "invalid authenticate payload"})
			return
		}
		user, ok := s.users[payload.UserId]
		if !ok {
			user = types.Identity{
				UserId: payload.UserId,
				Name:   goname.New(goname.FantasyMap).FirstLast() + " (guest)",
				Role:   types.RoleStudent,
			}
			s.users[payload.UserId] = user
		}
		p.user = user
		p.authed = true
		s.emitLocked(p, types.EventAuthenticated, nil)

	case types.EventJoinCourse:
		var courseId string
		if err := types.Decode(message.Data, &courseId); err != nil || courseId == "" {
			s.emitLocked(p, types.EventError, types.ErrorPayload{Message: "invalid course id"})
			return
		}
		if !p.authed {
			s.emitLocked(p, types.EventJoined, types.JoinedPayload{CourseId: courseId, Success: false, Message: "not authenticated"})
			return
		}
		c := s.courseLocked(courseId)
		if reason, blocked := c.blocked[p.user.UserId]; blocked {
			s.emitLocked(p, types.EventJoined, types.JoinedPayload{CourseId: courseId, Success: true, IsBlocked: true, Message: reason})
			return
		}
		c.members[p] = struct{}{}
		p.courses[courseId] = struct{}{}
		s.emitLocked(p, types.EventJoined, types.JoinedPayload{CourseId: courseId, Success: true})
		s.broadcastPresenceLocked(c)

	case types.EventLeaveCourse:
		var courseId string
		if err := types.Decode(message.Data, &courseId); err != nil {
			return
		}
		if c, ok := s.courses[courseId]; ok {
			if _, member := c.members[p]; member {
				delete(c.members, p)
				s.broadcastPresenceLocked(c)
			}
		}
		delete(p.courses, courseId)

	case types.EventGetMessages:
		payload := types.GetMessagesPayload{}
		if err := types.Decode(message.Data, &payload); err != nil || payload.Page < 1 {
			s.emitLocked(p, types.EventMessages, types.MessagesPayload{Success: false, Message: "invalid page request"})
			return
		}
		s.emitLocked(p, types.EventMessages, s.pageLocked(payload.CourseId, payload.Page))

	case types.EventSendMessage:
		payload := types.SendMessagePayload{}
		if err := types.Decode(message.Data, &payload); err != nil || payload.Message == "" {
			s.emitLocked(p, types.EventError, types.ErrorPayload{Message: "invalid message"})
			return
		}
		c := s.courseLocked(payload.CourseId)
		if _, blocked := c.blocked[p.user.UserId]; blocked {
			s.emitLocked(p, types.EventError, types.ErrorPayload{Message: BlockedText})
			return
		}
		if _, member := c.members[p]; !member {
			s.emitLocked(p, types.EventError, types.ErrorPayload{Message: "not joined to course " + payload.CourseId})
			return
		}
		msg := types.Message{
			Id:         uuid.New().String(),
			CourseId:   c.id,
			SenderId:   p.user.UserId,
			SenderName: p.user.Name,
			SenderRole: p.user.Role,
			Body:       payload.Message,
			Timestamp:  s.now().UTC(),
		}
		if payload.ReplyTo != "" {
			for i := range c.messages {
				if c.messages[i].Id == payload.ReplyTo {
					ref := c.messages[i]
					msg.ReplyTo = &types.ReplyRef{
						Id:         ref.Id,
						Message:    ref.Snippet(80),
						SenderName: ref.SenderName,
						SenderRole: ref.SenderRole,
					}
					break
				}
			}
		}
		c.messages = append(c.messages, msg)
		for member := range c.members {
			s.emitLocked(member, types.EventNewMessage, msg)
		}

	case types.EventGetNotifications:
		payload := types.GetNotificationsPayload{}
		_ = types.Decode(message.Data, &payload)
		s.emitLocked(p, types.EventNotifications, types.NotificationsPayload{Success: true, Data: []map[string]interface{}{}, Page: payload.Page, TotalPages: 1})

	default:
		s.emitLocked(p, types.EventError, types.ErrorPayload{Message: "unknown event " + message.Event})
	}
}

// pageLocked returns page n of the course history, page 1 holds the newest messages. Each page is in ascending
// order.
func (s *Server) pageLocked(courseId string, n int) types.MessagesPayload {
	res := types.MessagesPayload{Success: true, CourseId: courseId, Page: n, Data: []types.Message{}}
	c, ok := s.courses[courseId]
	if !ok {
		res.TotalPages = 1
		return res
	}
	total := (len(c.messages) + s.pageSize - 1) / s.pageSize
	if total == 0 {
		total = 1
	}
	res.TotalPages = total
	end := len(c.messages) - (n-1)*s.pageSize
	if end <= 0 {
		return res
	}
	start := end - s.pageSize
	if start < 0 {
		start = 0
	}
	res.Data = append(res.Data, c.messages[start:end]...)
	return res
}
