package chat

import (
	"fmt"

	"github.com/tcriess/lightspeed-course-chat/types"
)

// allowed transitions of the room membership state machine
var transitions = map[types.RoomState][]types.RoomState{
	types.RoomIdle:    {types.RoomJoining},
	types.RoomJoining: {types.RoomJoined, types.RoomBlocked, types.RoomLeaving, types.RoomIdle},
	types.RoomJoined:  {types.RoomBlocked, types.RoomLeaving},
	types.RoomBlocked: {types.RoomJoined, types.RoomLeaving},
	types.RoomLeaving: {types.RoomIdle},
}

// CanTransition reports whether the state machine allows going from one state to the other.
func CanTransition(from, to types.RoomState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Room is the state of one course room. It is built when a course becomes active and thrown away when the course
// changes, it is never reused for another course.
type Room struct {
	CourseId string
	state    types.RoomState
	notice   string
	noticeId int

	store    *Store
	pages    *Pagination
	presence *Presence
}

func NewRoom(courseId, self string) *Room {
	return &Room{
		CourseId: courseId,
		state:    types.RoomIdle,
		store:    NewStore(),
		pages:    NewPagination(),
		presence: NewPresence(self),
	}
}

func (r *Room) State() types.RoomState {
	return r.state
}

func (r *Room) Blocked() bool {
	return r.state == types.RoomBlocked
}

func (r *Room) Joined() bool {
	return r.state == types.RoomJoined
}

func (r *Room) transition(to types.RoomState) error {
	if !CanTransition(r.state, to) {
		return fmt.Errorf("invalid room transition %s -> %s", r.state, to)
	}
	r.state = to
	return nil
}

// reset drops the room back to Idle after the connection was lost. Nothing is emitted, the server side session is
// assumed to be gone. Loaded messages stay as a placeholder.
func (r *Room) reset() {
	r.state = types.RoomIdle
	r.pages.Reset()
	r.presence.Clear()
}
