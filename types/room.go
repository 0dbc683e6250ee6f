package types

// RoomState is the state of the room membership controller.
type RoomState int

const (
	RoomIdle RoomState = iota
	RoomJoining
	RoomJoined
	RoomBlocked
	RoomLeaving
)

var roomStateNames = map[RoomState]string{
	RoomIdle:    "idle",
	RoomJoining: "joining",
	RoomJoined:  "joined",
	RoomBlocked: "blocked",
	RoomLeaving: "leaving",
}

func (s RoomState) String() string {
	if n, ok := roomStateNames[s]; ok {
		return n
	}
	return "unknown"
}
