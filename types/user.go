package types

type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Identity is the signed-in user a connection is bound to. An empty UserId means the identity is not known (yet).
type Identity struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

func (i Identity) Known() bool {
	return i.UserId != ""
}

// PresenceEntry is one other user currently present in a room.
type PresenceEntry struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}
