package types

import "time"

// ReplyRef points at the message a reply was written to, including a snippet of it.
type ReplyRef struct {
	Id         string `json:"id"`
	Message    string `json:"message"`
	SenderName string `json:"senderName"`
	SenderRole Role   `json:"senderRole"`
}

// Message is a single chat message of a course room. It is created by the server and never changed on the client
// except for the read flag.
type Message struct {
	Id           string    `json:"id"`           // server assigned, unique
	CourseId     string    `json:"courseId"`     // room the message belongs to
	SenderId     string    `json:"senderId"`     // user id of the sender
	SenderName   string    `json:"senderName"`   // display name
	SenderRole   Role      `json:"senderRole"`   // instructor or student
	SenderAvatar string    `json:"senderAvatar"` // optional avatar url
	Body         string    `json:"message"`      // actual message text
	Timestamp    time.Time `json:"timestamp"`    // server time
	Read         bool      `json:"read"`
	ReplyTo      *ReplyRef `json:"replyTo,omitempty"`
}

// IsReply reports whether the message references another message.
func (m *Message) IsReply() bool {
	return m.ReplyTo != nil && m.ReplyTo.Id != ""
}

// Snippet returns the first n runes of the body, used when a message is referenced by a reply.
func (m *Message) Snippet(n int) string {
	r := []rune(m.Body)
	if len(r) <= n {
		return m.Body
	}
	return string(r[:n]) + "…"
}

// Snapshot is the last known message list of one course, as kept by the local cache.
type Snapshot struct {
	CourseId string    `json:"courseId"`
	Messages []Message `json:"messages"`
	Digest   uint64    `json:"digest"`
	Updated  time.Time `json:"updated"`
}
