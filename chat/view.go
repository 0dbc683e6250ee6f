package chat

import "github.com/tcriess/lightspeed-course-chat/types"

// View is the projection of the chat state that a UI renders. AnchorId and ScrollToBottom are one-shot hints,
// they are only set in the first view after the change that caused them.
type View struct {
	CourseId      string
	State         types.RoomState
	Connected     bool
	Authenticated bool
	Blocked       bool
	CanSend       bool
	Notice        string // moderation or transient notice
	Error         string // room level error banner
	Buckets       []DayBucket
	Presence      []types.PresenceEntry
	HasMore       bool
	LoadingOlder  bool

	// AnchorId is the message that was first before older messages were prepended, the viewport should keep it
	// at the same visual position.
	AnchorId string
	// ScrollToBottom is set after page 1 was loaded and when the echo of the user's own message arrived.
	ScrollToBottom bool

	Draft   string
	ReplyTo *types.ReplyRef
}

// MessageCount returns the number of rendered messages.
func (v View) MessageCount() int {
	n := 0
	for _, b := range v.Buckets {
		n += len(b.Messages)
	}
	return n
}

// MessageIds returns the ids of the rendered messages in render order.
func (v View) MessageIds() []string {
	ids := make([]string, 0)
	for _, b := range v.Buckets {
		for _, m := range b.Messages {
			ids = append(ids, m.Id)
		}
	}
	return ids
}
