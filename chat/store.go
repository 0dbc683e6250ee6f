package chat

import (
	"sort"

	"github.com/tcriess/lightspeed-course-chat/types"
)

// Store is the ordered, deduplicated message list of the active room. Message ids are unique within the store,
// messages are only ever added (page loads and live pushes) and only the read flag is ever changed.
type Store struct {
	messages    []types.Message
	ids         map[string]struct{}
	provisional bool
}

func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// normalize drops messages without id and duplicates within the batch (first one wins) and orders the rest by
// server timestamp, keeping the server order for equal timestamps.
func normalize(messages []types.Message) []types.Message {
	seen := make(map[string]struct{}, len(messages))
	res := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Id == "" {
			continue
		}
		if _, ok := seen[m.Id]; ok {
			continue
		}
		seen[m.Id] = struct{}{}
		res = append(res, m)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Timestamp.Before(res[j].Timestamp)
	})
	return res
}

func (s *Store) reindex() {
	s.ids = make(map[string]struct{}, len(s.messages))
	for _, m := range s.messages {
		s.ids[m.Id] = struct{}{}
	}
}

// Seed fills the store with cached messages as a placeholder until the server answers. The store is marked as
// provisional.
func (s *Store) Seed(messages []types.Message) {
	s.messages = normalize(messages)
	s.provisional = len(s.messages) > 0
	s.reindex()
}

// Replace applies page 1. An empty page never clears a non-empty store, it is kept as it is and Replace returns
// false.
func (s *Store) Replace(messages []types.Message) bool {
	incoming := normalize(messages)
	if len(incoming) == 0 && len(s.messages) > 0 {
		return false
	}
	s.messages = incoming
	s.provisional = false
	s.reindex()
	return true
}

// Prepend adds an older page ahead of the existing messages. Only messages whose id is not present yet survive,
// they keep server order. The number of added messages is returned.
func (s *Store) Prepend(messages []types.Message) int {
	incoming := normalize(messages)
	fresh := make([]types.Message, 0, len(incoming))
	for _, m := range incoming {
		if _, ok := s.ids[m.Id]; ok {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	s.messages = append(fresh, s.messages...)
	for _, m := range fresh {
		s.ids[m.Id] = struct{}{}
	}
	return len(fresh)
}

// Append adds a live message unless its id is already present.
func (s *Store) Append(m types.Message) bool {
	if m.Id == "" {
		return false
	}
	if _, ok := s.ids[m.Id]; ok {
		return false
	}
	s.messages = append(s.messages, m)
	s.ids[m.Id] = struct{}{}
	return true
}

func (s *Store) MarkRead(id string) bool {
	for i := range s.messages {
		if s.messages[i].Id == id {
			if s.messages[i].Read {
				return false
			}
			s.messages[i].Read = true
			return true
		}
	}
	return false
}

func (s *Store) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *Store) Get(id string) (types.Message, bool) {
	for _, m := range s.messages {
		if m.Id == id {
			return m, true
		}
	}
	return types.Message{}, false
}

// First returns the oldest rendered message.
func (s *Store) First() (types.Message, bool) {
	if len(s.messages) == 0 {
		return types.Message{}, false
	}
	return s.messages[0], true
}

func (s *Store) Len() int {
	return len(s.messages)
}

// Provisional reports whether the store still only holds cached messages.
func (s *Store) Provisional() bool {
	return s.provisional
}

// Messages returns a copy of the messages in store order.
func (s *Store) Messages() []types.Message {
	res := make([]types.Message, len(s.messages))
	copy(res, s.messages)
	return res
}

func (s *Store) Clear() {
	s.messages = nil
	s.provisional = false
	s.reindex()
}
