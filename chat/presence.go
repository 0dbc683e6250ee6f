package chat

import "github.com/tcriess/lightspeed-course-chat/types"

// Presence is the set of other users in the active room, it always reflects the latest server snapshot.
type Presence struct {
	self    string
	entries []types.PresenceEntry
}

func NewPresence(self string) *Presence {
	return &Presence{self: self}
}

func (p *Presence) SetSelf(userId string) {
	p.self = userId
	p.Replace(p.entries)
}

// Replace swaps in a new snapshot, dropping the current user and duplicate ids.
func (p *Presence) Replace(entries []types.PresenceEntry) {
	seen := make(map[string]struct{}, len(entries))
	res := make([]types.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		if e.UserId == "" || e.UserId == p.self {
			continue
		}
		if _, ok := seen[e.UserId]; ok {
			continue
		}
		seen[e.UserId] = struct{}{}
		res = append(res, e)
	}
	p.entries = res
}

func (p *Presence) Entries() []types.PresenceEntry {
	res := make([]types.PresenceEntry, len(p.entries))
	copy(res, p.entries)
	return res
}

func (p *Presence) Len() int {
	return len(p.entries)
}

func (p *Presence) Clear() {
	p.entries = nil
}
