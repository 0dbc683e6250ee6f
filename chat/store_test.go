package chat

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-course-chat/types"
)

func msgAt(id string, ts int64) types.Message {
	return types.Message{Id: id, CourseId: "c1", SenderId: "u2", Body: "body " + id, Timestamp: time.Unix(ts, 0).UTC()}
}

func ids(messages []types.Message) []string {
	res := make([]string, 0, len(messages))
	for _, m := range messages {
		res = append(res, m.Id)
	}
	return res
}

func TestStoreReplaceIsIdempotent(t *testing.T) {
	s := NewStore()
	page := []types.Message{msgAt("m1", 10), msgAt("m2", 20)}
	assert.True(t, s.Replace(page))
	assert.True(t, s.Replace(page))
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
}

func TestStoreReplaceNormalizes(t *testing.T) {
	s := NewStore()
	s.Replace([]types.Message{msgAt("m2", 20), msgAt("", 1), msgAt("m1", 10), msgAt("m2", 30)})
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
	m, ok := s.Get("m2")
	require.True(t, ok)
	assert.Equal(t, int64(20), m.Timestamp.Unix(), "first occurrence wins")
}

func TestStoreEmptyPageKeepsCache(t *testing.T) {
	s := NewStore()
	s.Seed([]types.Message{msgAt("m1", 10)})
	assert.True(t, s.Provisional())

	assert.False(t, s.Replace(nil))
	assert.Equal(t, []string{"m1"}, ids(s.Messages()))
	assert.True(t, s.Provisional())

	assert.True(t, s.Replace([]types.Message{msgAt("m5", 50)}))
	assert.Equal(t, []string{"m5"}, ids(s.Messages()))
	assert.False(t, s.Provisional())
	assert.False(t, s.Has("m1"))

	empty := NewStore()
	assert.True(t, empty.Replace(nil))
	assert.Equal(t, 0, empty.Len())
}

func TestStorePrependMergesById(t *testing.T) {
	s := NewStore()
	s.Replace([]types.Message{msgAt("m1", 10), msgAt("m2", 20)})
	n := s.Prepend([]types.Message{msgAt("m0", 5), msgAt("m1", 10)})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m0", "m1", "m2"}, ids(s.Messages()))

	assert.Equal(t, 0, s.Prepend([]types.Message{msgAt("m1", 10)}))
	assert.Equal(t, 3, s.Len())
}

func TestStoreAppendDedups(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Append(msgAt("m1", 10)))
	assert.False(t, s.Append(msgAt("m1", 10)))
	assert.False(t, s.Append(msgAt("", 10)))
	assert.True(t, s.Append(msgAt("m0", 5)), "live pushes keep arrival order")
	assert.Equal(t, []string{"m1", "m0"}, ids(s.Messages()))
}

func TestStoreMarkRead(t *testing.T) {
	s := NewStore()
	s.Append(msgAt("m1", 10))
	assert.True(t, s.MarkRead("m1"))
	assert.False(t, s.MarkRead("m1"))
	assert.False(t, s.MarkRead("nope"))
	m, _ := s.Get("m1")
	assert.True(t, m.Read)

	// the returned slice is a copy
	s.Messages()[0].Read = false
	m, _ = s.Get("m1")
	assert.True(t, m.Read)
}

func TestBucketsOrdering(t *testing.T) {
	loc := time.UTC
	now := time.Date(2021, 5, 10, 12, 0, 0, 0, loc)
	r := rand.New(rand.NewSource(42))
	messages := make([]types.Message, 0)
	for i := 0; i < 200; i++ {
		ts := now.Add(-time.Duration(r.Intn(96*60)) * time.Minute)
		messages = append(messages, types.Message{Id: fmt.Sprintf("m%d", i), Timestamp: ts})
	}
	s := NewStore()
	s.Replace(messages)

	buckets := Buckets(s.Messages(), now, loc)
	var last time.Time
	for i, b := range buckets {
		if i > 0 {
			assert.True(t, buckets[i-1].Day.Before(b.Day))
		}
		for _, m := range b.Messages {
			assert.False(t, m.Timestamp.Before(last))
			last = m.Timestamp
			assert.Equal(t, b.Day, startOfDay(m.Timestamp, loc))
		}
	}
}

func TestBucketsLabels(t *testing.T) {
	loc := time.UTC
	now := time.Date(2021, 5, 10, 12, 0, 0, 0, loc)
	messages := []types.Message{
		{Id: "old", Timestamp: time.Date(2021, 5, 1, 9, 30, 0, 0, loc)},
		{Id: "yesterday", Timestamp: time.Date(2021, 5, 9, 23, 59, 0, 0, loc)},
		{Id: "today", Timestamp: time.Date(2021, 5, 10, 0, 1, 0, 0, loc)},
	}
	buckets := Buckets(messages, now, loc)
	require.Len(t, buckets, 3)
	assert.Equal(t, "May 1, 2021", buckets[0].Label)
	assert.Equal(t, "Yesterday", buckets[1].Label)
	assert.Equal(t, "Today", buckets[2].Label)
	assert.Equal(t, "09:30", buckets[0].Messages[0].TimeLabel)
	assert.Equal(t, "Today", buckets[2].Messages[0].DayLabel)

	// a live push with an older timestamp still lands in its own day
	live := append(messages[2:], messages[0])
	buckets = Buckets(live, now, loc)
	require.Len(t, buckets, 2)
	assert.Equal(t, "old", buckets[0].Messages[0].Id)
}

func TestPaginationMonotonic(t *testing.T) {
	p := NewPagination()
	_, ok := p.BeginNext()
	assert.False(t, ok, "no next page before page 1")

	assert.Equal(t, 1, p.BeginFirst())
	page, ok := p.Resolve(types.MessagesPayload{Success: true})
	require.True(t, ok)
	p.Loaded(page, 20, 0)
	assert.Equal(t, 1, p.Page())
	assert.True(t, p.HasMore())

	next, ok := p.BeginNext()
	require.True(t, ok)
	assert.Equal(t, 2, next)
	_, ok = p.BeginNext()
	assert.False(t, ok, "request in flight")

	_, ok = p.Resolve(types.MessagesPayload{Success: true, Page: 3})
	assert.False(t, ok, "stale page")
	page, ok = p.Resolve(types.MessagesPayload{Success: true, Page: 2})
	require.True(t, ok)
	p.Loaded(page, 20, 0)
	assert.Equal(t, 2, p.Page())

	// a late duplicate never moves the counter back
	p.Loaded(2, 20, 0)
	assert.Equal(t, 2, p.Page())

	next, ok = p.BeginNext()
	require.True(t, ok)
	assert.Equal(t, 3, next)
	page, _ = p.Resolve(types.MessagesPayload{Success: true})
	p.Loaded(page, 0, 0)
	assert.False(t, p.HasMore(), "empty page ends pagination")
	_, ok = p.BeginNext()
	assert.False(t, ok)

	_, ok = p.Resolve(types.MessagesPayload{Success: true})
	assert.False(t, ok, "unsolicited")
}

func TestPaginationTotalPages(t *testing.T) {
	p := NewPagination()
	p.BeginFirst()
	page, _ := p.Resolve(types.MessagesPayload{})
	p.Loaded(page, 20, 2)
	assert.True(t, p.HasMore())
	next, _ := p.BeginNext()
	page, _ = p.Resolve(types.MessagesPayload{Page: next})
	p.Loaded(page, 5, 2)
	assert.False(t, p.HasMore())

	p.BeginFirst()
	p.Cancel()
	assert.False(t, p.InFlight())
}

func TestPresenceExcludesSelf(t *testing.T) {
	p := NewPresence("u1")
	p.Replace([]types.PresenceEntry{{UserId: "u1"}, {UserId: "u2", Name: "Bob"}, {UserId: "u2"}, {UserId: ""}, {UserId: "u3"}})
	assert.Equal(t, []types.PresenceEntry{{UserId: "u2", Name: "Bob"}, {UserId: "u3"}}, p.Entries())

	p.Replace([]types.PresenceEntry{{UserId: "u4"}})
	assert.Equal(t, 1, p.Len(), "snapshots replace, they are not merged")

	p.Replace([]types.PresenceEntry{{UserId: "u2"}, {UserId: "u4"}})
	p.SetSelf("u4")
	assert.Equal(t, []types.PresenceEntry{{UserId: "u2"}}, p.Entries())
}

func TestRoomTransitions(t *testing.T) {
	allowed := [][2]types.RoomState{
		{types.RoomIdle, types.RoomJoining},
		{types.RoomJoining, types.RoomJoined},
		{types.RoomJoining, types.RoomBlocked},
		{types.RoomJoining, types.RoomIdle},
		{types.RoomJoined, types.RoomBlocked},
		{types.RoomJoined, types.RoomLeaving},
		{types.RoomBlocked, types.RoomJoined},
		{types.RoomBlocked, types.RoomLeaving},
		{types.RoomLeaving, types.RoomIdle},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	assert.False(t, CanTransition(types.RoomIdle, types.RoomJoined))
	assert.False(t, CanTransition(types.RoomJoined, types.RoomIdle))
	assert.False(t, CanTransition(types.RoomLeaving, types.RoomJoined))

	r := NewRoom("c1", "u1")
	assert.Error(t, r.transition(types.RoomJoined))
	require.NoError(t, r.transition(types.RoomJoining))
	require.NoError(t, r.transition(types.RoomJoined))
	r.store.Append(msgAt("m1", 10))
	r.pages.BeginFirst()
	r.reset()
	assert.Equal(t, types.RoomIdle, r.State())
	assert.False(t, r.pages.InFlight())
	assert.Equal(t, 1, r.store.Len())
}
