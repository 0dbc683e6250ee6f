// Package cache keeps the last known message list per course. It is a placeholder shown until the server answers,
// the chat never trusts it over server data.
package cache

import (
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/persistence"
	"github.com/tcriess/lightspeed-course-chat/types"
)

const (
	defaultMaxCourses  = 32
	defaultMaxMessages = 100
)

var ErrLocked = persistence.ErrLocked

// Cache is a bounded LRU of course snapshots in front of an optional persister. Courses that fall out of the LRU
// are deleted from the persister as well.
type Cache struct {
	snapshots   *lru.Cache
	persister   persistence.Persister
	maxMessages int
	now         func() time.Time
	log         hclog.Logger
}

// digestEntry is the part of a message that is relevant for deciding whether a snapshot changed
type digestEntry struct {
	Id   string
	Read bool
	Ts   int64
}

// New creates the cache and loads the persisted snapshots. persister may be nil for a memory only cache.
func New(persister persistence.Persister, maxCourses, maxMessages int) (*Cache, error) {
	if maxCourses <= 0 {
		maxCourses = defaultMaxCourses
	}
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	c := &Cache{
		persister:   persister,
		maxMessages: maxMessages,
		now:         time.Now,
		log:         globals.AppLogger.Named("cache"),
	}
	snapshots, err := lru.NewWithEvict(maxCourses, c.evicted)
	if err != nil {
		return nil, err
	}
	c.snapshots = snapshots
	if persister == nil {
		return c, nil
	}
	stored, err := persister.GetSnapshots()
	if err != nil {
		return nil, err
	}
	// oldest first, so the newest ones are the most recently used and surplus courses get evicted
	for i := len(stored) - 1; i >= 0; i-- {
		c.snapshots.Add(stored[i].CourseId, stored[i])
	}
	return c, nil
}

// NewFromConfig creates the persister for the configured cache type and the cache in front of it.
func NewFromConfig(cfg *config.Config) (*Cache, error) {
	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		return nil, err
	}
	return New(persister, cfg.CacheConfig.MaxCourses, cfg.CacheConfig.MaxMessages)
}

func (c *Cache) evicted(key interface{}, _ interface{}) {
	if c.persister == nil {
		return
	}
	courseId, _ := key.(string)
	if err := c.persister.DeleteSnapshot(courseId); err != nil {
		c.log.Error("could not delete snapshot", "course", courseId, "error", err)
	}
}

func digest(messages []types.Message) (uint64, error) {
	entries := make([]digestEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, digestEntry{Id: m.Id, Read: m.Read, Ts: m.Timestamp.UnixNano()})
	}
	return hashstructure.Hash(entries, hashstructure.FormatV2, nil)
}

// Load returns the cached messages of a course, nil if there are none.
func (c *Cache) Load(courseId string) []types.Message {
	v, ok := c.snapshots.Get(courseId)
	if !ok {
		return nil
	}
	s := v.(*types.Snapshot)
	res := make([]types.Message, len(s.Messages))
	copy(res, s.Messages)
	return res
}

// Snapshot returns the cached snapshot of a course without touching its LRU position.
func (c *Cache) Snapshot(courseId string) (types.Snapshot, bool) {
	v, ok := c.snapshots.Peek(courseId)
	if !ok {
		return types.Snapshot{}, false
	}
	return *v.(*types.Snapshot), true
}

// Save stores the newest messages of a course. Nothing is written if the messages did not change.
func (c *Cache) Save(courseId string, messages []types.Message) {
	if courseId == "" {
		return
	}
	if len(messages) > c.maxMessages {
		messages = messages[len(messages)-c.maxMessages:]
	}
	sum, err := digest(messages)
	if err != nil {
		c.log.Error("could not hash messages", "course", courseId, "error", err)
		return
	}
	if v, ok := c.snapshots.Get(courseId); ok && v.(*types.Snapshot).Digest == sum {
		return
	}
	s := &types.Snapshot{
		CourseId: courseId,
		Messages: make([]types.Message, len(messages)),
		Digest:   sum,
		Updated:  c.now(),
	}
	copy(s.Messages, messages)
	c.snapshots.Add(courseId, s)
	if c.persister == nil {
		return
	}
	if err := c.persister.StoreSnapshot(*s); err != nil {
		c.log.Error("could not store snapshot", "course", courseId, "error", err)
	}
}

// Invalidate drops the snapshot of a course.
func (c *Cache) Invalidate(courseId string) bool {
	return c.snapshots.Remove(courseId)
}

// Courses returns the cached course ids, the most recently used first.
func (c *Cache) Courses() []string {
	keys := c.snapshots.Keys()
	res := make([]string, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if id, ok := keys[i].(string); ok {
			res = append(res, id)
		}
	}
	return res
}

func (c *Cache) Close() error {
	if c.persister == nil {
		return nil
	}
	return c.persister.Close()
}
