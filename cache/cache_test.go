package cache

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/persistence"
	"github.com/tcriess/lightspeed-course-chat/types"
)

// countingPersister records the calls that reach the persister
type countingPersister struct {
	persistence.Persister
	stores  int
	deletes []string
}

func (p *countingPersister) StoreSnapshot(s types.Snapshot) error {
	p.stores++
	return p.Persister.StoreSnapshot(s)
}

func (p *countingPersister) DeleteSnapshot(courseId string) error {
	p.deletes = append(p.deletes, courseId)
	return p.Persister.DeleteSnapshot(courseId)
}

func messages(n int) []types.Message {
	res := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		res = append(res, types.Message{Id: fmt.Sprintf("m%d", i), Timestamp: time.Unix(int64(i), 0)})
	}
	return res
}

func buntPersister(t *testing.T, dsn string) persistence.Persister {
	p, err := persistence.NewPersister(&config.Config{CacheConfig: config.CacheConfig{Type: "buntdb", DSN: dsn}})
	require.NoError(t, err)
	return p
}

func TestMemoryCache(t *testing.T) {
	c, err := New(nil, 2, 3)
	require.NoError(t, err)
	assert.Nil(t, c.Load("c1"))

	c.Save("c1", messages(5))
	loaded := c.Load("c1")
	require.Len(t, loaded, 3, "only the newest messages are kept")
	assert.Equal(t, "m2", loaded[0].Id)
	assert.Equal(t, "m4", loaded[2].Id)

	loaded[0].Id = "changed"
	assert.Equal(t, "m2", c.Load("c1")[0].Id)

	c.Save("c2", messages(1))
	c.Save("c3", messages(1))
	assert.Equal(t, []string{"c3", "c2"}, c.Courses())
	assert.Nil(t, c.Load("c1"), "least recently used course was evicted")

	assert.True(t, c.Invalidate("c2"))
	assert.False(t, c.Invalidate("c2"))
	assert.Equal(t, []string{"c3"}, c.Courses())
	assert.NoError(t, c.Close())
}

func TestSaveSkipsUnchanged(t *testing.T) {
	p := &countingPersister{Persister: buntPersister(t, ":memory:")}
	c, err := New(p, 4, 10)
	require.NoError(t, err)
	defer c.Close()

	c.Save("c1", messages(3))
	c.Save("c1", messages(3))
	assert.Equal(t, 1, p.stores)

	changed := messages(3)
	changed[1].Read = true
	c.Save("c1", changed)
	assert.Equal(t, 2, p.stores)

	s, ok := c.Snapshot("c1")
	require.True(t, ok)
	assert.True(t, s.Messages[1].Read)
}

func TestPersistedAcrossInstances(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cache.db")
	c, err := New(buntPersister(t, dsn), 4, 10)
	require.NoError(t, err)
	c.Save("c1", messages(2))
	c.Save("c2", messages(1))
	require.NoError(t, c.Close())

	c, err = New(buntPersister(t, dsn), 4, 10)
	require.NoError(t, err)
	defer c.Close()
	assert.Len(t, c.Load("c1"), 2)
	assert.Len(t, c.Load("c2"), 1)
	assert.ElementsMatch(t, []string{"c1", "c2"}, c.Courses())
}

func TestEvictionDeletesPersisted(t *testing.T) {
	p := &countingPersister{Persister: buntPersister(t, ":memory:")}
	c, err := New(p, 1, 10)
	require.NoError(t, err)
	defer c.Close()

	c.Save("c1", messages(1))
	c.Save("c2", messages(1))
	assert.Equal(t, []string{"c1"}, p.deletes)
	_, err = p.GetSnapshot("c1")
	assert.Equal(t, persistence.ErrNotFound, err)

	c.Invalidate("c2")
	assert.Equal(t, []string{"c1", "c2"}, p.deletes)
}

func TestNewFromConfigLocked(t *testing.T) {
	cfg := &config.Config{CacheConfig: config.CacheConfig{Type: "buntdb", DSN: filepath.Join(t.TempDir(), "cache.db")}}
	c, err := NewFromConfig(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = NewFromConfig(cfg)
	assert.Equal(t, ErrLocked, err)
}
