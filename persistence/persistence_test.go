package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/types"
)

func snapshot(courseId string, updated time.Time, messageIds ...string) types.Snapshot {
	s := types.Snapshot{CourseId: courseId, Updated: updated, Digest: 1<<63 + 7, Messages: make([]types.Message, 0)}
	for i, id := range messageIds {
		s.Messages = append(s.Messages, types.Message{
			Id:        id,
			CourseId:  courseId,
			Body:      "body " + id,
			Timestamp: updated.Add(time.Duration(i) * time.Second).UTC(),
		})
	}
	return s
}

func testPersister(t *testing.T, p Persister) {
	now := time.Date(2021, 5, 10, 12, 0, 0, 0, time.UTC)

	_, err := p.GetSnapshot("c1")
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, p.StoreSnapshot(snapshot("c1", now, "m1", "m2")))
	require.NoError(t, p.StoreSnapshot(snapshot("c2", now.Add(time.Minute), "x1")))

	got, err := p.GetSnapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CourseId)
	assert.Equal(t, uint64(1<<63+7), got.Digest)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "m2", got.Messages[1].Id)
	assert.True(t, now.Equal(got.Updated))

	// overwrite
	require.NoError(t, p.StoreSnapshot(snapshot("c1", now.Add(2*time.Minute), "m3")))
	got, err = p.GetSnapshot("c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "m3", got.Messages[0].Id)

	all, err := p.GetSnapshots()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].CourseId)
	assert.Equal(t, "c2", all[1].CourseId)

	require.NoError(t, p.DeleteSnapshot("c1"))
	require.NoError(t, p.DeleteSnapshot("c1"))
	_, err = p.GetSnapshot("c1")
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, p.Close())
}

func TestBuntPersister(t *testing.T) {
	cfg := &config.Config{CacheConfig: config.CacheConfig{Type: "buntdb", DSN: filepath.Join(t.TempDir(), "cache.db")}}
	p, err := NewPersister(cfg)
	require.NoError(t, err)
	require.IsType(t, &BuntDBPersist{}, p)
	testPersister(t, p)
}

func TestBuntPersisterLock(t *testing.T) {
	cfg := &config.Config{CacheConfig: config.CacheConfig{Type: "buntdb", DSN: filepath.Join(t.TempDir(), "cache.db")}}
	p, err := NewBuntPersister(cfg)
	require.NoError(t, err)

	_, err = NewBuntPersister(cfg)
	assert.Equal(t, ErrLocked, err)

	require.NoError(t, p.Close())
	p, err = NewBuntPersister(cfg)
	require.NoError(t, err, "lock is released on close")
	require.NoError(t, p.Close())
}

func TestGormPersisterSQLite(t *testing.T) {
	cfg := &config.Config{CacheConfig: config.CacheConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "cache.sqlite")}}
	p, err := NewPersister(cfg)
	require.NoError(t, err)
	require.IsType(t, &GormPersist{}, p)
	testPersister(t, p)
}

func TestNewPersister(t *testing.T) {
	p, err := NewPersister(&config.Config{CacheConfig: config.CacheConfig{Type: "memory"}})
	assert.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewPersister(&config.Config{CacheConfig: config.CacheConfig{Type: "redis"}})
	assert.Error(t, err)

	_, err = NewPersister(&config.Config{CacheConfig: config.CacheConfig{Type: "sqlite"}})
	assert.Error(t, err, "sqlite needs a dsn")
}
