package persistence

import (
	"encoding/json"
	"errors"

	"github.com/gofrs/flock"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
	"github.com/tidwall/buntdb"
)

const (
	snapshotPrefix = "snapshot:"
	updatedIndex   = "updated"
	memoryDSN      = ":memory:"
)

type BuntDBPersist struct {
	db   *buntdb.DB
	lock *flock.Flock
}

// NewBuntPersister opens the buntdb file named by the cache DSN. The file is guarded by a lock file, a second
// process using the same cache gets ErrLocked.
func NewBuntPersister(cfg *config.Config) (Persister, error) {
	fileName := cfg.CacheConfig.DSN
	if fileName == "" {
		fileName = memoryDSN
	}
	lockPath := cfg.CacheConfig.FlockPath
	if lockPath == "" && fileName != memoryDSN {
		lockPath = fileName + ".lock"
	}
	var lock *flock.Flock
	if lockPath != "" {
		lock = flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, ErrLocked
		}
	}
	db, err := setupBuntDB(fileName)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	return &BuntDBPersist{db: db, lock: lock}, nil
}

func setupBuntDB(fileName string) (*buntdb.DB, error) {
	db, err := buntdb.Open(fileName)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex(updatedIndex, snapshotPrefix+"*", buntdb.IndexJSON("updated"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (p *BuntDBPersist) StoreSnapshot(snapshot types.Snapshot) error {
	snapshot.Updated = snapshot.Updated.UTC()
	s, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(snapshotPrefix+snapshot.CourseId, string(s), nil)
		return err
	})
}

func (p *BuntDBPersist) GetSnapshot(courseId string) (types.Snapshot, error) {
	snapshot := types.Snapshot{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(snapshotPrefix + courseId)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(s), &snapshot)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return snapshot, ErrNotFound
	}
	return snapshot, err
}

// GetSnapshots returns all snapshots, the most recently updated first.
func (p *BuntDBPersist) GetSnapshots() ([]*types.Snapshot, error) {
	snapshots := make([]*types.Snapshot, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend(updatedIndex, func(key, val string) bool {
			snapshot := &types.Snapshot{}
			if err := json.Unmarshal([]byte(val), snapshot); err != nil {
				globals.AppLogger.Error("could not unmarshal snapshot", "key", key, "error", err)
				return true
			}
			snapshots = append(snapshots, snapshot)
			return true
		})
	})
	return snapshots, err
}

func (p *BuntDBPersist) DeleteSnapshot(courseId string) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(snapshotPrefix + courseId)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

func (p *BuntDBPersist) Close() error {
	err := p.db.Close()
	if p.lock != nil {
		if uErr := p.lock.Unlock(); err == nil {
			err = uErr
		}
	}
	return err
}
