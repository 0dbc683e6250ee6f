package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// snapshotRecord is the table row of one course snapshot, the messages are kept as a JSON column.
type snapshotRecord struct {
	CourseId string `gorm:"primaryKey"`
	Messages datatypes.JSON
	Digest   int64
	Updated  time.Time `gorm:"index"`
}

func (snapshotRecord) TableName() string {
	return "snapshots"
}

func (r *snapshotRecord) snapshot() (*types.Snapshot, error) {
	s := &types.Snapshot{
		CourseId: r.CourseId,
		Messages: make([]types.Message, 0),
		Digest:   uint64(r.Digest),
		Updated:  r.Updated,
	}
	if len(r.Messages) > 0 {
		if err := json.Unmarshal(r.Messages, &s.Messages); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.CacheConfig.DSN == "" {
		return nil, fmt.Errorf("no dsn for cache type %s", cfg.CacheConfig.Type)
	}
	var dial gorm.Dialector
	switch cfg.CacheConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.CacheConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.CacheConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err = db.AutoMigrate(&snapshotRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

func (p *GormPersist) StoreSnapshot(snapshot types.Snapshot) error {
	messages, err := json.Marshal(snapshot.Messages)
	if err != nil {
		return err
	}
	record := snapshotRecord{
		CourseId: snapshot.CourseId,
		Messages: datatypes.JSON(messages),
		Digest:   int64(snapshot.Digest),
		Updated:  snapshot.Updated.UTC(),
	}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func (p *GormPersist) GetSnapshot(courseId string) (types.Snapshot, error) {
	record := snapshotRecord{}
	err := p.db.First(&record, "course_id = ?", courseId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return types.Snapshot{}, err
	}
	s, err := record.snapshot()
	if err != nil {
		return types.Snapshot{}, err
	}
	return *s, nil
}

func (p *GormPersist) GetSnapshots() ([]*types.Snapshot, error) {
	records := make([]*snapshotRecord, 0)
	if err := p.db.Order("updated DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	snapshots := make([]*types.Snapshot, 0, len(records))
	for _, r := range records {
		s, err := r.snapshot()
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

func (p *GormPersist) DeleteSnapshot(courseId string) error {
	return p.db.Delete(&snapshotRecord{}, "course_id = ?", courseId).Error
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
