package markercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	visitedSuffix = ".visited"
	visitedValue  = "true"
)

var (
	// ErrMarkerNotCached indicates an icon update for a marker absent from the replica.
	ErrMarkerNotCached = errors.New("markercache: marker not cached")

	errMissingDatabase   = errors.New("markercache: database handle is required")
	errMissingStorageKey = errors.New("markercache: storage key is required")
)

type stateEntry struct {
	Key              string `gorm:"column:state_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (stateEntry) TableName() string {
	return "local_state"
}

// Config describes the dependencies of a Cache.
type Config struct {
	Database   *gorm.DB
	StorageKey string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Cache persists the marker replica and the first-visit flag in a local key/value table.
// Read-modify-write cycles are serialized so icon updates and merges do not overwrite
// each other.
type Cache struct {
	mu         sync.Mutex
	db         *gorm.DB
	storageKey string
	visitedKey string
	clock      func() time.Time
	logger     *zap.Logger
}

// Open creates or opens a SQLite-backed cache file.
func Open(path, storageKey string, logger *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("markercache: cache path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return New(Config{Database: db, StorageKey: storageKey, Logger: logger})
}

// New validates dependencies, ensures the schema, and constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	key := strings.TrimSpace(cfg.StorageKey)
	if key == "" {
		return nil, errMissingStorageKey
	}
	if err := cfg.Database.AutoMigrate(&stateEntry{}); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		db:         cfg.Database,
		storageKey: key,
		visitedKey: key + visitedSuffix,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load returns the persisted snapshot. The boolean is false when nothing usable is stored;
// an unreadable snapshot is logged and treated as absent.
func (c *Cache) Load(ctx context.Context) (Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

// Save overwrites the persisted marker set.
func (c *Cache) Save(ctx context.Context, markers []Marker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.save(ctx, markers)
}

// MergeAndSave merges a server response into the persisted replica and stores the result.
func (c *Cache) MergeAndSave(ctx context.Context, server []Marker, viewport Viewport) (MergeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, _, err := c.load(ctx)
	if err != nil {
		return MergeResult{}, err
	}
	result := Merge(server, snapshot.Markers, &viewport, c.clock().UTC())
	if err := c.save(ctx, result.AllMarkers); err != nil {
		return MergeResult{}, err
	}
	if len(result.DeletedMarkerIDs) > 0 {
		c.logger.Debug("cached markers reconciled away",
			zap.Int("deleted", len(result.DeletedMarkerIDs)),
			zap.Int("new", len(result.NewMarkers)))
	}
	return result, nil
}

// SetIcon stores the composited icon path on a cached marker.
func (c *Cache) SetIcon(ctx context.Context, markerID, iconPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, found, err := c.load(ctx)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrMarkerNotCached, markerID)
	}
	for index := range snapshot.Markers {
		if snapshot.Markers[index].ID == markerID {
			snapshot.Markers[index].IconPath = iconPath
			return c.write(ctx, c.storageKey, snapshot)
		}
	}
	return fmt.Errorf("%w: %s", ErrMarkerNotCached, markerID)
}

// IsFirstVisit reports whether the visited flag is unset.
func (c *Cache) IsFirstVisit(ctx context.Context) (bool, error) {
	var entry stateEntry
	err := c.db.WithContext(ctx).Where("state_key = ?", c.visitedKey).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return entry.Value != visitedValue, nil
}

// MarkVisited sets the visited flag.
func (c *Cache) MarkVisited(ctx context.Context) error {
	return c.upsert(ctx, c.visitedKey, visitedValue)
}

// Clear removes the snapshot and the visited flag.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.WithContext(ctx).
		Where("state_key IN ?", []string{c.storageKey, c.visitedKey}).
		Delete(&stateEntry{}).Error
}

func (c *Cache) load(ctx context.Context) (Snapshot, bool, error) {
	var entry stateEntry
	err := c.db.WithContext(ctx).Where("state_key = ?", c.storageKey).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(entry.Value), &snapshot); err != nil {
		c.logger.Warn("discarding unreadable marker cache", zap.String("key", c.storageKey), zap.Error(err))
		return Snapshot{}, false, nil
	}
	return snapshot, true, nil
}

func (c *Cache) save(ctx context.Context, markers []Marker) error {
	if markers == nil {
		markers = []Marker{}
	}
	return c.write(ctx, c.storageKey, Snapshot{Markers: markers, Timestamp: c.clock().UTC()})
}

func (c *Cache) write(ctx context.Context, key string, snapshot Snapshot) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.upsert(ctx, key, string(encoded))
}

func (c *Cache) upsert(ctx context.Context, key, value string) error {
	entry := stateEntry{Key: key, Value: value, UpdatedAtSeconds: c.clock().UTC().Unix()}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
	}).Create(&entry).Error
}
