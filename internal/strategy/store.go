package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Common errors
var (
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrStrategyExists   = errors.New("strategy already exists")
)

// ChangeKind describes what a store notification reports.
type ChangeKind string

// Change kinds
const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change notifies subscribers of a committed store mutation.
type Change struct {
	Kind       ChangeKind
	StrategyID string
}

// Record is the persisted form of a strategy definition.
type Record struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:128;index"`
	Enabled    bool   `gorm:"index"`
	Definition string // JSON per the strategy schema
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName sets the table name for gorm.
func (Record) TableName() string { return "strategies" }

// ListFilter narrows List results.
type ListFilter struct {
	Enabled *bool
	Name    string
}

// Store is the durable strategy repository. All writes for an id pass
// through a per-id serialization point; readers see the last committed
// version.
type Store struct {
	db        *gorm.DB
	validator *Validator
	logger    *zap.Logger

	// writeLocks serializes writers per strategy id.
	writeMu    sync.Mutex
	writeLocks map[string]*sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(Change)
}

// NewStore creates the store and migrates its table.
func NewStore(db *gorm.DB, validator *Validator, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate strategies: %w", err)
	}
	return &Store{
		db:         db,
		validator:  validator,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// OnChange registers a callback invoked after every committed mutation.
func (s *Store) OnChange(fn func(Change)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(change Change) {
	s.listenersMu.RLock()
	listeners := make([]func(Change), len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// lockFor returns the per-id writer lock.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	mu, ok := s.writeLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.writeLocks[id] = mu
	}
	return mu
}

// Create validates and persists a new definition. A client-supplied
// StrategyID is honored; otherwise one is assigned.
func (s *Store) Create(ctx context.Context, def *Definition) (string, error) {
	warnings, err := s.validator.Validate(def)
	if err != nil {
		return "", err
	}
	for _, w := range warnings {
		s.logger.Warn("Strategy validation warning",
			zap.String("strategy", def.StrategyName), zap.String("warning", w))
	}

	id := def.StrategyID
	if id == "" {
		id = uuid.NewString()
	}
	def.StrategyID = id

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	raw, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}

	record := Record{
		ID:         id,
		Name:       def.StrategyName,
		Enabled:    def.Enabled,
		Definition: string(raw),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Record{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrStrategyExists
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Strategy created",
		zap.String("strategy_id", id), zap.String("name", def.StrategyName))
	s.notify(Change{Kind: ChangeCreated, StrategyID: id})
	return id, nil
}

// Update validates and replaces an existing definition.
func (s *Store) Update(ctx context.Context, id string, def *Definition) error {
	def.StrategyID = id

	warnings, err := s.validator.Validate(def)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		s.logger.Warn("Strategy validation warning",
			zap.String("strategy_id", id), zap.String("warning", w))
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(map[string]any{
		"name":       def.StrategyName,
		"enabled":    def.Enabled,
		"definition": string(raw),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStrategyNotFound
	}

	s.logger.Info("Strategy updated", zap.String("strategy_id", id))
	s.notify(Change{Kind: ChangeUpdated, StrategyID: id})
	return nil
}

// Read returns one definition.
func (s *Store) Read(ctx context.Context, id string) (*Definition, error) {
	var record Record
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStrategyNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(&record)
}

// List returns definitions matching the filter.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Definition, error) {
	query := s.db.WithContext(ctx).Model(&Record{})
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}
	if filter.Name != "" {
		query = query.Where("name = ?", filter.Name)
	}

	var records []Record
	if err := query.Order("id").Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]*Definition, 0, len(records))
	for i := range records {
		def, err := decodeRecord(&records[i])
		if err != nil {
			s.logger.Error("Skipping undecodable strategy record",
				zap.String("strategy_id", records[i].ID), zap.Error(err))
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// GetEnabled returns all definitions flagged enabled.
func (s *Store) GetEnabled(ctx context.Context) ([]*Definition, error) {
	enabled := true
	return s.List(ctx, ListFilter{Enabled: &enabled})
}

// Delete removes a definition.
func (s *Store) Delete(ctx context.Context, id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	res := s.db.WithContext(ctx).Delete(&Record{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStrategyNotFound
	}

	s.logger.Info("Strategy deleted", zap.String("strategy_id", id))
	s.notify(Change{Kind: ChangeDeleted, StrategyID: id})
	return nil
}

func decodeRecord(record *Record) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(record.Definition), &def); err != nil {
		return nil, fmt.Errorf("decode strategy %s: %w", record.ID, err)
	}
	def.StrategyID = record.ID
	def.Enabled = record.Enabled
	return &def, nil
}
