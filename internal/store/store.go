// Package store persists session events and connection errors in SQLite.
// Both logs are bounded; the oldest rows are evicted first.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chaz8081/ftms-recorder/internal/session"
)

// Event is a persisted session event.
type Event struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	SessionID string    `json:"session_id" gorm:"index"`
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

func (Event) TableName() string { return "session_events" }

// ErrorRecord is a persisted connection error.
type ErrorRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	SessionID  string    `json:"session_id" gorm:"index"`
	Role       string    `json:"role"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Attempt    int       `json:"attempt"`
	RawPackets int       `json:"raw_packets"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ErrorRecord) TableName() string { return "error_records" }

// Options configures a Store.
type Options struct {
	Path      string `default:"ftms-recorder.db"`
	MaxEvents int    `default:"100"`
	MaxErrors int    `default:"20"`
	// SessionID tags rows written by this process; a random UUID when empty.
	SessionID string
}

// Store is the SQLite-backed event and error log. It satisfies
// session.EventStore.
type Store struct {
	db        *gorm.DB
	sessionID string
	maxEvents int
	maxErrors int
}

var _ session.EventStore = (*Store)(nil)

// Open creates or opens the database at opts.Path and migrates the schema.
func Open(opts Options) (*Store, error) {
	defaults.SetDefaults(&opts)
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(opts.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	// Both sessions write; SQLite takes one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Event{}, &ErrorRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, sessionID: opts.SessionID, maxEvents: opts.MaxEvents, maxErrors: opts.MaxErrors}, nil
}

// SessionID returns the identifier stamped on rows from this process.
func (s *Store) SessionID() string { return s.sessionID }

// AppendEvent stores a session event and evicts the oldest beyond the limit.
func (s *Store) AppendEvent(rec session.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("store: encode event data: %w", err)
	}
	row := Event{
		SessionID: s.sessionID,
		Role:      string(rec.Role),
		Type:      rec.Type,
		Data:      string(data),
		CreatedAt: stamp(rec.At),
	}
	return s.appendBounded(&row, &Event{}, s.maxEvents)
}

// AppendError stores a connection error and evicts the oldest beyond the limit.
func (s *Store) AppendError(rec session.ErrorRecord) error {
	row := ErrorRecord{
		SessionID:  s.sessionID,
		Role:       string(rec.Role),
		Kind:       string(rec.Kind),
		Message:    rec.Message,
		Attempt:    rec.Attempt,
		RawPackets: rec.RawPackets,
		CreatedAt:  stamp(rec.At),
	}
	return s.appendBounded(&row, &ErrorRecord{}, s.maxErrors)
}

func (s *Store) appendBounded(row, model any, limit int) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		keep := tx.Model(model).Select("id").Order("id desc").Limit(limit)
		return tx.Where("id NOT IN (?)", keep).Delete(model).Error
	})
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// RecentEvents returns up to n of the newest events, oldest first.
func (s *Store) RecentEvents(n int) ([]Event, error) {
	var rows []Event
	if err := s.db.Order("id desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: read events: %w", err)
	}
	reverse(rows)
	return rows, nil
}

// RecentErrors returns up to n of the newest errors, oldest first.
func (s *Store) RecentErrors(n int) ([]ErrorRecord, error) {
	var rows []ErrorRecord
	if err := s.db.Order("id desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: read errors: %w", err)
	}
	reverse(rows)
	return rows, nil
}

// DecodeData unmarshals the JSON payload of an event.
func (e Event) DecodeData() (map[string]any, error) {
	if e.Data == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(e.Data), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
