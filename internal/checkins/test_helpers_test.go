package checkins

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubPartners struct {
	mu       sync.Mutex
	partners map[string]string
	err      error
	calls    int
}

func newStubPartners(pairs ...[2]string) *stubPartners {
	partners := make(map[string]string)
	for _, pair := range pairs {
		partners[pair[0]] = pair[1]
		partners[pair[1]] = pair[0]
	}
	return &stubPartners{partners: partners}
}

func (s *stubPartners) PartnerOf(_ context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", false, s.err
	}
	partner, ok := s.partners[userID]
	return partner, ok, nil
}

func (s *stubPartners) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("checkin-%03d", g.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("exhausted ids")
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "checkins.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate checkins: %v", err)
	}
	return db
}

func newTestService(t *testing.T, partners PartnerLookup) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Partners:   partners,
		IDProvider: &sequenceIDs{},
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func seedRecords(t *testing.T, db *gorm.DB, records ...Record) {
	t.Helper()
	for index := range records {
		record := records[index]
		if record.Status == "" {
			record.Status = LifecycleActive
		}
		if record.AuditStatus == "" {
			record.AuditStatus = AuditStatusApproved
		}
		if record.Address == "" {
			record.Address = "somewhere"
		}
		if record.Images == nil {
			record.Images = []string{}
		}
		if record.UpdatedAtSeconds == 0 {
			record.UpdatedAtSeconds = record.CreatedAtSeconds
		}
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("failed to seed record %s: %v", record.ID, err)
		}
	}
}

func recordIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}

func containsID(records []Record, id string) bool {
	for _, record := range records {
		if record.ID == id {
			return true
		}
	}
	return false
}

func floatPointer(value float64) *float64 {
	return &value
}

func mustDate(t *testing.T, value string) *time.Time {
	t.Helper()
	parsed, err := time.Parse(time.DateOnly, value)
	if err != nil {
		t.Fatalf("invalid date %q: %v", value, err)
	}
	return &parsed
}
