// Package memory keeps records and media in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
)

// RecordStore implements crawler.RecordSink in memory.
type RecordStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []crawler.StoredRecord
	byExt   map[string][]int
	now     func() time.Time
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byExt: make(map[string][]int),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateRecords appends records and returns their assigned ids.
func (s *RecordStore) CreateRecords(_ context.Context, records []crawler.StoredRecord) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		s.nextID++
		rec.ID = s.nextID
		if rec.MediaStatus == "" {
			rec.MediaStatus = crawler.MediaPending
		}
		s.byExt[rec.ExternalID] = append(s.byExt[rec.ExternalID], len(s.records))
		s.records = append(s.records, rec)
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// FindRecordsNeedingMedia returns records whose media is pending or failed, oldest first.
func (s *RecordStore) FindRecordsNeedingMedia(_ context.Context) ([]crawler.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.StoredRecord
	for _, rec := range s.records {
		if rec.MediaStatus != crawler.MediaFetched {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateMedia applies a media update to every record with the external id.
func (s *RecordStore) UpdateMedia(_ context.Context, update crawler.MediaUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byExt[update.ExternalID]
	if !ok {
		return fmt.Errorf("record %s not found", update.ExternalID)
	}
	now := s.now()
	for _, i := range idx {
		rec := &s.records[i]
		rec.MediaStatus = update.MediaStatus
		if update.StoredRelativePath != "" {
			rec.MediaPath = update.StoredRelativePath
		}
		rec.UpdateTime = now
	}
	return nil
}

// Query pages through records of a category (all categories when empty) in id order.
func (s *RecordStore) Query(_ context.Context, category string, page, size int) ([]crawler.StoredRecord, error) {
	if page < 0 || size <= 0 {
		return nil, fmt.Errorf("invalid page %d size %d", page, size)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	skip := page * size
	out := make([]crawler.StoredRecord, 0, size)
	for _, rec := range s.records {
		if category != "" && rec.Type != category {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, rec)
		if len(out) == size {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
