package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

type (
	// MemoryActivityStore is the in-process ActivityStore used when no
	// persistent backend is wired. State does not survive restart.
	MemoryActivityStore struct {
		mu      sync.Mutex
		records map[string]Activity
	}

	// MemoryAlertStore is the in-process AlertStore counterpart.
	MemoryAlertStore struct {
		mu     sync.Mutex
		alerts []Alert
	}
)

// NewMemoryActivityStore returns an empty in-memory activity store.
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{records: make(map[string]Activity)}
}

// List returns all stored activities.
func (s *MemoryActivityStore) List(_ context.Context) ([]Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Activity, 0, len(s.records))
	for _, a := range s.records {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Save upserts one activity record.
func (s *MemoryActivityStore) Save(_ context.Context, activity Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[activity.UserID] = activity
	return nil
}

// NewMemoryAlertStore returns an empty in-memory alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{}
}

// Append stores one alert.
func (s *MemoryAlertStore) Append(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

// Since returns the user's alerts created at or after since, newest first.
func (s *MemoryAlertStore) Since(_ context.Context, userID string, since time.Time) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Alert
	for _, a := range s.alerts {
		if a.UserID == userID && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Prune drops alerts created before the cutoff and returns how many.
func (s *MemoryAlertStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.alerts[:0]
	removed := 0
	for _, a := range s.alerts {
		if a.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept
	return removed, nil
}

var (
	_ ActivityStore = (*MemoryActivityStore)(nil)
	_ AlertStore    = (*MemoryAlertStore)(nil)
)
