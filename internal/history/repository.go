// Package history is the unified history store: a keyed persistence layer
// for ImageEntries and their Attempts. It holds no business rules; merge
// policy lives in the engine packages.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/manash/gentrack/pkg/models"
)

// Repository is the persistence contract consumed by the engine.
type Repository interface {
	GetByID(ctx context.Context, id string) (*models.ImageEntry, error)
	GetBatch(ctx context.Context, ids []string) (map[string]*models.ImageEntry, error)
	SaveOne(ctx context.Context, entry *models.ImageEntry) error
	SaveBatch(ctx context.Context, entries []*models.ImageEntry) error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
)

// MemoryStore is an in-process Repository. It stores deep copies so callers
// cannot mutate persisted state by accident, and counts writes.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string][]byte
	opts       Options
	saveCalls  int
	savedRows  int
	failWrites error
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte), opts: opts}
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*models.ImageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeEntry(string(doc))
}

func (m *MemoryStore) GetBatch(_ context.Context, ids []string) (map[string]*models.ImageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.ImageEntry, len(ids))
	for _, id := range dedupe(ids) {
		doc, ok := m.entries[id]
		if !ok {
			continue
		}
		entry, err := decodeEntry(string(doc))
		if err != nil {
			return nil, err
		}
		out[id] = entry
	}
	return out, nil
}

func (m *MemoryStore) SaveOne(ctx context.Context, entry *models.ImageEntry) error {
	return m.SaveBatch(ctx, []*models.ImageEntry{entry})
}

func (m *MemoryStore) SaveBatch(_ context.Context, entries []*models.ImageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.failWrites != nil {
		return m.failWrites
	}
	for _, entry := range entries {
		if entry == nil {
			return ErrNilEntry
		}
		m.opts.Limits.ApplyEntry(entry)
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("save %s: %w", entry.ImageID, err)
		}
		doc, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry %s: %w", entry.ImageID, err)
		}
		m.entries[entry.ImageID] = doc
		m.savedRows++
	}
	m.pruneLocked()
	return nil
}

// FailWrites makes every following save return err. Pass nil to recover.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	m.failWrites = err
	m.mu.Unlock()
}

// SaveCalls returns how many non-empty SaveOne/SaveBatch calls were made.
func (m *MemoryStore) SaveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// SavedRows returns how many entries were written in total.
func (m *MemoryStore) SavedRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savedRows
}

// List mirrors Store.List.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*models.ImageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []*models.ImageEntry
	for _, doc := range m.entries {
		entry, err := decodeEntry(string(doc))
		if err != nil {
			return nil, err
		}
		if opts.AccountID != "" && entry.AccountID != opts.AccountID {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].ImageID < entries[j].ImageID
		}
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) pruneLocked() {
	if m.opts.MaxEntries <= 0 || len(m.entries) <= m.opts.MaxEntries {
		return
	}
	type row struct {
		id      string
		updated int64
	}
	rows := make([]row, 0, len(m.entries))
	for id, doc := range m.entries {
		entry, err := decodeEntry(string(doc))
		if err != nil {
			continue
		}
		rows = append(rows, row{id: id, updated: entry.UpdatedAt.UnixMilli()})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].updated == rows[j].updated {
			return rows[i].id < rows[j].id
		}
		return rows[i].updated > rows[j].updated
	})
	for _, r := range rows[m.opts.MaxEntries:] {
		delete(m.entries, r.id)
	}
}
