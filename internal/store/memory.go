package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// InMemoryStore keeps everything in process memory. It is used when no
// database is configured and in tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*models.User
	conversations []models.ConversationRecord
	receipts      []models.Receipt
	dedup         map[string]*DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]*models.User),
		dedup: make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) GetOrCreateUser(ctx context.Context, externalID, displayName string) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[externalID]; ok {
		c := u.Clone()
		if displayName != "" {
			c.DisplayName = displayName
		}
		return c, false, nil
	}
	u := models.NewUser(externalID, displayName)
	s.users[externalID] = u.Clone()
	return u, true, nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, externalID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[externalID]
	if !ok {
		return nil, nil
	}
	return u.Clone(), nil
}

func (s *InMemoryStore) SaveUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := u.Clone()
	c.UpdatedAt = time.Now()
	if prev, ok := s.users[u.ExternalID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	s.users[u.ExternalID] = c
	return nil
}

func (s *InMemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *InMemoryStore) AddConversation(ctx context.Context, rec models.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, rec)
	return nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, externalID string, limit int) ([]models.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = historyLimit(limit)
	var out []models.ConversationRecord
	for i := len(s.conversations) - 1; i >= 0 && len(out) < limit; i-- {
		if s.conversations[i].ExternalID == externalID {
			out = append(out, s.conversations[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.dedup[messageID]
	return ok && rec.ProcessedAt != nil, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ExternalID: externalID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.dedup {
		if rec.ProcessedAt != nil && rec.ProcessedAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
