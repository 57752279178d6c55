package database

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// MemoryStore is an in-memory interfaces.Store for development and tests.
// Safe for concurrent use. Records are returned as copies.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]*interfaces.Identity
	emails     map[string]string

	records map[string]*interfaces.AuditRecord
	// insertion order, oldest first
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]*interfaces.Identity),
		emails:     make(map[string]string),
		records:    make(map[string]*interfaces.AuditRecord),
		order:      make([]string, 0),
	}
}

func (s *MemoryStore) CreateIdentity(_ context.Context, identity *interfaces.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[identity.UserID]; exists {
		return interfaces.ErrAlreadyExists
	}
	email := strings.ToLower(identity.Email)
	if email != "" {
		if _, exists := s.emails[email]; exists {
			return interfaces.ErrAlreadyExists
		}
		s.emails[email] = identity.UserID
	}

	stored := *identity
	s.identities[identity.UserID] = &stored
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, userID string) (*interfaces.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[userID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	identityCopy := *identity
	return &identityCopy, nil
}

func (s *MemoryStore) GetIdentityByEmail(ctx context.Context, email string) (*interfaces.Identity, error) {
	s.mu.RLock()
	userID, ok := s.emails[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok || email == "" {
		return nil, interfaces.ErrNotFound
	}
	return s.GetIdentity(ctx, userID)
}

func (s *MemoryStore) InsertAuditRecord(_ context.Context, record *interfaces.AuditRecord) error {
	if record.ID == "" {
		return errors.New("audit record without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return interfaces.ErrAlreadyExists
	}
	stored := copyRecord(record)
	s.records[record.ID] = stored
	s.order = append(s.order, record.ID)
	return nil
}

func (s *MemoryStore) QueryAuditRecords(_ context.Context, filter interfaces.AuditFilter) ([]*interfaces.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*interfaces.AuditRecord, 0)
	skipped := 0

	// Iterate in reverse order (newest first)
	for i := len(s.order) - 1; i >= 0; i-- {
		record := s.records[s.order[i]]
		if !filter.Matches(record) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		results = append(results, copyRecord(record))
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

func (s *MemoryStore) AuditStats(_ context.Context, userID string) (*interfaces.AuditStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := interfaces.NewAuditStats(userID)
	for _, id := range s.order {
		record := s.records[id]
		if userID != "" && record.UserID != userID {
			continue
		}
		stats.Add(record)
	}
	return stats, nil
}

func copyRecord(r *interfaces.AuditRecord) *interfaces.AuditRecord {
	c := *r
	if r.VerificationURLs != nil {
		c.VerificationURLs = append([]string(nil), r.VerificationURLs...)
	}
	if r.ApplicationData != nil {
		c.ApplicationData = append([]byte(nil), r.ApplicationData...)
	}
	return &c
}
