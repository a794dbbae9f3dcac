package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/store"
)

// In-memory stores mirroring the Postgres guards: protection and
// discard checks live here too so gateway tests exercise the same
// refusal paths as production.

type mockStores struct {
	records  *mockRecordStore
	sessions *mockSessionStore
	audit    *mockAuditStore
	settings *mockSettings
}

func newMockStores() *mockStores {
	return &mockStores{
		records:  &mockRecordStore{byID: make(map[uuid.UUID]*domain.MemoryRecord)},
		sessions: &mockSessionStore{byID: make(map[string]*domain.RefinementSession)},
		audit:    &mockAuditStore{},
		settings: &mockSettings{thresholds: make(map[uuid.UUID]float64)},
	}
}

func (m *mockStores) Records() domain.RecordStore       { return m.records }
func (m *mockStores) Sessions() domain.SessionStore     { return m.sessions }
func (m *mockStores) Audit() domain.AuditStore          { return m.audit }
func (m *mockStores) Settings() domain.SettingsProvider { return m.settings }

func (m *mockStores) WithTx(ctx context.Context, fn func(tx domain.Stores) error) error {
	return fn(m)
}

type mockRecordStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*domain.MemoryRecord
}

func (m *mockRecordStore) Create(ctx context.Context, r *domain.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	r.ID = uuid.New()
	if r.OriginAt.IsZero() {
		r.OriginAt = now
	}
	if r.Source == "" {
		r.Source = domain.SourceAgent
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *mockRecordStore) GetByID(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*domain.MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok || r.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRecordStore) UpdateContent(ctx context.Context, id uuid.UUID, content string, tokenEstimate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Protected {
		return &domain.ProtectedRecordError{IDs: []uuid.UUID{id}}
	}
	if r.DiscardedAt != nil {
		return store.ErrNotFound
	}
	r.Content = content
	r.TokenEstimate = tokenEstimate
	r.UpdatedAt = time.Now()
	return nil
}

func (m *mockRecordStore) Discard(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Protected {
		return &domain.ProtectedRecordError{IDs: []uuid.UUID{id}}
	}
	if r.DiscardedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	r.DiscardedAt = &now
	r.UpdatedAt = now
	return nil
}

func (m *mockRecordStore) ForceDiscard(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok || r.DiscardedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	r.DiscardedAt = &now
	r.UpdatedAt = now
	return nil
}

func (m *mockRecordStore) Undiscard(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	r.DiscardedAt = nil
	r.UpdatedAt = time.Now()
	return nil
}

func (m *mockRecordStore) SetProtected(ctx context.Context, id uuid.UUID, protected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok || r.DiscardedAt != nil {
		return store.ErrNotFound
	}
	r.Protected = protected
	r.UpdatedAt = time.Now()
	return nil
}

func (m *mockRecordStore) RestoreContent(ctx context.Context, id uuid.UUID, content string, tokenEstimate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Content = content
	r.TokenEstimate = tokenEstimate
	r.UpdatedAt = time.Now()
	return nil
}

func (m *mockRecordStore) ListActive(ctx context.Context, ownerID uuid.UUID) ([]domain.MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []domain.MemoryRecord
	for _, r := range m.byID {
		if r.OwnerID == ownerID && r.DiscardedAt == nil {
			records = append(records, *r)
		}
	}
	return records, nil
}

func (m *mockRecordStore) Search(ctx context.Context, ownerID uuid.UUID, query string, limit int) ([]domain.MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	var records []domain.MemoryRecord
	for _, r := range m.byID {
		if r.OwnerID != ownerID || r.DiscardedAt != nil {
			continue
		}
		if strings.Contains(strings.ToLower(r.Content), strings.ToLower(query)) {
			records = append(records, *r)
		}
		if len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (m *mockRecordStore) TotalMass(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var mass int64
	for _, r := range m.byID {
		if r.OwnerID == ownerID && r.DiscardedAt == nil && r.Source != domain.SourceRefinement {
			mass += int64(r.TokenEstimate)
		}
	}
	return mass, nil
}

type mockSessionStore struct {
	mu   sync.Mutex
	byID map[string]*domain.RefinementSession
}

func (m *mockSessionStore) Create(ctx context.Context, s *domain.RefinementSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.byID {
		if existing.OwnerID == s.OwnerID && existing.Status == domain.SessionActive {
			return store.ErrActiveSessionExists
		}
	}
	now := time.Now()
	s.OpenedAt = now
	s.LastActivityAt = now
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *mockSessionStore) GetByID(ctx context.Context, id string) (*domain.RefinementSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionStore) ActiveForOwner(ctx context.Context, ownerID uuid.UUID) (*domain.RefinementSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.byID {
		if s.OwnerID == ownerID && s.Status == domain.SessionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockSessionStore) IncrementOperationCount(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok || s.Status != domain.SessionActive {
		return 0, store.ErrNotFound
	}
	s.OperationCount++
	s.LastActivityAt = time.Now()
	return s.OperationCount, nil
}

func (m *mockSessionStore) Close(ctx context.Context, id string, status domain.SessionStatus, postMass int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if s.Status != domain.SessionActive {
		return false, nil
	}
	now := time.Now()
	s.Status = status
	s.PostMass = &postMass
	s.ClosedAt = &now
	s.LastActivityAt = now
	return true, nil
}

func (m *mockSessionStore) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byID[id]; ok && s.Status == domain.SessionActive {
		s.LastActivityAt = time.Now()
	}
	return nil
}

func (m *mockSessionStore) ListStaleActive(ctx context.Context, idleSince time.Time) ([]domain.RefinementSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []domain.RefinementSession
	for _, s := range m.byID {
		if s.Status == domain.SessionActive && s.LastActivityAt.Before(idleSince) {
			sessions = append(sessions, *s)
		}
	}
	return sessions, nil
}

func (m *mockSessionStore) setLastActivity(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byID[id]; ok {
		s.LastActivityAt = at
	}
}

type mockAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *mockAuditStore) Append(ctx context.Context, e *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *mockAuditStore) EntriesForSession(ctx context.Context, sessionID string) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []domain.AuditEntry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

type mockSettings struct {
	mu         sync.Mutex
	thresholds map[uuid.UUID]float64
}

func (m *mockSettings) Threshold(ctx context.Context, ownerID uuid.UUID) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.thresholds[ownerID]
	return t, ok, nil
}
