package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all trust state in process memory. Suitable for a
// single-instance deployment only: revocations and sessions are not
// visible to other replicas. Multi-replica deployments should use the
// redis or sqlite store instead.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	refresh  map[string]*RefreshRecord
	revoked  map[string]struct{} // access-token jti blacklist, never pruned

	devices *DeviceParser
	done    chan struct{}
	once    sync.Once
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		refresh:  make(map[string]*RefreshRecord),
		revoked:  make(map[string]struct{}),
		devices:  NewDeviceParser(),
		done:     make(chan struct{}),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, userID, tenantID string, meta Metadata) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		TenantID:     tenantID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(SessionTTL),
		RemoteAddr:   meta.RemoteAddr,
		Device:       m.devices.Parse(meta.UserAgent),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	// The copy must be taken under the lock: TouchSession mutates the
	// stored record in place.
	m.mu.RLock()
	s, ok := m.sessions[id]
	var cp Session
	if ok {
		cp = *s
	}
	m.mu.RUnlock()
	if !ok || time.Now().After(cp.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return &cp, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivity = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListUserSessions(_ context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && now.Before(s.ExpiresAt) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RevokeAllUserSessions(_ context.Context, userID, exceptID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, s := range m.sessions {
		if s.UserID != userID || id == exceptID {
			continue
		}
		delete(m.sessions, id)
		count++
	}
	return count, nil
}

func (m *MemoryStore) CleanupExpiredSessions(_ context.Context) (int, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) StoreRefreshToken(_ context.Context, tok, userID, sessionID string) error {
	m.mu.Lock()
	m.refresh[tok] = &RefreshRecord{
		Token:     tok,
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ValidateRefreshToken(_ context.Context, tok string) (*RefreshRecord, error) {
	m.mu.RLock()
	rec, ok := m.refresh[tok]
	var cp RefreshRecord
	if ok {
		cp = *rec
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrRefreshNotFound
	}
	if cp.RevokedAt != nil {
		return &cp, ErrRefreshRevoked
	}
	return &cp, nil
}

func (m *MemoryStore) ConsumeRefreshToken(_ context.Context, tok string) (*RefreshRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[tok]
	if !ok {
		return nil, ErrRefreshNotFound
	}
	if rec.RevokedAt != nil {
		cp := *rec
		return &cp, ErrRefreshRevoked
	}
	now := time.Now().UTC()
	rec.RevokedAt = &now
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) RevokeRefreshToken(_ context.Context, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[tok]
	if !ok || rec.RevokedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	rec.RevokedAt = &now
	return nil
}

func (m *MemoryStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	m.revoked[jti] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	_, ok := m.revoked[jti]
	m.mu.RUnlock()
	return ok, nil
}

// StartSweeper runs CleanupExpiredSessions on the given interval until
// Close is called.
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupExpiredSessions(context.Background())
			case <-m.done:
				return
			}
		}
	}()
}

func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
