package directory

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory directory for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	questions map[string]*Question
}

// NewMemoryStore creates a new in-memory directory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		questions: make(map[string]*Question),
	}
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByPayoutAccount(_ context.Context, accountID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if accountID != "" && u.PayoutAccountID == accountID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpsertUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.users[u.ID]; ok {
		existing.Email = u.Email
		existing.DisplayName = u.DisplayName
		existing.Country = u.Country
		existing.Active = u.Active
		existing.UpdatedAt = now
		return nil
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) SetCustomerID(_ context.Context, userID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	return setOnce(&u.CustomerID, customerID)
}

func (m *MemoryStore) SetPayoutAccount(_ context.Context, userID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	return setOnce(&u.PayoutAccountID, accountID)
}

func setOnce(field *string, value string) error {
	switch *field {
	case value:
		return nil
	case "":
		*field = value
		return nil
	default:
		return ErrRefConflict
	}
}

func (m *MemoryStore) UpdateCapability(_ context.Context, accountID string, c Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if accountID != "" && u.PayoutAccountID == accountID {
			u.CanReceiveTransfers = c.CanReceiveTransfers
			u.ChargesEnabled = c.ChargesEnabled
			u.DetailsSubmitted = c.DetailsSubmitted
			u.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetQuestion(_ context.Context, id string) (*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) UpsertQuestion(_ context.Context, q *Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[q.AuthorID]; !ok {
		return ErrNotFound
	}
	cp := *q
	if existing, ok := m.questions[q.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.questions[q.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
