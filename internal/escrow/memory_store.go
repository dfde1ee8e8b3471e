package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/bountyescrow/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	escrows     map[string]*Escrow
	transitions map[string][]Transition
	nextID      int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:     make(map[string]*Escrow),
		transitions: make(map[string][]Transition),
	}
}

// clone returns a copy that shares nothing mutable with e.
func clone(e *Escrow) *Escrow {
	cp := *e
	if e.Settlement != nil {
		s := *e.Settlement
		cp.Settlement = &s
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow, created Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrConflict
	}
	m.escrows[e.ID] = clone(e)
	m.appendTransition(created)
	return nil
}

func (m *MemoryStore) appendTransition(t Transition) {
	m.nextID++
	t.ID = m.nextID
	m.transitions[t.EscrowID] = append(m.transitions[t.EscrowID], t)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) GetByHoldRef(_ context.Context, holdRef string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if holdRef == "" {
		return nil, ErrNotFound
	}
	for _, e := range m.escrows {
		if e.ProcessorHoldID == holdRef {
			return clone(e), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) AttachHold(_ context.Context, id, holdRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	switch {
	case e.ProcessorHoldID == holdRef:
		return nil
	case e.ProcessorHoldID != "":
		return ErrConflict
	case e.Status != StatusPending:
		return ErrPreconditionFailed
	}
	e.ProcessorHoldID = holdRef
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, op Op, from []Status, token string, now, until time.Time) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.Status.in(from) || !claimable(e, op, now) {
		return nil, ErrPreconditionFailed
	}
	e.Settlement = &Settlement{Op: op, Token: token, ExpiresAt: until}
	return clone(e), nil
}

func (m *MemoryStore) Unclaim(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if e.Settlement != nil && e.Settlement.Token == token {
		e.Settlement = nil
	}
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, c Change) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[c.EscrowID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != c.From {
		return nil, ErrPreconditionFailed
	}
	if c.ClaimToken != "" && (e.Settlement == nil || e.Settlement.Token != c.ClaimToken) {
		return nil, ErrPreconditionFailed
	}
	if c.Unclaimed && e.Settlement != nil {
		return nil, ErrPreconditionFailed
	}
	if c.HoldRef != "" && e.ProcessorHoldID != c.HoldRef {
		return nil, ErrPreconditionFailed
	}

	applyChange(e, c)
	m.appendTransition(Transition{
		EscrowID:  c.EscrowID,
		From:      c.From,
		To:        c.To,
		ActorID:   c.ActorID,
		Reason:    c.Reason,
		CreatedAt: c.At,
	})
	return clone(e), nil
}

func (m *MemoryStore) History(_ context.Context, id string) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.escrows[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Transition, len(m.transitions[id]))
	copy(out, m.transitions[id])
	return out, nil
}

// newestFirst orders by (created_at DESC, id DESC), matching the cursor.
func newestFirst(list []*Escrow) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, f ListFilter) (*Page, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, ErrInvalidInput
	}
	limit := pagination.ClampLimit(f.Limit)

	m.mu.RLock()
	var matched []*Escrow
	for _, e := range m.escrows {
		if !matchesRole(e, userID, f.Role) {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !cursor.After(e.CreatedAt, e.ID) {
			continue
		}
		matched = append(matched, clone(e))
	}
	m.mu.RUnlock()

	newestFirst(matched)
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}
	items, next := pagination.ComputePage(matched, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if items == nil {
		items = []*Escrow{}
	}
	return &Page{Escrows: items, NextCursor: next}, nil
}

func matchesRole(e *Escrow, userID string, role Role) bool {
	switch role {
	case RolePayer:
		return e.PayerID == userID
	case RolePayee:
		return e.PayeeID == userID
	default:
		return e.PayerID == userID || e.PayeeID == userID
	}
}

func (m *MemoryStore) ListByQuestion(_ context.Context, questionID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.QuestionID == questionID {
			result = append(result, clone(e))
		}
	}
	m.mu.RUnlock()

	newestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListDueForAutoRelease(_ context.Context, now time.Time, after *ScanCursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusHeld && e.AutoReleaseAt != nil && e.AutoReleaseAt.Before(now) &&
			after.After(*e.AutoReleaseAt, e.ID) {
			result = append(result, clone(e))
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.AutoReleaseAt.Equal(*b.AutoReleaseAt) {
			return a.AutoReleaseAt.Before(*b.AutoReleaseAt)
		}
		return a.ID < b.ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, before time.Time, after *ScanCursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusPending && e.ProcessorHoldID != "" && e.CreatedAt.Before(before) &&
			after.After(e.CreatedAt, e.ID) {
			result = append(result, clone(e))
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Stats(_ context.Context, currency string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Stats{ByStatus: make(map[Status]int64)}
	for _, e := range m.escrows {
		if e.Currency != currency {
			continue
		}
		st.Total++
		st.ByStatus[e.Status]++
		switch e.Status {
		case StatusHeld, StatusDisputed:
			st.HeldAmount = st.HeldAmount.Add(e.Amount)
		case StatusReleased:
			st.ReleasedAmount = st.ReleasedAmount.Add(e.Amount)
			if e.PlatformFee != nil {
				st.PlatformFees = st.PlatformFees.Add(*e.PlatformFee)
			}
		case StatusRefunded:
			st.RefundedAmount = st.RefundedAmount.Add(e.Amount)
		}
	}
	return st, nil
}

var _ Store = (*MemoryStore)(nil)
