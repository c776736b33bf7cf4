package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/syncutil"
)

// MemoryStore is an in-memory settlement store for development mode and tests.
type MemoryStore struct {
	locks *syncutil.KeyLock

	mu              sync.RWMutex
	orders          map[string]*Order
	history         map[string][]*StatusChange
	historySeq      int64
	escrows         map[string]*Escrow
	escrowByOrder   map[string]string
	disputes        map[string]*Dispute
	disputesByOrder map[string][]string
	attempts        map[string][]*RefundAttempt
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:           syncutil.NewKeyLock(),
		orders:          make(map[string]*Order),
		history:         make(map[string][]*StatusChange),
		escrows:         make(map[string]*Escrow),
		escrowByOrder:   make(map[string]string),
		disputes:        make(map[string]*Dispute),
		disputesByOrder: make(map[string][]string),
		attempts:        make(map[string][]*RefundAttempt),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) InOrderTx(ctx context.Context, orderID string, fn func(tx Tx) error) error {
	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer unlock()

	tx := &memTx{store: m, orderID: orderID, disputes: make(map[string]*Dispute)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *Order, first *StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return ErrDuplicate
	}
	m.orders[order.ID] = order.Clone()
	if first != nil {
		m.appendHistoryLocked(first)
	}
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, orderID string) ([]*StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.history[orderID]
	out := make([]*StatusChange, 0, len(rows))
	for _, r := range rows {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.escrowByOrder[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.escrows[id].Clone(), nil
}

func (m *MemoryStore) ListDueEscrows(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	out := m.filterEscrows(func(e *Escrow) bool { return e.Due(now) })
	sort.Slice(out, func(i, j int) bool { return out[i].ReleaseDate.Before(*out[j].ReleaseDate) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListEscrowsByStatus(ctx context.Context, status ReleaseStatus, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	out := m.filterEscrows(func(e *Escrow) bool {
		return e.ReleaseStatus == status && !after.Before(e.CreatedAt, e.ID)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListInFlightEscrows(ctx context.Context, startedBefore time.Time, limit int) ([]*Escrow, error) {
	out := m.filterEscrows(func(e *Escrow) bool {
		return e.InFlight != nil && e.InFlight.StartedAt.Before(startedBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].InFlight.StartedAt.Before(out[j].InFlight.StartedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListDisputesByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.disputesByOrder[orderID]
	out := make([]*Dispute, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.disputes[id].Clone())
	}
	return out, nil
}

func (m *MemoryStore) ListRefundAttempts(ctx context.Context, orderID string) ([]*RefundAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.attempts[orderID]
	out := make([]*RefundAttempt, 0, len(rows))
	for _, r := range rows {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) filterEscrows(keep func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func (m *MemoryStore) appendHistoryLocked(c *StatusChange) {
	m.historySeq++
	cp := *c
	cp.ID = m.historySeq
	c.ID = cp.ID
	m.history[c.OrderID] = append(m.history[c.OrderID], &cp)
}

func truncate(es []*Escrow, limit int) []*Escrow {
	if limit > 0 && len(es) > limit {
		return es[:limit]
	}
	return es
}

// memTx stages writes for a single order and applies them on commit.
type memTx struct {
	store   *MemoryStore
	orderID string

	order       *Order
	escrow      *Escrow
	escrowIsNew bool
	disputes    map[string]*Dispute
	newDisputes []string
	history     []*StatusChange
	attempts    []*RefundAttempt
}

func (t *memTx) Order() (*Order, error) {
	if t.order != nil {
		return t.order.Clone(), nil
	}
	return t.store.GetOrder(context.Background(), t.orderID)
}

func (t *memTx) SaveOrder(o *Order) error {
	if o.ID != t.orderID {
		return fmt.Errorf("order %s outside transaction scope %s", o.ID, t.orderID)
	}
	if _, err := t.Order(); err != nil {
		return err
	}
	t.order = o.Clone()
	return nil
}

func (t *memTx) AppendStatusChange(c *StatusChange) error {
	if c.OrderID != t.orderID {
		return fmt.Errorf("history for %s outside transaction scope %s", c.OrderID, t.orderID)
	}
	cp := *c
	t.history = append(t.history, &cp)
	return nil
}

func (t *memTx) Escrow() (*Escrow, error) {
	if t.escrow != nil {
		return t.escrow.Clone(), nil
	}
	return t.store.GetEscrowByOrder(context.Background(), t.orderID)
}

func (t *memTx) InsertEscrow(e *Escrow) error {
	if e.OrderID != t.orderID {
		return fmt.Errorf("escrow for %s outside transaction scope %s", e.OrderID, t.orderID)
	}
	if _, err := t.Escrow(); err == nil {
		return ErrDuplicate
	}
	t.escrow = e.Clone()
	t.escrowIsNew = true
	return nil
}

func (t *memTx) SaveEscrow(e *Escrow) error {
	current, err := t.Escrow()
	if err != nil {
		return err
	}
	if current.ID != e.ID {
		return ErrEscrowNotFound
	}
	t.escrow = e.Clone()
	return nil
}

func (t *memTx) PendingDispute() (*Dispute, error) {
	for _, d := range t.disputes {
		if d.Status == DisputePending {
			return d.Clone(), nil
		}
	}
	all, _ := t.store.ListDisputesByOrder(context.Background(), t.orderID)
	for _, d := range all {
		if _, staged := t.disputes[d.ID]; staged {
			continue
		}
		if d.Status == DisputePending {
			return d, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (t *memTx) Dispute(id string) (*Dispute, error) {
	if d, ok := t.disputes[id]; ok {
		return d.Clone(), nil
	}
	d, err := t.store.GetDispute(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if d.OrderID != t.orderID {
		return nil, ErrDisputeNotFound
	}
	return d, nil
}

func (t *memTx) InsertDispute(d *Dispute) error {
	if d.OrderID != t.orderID {
		return fmt.Errorf("dispute for %s outside transaction scope %s", d.OrderID, t.orderID)
	}
	if d.Status == DisputePending {
		if _, err := t.PendingDispute(); err == nil {
			return ErrAlreadyDisputed
		}
	}
	t.disputes[d.ID] = d.Clone()
	t.newDisputes = append(t.newDisputes, d.ID)
	return nil
}

func (t *memTx) SaveDispute(d *Dispute) error {
	if _, err := t.Dispute(d.ID); err != nil {
		return err
	}
	t.disputes[d.ID] = d.Clone()
	return nil
}

func (t *memTx) AppendRefundAttempt(a *RefundAttempt) error {
	if a.OrderID != t.orderID {
		return fmt.Errorf("refund attempt for %s outside transaction scope %s", a.OrderID, t.orderID)
	}
	cp := *a
	t.attempts = append(t.attempts, &cp)
	return nil
}

func (t *memTx) commit() {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.order != nil {
		m.orders[t.orderID] = t.order
	}
	if t.escrow != nil {
		m.escrows[t.escrow.ID] = t.escrow
		if t.escrowIsNew {
			m.escrowByOrder[t.orderID] = t.escrow.ID
		}
	}
	for _, id := range t.newDisputes {
		m.disputesByOrder[t.orderID] = append(m.disputesByOrder[t.orderID], id)
	}
	for id, d := range t.disputes {
		m.disputes[id] = d
	}
	for _, c := range t.history {
		m.appendHistoryLocked(c)
	}
	m.attempts[t.orderID] = append(m.attempts[t.orderID], t.attempts...)
}
