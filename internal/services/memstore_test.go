package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/escrow-market/backend/internal/jobs"
	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/repositories"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
)

// memStore is an in-memory storage.Store. InTx serializes everything
// on one mutex, which stands in for row locking well enough for
// single-process tests.
type memStore struct {
	mu       sync.Mutex
	txns     map[uuid.UUID]*models.EscrowTransaction
	history  []models.TransactionHistory
	timeouts map[uuid.UUID]*models.EscrowTimeout
}

func newMemStore() *memStore {
	return &memStore{
		txns:     map[uuid.UUID]*models.EscrowTransaction{},
		timeouts: map[uuid.UUID]*models.EscrowTimeout{},
	}
}

type memTx struct {
	s *memStore
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &memTx{s: s})
}

func (s *memStore) InsertTransaction(ctx context.Context, txn *models.EscrowTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	now := time.Now()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	if txn.StatusChangedAt.IsZero() {
		txn.StatusChangedAt = now
	}
	cp := *txn
	s.txns[txn.ID] = &cp
	return nil
}

func (s *memStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTxn(id)
}

func (s *memStore) getTxn(id uuid.UUID) (*models.EscrowTransaction, error) {
	txn, ok := s.txns[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (s *memStore) GetTransactionByTrackingCode(ctx context.Context, code string) (*models.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.txns {
		if txn.TrackingCode == code {
			cp := *txn
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) ListTransactions(ctx context.Context, f storage.TransactionFilter) ([]models.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EscrowTransaction
	for _, txn := range s.txns {
		if f.Status != nil && txn.Status != *f.Status {
			continue
		}
		if f.BuyerID != nil && txn.BuyerID != *f.BuyerID {
			continue
		}
		if f.SellerID != nil && txn.SellerID != *f.SellerID {
			continue
		}
		out = append(out, *txn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) HistoryForTransaction(ctx context.Context, txnID uuid.UUID, limit int) ([]models.TransactionHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TransactionHistory
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TransactionID == txnID {
			out = append(out, s.history[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) ActiveTimeouts(ctx context.Context, txnID uuid.UUID, timeoutType string) ([]models.EscrowTimeout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTimeouts(txnID, timeoutType), nil
}

func (s *memStore) activeTimeouts(txnID uuid.UUID, timeoutType string) []models.EscrowTimeout {
	var out []models.EscrowTimeout
	for _, t := range s.timeouts {
		if t.TransactionID != txnID || !t.IsActive() {
			continue
		}
		if timeoutType != "" && t.TimeoutType != timeoutType {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) TimeoutsForTransaction(ctx context.Context, txnID uuid.UUID) ([]models.EscrowTimeout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EscrowTimeout
	for _, t := range s.timeouts {
		if t.TransactionID == txnID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) MissingTimeoutCandidates(ctx context.Context, status, timeoutType string, maxAge time.Duration, limit int) ([]models.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var out []models.EscrowTransaction
	for _, txn := range s.txns {
		if txn.Status != status || txn.UpdatedAt.Before(cutoff) {
			continue
		}
		if len(s.activeTimeouts(txn.ID, timeoutType)) > 0 {
			continue
		}
		out = append(out, *txn)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) OverdueTimeouts(ctx context.Context, grace time.Duration, limit int) ([]models.EscrowTimeout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(-grace)
	var out []models.EscrowTimeout
	for _, t := range s.timeouts {
		if t.IsActive() && t.ExpiresAt.Before(deadline) {
			out = append(out, *t)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) DuplicateActiveTimeouts(ctx context.Context, limit int) ([]models.EscrowTimeout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct {
		txn uuid.UUID
		typ string
	}
	groups := map[key][]models.EscrowTimeout{}
	for _, t := range s.timeouts {
		if t.IsActive() {
			k := key{t.TransactionID, t.TimeoutType}
			groups[k] = append(groups[k], *t)
		}
	}
	var out []models.EscrowTimeout
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt.After(group[j].CreatedAt) })
		out = append(out, group...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountTimeoutsByType(ctx context.Context, since time.Duration) (map[string]storage.TimeoutTypeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-since)
	out := map[string]storage.TimeoutTypeStats{}
	for _, t := range s.timeouts {
		stats := out[t.TimeoutType]
		switch {
		case t.IsActive():
			stats.Active++
		case t.IsExecuted && t.ExecutedAt != nil && t.ExecutedAt.After(cutoff):
			stats.Executed7d++
		case t.IsCancelled && t.CancelledAt != nil && t.CancelledAt.After(cutoff):
			stats.Cancelled7d++
		}
		out[t.TimeoutType] = stats
	}
	return out, nil
}

func (s *memStore) CountUpcomingTimeouts(ctx context.Context, within time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(within)
	n := 0
	for _, t := range s.timeouts {
		if t.IsActive() && t.ExpiresAt.Before(deadline) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountOverdueTimeouts(ctx context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(-grace)
	n := 0
	for _, t := range s.timeouts {
		if t.IsActive() && t.ExpiresAt.Before(deadline) {
			n++
		}
	}
	return n, nil
}

// StoreTx view. The outer mutex is already held.

func (t *memTx) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return t.s.getTxn(id)
}

func (t *memTx) UpdateTransactionStatus(ctx context.Context, txn *models.EscrowTransaction) error {
	stored, ok := t.s.txns[txn.ID]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *txn
	cp.TrackingCode = stored.TrackingCode
	cp.UpdatedAt = time.Now()
	t.s.txns[txn.ID] = &cp
	return nil
}

func (t *memTx) InsertHistory(ctx context.Context, h *models.TransactionHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.CreatedAt = time.Now()
	t.s.history = append(t.s.history, *h)
	return nil
}

func (t *memTx) LatestHistoryAt(ctx context.Context, txnID uuid.UUID, status string) (*time.Time, error) {
	for i := len(t.s.history) - 1; i >= 0; i-- {
		h := t.s.history[i]
		if h.TransactionID == txnID && h.NewStatus == status {
			at := h.CreatedAt
			return &at, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *memTx) InsertTimeout(ctx context.Context, timeout *models.EscrowTimeout) error {
	if len(t.s.activeTimeouts(timeout.TransactionID, timeout.TimeoutType)) > 0 {
		return storage.ErrDuplicateActiveTimeout
	}
	if timeout.ID == uuid.Nil {
		timeout.ID = uuid.New()
	}
	timeout.CreatedAt = time.Now()
	cp := *timeout
	t.s.timeouts[timeout.ID] = &cp
	return nil
}

func (t *memTx) ActiveTimeouts(ctx context.Context, txnID uuid.UUID, timeoutType string) ([]models.EscrowTimeout, error) {
	return t.s.activeTimeouts(txnID, timeoutType), nil
}

func (t *memTx) TimeoutByJobHandle(ctx context.Context, handle string) (*models.EscrowTimeout, error) {
	for _, timeout := range t.s.timeouts {
		if timeout.JobHandle == handle {
			cp := *timeout
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *memTx) MarkTimeoutExecuted(ctx context.Context, id uuid.UUID, notes string) error {
	timeout, ok := t.s.timeouts[id]
	if !ok || !timeout.IsActive() {
		return storage.ErrNotFound
	}
	now := time.Now()
	timeout.IsExecuted = true
	timeout.ExecutedAt = &now
	timeout.ExecutionNotes = &notes
	return nil
}

func (t *memTx) MarkTimeoutCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	timeout, ok := t.s.timeouts[id]
	if !ok || !timeout.IsActive() {
		return storage.ErrNotFound
	}
	timeout.IsCancelled = true
	timeout.ExecutionNotes = &reason
	now := time.Now()
	timeout.CancelledAt = &now
	return nil
}

// insertTimeoutRaw bypasses the duplicate guard, for seeding drifted
// state in reconciliation tests.
func (s *memStore) insertTimeoutRaw(t *models.EscrowTimeout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	s.timeouts[t.ID] = &cp
}

// fakeRuntime records scheduled jobs without running them.
type fakeRuntime struct {
	mu        sync.Mutex
	scheduled map[string]fakeJob
	revoked   []string
	failNext  error
}

type fakeJob struct {
	Task    string
	Payload jobs.Payload
	Delay   time.Duration
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{scheduled: map[string]fakeJob{}}
}

func (f *fakeRuntime) Schedule(ctx context.Context, task string, payload jobs.Payload, delay time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}
	handle := uuid.NewString()
	f.scheduled[handle] = fakeJob{Task: task, Payload: payload, Delay: delay}
	return handle, nil
}

func (f *fakeRuntime) Revoke(ctx context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.scheduled[handle]; !ok {
		return false, nil
	}
	delete(f.scheduled, handle)
	f.revoked = append(f.revoked, handle)
	return true, nil
}

func (f *fakeRuntime) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

func (f *fakeRuntime) revokedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revoked)
}

// fakeInventory tracks reserve/release calls.
type fakeInventory struct {
	mu       sync.Mutex
	stock    int
	reserved int
	deducted int
	returned int
}

func (f *fakeInventory) Reserve(ctx context.Context, productID uuid.UUID, qty int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stock-f.reserved < qty {
		return false, nil
	}
	f.reserved += qty
	return true, nil
}

func (f *fakeInventory) Release(ctx context.Context, productID uuid.UUID, qty int, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved -= qty
	if mode == repositories.ReleaseModeDeduct {
		f.stock -= qty
		f.deducted += qty
	} else {
		f.returned += qty
	}
	return nil
}
