package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
)

// memory.go implements the persistence port entirely in process memory,
// following the same optimistic-concurrency shape as
// infrastructure/state.PersistentState.CompareAndSwap: every write compares
// the caller's expected version against what's stored under a single lock
// and rejects on mismatch, but operates on typed entities and their Version
// field rather than on raw bytes, since every entity already carries one.

type memoryTransactionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Transaction
}

// NewMemoryTransactionStore returns an in-memory TransactionStore.
func NewMemoryTransactionStore() TransactionStore {
	return &memoryTransactionStore{data: make(map[string]*domain.Transaction)}
}

func (s *memoryTransactionStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.data[id]
	if !ok {
		return nil, svcerrors.NotFound("transaction", id)
	}
	return tx.Clone(), nil
}

func (s *memoryTransactionStore) Save(ctx context.Context, tx *domain.Transaction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[tx.ID]
	if expectedVersion == 0 {
		if exists {
			return svcerrors.Conflict("transaction already exists")
		}
	} else {
		if !exists {
			return svcerrors.NotFound("transaction", tx.ID)
		}
		if current.Version != expectedVersion {
			return svcerrors.Conflict("transaction version mismatch")
		}
	}

	stored := tx.Clone()
	stored.Version = expectedVersion + 1
	s.data[tx.ID] = stored
	tx.Version = stored.Version
	return nil
}

func (s *memoryTransactionStore) ListByParticipant(ctx context.Context, principal string) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.data {
		if tx.IsParty(principal) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (s *memoryTransactionStore) ListDueByTimeoutBefore(ctx context.Context, cutoff time.Time) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.data {
		if tx.State.Terminal() {
			continue
		}
		if tx.TimeoutAt.IsZero() || tx.TimeoutAt.After(cutoff) {
			continue
		}
		out = append(out, tx.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	return out, nil
}

func (s *memoryTransactionStore) ListNonTerminal(ctx context.Context) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.data {
		if tx.State.Terminal() {
			continue
		}
		out = append(out, tx.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

type memoryDisputeStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.Dispute
	byTxID map[string]string
}

// NewMemoryDisputeStore returns an in-memory DisputeStore.
func NewMemoryDisputeStore() DisputeStore {
	return &memoryDisputeStore{
		data:   make(map[string]*domain.Dispute),
		byTxID: make(map[string]string),
	}
}

func (s *memoryDisputeStore) Get(ctx context.Context, id string) (*domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[id]
	if !ok {
		return nil, svcerrors.NotFound("dispute", id)
	}
	return d.Clone(), nil
}

func (s *memoryDisputeStore) GetByTransaction(ctx context.Context, txID string) (*domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTxID[txID]
	if !ok {
		return nil, svcerrors.NotFound("dispute", txID)
	}
	return s.data[id].Clone(), nil
}

func (s *memoryDisputeStore) Save(ctx context.Context, d *domain.Dispute, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[d.ID]
	if expectedVersion == 0 {
		if exists {
			return svcerrors.Conflict("dispute already exists")
		}
	} else {
		if !exists {
			return svcerrors.NotFound("dispute", d.ID)
		}
		if current.Version != expectedVersion {
			return svcerrors.Conflict("dispute version mismatch")
		}
	}

	stored := d.Clone()
	stored.Version = expectedVersion + 1
	s.data[d.ID] = stored
	s.byTxID[d.TransactionID] = d.ID
	d.Version = stored.Version
	return nil
}

func (s *memoryDisputeStore) ListOpenWithEvidenceDueBefore(ctx context.Context, cutoff time.Time) ([]*domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Dispute
	for _, d := range s.data {
		if d.Status != domain.DisputeOpen && d.Status != domain.DisputeInvestigating {
			continue
		}
		if d.EvidenceDue.IsZero() || d.EvidenceDue.After(cutoff) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvidenceDue.Before(out[j].EvidenceDue) })
	return out, nil
}

type memoryTrustStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ParticipantTrust
}

// NewMemoryTrustStore returns an in-memory TrustStore.
func NewMemoryTrustStore() TrustStore {
	return &memoryTrustStore{data: make(map[string]*domain.ParticipantTrust)}
}

func (s *memoryTrustStore) Get(ctx context.Context, participantID string) (*domain.ParticipantTrust, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.data[participantID]
	if !ok {
		return nil, svcerrors.NotFound("participantTrust", participantID)
	}
	return pt.Clone(), nil
}

func (s *memoryTrustStore) Save(ctx context.Context, pt *domain.ParticipantTrust, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[pt.ParticipantID]
	if expectedVersion == 0 {
		if exists && current.Version != 0 {
			return svcerrors.Conflict("trust record already exists")
		}
	} else {
		if !exists {
			return svcerrors.NotFound("participantTrust", pt.ParticipantID)
		}
		if current.Version != expectedVersion {
			return svcerrors.Conflict("trust record version mismatch")
		}
	}

	stored := pt.Clone()
	stored.Version = expectedVersion + 1
	s.data[pt.ParticipantID] = stored
	pt.Version = stored.Version
	return nil
}

func (s *memoryTrustStore) Leaderboard(ctx context.Context, n int) ([]*domain.ParticipantTrust, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.ParticipantTrust, 0, len(s.data))
	for _, pt := range s.data {
		all = append(all, pt.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].ParticipantID < all[j].ParticipantID
	})
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all, nil
}

type memoryEmergencyStopStore struct {
	mu   sync.RWMutex
	data map[string]*domain.EmergencyStop
}

// NewMemoryEmergencyStopStore returns an in-memory EmergencyStopStore.
func NewMemoryEmergencyStopStore() EmergencyStopStore {
	return &memoryEmergencyStopStore{data: make(map[string]*domain.EmergencyStop)}
}

func (s *memoryEmergencyStopStore) Get(ctx context.Context, id string) (*domain.EmergencyStop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	es, ok := s.data[id]
	if !ok {
		return nil, svcerrors.NotFound("emergencyStop", id)
	}
	return es.Clone(), nil
}

func (s *memoryEmergencyStopStore) Save(ctx context.Context, es *domain.EmergencyStop, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[es.ID]
	if expectedVersion == 0 {
		if exists {
			return svcerrors.Conflict("emergency stop already exists")
		}
	} else {
		if !exists {
			return svcerrors.NotFound("emergencyStop", es.ID)
		}
		if current.Version != expectedVersion {
			return svcerrors.Conflict("emergency stop version mismatch")
		}
	}

	stored := es.Clone()
	stored.Version = expectedVersion + 1
	s.data[es.ID] = stored
	es.Version = stored.Version
	return nil
}

func (s *memoryEmergencyStopStore) ListActive(ctx context.Context) ([]*domain.EmergencyStop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.EmergencyStop
	for _, es := range s.data {
		if es.Status == domain.StopActive {
			out = append(out, es.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

type memoryCompensationStore struct {
	mu         sync.RWMutex
	data       map[string]*domain.Compensation
	byParentTx map[string]string
}

// NewMemoryCompensationStore returns an in-memory CompensationStore.
func NewMemoryCompensationStore() CompensationStore {
	return &memoryCompensationStore{
		data:       make(map[string]*domain.Compensation),
		byParentTx: make(map[string]string),
	}
}

func (s *memoryCompensationStore) Get(ctx context.Context, id string) (*domain.Compensation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data[id]
	if !ok {
		return nil, svcerrors.NotFound("compensation", id)
	}
	return c.Clone(), nil
}

func (s *memoryCompensationStore) GetByParentTx(ctx context.Context, parentTxID string) (*domain.Compensation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byParentTx[parentTxID]
	if !ok {
		return nil, svcerrors.NotFound("compensation", parentTxID)
	}
	return s.data[id].Clone(), nil
}

func (s *memoryCompensationStore) Save(ctx context.Context, c *domain.Compensation, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[c.ID]
	if expectedVersion == 0 {
		if exists {
			return svcerrors.Conflict("compensation already exists")
		}
	} else {
		if !exists {
			return svcerrors.NotFound("compensation", c.ID)
		}
		if current.Version != expectedVersion {
			return svcerrors.Conflict("compensation version mismatch")
		}
	}

	stored := c.Clone()
	stored.Version = expectedVersion + 1
	s.data[c.ID] = stored
	s.byParentTx[c.ParentTxID] = c.ID
	c.Version = stored.Version
	return nil
}

// NewMemoryStores bundles one in-memory implementation of each store, for
// tests and for single-process deployments.
func NewMemoryStores() *Stores {
	return &Stores{
		Transactions:   NewMemoryTransactionStore(),
		Disputes:       NewMemoryDisputeStore(),
		Trust:          NewMemoryTrustStore(),
		EmergencyStops: NewMemoryEmergencyStopStore(),
		Compensations:  NewMemoryCompensationStore(),
	}
}
