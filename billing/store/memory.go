/*
Package store provides an in-memory implementation of the billing
persistence interfaces for tests and local development.

The Memory store implements billing.TxStore plus the ReadingSource and
TariffSource collaborators, so a test can stand up the whole engine from
one object. WithTx takes a deep snapshot of all state and restores it when
fn fails, matching the rollback semantics of the SQLite store.
*/
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aguavista/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type seqKey struct {
	Kind   string
	Period billing.Period
}

type Memory struct {
	mu sync.RWMutex

	bills       map[billing.BillID]billing.Bill
	payments    map[billing.PaymentID]billing.Payment
	allocations []billing.BillAllocation
	balances    map[billing.CustomerID]decimal.Decimal
	movements   []billing.BalanceMovement
	sequences   map[seqKey]int

	readings map[billing.ReadingID]billing.Reading
	tariff   *billing.Tariff

	billSeq int // creation-order tie-break for listings
	ordinal map[billing.BillID]int
}

func NewMemory() *Memory {
	return &Memory{
		bills:     make(map[billing.BillID]billing.Bill),
		payments:  make(map[billing.PaymentID]billing.Payment),
		balances:  make(map[billing.CustomerID]decimal.Decimal),
		sequences: make(map[seqKey]int),
		readings:  make(map[billing.ReadingID]billing.Reading),
		ordinal:   make(map[billing.BillID]int),
	}
}

// =============================================================================
// TEST FIXTURES
// =============================================================================

// AddReading registers a reading for the ReadingSource side.
func (m *Memory) AddReading(r billing.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[r.ID] = r
}

// SetTariff sets the active tariff.
func (m *Memory) SetTariff(t billing.Tariff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tariff = &t
}

// =============================================================================
// BILL STORE
// =============================================================================

func (m *Memory) CreateBill(_ context.Context, b *billing.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bills[b.ID]; ok {
		return fmt.Errorf("bill %s: %w", b.ID, billing.ErrPersistence)
	}
	m.billSeq++
	m.ordinal[b.ID] = m.billSeq
	m.bills[b.ID] = *b
	return nil
}

func (m *Memory) BillByID(_ context.Context, id billing.BillID) (*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, billing.ErrBillNotFound
	}
	return &b, nil
}

func (m *Memory) BillByReading(_ context.Context, id billing.ReadingID) (*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bills {
		if b.ReadingID == id {
			b := b
			return &b, nil
		}
	}
	return nil, nil
}

func (m *Memory) BillsByIDs(_ context.Context, ids []billing.BillID) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Bill, 0, len(ids))
	for _, id := range ids {
		b, ok := m.bills[id]
		if !ok {
			return nil, billing.ErrBillNotFound
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) UpdateBill(_ context.Context, b *billing.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bills[b.ID]; !ok {
		return billing.ErrBillNotFound
	}
	m.bills[b.ID] = *b
	return nil
}

func (m *Memory) DeleteBill(_ context.Context, id billing.BillID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bills[id]; !ok {
		return billing.ErrBillNotFound
	}
	delete(m.bills, id)
	delete(m.ordinal, id)
	return nil
}

func (m *Memory) ListBills(_ context.Context, f billing.BillFilter) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Bill
	for _, b := range m.bills {
		if matchesBill(b, f) {
			out = append(out, b)
		}
	}
	m.sortByCreation(out)
	return out, nil
}

func (m *Memory) BillStats(_ context.Context, f billing.BillFilter) (*billing.BillStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &billing.BillStats{
		AmountTotal:    decimal.Zero,
		AmountPending:  decimal.Zero,
		AmountInReview: decimal.Zero,
		AmountSettled:  decimal.Zero,
	}
	for _, b := range m.bills {
		if !matchesBill(b, f) {
			continue
		}
		stats.Total++
		stats.AmountTotal = stats.AmountTotal.Add(b.Total)
		switch b.State {
		case billing.SettlementPending:
			stats.Pending++
			stats.AmountPending = stats.AmountPending.Add(b.Total)
		case billing.SettlementInReview:
			stats.InReview++
			stats.AmountInReview = stats.AmountInReview.Add(b.Total)
		case billing.SettlementSettled:
			stats.Settled++
			stats.AmountSettled = stats.AmountSettled.Add(b.Total)
		}
	}
	return stats, nil
}

func (m *Memory) OutstandingBills(_ context.Context, customerID billing.CustomerID) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Bill
	for _, b := range m.bills {
		if b.CustomerID == customerID && b.Outstanding.Sign() > 0 {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Period.Compare(out[j].Period); c != 0 {
			return c < 0
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *Memory) LatestBilledConsumption(_ context.Context, meterID billing.MeterID) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *billing.Bill
	for _, b := range m.bills {
		if b.MeterID != meterID {
			continue
		}
		b := b
		if latest == nil || latest.Period.Before(b.Period) {
			latest = &b
		}
	}
	if latest == nil {
		return 0, false, nil
	}
	return latest.Consumption, true, nil
}

func matchesBill(b billing.Bill, f billing.BillFilter) bool {
	if f.CustomerID != "" && b.CustomerID != f.CustomerID {
		return false
	}
	if f.MeterID != "" && b.MeterID != f.MeterID {
		return false
	}
	if f.State != nil && b.State != *f.State {
		return false
	}
	if f.Period != nil && b.Period != *f.Period {
		return false
	}
	if f.MissingProof && (b.State != billing.SettlementSettled || b.ProofRef != "") {
		return false
	}
	return true
}

func (m *Memory) sortByCreation(bills []billing.Bill) {
	sort.Slice(bills, func(i, j int) bool {
		return m.ordinal[bills[i].ID] < m.ordinal[bills[j].ID]
	})
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

func (m *Memory) CreatePayment(_ context.Context, p *billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return fmt.Errorf("payment %s: %w", p.ID, billing.ErrPersistence)
	}
	m.payments[p.ID] = *p
	return nil
}

func (m *Memory) PaymentByID(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	return &p, nil
}

func (m *Memory) UpdatePayment(_ context.Context, p *billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return billing.ErrPaymentNotFound
	}
	m.payments[p.ID] = *p
	return nil
}

func (m *Memory) ListPayments(_ context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Payment
	for _, p := range m.payments {
		if f.CustomerID != "" && p.CustomerID != f.CustomerID {
			continue
		}
		if f.State != "" && p.State != f.State {
			continue
		}
		if f.From != nil && p.SubmittedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && p.SubmittedAt.After(*f.To) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
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

func (m *Memory) CreateAllocations(_ context.Context, allocs []billing.BillAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations = append(m.allocations, allocs...)
	return nil
}

func (m *Memory) AllocationsByPayment(_ context.Context, id billing.PaymentID) ([]billing.BillAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.BillAllocation
	for _, a := range m.allocations {
		if a.PaymentID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) AllocationsByBill(_ context.Context, id billing.BillID) ([]billing.BillAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.BillAllocation
	for _, a := range m.allocations {
		if a.BillID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) CountInReviewClaims(_ context.Context, billID billing.BillID, exclude billing.PaymentID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, a := range m.allocations {
		if a.BillID != billID || a.PaymentID == exclude {
			continue
		}
		if p, ok := m.payments[a.PaymentID]; ok && p.State == billing.PaymentInReview {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CountPaymentsInState(_ context.Context, customerID billing.CustomerID, state billing.PaymentState) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, p := range m.payments {
		if p.CustomerID == customerID && p.State == state {
			count++
		}
	}
	return count, nil
}

// =============================================================================
// CREDIT STORE
// =============================================================================

func (m *Memory) CreditBalance(_ context.Context, customerID billing.CustomerID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[customerID]; ok {
		return b, nil
	}
	return decimal.Zero, nil
}

func (m *Memory) SetCreditBalance(_ context.Context, customerID billing.CustomerID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[customerID] = balance
	return nil
}

func (m *Memory) AppendMovement(_ context.Context, mv *billing.BalanceMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements = append(m.movements, *mv)
	return nil
}

func (m *Memory) MovementsByCustomer(_ context.Context, customerID billing.CustomerID, limit int) ([]billing.BalanceMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.BalanceMovement
	for i := len(m.movements) - 1; i >= 0; i-- {
		if m.movements[i].CustomerID != customerID {
			continue
		}
		out = append(out, m.movements[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MovementsInOrder(_ context.Context, customerID billing.CustomerID) ([]billing.BalanceMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.BalanceMovement
	for _, mv := range m.movements {
		if mv.CustomerID == customerID {
			out = append(out, mv)
		}
	}
	return out, nil
}

// =============================================================================
// SEQUENCE STORE
// =============================================================================

func (m *Memory) NextSequence(_ context.Context, kind string, p billing.Period) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seqKey{Kind: kind, Period: p}
	m.sequences[k]++
	return m.sequences[k], nil
}

// =============================================================================
// TRANSACTION BOUNDARY - snapshot and restore
// =============================================================================

// WithTx snapshots all state, runs fn against the store itself, and
// restores the snapshot if fn fails. Single-writer semantics come from the
// store mutex inside each operation; the snapshot provides rollback.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	bills       map[billing.BillID]billing.Bill
	payments    map[billing.PaymentID]billing.Payment
	allocations []billing.BillAllocation
	balances    map[billing.CustomerID]decimal.Decimal
	movements   []billing.BalanceMovement
	sequences   map[seqKey]int
	billSeq     int
	ordinal     map[billing.BillID]int
}

func (m *Memory) snapshot() memSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := memSnapshot{
		bills:       make(map[billing.BillID]billing.Bill, len(m.bills)),
		payments:    make(map[billing.PaymentID]billing.Payment, len(m.payments)),
		allocations: append([]billing.BillAllocation(nil), m.allocations...),
		balances:    make(map[billing.CustomerID]decimal.Decimal, len(m.balances)),
		movements:   append([]billing.BalanceMovement(nil), m.movements...),
		sequences:   make(map[seqKey]int, len(m.sequences)),
		billSeq:     m.billSeq,
		ordinal:     make(map[billing.BillID]int, len(m.ordinal)),
	}
	for k, v := range m.bills {
		s.bills[k] = v
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.sequences {
		s.sequences[k] = v
	}
	for k, v := range m.ordinal {
		s.ordinal[k] = v
	}
	return s
}

func (m *Memory) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bills = s.bills
	m.payments = s.payments
	m.allocations = s.allocations
	m.balances = s.balances
	m.movements = s.movements
	m.sequences = s.sequences
	m.billSeq = s.billSeq
	m.ordinal = s.ordinal
}

// =============================================================================
// READING SOURCE / TARIFF SOURCE
// =============================================================================

func (m *Memory) Reading(_ context.Context, id billing.ReadingID) (*billing.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readings[id]
	if !ok {
		return nil, billing.ErrReadingNotFound
	}
	return &r, nil
}

func (m *Memory) PriorReading(_ context.Context, meterID billing.MeterID, p billing.Period) (*billing.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prev := p.Prev()
	for _, r := range m.readings {
		if r.MeterID == meterID && r.Period == prev {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (m *Memory) LatestReadings(_ context.Context, meterID billing.MeterID, limit int) ([]billing.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Reading
	for _, r := range m.readings {
		if r.MeterID == meterID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].Period.Before(out[i].Period)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CurrentTariff(_ context.Context) (*billing.Tariff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tariff == nil || !m.tariff.Active {
		return nil, billing.ErrTariffNotConfigured
	}
	t := *m.tariff
	return &t, nil
}
