/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Defines the boundary between domain logic and the database. The domain
  never issues SQL; it reads records, computes new ones, and writes them
  back through these interfaces inside a WithTx scope.

KEY INTERFACES:
  BillStore, PaymentStore, CreditStore: per-entity persistence
  SequenceStore:  the transactional per-period display-number counter
  Store:          everything a transaction scope can touch
  TxStore:        Store plus the WithTx transaction boundary
  ReadingSource / TariffSource: upstream collaborators consumed read-only

TRANSACTION CONTRACT:
  Every mutating operation of the engine runs inside one WithTx(fn) call.
  fn receives a Store view bound to the transaction; returning an error
  rolls everything back. Two concurrent mutations touching the same bill
  or balance must serialize: the second either waits or fails retriable.

IMPLEMENTATIONS:
  - store/sqlite:        production SQLite store
  - billing/store:       in-memory store with snapshot rollback (tests)
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS & AGGREGATES
// =============================================================================

type BillFilter struct {
	CustomerID   CustomerID
	MeterID      MeterID
	State        *SettlementState
	Period       *Period
	MissingProof bool // settled bills with no proof reference
}

type PaymentFilter struct {
	CustomerID CustomerID
	State      PaymentState
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// BillStats summarizes bills matching a filter, per settlement state.
type BillStats struct {
	Total          int
	Pending        int
	InReview       int
	Settled        int
	AmountTotal    decimal.Decimal
	AmountPending  decimal.Decimal
	AmountInReview decimal.Decimal
	AmountSettled  decimal.Decimal
}

// =============================================================================
// ENTITY STORES
// =============================================================================

type BillStore interface {
	CreateBill(ctx context.Context, b *Bill) error
	BillByID(ctx context.Context, id BillID) (*Bill, error)

	// BillByReading returns nil, nil when no bill exists for the reading.
	BillByReading(ctx context.Context, id ReadingID) (*Bill, error)

	// BillsByIDs returns the bills in no particular order; ordering is the
	// allocation planner's job so it stays deterministic and testable.
	BillsByIDs(ctx context.Context, ids []BillID) ([]Bill, error)

	UpdateBill(ctx context.Context, b *Bill) error
	DeleteBill(ctx context.Context, id BillID) error

	ListBills(ctx context.Context, f BillFilter) ([]Bill, error)
	BillStats(ctx context.Context, f BillFilter) (*BillStats, error)

	// OutstandingBills returns the customer's bills with outstanding > 0,
	// oldest period first.
	OutstandingBills(ctx context.Context, customerID CustomerID) ([]Bill, error)

	// LatestBilledConsumption returns the consumption of the meter's most
	// recent bill. ok is false when the meter has no bills.
	LatestBilledConsumption(ctx context.Context, meterID MeterID) (consumption int64, ok bool, err error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p *Payment) error
	PaymentByID(ctx context.Context, id PaymentID) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error)

	CreateAllocations(ctx context.Context, allocs []BillAllocation) error
	AllocationsByPayment(ctx context.Context, id PaymentID) ([]BillAllocation, error)
	AllocationsByBill(ctx context.Context, id BillID) ([]BillAllocation, error)

	// CountInReviewClaims counts other in-review payments that also
	// reference the bill. Used by Reject to decide whether the bill's
	// provisional mark can be cleared.
	CountInReviewClaims(ctx context.Context, billID BillID, exclude PaymentID) (int, error)

	CountPaymentsInState(ctx context.Context, customerID CustomerID, state PaymentState) (int, error)
}

type CreditStore interface {
	// CreditBalance returns the materialized balance, zero for unknown customers.
	CreditBalance(ctx context.Context, customerID CustomerID) (decimal.Decimal, error)
	SetCreditBalance(ctx context.Context, customerID CustomerID, balance decimal.Decimal) error

	// AppendMovement persists a movement. Append-only: no update, no delete.
	AppendMovement(ctx context.Context, m *BalanceMovement) error

	// MovementsByCustomer returns movements newest first, up to limit
	// (0 = no limit).
	MovementsByCustomer(ctx context.Context, customerID CustomerID, limit int) ([]BalanceMovement, error)

	// MovementsInOrder returns every movement for the customer in creation
	// order, for balance replay.
	MovementsInOrder(ctx context.Context, customerID CustomerID) ([]BalanceMovement, error)
}

// SequenceStore issues display-number sequences from a monotonic counter
// scoped to (kind, period). Calling it inside WithTx makes numbering safe
// under concurrent issuance, which max()+1 schemes are not.
type SequenceStore interface {
	NextSequence(ctx context.Context, kind string, p Period) (int, error)
}

// =============================================================================
// COMPOSED STORE + TRANSACTION BOUNDARY
// =============================================================================

// Store is everything a transaction scope can touch.
type Store interface {
	BillStore
	PaymentStore
	CreditStore
	SequenceStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// UPSTREAM COLLABORATORS - consumed, not owned
// =============================================================================

// ReadingSource supplies meter readings. The engine never writes readings;
// the generation service does, through its own store interface.
type ReadingSource interface {
	Reading(ctx context.Context, id ReadingID) (*Reading, error)

	// PriorReading returns the reading of the period immediately before p
	// for the meter, or nil, nil for a new meter.
	PriorReading(ctx context.Context, meterID MeterID, p Period) (*Reading, error)

	// LatestReadings returns the meter's most recent readings, newest
	// first, at most limit entries.
	LatestReadings(ctx context.Context, meterID MeterID, limit int) ([]Reading, error)
}

// TariffSource supplies the active tariff.
type TariffSource interface {
	// CurrentTariff returns ErrTariffNotConfigured when none is active.
	CurrentTariff(ctx context.Context) (*Tariff, error)
}
